// Package prediction provides prediction batch lifecycle operations.
package prediction

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/linewatch/linewatch/internal/errs"
	"github.com/linewatch/linewatch/internal/models"
	"gorm.io/gorm"
)

// NameLayout formats batch names from the submission time.
const NameLayout = "batch-20060102-150405"

// CreateOpts holds parameters for registering a submitted batch.
type CreateOpts struct {
	LineID     uint
	Name       string // empty derives a name from Now
	DataPath   string
	TotalCount int // images submitted
	Now        time.Time
}

// ValidTransitions maps each status to its valid next statuses.
// PREDICTED is terminal.
var ValidTransitions = map[models.PredictionStatus][]models.PredictionStatus{
	models.PredictionPending:  {models.PredictionRunning},
	models.PredictionRunning:  {models.PredictionRunning, models.PredictionComplete, models.PredictionFailed},
	models.PredictionFailed:   {models.PredictionRunning},
	models.PredictionComplete: {},
}

// BatchName returns the name assigned to a batch submitted at t.
func BatchName(t time.Time) string {
	return t.Format(NameLayout)
}

// NewBatchDir creates an empty directory for a batch submitted at now under
// the line's data path. Directories are never shared: two batches submitted
// in the same second get distinct suffixes.
func NewBatchDir(lineDataPath string, now time.Time) (string, error) {
	parent := filepath.Join(lineDataPath, "batches")
	if err := os.MkdirAll(parent, 0755); err != nil {
		return "", fmt.Errorf("prediction: create %s: %w", parent, err)
	}
	dir := filepath.Join(parent, BatchName(now)+"-"+strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	if err := os.Mkdir(dir, 0755); err != nil {
		return "", fmt.Errorf("prediction: create batch dir: %w", err)
	}
	return dir, nil
}

// CheckImageNames rejects a submission whose files would overwrite each
// other once stored in one batch directory.
func CheckImageNames(names []string) error {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		base := filepath.Base(n)
		if base == "." || base == string(filepath.Separator) {
			return errs.Invalid("images", "invalid file name %q", n)
		}
		if seen[base] {
			return errs.Invalid("images", "duplicate file name %q", base)
		}
		seen[base] = true
	}
	return nil
}

// Create inserts a NOT_PREDICTED prediction for an existing line. TotalCount
// records the submitted images until the batch is scored.
func Create(db *gorm.DB, opts CreateOpts) (*models.Prediction, error) {
	if opts.TotalCount < 0 {
		return nil, errs.Invalid("total_count", "must not be negative, got %d", opts.TotalCount)
	}
	var count int64
	if err := db.Model(&models.Line{}).Where("id = ?", opts.LineID).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("prediction: check line %d: %w", opts.LineID, err)
	}
	if count == 0 {
		return nil, errs.NotFound("line", opts.LineID)
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	name := opts.Name
	if name == "" {
		name = BatchName(now)
	}

	p := models.Prediction{
		Name:       name,
		LineID:     opts.LineID,
		DataPath:   opts.DataPath,
		TotalCount: opts.TotalCount,
		Status:     models.PredictionPending,
		CreatedAt:  now,
	}
	if err := db.Create(&p).Error; err != nil {
		return nil, fmt.Errorf("prediction: create: %w", err)
	}
	return &p, nil
}

// Get retrieves a prediction by ID.
func Get(db *gorm.DB, id uint) (*models.Prediction, error) {
	var p models.Prediction
	if err := db.Where("id = ?", id).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("prediction", id)
		}
		return nil, fmt.Errorf("prediction: get %d: %w", id, err)
	}
	return &p, nil
}

// List returns a line's predictions, newest first.
func List(db *gorm.DB, lineID uint) ([]models.Prediction, error) {
	var preds []models.Prediction
	if err := db.Where("line_id = ?", lineID).Order("created_at DESC, id DESC").Find(&preds).Error; err != nil {
		return nil, fmt.Errorf("prediction: list line %d: %w", lineID, err)
	}
	return preds, nil
}

// ListSince returns a line's predictions created within [since, until],
// in any status, oldest first.
func ListSince(db *gorm.DB, lineID uint, since, until time.Time) ([]models.Prediction, error) {
	var preds []models.Prediction
	err := db.Where("line_id = ? AND created_at >= ? AND created_at <= ?", lineID, since, until).
		Order("created_at ASC, id ASC").
		Find(&preds).Error
	if err != nil {
		return nil, fmt.Errorf("prediction: list since line %d: %w", lineID, err)
	}
	return preds, nil
}

// Update sets the batch data path. Counts and status go through
// SetStatus, Complete and Fail.
func Update(db *gorm.DB, id uint, dataPath string) error {
	result := db.Model(&models.Prediction{}).Where("id = ?", id).Update("data_path", dataPath)
	if result.Error != nil {
		return fmt.Errorf("prediction: update %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return errs.NotFound("prediction", id)
	}
	return nil
}

// SetStatus moves a prediction to a new status, validated against
// ValidTransitions. Entering PREDICTING clears the defect count and the last
// error; the submitted total is kept.
func SetStatus(db *gorm.DB, id uint, status models.PredictionStatus) error {
	p, err := Get(db, id)
	if err != nil {
		return err
	}
	if !isValidTransition(p.Status, status) {
		return errs.Invalid("status", "transition from %s to %s is not allowed; valid transitions: %v", p.Status, status, ValidTransitions[p.Status])
	}

	updates := map[string]interface{}{"status": status}
	if status == models.PredictionRunning {
		updates["defects_count"] = 0
		updates["error_message"] = ""
	}
	return write(db, id, updates)
}

// Complete records the batch outcome and marks it PREDICTED. total is the
// number of images actually scored and replaces the submitted count.
func Complete(db *gorm.DB, id uint, total, defects int) error {
	if total < 0 || defects < 0 || defects > total {
		return errs.Invalid("defects_count", "need 0 <= defects <= total, got defects=%d total=%d", defects, total)
	}
	p, err := Get(db, id)
	if err != nil {
		return err
	}
	if !isValidTransition(p.Status, models.PredictionComplete) {
		return errs.Invalid("status", "cannot complete prediction in status %s", p.Status)
	}
	return write(db, id, map[string]interface{}{
		"status":        models.PredictionComplete,
		"total_count":   total,
		"defects_count": defects,
		"error_message": "",
	})
}

// Fail marks a running prediction FAILURE with the given reason.
func Fail(db *gorm.DB, id uint, reason string) error {
	p, err := Get(db, id)
	if err != nil {
		return err
	}
	if !isValidTransition(p.Status, models.PredictionFailed) {
		return errs.Invalid("status", "cannot fail prediction in status %s", p.Status)
	}
	return write(db, id, map[string]interface{}{
		"status":        models.PredictionFailed,
		"defects_count": 0,
		"error_message": reason,
	})
}

func write(db *gorm.DB, id uint, updates map[string]interface{}) error {
	result := db.Model(&models.Prediction{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("prediction: update %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return errs.NotFound("prediction", id)
	}
	return nil
}

func isValidTransition(from, to models.PredictionStatus) bool {
	for _, v := range ValidTransitions[from] {
		if v == to {
			return true
		}
	}
	return false
}
