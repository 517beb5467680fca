// Package line provides production line lifecycle operations.
package line

import (
	"errors"
	"fmt"
	"net/mail"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/linewatch/linewatch/internal/errs"
	"github.com/linewatch/linewatch/internal/models"
	"gorm.io/gorm"
)

// MaxNameLen is the longest accepted line name.
const MaxNameLen = 63

// CreateOpts holds parameters for creating a new line.
type CreateOpts struct {
	Name           string
	CustomerID     *int
	AlertThreshold *int // nil keeps the default of 100
	AlertEmail     string
	DataPath       string // empty derives <dataRoot>/<id>
	DataRoot       string
}

// UpdateOpts holds the user-editable fields. Nil or empty values are left unchanged.
type UpdateOpts struct {
	Name           string
	AlertThreshold *int
	AlertEmail     *string
	DataPath       string
}

// ListFilters holds optional filters for listing lines.
type ListFilters struct {
	CustomerID *int
	Status     models.LineStatus
}

// ValidTransitions maps each status to its valid next statuses. Only the
// training job and crash recovery drive these.
var ValidTransitions = map[models.LineStatus][]models.LineStatus{
	models.LineNotTrained: {models.LineTraining},
	models.LineTraining:   {models.LineTraining, models.LineTrained, models.LineNotTrained},
	models.LineTrained:    {models.LineTraining},
}

// Create validates opts and inserts a new NOT_TRAINED line with a fresh device token.
func Create(db *gorm.DB, opts CreateOpts) (*models.Line, error) {
	if err := validateName(opts.Name); err != nil {
		return nil, err
	}
	if opts.CustomerID == nil {
		return nil, errs.Invalid("customer_id", "is required")
	}
	if *opts.CustomerID < 0 {
		return nil, errs.Invalid("customer_id", "must not be negative, got %d", *opts.CustomerID)
	}
	threshold := 100
	if opts.AlertThreshold != nil {
		threshold = *opts.AlertThreshold
	}
	if err := validateThreshold(threshold); err != nil {
		return nil, err
	}
	if err := validateEmail(opts.AlertEmail); err != nil {
		return nil, err
	}

	l := models.Line{
		Name:           strings.TrimSpace(opts.Name),
		CustomerID:     *opts.CustomerID,
		AlertThreshold: threshold,
		AlertEmail:     opts.AlertEmail,
		DeviceToken:    uuid.NewString(),
		DataPath:       opts.DataPath,
		Status:         models.LineNotTrained,
	}

	if err := db.Create(&l).Error; err != nil {
		return nil, fmt.Errorf("line: create: %w", err)
	}

	if l.DataPath == "" {
		l.DataPath = filepath.Join(opts.DataRoot, strconv.FormatUint(uint64(l.ID), 10))
		if err := db.Model(&models.Line{}).Where("id = ?", l.ID).Update("data_path", l.DataPath).Error; err != nil {
			return nil, fmt.Errorf("line: set data path %d: %w", l.ID, err)
		}
	}

	return &l, nil
}

// Get retrieves a line by ID.
func Get(db *gorm.DB, id uint) (*models.Line, error) {
	var l models.Line
	if err := db.Where("id = ?", id).First(&l).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("line", id)
		}
		return nil, fmt.Errorf("line: get %d: %w", id, err)
	}
	return &l, nil
}

// List returns lines matching the given filters, ordered by ID.
func List(db *gorm.DB, filters ListFilters) ([]models.Line, error) {
	q := db.Model(&models.Line{})

	if filters.CustomerID != nil {
		q = q.Where("customer_id = ?", *filters.CustomerID)
	}
	if filters.Status != "" {
		q = q.Where("status = ?", filters.Status)
	}

	var lines []models.Line
	if err := q.Order("id ASC").Find(&lines).Error; err != nil {
		return nil, fmt.Errorf("line: list: %w", err)
	}
	return lines, nil
}

// ListWithStatus returns every line currently in the given status.
func ListWithStatus(db *gorm.DB, status models.LineStatus) ([]models.Line, error) {
	return List(db, ListFilters{Status: status})
}

// Update applies user-editable changes and returns the reloaded line.
func Update(db *gorm.DB, id uint, opts UpdateOpts) (*models.Line, error) {
	if _, err := Get(db, id); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if opts.Name != "" {
		if err := validateName(opts.Name); err != nil {
			return nil, err
		}
		updates["name"] = strings.TrimSpace(opts.Name)
	}
	if opts.AlertThreshold != nil {
		if err := validateThreshold(*opts.AlertThreshold); err != nil {
			return nil, err
		}
		updates["alert_threshold"] = *opts.AlertThreshold
	}
	if opts.AlertEmail != nil {
		if err := validateEmail(*opts.AlertEmail); err != nil {
			return nil, err
		}
		updates["alert_email"] = *opts.AlertEmail
	}
	if opts.DataPath != "" {
		updates["data_path"] = opts.DataPath
	}

	if len(updates) > 0 {
		if err := db.Model(&models.Line{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("line: update %d: %w", id, err)
		}
	}
	return Get(db, id)
}

// SetStatus moves a line to a new status, validated against ValidTransitions.
// Extra column updates (such as model_path) are written in the same statement.
func SetStatus(db *gorm.DB, id uint, status models.LineStatus, extra map[string]interface{}) error {
	l, err := Get(db, id)
	if err != nil {
		return err
	}
	if !isValidTransition(l.Status, status) {
		return errs.Invalid("status", "transition from %s to %s is not allowed; valid transitions: %v", l.Status, status, ValidTransitions[l.Status])
	}

	updates := map[string]interface{}{"status": status}
	for k, v := range extra {
		updates[k] = v
	}

	result := db.Model(&models.Line{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("line: set status %d to %s: %w", id, status, result.Error)
	}
	if result.RowsAffected == 0 {
		return errs.NotFound("line", id)
	}
	return nil
}

// Delete removes a line. Deleting an unknown line is not an error.
func Delete(db *gorm.DB, id uint) error {
	if err := db.Where("id = ?", id).Delete(&models.Line{}).Error; err != nil {
		return fmt.Errorf("line: delete %d: %w", id, err)
	}
	return nil
}

// isValidTransition checks whether a status transition is allowed.
func isValidTransition(from, to models.LineStatus) bool {
	for _, v := range ValidTransitions[from] {
		if v == to {
			return true
		}
	}
	return false
}

func validateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errs.Invalid("name", "is required")
	}
	if len(name) > MaxNameLen {
		return errs.Invalid("name", "must be at most %d characters, got %d", MaxNameLen, len(name))
	}
	return nil
}

func validateThreshold(v int) error {
	if v < 0 || v > 100 {
		return errs.Invalid("alert_threshold", "must be between 0 and 100, got %d", v)
	}
	return nil
}

func validateEmail(addr string) error {
	if addr == "" {
		return nil
	}
	if _, err := mail.ParseAddress(addr); err != nil {
		return errs.Invalid("alert_email", "%q is not a valid address", addr)
	}
	return nil
}
