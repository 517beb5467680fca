// Package quality aggregates recent prediction outcomes and decides whether
// a line's measured quality warrants an alert.
package quality

import (
	"errors"
	"fmt"
	"time"

	"github.com/linewatch/linewatch/internal/models"
	"gorm.io/gorm"
)

// ErrNoData is returned when a window holds no scored images.
var ErrNoData = errors.New("quality: no data in window")

// Counts is the sum of completed prediction counts over a window.
type Counts struct {
	Total   int `json:"total_count"`
	Defects int `json:"defects_count"`
}

// Empty reports whether the window held no scored images.
func (c Counts) Empty() bool { return c.Total == 0 }

// Aggregate sums total and defect counts of PREDICTED predictions for a line
// created within [now-window, now]. An empty window yields Counts{}.
// Pending, running and failed batches carry their submitted total_count but
// no defect count, so including them would report unscored images as good.
func Aggregate(db *gorm.DB, lineID uint, window time.Duration, now time.Time) (Counts, error) {
	if window <= 0 {
		return Counts{}, fmt.Errorf("quality: window must be positive, got %s", window)
	}

	var row struct {
		Total   int
		Defects int
	}
	err := db.Model(&models.Prediction{}).
		Select("COALESCE(SUM(total_count), 0) AS total, COALESCE(SUM(defects_count), 0) AS defects").
		Where("line_id = ? AND status = ? AND created_at >= ? AND created_at <= ?",
			lineID, models.PredictionComplete, now.Add(-window), now).
		Scan(&row).Error
	if err != nil {
		return Counts{}, fmt.Errorf("quality: aggregate line %d: %w", lineID, err)
	}
	return Counts{Total: row.Total, Defects: row.Defects}, nil
}

// QualityPercent returns the share of good images as a percentage.
func QualityPercent(c Counts) (float64, error) {
	if c.Total <= 0 {
		return 0, ErrNoData
	}
	return float64(c.Total-c.Defects) * 100 / float64(c.Total), nil
}

// ShouldAlert reports whether quality is strictly below the threshold.
func ShouldAlert(quality float64, threshold int) bool {
	return quality < float64(threshold)
}
