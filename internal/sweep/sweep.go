// Package sweep periodically evaluates the recent quality of every trained
// line and alerts on lines below their threshold.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/linewatch/linewatch/internal/line"
	"github.com/linewatch/linewatch/internal/models"
	"github.com/linewatch/linewatch/internal/notify"
	"github.com/linewatch/linewatch/internal/quality"
	"gorm.io/gorm"
)

// DefaultWindow is the aggregation window when none is configured.
const DefaultWindow = 3 * time.Minute

// Sweeper evaluates trained lines against their alert thresholds.
type Sweeper struct {
	DB       *gorm.DB
	Notifier notify.Notifier
	Window   time.Duration
	Now      func() time.Time // nil means time.Now
}

// LineFailure is a per-line error recorded during a sweep.
type LineFailure struct {
	LineID uint
	Err    error
}

// Report summarises one sweep.
type Report struct {
	OK       bool
	Lines    int // lines evaluated
	Alerts   int // alerts delivered
	Failures []LineFailure
}

// Run performs one sweep. A failure on one line is logged and recorded and
// never stops the others. OK is false only when the set of trained lines
// could not be loaded.
func (s *Sweeper) Run(ctx context.Context) Report {
	lines, err := line.ListWithStatus(s.DB, models.LineTrained)
	if err != nil {
		log.Printf("sweep: snapshot trained lines: %v", err)
		return Report{}
	}

	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	window := s.Window
	if window <= 0 {
		window = DefaultWindow
	}

	rep := Report{OK: true}
	for _, l := range lines {
		if ctx.Err() != nil {
			log.Printf("sweep: interrupted after %d of %d lines", rep.Lines, len(lines))
			break
		}
		alerted, err := s.checkLine(ctx, l, window, now)
		rep.Lines++
		if err != nil {
			log.Printf("sweep: line %d (%s): %v", l.ID, l.Name, err)
			rep.Failures = append(rep.Failures, LineFailure{LineID: l.ID, Err: err})
			continue
		}
		if alerted {
			rep.Alerts++
		}
	}
	log.Printf("sweep: %d lines evaluated, %d alerts, %d failures", rep.Lines, rep.Alerts, len(rep.Failures))
	return rep
}

// checkLine evaluates one line and reports whether an alert was delivered.
func (s *Sweeper) checkLine(ctx context.Context, l models.Line, window time.Duration, now time.Time) (bool, error) {
	counts, err := quality.Aggregate(s.DB, l.ID, window, now)
	if err != nil {
		return false, err
	}
	q, err := quality.QualityPercent(counts)
	if errors.Is(err, quality.ErrNoData) {
		log.Printf("sweep: line %d (%s): no predictions in the last %s", l.ID, l.Name, window)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !quality.ShouldAlert(q, l.AlertThreshold) {
		return false, nil
	}

	log.Printf("sweep: line %d (%s): quality %.1f%% below threshold %d%%", l.ID, l.Name, q, l.AlertThreshold)
	msg := notify.QualityAlert(l.AlertEmail, l.Name, l.ID, l.DeviceToken, q, l.AlertThreshold)
	sendErr := s.Notifier.Send(ctx, msg)

	alert := models.Alert{
		LineID:       l.ID,
		Quality:      q,
		Threshold:    l.AlertThreshold,
		TotalCount:   counts.Total,
		DefectsCount: counts.Defects,
		Delivered:    sendErr == nil,
	}
	if sendErr != nil {
		alert.ErrorMessage = sendErr.Error()
	}
	if err := s.DB.Create(&alert).Error; err != nil {
		log.Printf("sweep: record alert for line %d: %v", l.ID, err)
	}

	if sendErr != nil {
		return false, fmt.Errorf("sweep: alert line %d: %w", l.ID, sendErr)
	}
	return true, nil
}

// Alerts returns the recorded alerts for a line, newest first. limit <= 0
// means no limit.
func Alerts(db *gorm.DB, lineID uint, limit int) ([]models.Alert, error) {
	q := db.Where("line_id = ?", lineID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.Alert
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("sweep: alerts for line %d: %w", lineID, err)
	}
	return out, nil
}
