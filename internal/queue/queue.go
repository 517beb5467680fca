// Package queue is the durable job queue backed by the jobs table, plus the
// worker pool, heartbeat and reaper that execute and supervise it.
package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/linewatch/linewatch/internal/errs"
	"github.com/linewatch/linewatch/internal/models"
	"gorm.io/gorm"
)

// claimBatch is how many queued candidates one claim attempt considers.
const claimBatch = 8

// Enqueue adds a queued job.
func Enqueue(db *gorm.DB, kind string, lineID, predictionID uint) (*models.Job, error) {
	if kind != models.JobTrain && kind != models.JobPredict {
		return nil, errs.Invalid("kind", "unknown job kind %q", kind)
	}
	j := models.Job{
		Kind:         kind,
		LineID:       lineID,
		PredictionID: predictionID,
		Status:       models.JobQueued,
	}
	if err := db.Create(&j).Error; err != nil {
		return nil, fmt.Errorf("queue: enqueue %s line %d: %w", kind, lineID, err)
	}
	return &j, nil
}

// Get retrieves a job by ID.
func Get(db *gorm.DB, id uint) (*models.Job, error) {
	var j models.Job
	if err := db.Where("id = ?", id).First(&j).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("job", id)
		}
		return nil, fmt.Errorf("queue: get job %d: %w", id, err)
	}
	return &j, nil
}

// ListFilters holds optional filters for listing jobs.
type ListFilters struct {
	LineID uint
	Status string
	Limit  int
}

// List returns jobs matching filters, newest first.
func List(db *gorm.DB, filters ListFilters) ([]models.Job, error) {
	q := db.Model(&models.Job{})
	if filters.LineID != 0 {
		q = q.Where("line_id = ?", filters.LineID)
	}
	if filters.Status != "" {
		q = q.Where("status = ?", filters.Status)
	}
	if filters.Limit > 0 {
		q = q.Limit(filters.Limit)
	}
	var out []models.Job
	if err := q.Order("id DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	return out, nil
}

// Claim atomically takes the oldest queued job for workerID, skipping jobs
// for lines in exclude. It returns nil when nothing is claimable. The
// compare-and-swap on status means two workers, in any process, never
// claim the same job.
func Claim(db *gorm.DB, workerID string, exclude []uint) (*models.Job, error) {
	for {
		q := db.Where("status = ?", models.JobQueued)
		if len(exclude) > 0 {
			q = q.Where("line_id NOT IN ?", exclude)
		}
		var candidates []models.Job
		if err := q.Order("id ASC").Limit(claimBatch).Find(&candidates).Error; err != nil {
			return nil, fmt.Errorf("queue: find queued: %w", err)
		}
		if len(candidates) == 0 {
			return nil, nil
		}

		for _, c := range candidates {
			now := time.Now()
			result := db.Model(&models.Job{}).
				Where("id = ? AND status = ?", c.ID, models.JobQueued).
				Updates(map[string]interface{}{
					"status":     models.JobRunning,
					"worker_id":  workerID,
					"started_at": now,
				})
			if result.Error != nil {
				return nil, fmt.Errorf("queue: claim job %d: %w", c.ID, result.Error)
			}
			if result.RowsAffected == 1 {
				c.Status = models.JobRunning
				c.WorkerID = workerID
				c.StartedAt = &now
				return &c, nil
			}
		}
		// Every candidate was taken by another claimer; look again.
	}
}

// Finish records a running job's outcome. Jobs no longer running (for
// example failed by the reaper) are left untouched.
func Finish(db *gorm.DB, id uint, ok bool, reason, message string) error {
	status := models.JobSucceeded
	if !ok {
		status = models.JobFailed
	}
	result := db.Model(&models.Job{}).
		Where("id = ? AND status = ?", id, models.JobRunning).
		Updates(map[string]interface{}{
			"status":        status,
			"reason":        reason,
			"error_message": message,
			"completed_at":  time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("queue: finish job %d: %w", id, result.Error)
	}
	return nil
}
