package queue

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/linewatch/linewatch/internal/models"
	"gorm.io/gorm"
)

// DefaultStaleThreshold is the default time after which a worker is considered dead.
const DefaultStaleThreshold = 60 * time.Second

// LostReason is recorded on jobs whose worker stopped heartbeating.
const LostReason = "worker_lost"

// StaleWorkers returns running workers whose last heartbeat is older than threshold.
func StaleWorkers(db *gorm.DB, threshold time.Duration) ([]models.Worker, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("queue: threshold must be positive")
	}
	cutoff := time.Now().Add(-threshold)
	var workers []models.Worker
	if err := db.Where("last_heartbeat < ? AND status = ?", cutoff, WorkerRunning).
		Find(&workers).Error; err != nil {
		return nil, fmt.Errorf("queue: stale workers: %w", err)
	}
	return workers, nil
}

// Reap marks stale workers dead and fails their running jobs. onLost is
// called for each failed job so the caller can revert the job's entity.
// It returns the number of jobs failed.
func Reap(db *gorm.DB, threshold time.Duration, onLost func(models.Job)) (int, error) {
	stale, err := StaleWorkers(db, threshold)
	if err != nil {
		return 0, err
	}

	var lost int
	for _, w := range stale {
		result := db.Model(&models.Worker{}).
			Where("id = ? AND status = ?", w.ID, WorkerRunning).
			Update("status", WorkerDead)
		if result.Error != nil {
			return lost, fmt.Errorf("queue: mark worker %s dead: %w", w.ID, result.Error)
		}
		if result.RowsAffected == 0 {
			// Another reaper got there first.
			continue
		}
		log.Printf("reaper: worker %s (%s) stale since %s, marked dead", w.ID, w.Hostname, w.LastHeartbeat.Format(time.RFC3339))

		var running []models.Job
		if err := db.Where("worker_id = ? AND status = ?", w.ID, models.JobRunning).Find(&running).Error; err != nil {
			return lost, fmt.Errorf("queue: jobs of worker %s: %w", w.ID, err)
		}
		for _, j := range running {
			msg := fmt.Sprintf("worker %s stopped heartbeating", w.ID)
			if err := Finish(db, j.ID, false, LostReason, msg); err != nil {
				return lost, err
			}
			lost++
			log.Printf("reaper: job %d (%s line %d) failed: %s", j.ID, j.Kind, j.LineID, msg)
			if onLost != nil {
				onLost(j)
			}
		}
	}
	return lost, nil
}

// RunReaper calls Reap every interval until ctx is cancelled.
func RunReaper(ctx context.Context, db *gorm.DB, threshold, interval time.Duration, onLost func(models.Job)) {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	if interval <= 0 {
		interval = threshold / 2
	}
	for {
		if _, err := Reap(db, threshold, onLost); err != nil {
			log.Printf("reaper: %v", err)
		}
		sleepWithContext(ctx, interval)
		if ctx.Err() != nil {
			return
		}
	}
}

// sleepWithContext sleeps for duration d, returning early if ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
