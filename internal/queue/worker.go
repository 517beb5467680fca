package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/linewatch/linewatch/internal/models"
	"gorm.io/gorm"
)

// Worker statuses.
const (
	WorkerRunning = "running"
	WorkerStopped = "stopped"
	WorkerDead    = "dead"
)

// DefaultHeartbeatInterval is the default interval between heartbeat updates.
const DefaultHeartbeatInterval = 10 * time.Second

// maxHeartbeatFailures is the number of consecutive failed heartbeat
// writes after which the heartbeat gives up.
const maxHeartbeatFailures = 2

// GenerateWorkerID creates a unique worker ID in wrk-xxxxxxxx format (8-char hex).
func GenerateWorkerID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("queue: generate worker ID: %w", err)
	}
	return "wrk-" + hex.EncodeToString(b), nil
}

// Register records a running worker for this process.
func Register(db *gorm.DB, id string) (*models.Worker, error) {
	host, _ := os.Hostname()
	now := time.Now()
	w := models.Worker{
		ID:            id,
		Hostname:      host,
		Status:        WorkerRunning,
		StartedAt:     now,
		LastHeartbeat: now,
	}
	if err := db.Create(&w).Error; err != nil {
		return nil, fmt.Errorf("queue: register worker %s: %w", id, err)
	}
	return &w, nil
}

// Deregister marks a worker stopped.
func Deregister(db *gorm.DB, id string) error {
	if err := db.Model(&models.Worker{}).Where("id = ?", id).Update("status", WorkerStopped).Error; err != nil {
		return fmt.Errorf("queue: deregister worker %s: %w", id, err)
	}
	return nil
}

// StartHeartbeat launches a goroutine that periodically updates the worker's
// last_heartbeat timestamp. It returns a channel that receives an error if the
// worker row disappears or was marked dead, or maxHeartbeatFailures updates
// in a row fail. A single failed update is logged and retried on the next tick.
func StartHeartbeat(ctx context.Context, db *gorm.DB, workerID string, interval time.Duration) <-chan error {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	errCh := make(chan error, 1)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		failures := 0

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				result := db.Model(&models.Worker{}).
					Where("id = ? AND status = ?", workerID, WorkerRunning).
					Update("last_heartbeat", time.Now())

				if result.Error != nil {
					failures++
					if failures < maxHeartbeatFailures {
						log.Printf("queue: heartbeat %s failed, retrying: %v", workerID, result.Error)
						continue
					}
					errCh <- fmt.Errorf("queue: heartbeat %s: %d consecutive failures: %w", workerID, failures, result.Error)
					return
				}
				failures = 0
				if result.RowsAffected == 0 {
					errCh <- fmt.Errorf("queue: heartbeat %s: worker not found or no longer running", workerID)
					return
				}
			}
		}
	}()

	return errCh
}
