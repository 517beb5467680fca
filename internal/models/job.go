package models

import "time"

// Job kinds.
const (
	JobTrain   = "train"
	JobPredict = "predict"
)

// Job statuses.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// Job is a durable task-queue entry for a training or prediction run.
type Job struct {
	ID           uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	Kind         string     `gorm:"size:16;not null" json:"kind"`
	LineID       uint       `gorm:"not null;index" json:"line_id"`
	PredictionID uint       `json:"prediction_id,omitempty"`
	Status       string     `gorm:"size:16;default:queued;index" json:"status"`
	WorkerID     string     `gorm:"size:64;index" json:"worker_id,omitempty"`
	Reason       string     `gorm:"size:32" json:"reason,omitempty"`
	ErrorMessage string     `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_on"`
	StartedAt    *time.Time `json:"started_on,omitempty"`
	CompletedAt  *time.Time `json:"completed_on,omitempty"`
}
