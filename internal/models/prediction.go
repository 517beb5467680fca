package models

import "time"

// PredictionStatus is the scoring state of a submitted image batch.
type PredictionStatus string

const (
	PredictionPending  PredictionStatus = "NOT_PREDICTED"
	PredictionRunning  PredictionStatus = "PREDICTING"
	PredictionComplete PredictionStatus = "PREDICTED"
	PredictionFailed   PredictionStatus = "FAILURE"
)

// Prediction is one submitted batch of inspection images and its scoring outcome.
type Prediction struct {
	ID           uint             `gorm:"primaryKey;autoIncrement" json:"id"`
	Name         string           `gorm:"size:64;not null" json:"name"`
	LineID       uint             `gorm:"not null;index:idx_line_created" json:"line_id"`
	DataPath     string           `gorm:"size:1024" json:"data_path"`
	TotalCount   int              `gorm:"not null;default:0" json:"total_count"`
	DefectsCount int              `gorm:"not null;default:0" json:"defects_count"`
	Status       PredictionStatus `gorm:"size:16;not null;default:NOT_PREDICTED;index" json:"status"`
	ErrorMessage string           `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time        `gorm:"index:idx_line_created" json:"created_on"`
	UpdatedAt    time.Time        `json:"updated_on"`
}
