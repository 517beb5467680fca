package models

import "time"

// Alert records one low-quality notification attempt for a line.
type Alert struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	LineID       uint      `gorm:"not null;index" json:"line_id"`
	Quality      float64   `json:"quality"`
	Threshold    int       `json:"threshold"`
	TotalCount   int       `json:"total_count"`
	DefectsCount int       `json:"defects_count"`
	Delivered    bool      `gorm:"default:false" json:"delivered"`
	ErrorMessage string    `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_on"`
}
