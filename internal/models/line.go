package models

import "time"

// LineStatus is the training state of a line's defect-detection model.
type LineStatus string

const (
	LineNotTrained LineStatus = "NOT_TRAINED"
	LineTraining   LineStatus = "TRAINING"
	LineTrained    LineStatus = "TRAINED"
)

// Line is a monitored production line with one associated trained model.
type Line struct {
	ID             uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	Name           string     `gorm:"size:63;not null" json:"name"`
	CustomerID     int        `gorm:"not null;index" json:"customer_id"`
	AlertThreshold int        `gorm:"not null;default:100" json:"alert_threshold"`
	AlertEmail     string     `gorm:"size:1024" json:"alert_email"`
	DeviceToken    string     `gorm:"size:64;uniqueIndex" json:"device_token"`
	DataPath       string     `gorm:"size:1024" json:"data_path"`
	ModelPath      string     `gorm:"size:1024" json:"model_path"`
	Status         LineStatus `gorm:"size:16;not null;default:NOT_TRAINED;index" json:"status"`
	CreatedAt      time.Time  `json:"created_on"`
	UpdatedAt      time.Time  `json:"updated_on"`
}
