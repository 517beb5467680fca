package models

import "time"

// Worker is a job-executing process registered with the store.
type Worker struct {
	ID            string    `gorm:"primaryKey;size:64"`
	Hostname      string    `gorm:"size:255"`
	Status        string    `gorm:"size:16;index"`
	StartedAt     time.Time
	LastHeartbeat time.Time `gorm:"index"`
}
