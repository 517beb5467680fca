package db

import (
	"fmt"

	"github.com/linewatch/linewatch/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model managed by linewatch.
func AllModels() []interface{} {
	return []interface{}{
		&models.Line{},
		&models.Prediction{},
		&models.Job{},
		&models.Worker{},
		&models.Alert{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// DropAll drops every linewatch table. Used to reset a SQLite store, where
// there is no database to drop.
func DropAll(db *gorm.DB) error {
	if err := db.Migrator().DropTable(AllModels()...); err != nil {
		return fmt.Errorf("db: drop tables: %w", err)
	}
	return nil
}
