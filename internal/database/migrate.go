package database

import (
	"ciflow/internal/models"
	"ciflow/pkg/logger"

	"gorm.io/gorm"
)

// Migrate creates or updates every table
func Migrate(db *gorm.DB) error {
	appLogger := logger.GetLogger()
	appLogger.Info("Starting database migration...")

	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		appLogger.Errorf("Database migration failed: %v", err)
		return err
	}

	appLogger.Info("Database migration completed successfully")
	return nil
}
