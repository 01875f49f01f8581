package database

import (
	"fmt"

	"github.com/ksred/klear-match/internal/database/migrations"
	"github.com/ksred/klear-match/internal/trading"
	"github.com/ksred/klear-match/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the sqlite database at dsn and runs the migrations.
func NewDatabase(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	// sqlite allows a single writer
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates every table the server uses.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&types.Order{},
		&trading.IdempotencyRecord{},
	); err != nil {
		return err
	}

	if err := migrations.AddVenueExecutions(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddTrades(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.ScopeIdempotencyKeys(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
