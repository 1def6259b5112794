package database

import (
	"fmt"

	"github.com/ksred/trading-oms/internal/database/migrations"
	"github.com/ksred/trading-oms/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddOrderEvents(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddReconLog(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate other schemas
	err = db.AutoMigrate(
		&types.Intent{},
		&types.Order{},
		&types.Fill{},
		&types.Position{},
		&types.Allocation{},
		&types.RiskDailyPortfolio{},
		&types.RiskDailyStrategy{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
