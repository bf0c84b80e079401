package database

import (
	"fmt"

	"github.com/ksred/attribution-api/internal/allocation"
	"github.com/ksred/attribution-api/internal/database/migrations"
	"github.com/ksred/attribution-api/internal/idempotency"
	"github.com/ksred/attribution-api/internal/reconciliation"
	"github.com/ksred/attribution-api/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddLockResources(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddAuditEntries(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate other schemas
	err = db.AutoMigrate(
		&types.Position{},
		&types.ExitEvent{},
		&types.Order{},
		&idempotency.Record{},
		&allocation.Result{},
		&allocation.Allocation{},
		&allocation.Case{},
		&reconciliation.Report{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
