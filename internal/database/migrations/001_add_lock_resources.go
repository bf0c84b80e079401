package migrations

import (
	"github.com/ksred/attribution-api/internal/locks"
	"gorm.io/gorm"
)

// AddLockResources creates the handoff lock tables and required indexes
func AddLockResources(db *gorm.DB) error {
	// Create the lock tables
	if err := db.AutoMigrate(&locks.HandoffLock{}, &locks.LockResource{}); err != nil {
		return err
	}

	// Add indexes for better query performance
	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Index for holder lookups during release and deadlock checks
		`CREATE INDEX IF NOT EXISTS idx_handoff_locks_held_by
		 ON handoff_locks(held_by)`,

		// Composite index for liveness filtering
		`CREATE INDEX IF NOT EXISTS idx_handoff_locks_live
		 ON handoff_locks(released, expires_at)`,

		// Index for joining coverage rows back to their lock
		`CREATE INDEX IF NOT EXISTS idx_lock_resources_lock_id
		 ON lock_resources(lock_id)`,

		// Index for resource conflict checks (common query pattern)
		`CREATE INDEX IF NOT EXISTS idx_lock_resources_resource_id
		 ON lock_resources(resource_id)`,
	}

	// Execute each index creation
	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
