package migrations

import (
	"github.com/ksred/attribution-api/internal/audit"
	"gorm.io/gorm"
)

// AddAuditEntries creates the audit log table and required indexes
func AddAuditEntries(db *gorm.DB) error {
	// Create the audit entries table
	if err := db.AutoMigrate(&audit.Entry{}); err != nil {
		return err
	}

	// Add indexes for better query performance
	indexes := []string{
		// Composite index for entity history lookups (common query pattern)
		`CREATE INDEX IF NOT EXISTS idx_audit_entries_entity
		 ON audit_entries(entity_type, entity_id)`,

		// Index for actor filtering
		`CREATE INDEX IF NOT EXISTS idx_audit_entries_actor
		 ON audit_entries(actor)`,

		// Index for created_at timestamp (useful for time-based queries)
		`CREATE INDEX IF NOT EXISTS idx_audit_entries_created_at
		 ON audit_entries(created_at)`,
	}

	// Execute each index creation
	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
