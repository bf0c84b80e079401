package audit

import (
	"time"

	"gorm.io/gorm"
)

// Entry is a single append-only record of a state transition. Every
// state-changing operation in the core writes exactly one Entry (plus one per
// affected position for allocations). Nothing reads entries back for control
// flow.
type Entry struct {
	gorm.Model `json:"-"`
	AuditID    string    `gorm:"uniqueIndex" json:"audit_id"`
	EntityType string    `gorm:"index" json:"entity_type"`
	EntityID   string    `gorm:"index" json:"entity_id"`
	OldState   string    `json:"old_state"`
	NewState   string    `json:"new_state"`
	Actor      string    `gorm:"index" json:"actor"` // user id or system component name
	Reason     string    `json:"reason"`
	Metadata   string    `json:"metadata"` // JSON object
	CreatedAt  time.Time `json:"created_at"`
}

// TableName keeps the table name package-qualified; the bare struct name
// would pluralize to just "entries".
func (Entry) TableName() string { return "audit_entries" }

// ListOptions filters and paginates audit queries.
type ListOptions struct {
	EntityType string
	EntityID   string
	Actor      string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}
