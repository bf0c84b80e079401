package locks

import (
	"time"

	"gorm.io/gorm"
)

// Priority orders pending lock requests when overlapping resources free up.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// rank maps priorities to sortable weights; higher wins.
func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	default:
		return 1
	}
}

// HandoffLock is the mutual-exclusion record for a resource set. A lock is
// live while it is neither released nor past its expiry; no two live locks
// share a resource id.
type HandoffLock struct {
	gorm.Model `json:"-"`
	LockID     string     `gorm:"uniqueIndex" json:"lock_id"`
	HeldBy     string     `gorm:"index" json:"held_by"`
	Priority   Priority   `json:"priority"`
	AcquiredAt time.Time  `json:"acquired_at"`
	ExpiresAt  time.Time  `gorm:"index" json:"expires_at"`
	Released   bool       `gorm:"index" json:"released"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// Live reports whether the lock still excludes other holders at the given
// time. An expired lock is logically dead even before the sweep reclaims it.
func (l *HandoffLock) Live(now time.Time) bool {
	return !l.Released && l.ExpiresAt.After(now)
}

// LockResource maps a lock to one resource id it covers.
type LockResource struct {
	gorm.Model `json:"-"`
	LockID     string `gorm:"index" json:"lock_id"`
	ResourceID string `gorm:"index" json:"resource_id"`
}

// Request asks for an exclusive lock over a full resource set. Acquisition
// is all-or-nothing and never blocks.
type Request struct {
	HolderID    string
	ResourceIDs []string
	TTL         time.Duration
	Priority    Priority
}
