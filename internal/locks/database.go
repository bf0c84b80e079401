package locks

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// liveCover is one (resource, holder) pair from a live lock covering a
// requested resource.
type liveCover struct {
	ResourceID string
	LockID     string
	HeldBy     string
}

// LiveCovers returns, inside tx, the live locks covering any of the given
// resource ids.
func (d *Database) LiveCovers(tx *gorm.DB, resourceIDs []string, now time.Time) ([]liveCover, error) {
	var covers []liveCover
	err := tx.Model(&LockResource{}).
		Select("lock_resources.resource_id, handoff_locks.lock_id, handoff_locks.held_by").
		Joins("JOIN handoff_locks ON handoff_locks.lock_id = lock_resources.lock_id").
		Where("lock_resources.resource_id IN ?", resourceIDs).
		Where("handoff_locks.released = ? AND handoff_locks.expires_at > ?", false, now).
		Scan(&covers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query live locks: %w", err)
	}
	return covers, nil
}

// HoldingsByHolder returns resource ids covered by live locks, grouped by
// holder. Used to build the ownership graph for deadlock avoidance.
func (d *Database) HoldingsByHolder(tx *gorm.DB, now time.Time) (map[string][]string, error) {
	var rows []struct {
		HeldBy     string
		ResourceID string
	}
	err := tx.Model(&LockResource{}).
		Select("handoff_locks.held_by, lock_resources.resource_id").
		Joins("JOIN handoff_locks ON handoff_locks.lock_id = lock_resources.lock_id").
		Where("handoff_locks.released = ? AND handoff_locks.expires_at > ?", false, now).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query holdings: %w", err)
	}

	holdings := make(map[string][]string)
	for _, r := range rows {
		holdings[r.HeldBy] = append(holdings[r.HeldBy], r.ResourceID)
	}
	return holdings, nil
}

// CreateLock inserts a lock and its resource rows inside tx.
func (d *Database) CreateLock(tx *gorm.DB, lock *HandoffLock, resourceIDs []string) error {
	if err := tx.Create(lock).Error; err != nil {
		return fmt.Errorf("failed to create lock: %w", err)
	}
	for _, rid := range resourceIDs {
		if err := tx.Create(&LockResource{LockID: lock.LockID, ResourceID: rid}).Error; err != nil {
			return fmt.Errorf("failed to create lock resource %s: %w", rid, err)
		}
	}
	return nil
}

// ReleaseLock marks a lock released if it is held by holder. Returns the
// number of rows affected: zero means "not held".
func (d *Database) ReleaseLock(lockID, holderID string, now time.Time) (int64, error) {
	result := d.db.Model(&HandoffLock{}).
		Where("lock_id = ? AND held_by = ? AND released = ?", lockID, holderID, false).
		Updates(map[string]interface{}{
			"released":    true,
			"released_at": now,
		})
	return result.RowsAffected, result.Error
}

// SweepExpired reclaims locks whose expiry plus grace period has passed.
// Covers locks orphaned by crashed workers.
func (d *Database) SweepExpired(now time.Time, grace time.Duration) (int64, error) {
	cutoff := now.Add(-grace)
	result := d.db.Model(&HandoffLock{}).
		Where("released = ? AND expires_at < ?", false, cutoff).
		Updates(map[string]interface{}{
			"released":    true,
			"released_at": now,
		})
	return result.RowsAffected, result.Error
}

// GetLock retrieves a lock by id.
func (d *Database) GetLock(lockID string) (*HandoffLock, error) {
	var lock HandoffLock
	if err := d.db.Where("lock_id = ?", lockID).First(&lock).Error; err != nil {
		return nil, err
	}
	return &lock, nil
}

// Transaction runs fn in a database transaction.
func (d *Database) Transaction(fn func(tx *gorm.DB) error) error {
	return d.db.Transaction(fn)
}
