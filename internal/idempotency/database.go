package idempotency

import (
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetRecord retrieves a record by key, or nil when no record exists.
func (d *Database) GetRecord(key string) (*Record, error) {
	var record Record
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// CreateRecord inserts a new record. The unique index on idempotency_key
// makes concurrent inserts resolve to exactly one winner; the loser gets a
// constraint violation which the ledger maps to a duplicate error.
func (d *Database) CreateRecord(record *Record) error {
	return d.db.Create(record).Error
}

// UpdateRecord persists state transitions on an existing record.
func (d *Database) UpdateRecord(record *Record) error {
	return d.db.Save(record).Error
}

// RestartFailed transitions a FAILED record back to IN_PROGRESS and counts
// the retry. The update is guarded on the current state so concurrent
// retries of the same key resolve to exactly one winner; it reports whether
// this caller won the transition.
func (d *Database) RestartFailed(key string, retryCount int, now time.Time) (bool, error) {
	result := d.db.Model(&Record{}).
		Where("idempotency_key = ? AND state = ?", key, StateFailed).
		Updates(map[string]interface{}{
			"state":       StateInProgress,
			"retry_count": retryCount,
			"updated_at":  now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// DeleteRecord removes a record entirely. Used to roll back an in-progress
// marker when the wrapped transaction failed to commit.
func (d *Database) DeleteRecord(key string) error {
	return d.db.Unscoped().Where("idempotency_key = ?", key).Delete(&Record{}).Error
}

// DeleteExpired reclaims records past their retention window.
func (d *Database) DeleteExpired(now time.Time) (int64, error) {
	result := d.db.Unscoped().Where("expires_at < ?", now).Delete(&Record{})
	return result.RowsAffected, result.Error
}

// Transaction runs fn in a database transaction.
func (d *Database) Transaction(fn func(tx *gorm.DB) error) error {
	return d.db.Transaction(fn)
}

// isUniqueViolation reports whether err is a unique-constraint failure.
// sqlite and postgres phrase these differently; gorm only translates some.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
