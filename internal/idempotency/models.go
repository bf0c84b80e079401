package idempotency

import (
	"time"

	"gorm.io/gorm"
)

const (
	StateInProgress     = "IN_PROGRESS"
	StateSucceeded      = "SUCCEEDED"
	StateFailed         = "FAILED"
	StateFailedTerminal = "FAILED_TERMINAL"
)

// Record tracks one logical operation identified by its idempotency key.
// Exactly one non-expired record exists per key; the unique index resolves
// concurrent insert races to a single winner.
type Record struct {
	gorm.Model     `json:"-"`
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	OperationType  string    `json:"operation_type"`
	State          string    `gorm:"index" json:"state"` // IN_PROGRESS, SUCCEEDED, FAILED, FAILED_TERMINAL
	ResultPayload  string    `json:"result_payload,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	RetryCount     int       `json:"retry_count"`
	ExpiresAt      time.Time `gorm:"index" json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Record) TableName() string { return "idempotency_records" }
