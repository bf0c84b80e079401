package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the attribution core. Callers branch with errors.Is;
// none of these imply a partially applied mutation.
var (
	// ErrNoEligiblePositions means no open positions match the account and
	// symbol of an exit event.
	ErrNoEligiblePositions = errors.New("no eligible open positions")

	// ErrQuantityMismatch is returned by the manual allocation method when
	// the caller-specified amounts do not sum to the exit quantity.
	ErrQuantityMismatch = errors.New("manual allocation quantities do not sum to exit quantity")

	// ErrInsufficientQuantity signals that an exit exceeds the total open
	// quantity. It is an escalation signal, not a hard failure: the partial
	// allocation is committed and the remainder needs a manual case.
	ErrInsufficientQuantity = errors.New("exit quantity exceeds available open quantity")

	// ErrLockConflict means a requested resource is covered by a live lock.
	// Retryable with backoff.
	ErrLockConflict = errors.New("resource locked by another holder")

	// ErrDeadlockAvoided means granting a lock would create a cycle in the
	// resource-ownership graph. Retryable with backoff.
	ErrDeadlockAvoided = errors.New("lock grant rejected to avoid deadlock")

	// ErrDuplicateInProgress means another invocation with the same
	// idempotency key is still running. Retryable after it settles.
	ErrDuplicateInProgress = errors.New("duplicate operation in progress")

	// ErrRetriesExhausted means a failed operation has used up its retry
	// budget and is terminally failed.
	ErrRetriesExhausted = errors.New("operation retries exhausted")
)

// ConflictError names the holder blocking a lock acquisition so callers can
// log who they are contending with.
type ConflictError struct {
	ResourceID string
	HeldBy     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("resource %s locked by %s", e.ResourceID, e.HeldBy)
}

func (e *ConflictError) Unwrap() error { return ErrLockConflict }

// ValidationError rejects malformed or insufficient input before any state
// is mutated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ExternalDependencyError wraps a broker collaborator failure. Recorded
// per item during reconciliation; never fatal to a batch.
type ExternalDependencyError struct {
	Op  string
	Err error
}

func (e *ExternalDependencyError) Error() string {
	return fmt.Sprintf("external dependency failed during %s: %v", e.Op, e.Err)
}

func (e *ExternalDependencyError) Unwrap() error { return e.Err }

// Retryable reports whether the caller may retry the operation with backoff
// without operator intervention.
func Retryable(err error) bool {
	return errors.Is(err, ErrLockConflict) ||
		errors.Is(err, ErrDeadlockAvoided) ||
		errors.Is(err, ErrDuplicateInProgress)
}
