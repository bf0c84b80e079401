package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/attribution-api/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Ledger guards side-effecting operations so each logical operation takes
// effect exactly once. Entry points (allocation, reconciliation correction)
// wrap their work in Execute.
type Ledger struct {
	db         *Database
	maxRetries int
	retention  time.Duration
}

// NewLedger creates a ledger with the given retry budget for failed keys and
// retention window for records.
func NewLedger(gormDB *gorm.DB, maxRetries int, retention time.Duration) *Ledger {
	return &Ledger{
		db:         NewDatabase(gormDB),
		maxRetries: maxRetries,
		retention:  retention,
	}
}

// Result is what Execute hands back: the operation's payload and whether it
// was replayed from a previous success instead of executed.
type Result struct {
	Payload  json.RawMessage
	Replayed bool
}

// opError marks a failure raised by the wrapped operation itself, as opposed
// to a failure of the surrounding transaction machinery. Operation failures
// mark the record FAILED and count a retry; machinery failures roll the
// in-progress marker back entirely so a clean retry is possible.
type opError struct {
	err error
}

func (e *opError) Error() string { return e.err.Error() }
func (e *opError) Unwrap() error { return e.err }

// Execute runs op at most once for the given key.
//
//   - First call: inserts an IN_PROGRESS record, runs op inside a transaction
//     and transitions the record to SUCCEEDED with the marshalled result in
//     that same transaction.
//   - Concurrent call while IN_PROGRESS: fails fast with
//     types.ErrDuplicateInProgress; never queued or merged.
//   - Call after SUCCEEDED: returns the cached payload without invoking op.
//   - Call after FAILED: retries, up to the configured budget, then the key
//     is marked FAILED_TERMINAL and types.ErrRetriesExhausted is returned.
func (l *Ledger) Execute(key, operationType string, op func(tx *gorm.DB) (any, error)) (*Result, error) {
	logger := log.With().
		Str("idempotency_key", key).
		Str("operation_type", operationType).
		Str("service", "idempotency").
		Logger()

	record, err := l.db.GetRecord(key)
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency record: %w", err)
	}

	now := time.Now()
	switch {
	case record == nil:
		record = &Record{
			IdempotencyKey: key,
			OperationType:  operationType,
			State:          StateInProgress,
			ExpiresAt:      now.Add(l.retention),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := l.db.CreateRecord(record); err != nil {
			if isUniqueViolation(err) {
				logger.Warn().Msg("lost idempotency insert race, duplicate in progress")
				return nil, types.ErrDuplicateInProgress
			}
			return nil, fmt.Errorf("failed to create idempotency record: %w", err)
		}

	case record.ExpiresAt.Before(now):
		// Expired record: replace it and start fresh.
		if err := l.db.DeleteRecord(key); err != nil {
			return nil, fmt.Errorf("failed to expire idempotency record: %w", err)
		}
		record = &Record{
			IdempotencyKey: key,
			OperationType:  operationType,
			State:          StateInProgress,
			ExpiresAt:      now.Add(l.retention),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := l.db.CreateRecord(record); err != nil {
			if isUniqueViolation(err) {
				return nil, types.ErrDuplicateInProgress
			}
			return nil, fmt.Errorf("failed to recreate idempotency record: %w", err)
		}

	case record.State == StateInProgress:
		logger.Warn().Msg("rejecting duplicate while operation in progress")
		return nil, types.ErrDuplicateInProgress

	case record.State == StateSucceeded:
		logger.Info().Msg("replaying cached result for completed operation")
		return &Result{Payload: json.RawMessage(record.ResultPayload), Replayed: true}, nil

	case record.State == StateFailedTerminal:
		return nil, types.ErrRetriesExhausted

	case record.State == StateFailed:
		if record.RetryCount >= l.maxRetries {
			record.State = StateFailedTerminal
			record.UpdatedAt = now
			if err := l.db.UpdateRecord(record); err != nil {
				return nil, fmt.Errorf("failed to mark record terminally failed: %w", err)
			}
			logger.Error().Int("retry_count", record.RetryCount).Msg("retry budget exhausted")
			return nil, types.ErrRetriesExhausted
		}
		restarted, err := l.db.RestartFailed(key, record.RetryCount+1, now)
		if err != nil {
			return nil, fmt.Errorf("failed to restart failed record: %w", err)
		}
		if !restarted {
			// Another retry of the same key won the transition.
			logger.Warn().Msg("lost retry race, duplicate in progress")
			return nil, types.ErrDuplicateInProgress
		}
		record.State = StateInProgress
		record.RetryCount++
		record.UpdatedAt = now
		logger.Info().Int("retry_count", record.RetryCount).Msg("retrying previously failed operation")
	}

	var payload []byte
	txErr := l.db.Transaction(func(tx *gorm.DB) error {
		result, err := op(tx)
		if err != nil {
			return &opError{err: err}
		}

		b, err := json.Marshal(result)
		if err != nil {
			return &opError{err: fmt.Errorf("failed to marshal operation result: %w", err)}
		}
		payload = b

		return tx.Model(&Record{}).
			Where("idempotency_key = ?", key).
			Updates(map[string]interface{}{
				"state":          StateSucceeded,
				"result_payload": string(b),
				"updated_at":     time.Now(),
			}).Error
	})

	if txErr != nil {
		var oe *opError
		if errors.As(txErr, &oe) {
			// The operation itself failed: record the failure so a retry is
			// counted against the budget.
			record.State = StateFailed
			record.LastError = oe.err.Error()
			record.UpdatedAt = time.Now()
			if uerr := l.db.UpdateRecord(record); uerr != nil {
				logger.Error().Err(uerr).Msg("failed to mark idempotency record failed")
			}
			return nil, oe.err
		}

		// Transaction machinery failed: roll the marker back entirely so the
		// caller can retry cleanly. The retention sweep covers a failed delete.
		if derr := l.db.DeleteRecord(key); derr != nil {
			logger.Error().Err(derr).Msg("failed to roll back in-progress marker")
		}
		return nil, fmt.Errorf("idempotent operation commit failed: %w", txErr)
	}

	return &Result{Payload: payload}, nil
}

// Replay returns the cached payload for key when a previous invocation
// already succeeded. It never starts a new operation; callers that get
// ok=false proceed to Execute.
func (l *Ledger) Replay(key string) (*Result, bool, error) {
	record, err := l.db.GetRecord(key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up idempotency record: %w", err)
	}
	if record == nil || record.State != StateSucceeded || record.ExpiresAt.Before(time.Now()) {
		return nil, false, nil
	}
	return &Result{Payload: json.RawMessage(record.ResultPayload), Replayed: true}, true, nil
}

// StartSweep reclaims expired records on the given interval until ctx is
// cancelled.
func (l *Ledger) StartSweep(ctx context.Context, interval time.Duration) {
	logger := log.With().Str("component", "idempotency_sweep").Logger()
	logger.Info().Dur("interval", interval).Msg("starting idempotency retention sweep")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down idempotency retention sweep")
			return
		case <-ticker.C:
			removed, err := l.db.DeleteExpired(time.Now())
			if err != nil {
				logger.Error().Err(err).Msg("failed to sweep expired idempotency records")
				continue
			}
			if removed > 0 {
				logger.Info().Int64("removed", removed).Msg("swept expired idempotency records")
			}
		}
	}
}
