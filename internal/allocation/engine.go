package allocation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/attribution-api/internal/audit"
	"github.com/ksred/attribution-api/internal/idempotency"
	"github.com/ksred/attribution-api/internal/locks"
	"github.com/ksred/attribution-api/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Engine computes and applies position-by-position attributions for approved
// exit events. Every attribution runs under a coordinator lock scoped to the
// candidate position ids and inside an idempotency guard keyed on the exit
// event's stable identity, and commits in a single transaction: positions
// decremented, closures applied, audit entries written, result persisted, or
// none of it.
type Engine struct {
	db             *Database
	audit          *audit.Service
	locks          *locks.Coordinator
	ledger         *idempotency.Ledger
	lockTTL        time.Duration
	retryAttempts  int
	retryBaseDelay time.Duration
}

// NewEngine creates an allocation engine wired to the coordinator and
// idempotency ledger that guard its entry points. Lock acquisition backs off
// and retries up to retryAttempts times starting at retryBaseDelay.
func NewEngine(gormDB *gorm.DB, auditService *audit.Service, coordinator *locks.Coordinator, ledger *idempotency.Ledger, lockTTL time.Duration, retryAttempts int, retryBaseDelay time.Duration) *Engine {
	return &Engine{
		db:             NewDatabase(gormDB),
		audit:          auditService,
		locks:          coordinator,
		ledger:         ledger,
		lockTTL:        lockTTL,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
	}
}

// AttributeRequest carries everything needed to attribute one exit event.
// SpecificAllocations is only consulted by the manual method.
type AttributeRequest struct {
	ExitID              string
	TradingAccountID    string
	Symbol              string
	ExitQuantity        float64
	ExitPrice           float64
	ExitTimestamp       time.Time
	Method              types.AllocationMethod
	SpecificAllocations map[string]float64
	Actor               string
}

// idempotencyKey derives the attribution key from the operation's stable
// identity. Volatile request context (actor, lock holder) is excluded so
// redeliveries collide correctly. The method is part of the identity: a
// manual resolution after a partial automatic allocation is a distinct
// operation, not a replay of it.
func (r AttributeRequest) idempotencyKey() string {
	return idempotency.Key("attribute", map[string]any{
		"exit_id":            r.ExitID,
		"trading_account_id": r.TradingAccountID,
		"symbol":             r.Symbol,
		"exit_quantity":      r.ExitQuantity,
		"exit_price":         r.ExitPrice,
		"method":             string(r.Method),
	})
}

// Attribute runs the full attribution pipeline for req and returns the
// resulting view. Replayed invocations with the same derived key return the
// cached view without touching any position.
func (e *Engine) Attribute(req AttributeRequest) (*ResultView, error) {
	logger := log.With().
		Str("exit_id", req.ExitID).
		Str("trading_account_id", req.TradingAccountID).
		Str("symbol", req.Symbol).
		Str("method", string(req.Method)).
		Str("service", "allocation_engine").
		Logger()

	if !req.Method.Valid() {
		return nil, &types.ValidationError{Field: "method", Reason: fmt.Sprintf("unknown allocation method %q", req.Method)}
	}
	if req.ExitQuantity <= 0 {
		return nil, &types.ValidationError{Field: "exit_quantity", Reason: "must be positive"}
	}

	// A redelivery after the original run consumed its positions must still
	// replay, so check the ledger before the candidate pre-read can reject.
	if cached, ok, err := e.ledger.Replay(req.idempotencyKey()); err != nil {
		return nil, err
	} else if ok {
		var view ResultView
		if err := json.Unmarshal(cached.Payload, &view); err != nil {
			return nil, fmt.Errorf("failed to decode allocation result: %w", err)
		}
		logger.Info().Str("allocation_id", view.AllocationID).Msg("returned replayed allocation result")
		return &view, nil
	}

	// Pre-read the candidate set to know which position ids to lock. The
	// plan itself is recomputed against a fresh read inside the transaction,
	// restricted to the locked ids.
	candidates, err := e.db.GetOpenPositionsTx(e.db.db, req.TradingAccountID, req.Symbol)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, types.ErrNoEligiblePositions
	}

	resourceIDs := make([]string, len(candidates))
	locked := make(map[string]bool, len(candidates))
	for i, pos := range candidates {
		resourceIDs[i] = pos.PositionID
		locked[pos.PositionID] = true
	}

	holder := "allocation_engine:" + req.ExitID
	lock, err := e.locks.AcquireWithRetry(context.Background(), locks.Request{
		HolderID:    holder,
		ResourceIDs: resourceIDs,
		TTL:         e.lockTTL,
		Priority:    locks.PriorityMedium,
	}, e.retryAttempts, e.retryBaseDelay)
	if err != nil {
		return nil, err
	}
	defer func() {
		if _, rerr := e.locks.Release(lock.LockID, holder); rerr != nil {
			logger.Error().Err(rerr).Str("lock_id", lock.LockID).Msg("failed to release allocation lock")
		}
	}()

	logger.Debug().
		Str("lock_id", lock.LockID).
		Int("locked_positions", len(resourceIDs)).
		Msg("acquired allocation lock")

	result, err := e.ledger.Execute(req.idempotencyKey(), "attribute", func(tx *gorm.DB) (any, error) {
		fresh, err := e.db.GetOpenPositionsTx(tx, req.TradingAccountID, req.Symbol)
		if err != nil {
			return nil, err
		}
		inScope := fresh[:0]
		for _, pos := range fresh {
			if locked[pos.PositionID] {
				inScope = append(inScope, pos)
			}
		}

		p, err := computePlan(req.Method, inScope, req.ExitQuantity, req.SpecificAllocations)
		if err != nil {
			return nil, err
		}
		return e.apply(tx, req, p)
	})
	if err != nil {
		return nil, err
	}

	var view ResultView
	if err := json.Unmarshal(result.Payload, &view); err != nil {
		return nil, fmt.Errorf("failed to decode allocation result: %w", err)
	}

	if result.Replayed {
		logger.Info().Str("allocation_id", view.AllocationID).Msg("returned replayed allocation result")
		return &view, nil
	}

	logger.Info().
		Str("allocation_id", view.AllocationID).
		Float64("total_allocated", view.TotalAllocatedQuantity).
		Float64("unallocated", view.UnallocatedQuantity).
		Bool("requires_manual_intervention", view.RequiresManualIntervention).
		Int("positions_consumed", len(view.Allocations)).
		Msg("attribution complete")
	return &view, nil
}

// apply persists the plan inside tx: position decrements, closures, one
// audit entry per affected position, one summary entry, and the result rows.
// Any failure rolls the whole transaction back.
func (e *Engine) apply(tx *gorm.DB, req AttributeRequest, p *plan) (*ResultView, error) {
	now := time.Now()
	result := &Result{
		AllocationID:               "ALC_" + uuid.New().String(),
		ExitID:                     req.ExitID,
		TradingAccountID:           req.TradingAccountID,
		Symbol:                     req.Symbol,
		Method:                     string(req.Method),
		ExitQuantity:               req.ExitQuantity,
		TotalAllocatedQuantity:     p.TotalAllocated,
		UnallocatedQuantity:        p.Unallocated,
		RequiresManualIntervention: p.RequiresManual,
		CreatedAt:                  now,
	}

	actor := req.Actor
	if actor == "" {
		actor = "allocation_engine"
	}

	allocations := make([]Allocation, 0, len(p.Entries))
	views := make([]AllocationView, 0, len(p.Entries))
	for i, entry := range p.Entries {
		if err := e.db.ApplyEntryTx(tx, entry); err != nil {
			return nil, err
		}

		newState := types.PositionOpen
		if entry.Remaining <= 0 {
			newState = types.PositionClosed
		}
		positionEntry := audit.NewEntry(
			"position", entry.Position.PositionID,
			fmt.Sprintf("%s qty=%g", types.PositionOpen, entry.Position.Quantity),
			fmt.Sprintf("%s qty=%g", newState, entry.Remaining),
			actor,
			"exit attribution",
			map[string]any{
				"allocation_id":      result.AllocationID,
				"exit_id":            req.ExitID,
				"allocated_quantity": entry.Allocated,
				"exit_price":         req.ExitPrice,
				"strategy_id":        entry.Position.StrategyID,
			},
		)
		if err := e.audit.RecordTx(tx, positionEntry); err != nil {
			return nil, err
		}

		allocations = append(allocations, Allocation{
			AllocationID:      result.AllocationID,
			PositionID:        entry.Position.PositionID,
			Sequence:          i,
			AllocatedQuantity: entry.Allocated,
			RemainingQuantity: entry.Remaining,
		})
		views = append(views, AllocationView{
			PositionID:        entry.Position.PositionID,
			AllocatedQuantity: entry.Allocated,
			RemainingQuantity: entry.Remaining,
		})
	}

	if err := e.db.CreateResultTx(tx, result, allocations); err != nil {
		return nil, err
	}

	summaryState := "ALLOCATED"
	if p.RequiresManual {
		summaryState = "PARTIALLY_ALLOCATED"
	}
	summary := audit.NewEntry(
		"allocation", result.AllocationID,
		"", summaryState,
		actor,
		fmt.Sprintf("%s attribution of exit %s", req.Method, req.ExitID),
		map[string]any{
			"exit_id":            req.ExitID,
			"exit_quantity":      req.ExitQuantity,
			"total_allocated":    p.TotalAllocated,
			"unallocated":        p.Unallocated,
			"positions_consumed": len(p.Entries),
			"requires_manual":    p.RequiresManual,
		},
	)
	if err := e.audit.RecordTx(tx, summary); err != nil {
		return nil, err
	}

	return &ResultView{
		AllocationID:               result.AllocationID,
		ExitID:                     result.ExitID,
		TradingAccountID:           result.TradingAccountID,
		Symbol:                     result.Symbol,
		Method:                     result.Method,
		ExitQuantity:               result.ExitQuantity,
		TotalAllocatedQuantity:     result.TotalAllocatedQuantity,
		UnallocatedQuantity:        result.UnallocatedQuantity,
		RequiresManualIntervention: result.RequiresManualIntervention,
		Allocations:                views,
		Timestamp:                  now,
	}, nil
}

// GetResult returns the persisted view for an allocation id.
func (e *Engine) GetResult(allocationID string) (*ResultView, error) {
	result, allocations, err := e.db.GetResult(allocationID)
	if err != nil {
		return nil, err
	}

	views := make([]AllocationView, len(allocations))
	for i, a := range allocations {
		views[i] = AllocationView{
			PositionID:        a.PositionID,
			AllocatedQuantity: a.AllocatedQuantity,
			RemainingQuantity: a.RemainingQuantity,
		}
	}

	return &ResultView{
		AllocationID:               result.AllocationID,
		ExitID:                     result.ExitID,
		TradingAccountID:           result.TradingAccountID,
		Symbol:                     result.Symbol,
		Method:                     result.Method,
		ExitQuantity:               result.ExitQuantity,
		TotalAllocatedQuantity:     result.TotalAllocatedQuantity,
		UnallocatedQuantity:        result.UnallocatedQuantity,
		RequiresManualIntervention: result.RequiresManualIntervention,
		Allocations:                views,
		Timestamp:                  result.CreatedAt,
	}, nil
}
