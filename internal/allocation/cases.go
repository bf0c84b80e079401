package allocation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/attribution-api/internal/audit"
	"github.com/ksred/attribution-api/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// OpenCase creates a pending attribution case for an exit event the gate (or
// an insufficiency escalation) routed to manual handling. pendingQuantity is
// the amount the manual decision must cover. The candidate positions are
// snapshotted so the decision maker sees the state the routing was based on;
// resolution is still re-validated against live positions.
//
// One pending case per exit: a redelivered event that routes to manual again
// returns the case already open for it instead of opening another.
func (e *Engine) OpenCase(event *types.ExitEvent, candidates []types.Position, reason string, pendingQuantity float64) (*Case, error) {
	if existing, err := e.db.GetPendingCaseByExitID(event.ExitID); err != nil {
		return nil, err
	} else if existing != nil {
		log.Info().
			Str("case_id", existing.CaseID).
			Str("exit_id", event.ExitID).
			Str("service", "allocation_engine").
			Msg("returning already-open attribution case")
		return existing, nil
	}

	snapshot, err := json.Marshal(candidates)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot candidate positions: %w", err)
	}

	now := time.Now()
	c := &Case{
		CaseID:            "CSE_" + uuid.New().String(),
		ExitID:            event.ExitID,
		Status:            CasePending,
		PendingQuantity:   pendingQuantity,
		Reason:            reason,
		CandidateSnapshot: string(snapshot),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.db.CreateCase(c); err != nil {
		return nil, fmt.Errorf("failed to create attribution case: %w", err)
	}

	entry := audit.NewEntry(
		"attribution_case", c.CaseID,
		"", CasePending,
		"policy_gate",
		reason,
		map[string]any{
			"exit_id":             event.ExitID,
			"symbol":              event.Symbol,
			"exit_quantity":       event.ExitQuantity,
			"pending_quantity":    pendingQuantity,
			"candidate_positions": len(candidates),
		},
	)
	if err := e.audit.Record(entry); err != nil {
		return nil, err
	}

	log.Info().
		Str("case_id", c.CaseID).
		Str("exit_id", event.ExitID).
		Str("reason", reason).
		Str("service", "allocation_engine").
		Msg("opened attribution case")
	return c, nil
}

// Resolution is the manual decision payload supplied by the resolution
// workflow: explicit per-position amounts plus the rationale for them.
type Resolution struct {
	DecisionMaker string             `json:"decision_maker"`
	Rationale     string             `json:"rationale"`
	Allocations   map[string]float64 `json:"allocations"` // position_id -> quantity
}

// ResolveCase applies a manual decision to a pending case. The decision must
// cover exactly the case's pending quantity, not the event's full exit
// quantity: an insufficiency escalation already attributed part of the exit
// automatically and only the remainder is open. The decision is re-validated
// against current position state by running it through the engine's manual
// method; a quantity mismatch or stale position fails the resolution without
// partial commit and the case stays pending for another attempt.
func (e *Engine) ResolveCase(caseID string, res Resolution) (*ResultView, error) {
	logger := log.With().
		Str("case_id", caseID).
		Str("decision_maker", res.DecisionMaker).
		Str("service", "allocation_engine").
		Logger()

	if res.DecisionMaker == "" {
		return nil, &types.ValidationError{Field: "decision_maker", Reason: "required"}
	}
	if len(res.Allocations) == 0 {
		return nil, &types.ValidationError{Field: "allocations", Reason: "must not be empty"}
	}

	c, err := e.db.GetCase(caseID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("case %s: %w", caseID, gorm.ErrRecordNotFound)
	}
	if c.Status != CasePending {
		return nil, &types.ValidationError{Field: "case_id", Reason: fmt.Sprintf("case is %s, not pending", c.Status)}
	}

	event, err := e.db.GetExitEvent(c.ExitID)
	if err != nil {
		return nil, err
	}

	view, err := e.Attribute(AttributeRequest{
		ExitID:              event.ExitID,
		TradingAccountID:    event.TradingAccountID,
		Symbol:              event.Symbol,
		ExitQuantity:        c.PendingQuantity,
		ExitPrice:           event.ExitPrice,
		ExitTimestamp:       event.ExitTimestamp,
		Method:              types.MethodManual,
		SpecificAllocations: res.Allocations,
		Actor:               res.DecisionMaker,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("case resolution rejected")
		return nil, err
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resolution payload: %w", err)
	}

	now := time.Now()
	c.Status = CaseResolved
	c.DecisionMaker = res.DecisionMaker
	c.Rationale = res.Rationale
	c.ResolutionPayload = string(payload)
	c.ResolvedAt = &now
	c.UpdatedAt = now
	if err := e.db.UpdateCase(c); err != nil {
		return nil, fmt.Errorf("failed to update resolved case: %w", err)
	}

	entry := audit.NewEntry(
		"attribution_case", c.CaseID,
		CasePending, CaseResolved,
		res.DecisionMaker,
		res.Rationale,
		map[string]any{
			"exit_id":       c.ExitID,
			"allocation_id": view.AllocationID,
		},
	)
	if err := e.audit.Record(entry); err != nil {
		return nil, err
	}

	logger.Info().
		Str("allocation_id", view.AllocationID).
		Msg("case resolved and applied")
	return view, nil
}

// GetCase returns a case by id, or nil when absent.
func (e *Engine) GetCase(caseID string) (*Case, error) {
	return e.db.GetCase(caseID)
}

// PendingCases lists unresolved cases, oldest first.
func (e *Engine) PendingCases(limit int) ([]Case, error) {
	return e.db.GetPendingCases(limit)
}
