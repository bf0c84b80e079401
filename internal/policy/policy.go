package policy

import (
	"fmt"

	"github.com/ksred/attribution-api/internal/audit"
	"github.com/ksred/attribution-api/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// quantityEpsilon absorbs float noise when comparing exit quantities against
// summed position quantities.
const quantityEpsilon = 1e-9

// Gate classifies an incoming exit event before any mutation happens. The
// only external I/O is a single position-set read plus the audit write, so
// evaluation is safe to run under a held lock.
type Gate struct {
	db    *Database
	audit *audit.Service
}

// NewGate creates a policy gate with the given database connection and audit
// service.
func NewGate(gormDB *gorm.DB, auditService *audit.Service) *Gate {
	return &Gate{
		db:    NewDatabase(gormDB),
		audit: auditService,
	}
}

// Evaluate classifies the exit event. Rules run in order, first match wins:
//
//  1. no eligible open positions            → BLOCKED_INSUFFICIENT_DATA
//  2. exactly one eligible position         → AUTO_SINGLE_STRATEGY (FIFO)
//  3. multiple positions, full close        → AUTO_MULTI_FULL (FIFO)
//  4. multiple positions, partial close     → MANUAL_MULTI_PARTIAL
//  5. exit exceeds total open quantity      → MANUAL_AMBIGUOUS
//
// A non-nil override short-circuits to the requested method but is still
// evaluated against rule 1 and logged as an override. Every evaluation emits
// an audit entry recording the policy applied and the snapshot used.
func (g *Gate) Evaluate(event *types.ExitEvent, override *types.AllocationMethod) (*Decision, error) {
	logger := log.With().
		Str("exit_id", event.ExitID).
		Str("trading_account_id", event.TradingAccountID).
		Str("symbol", event.Symbol).
		Str("service", "policy_gate").
		Logger()

	if event.ExitQuantity <= 0 {
		return nil, &types.ValidationError{Field: "exit_quantity", Reason: "must be positive"}
	}
	if override != nil && !override.Valid() {
		return nil, &types.ValidationError{Field: "override_policy", Reason: fmt.Sprintf("unknown method %q", *override)}
	}

	positions, err := g.db.GetOpenPositions(event.TradingAccountID, event.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to read candidate positions: %w", err)
	}

	total := 0.0
	for _, p := range positions {
		total += p.Quantity
	}

	decision := g.classify(event, positions, total, override)

	logger.Info().
		Str("policy_applied", decision.PolicyApplied).
		Str("decision", decision.Decision).
		Int("candidate_positions", len(positions)).
		Float64("exit_quantity", event.ExitQuantity).
		Float64("total_open_quantity", total).
		Msg("policy evaluation complete")

	entry := audit.NewEntry(
		"exit_event", event.ExitID,
		"", decision.Decision,
		"policy_gate",
		decision.PolicyApplied,
		map[string]any{
			"symbol":              event.Symbol,
			"exit_quantity":       event.ExitQuantity,
			"total_open_quantity": total,
			"candidate_positions": positionIDs(positions),
			"overridden":          decision.Overridden,
			"recommended_method":  string(decision.RecommendedMethod),
		},
	)
	if err := g.audit.Record(entry); err != nil {
		return nil, err
	}

	return decision, nil
}

func (g *Gate) classify(event *types.ExitEvent, positions []types.Position, total float64, override *types.AllocationMethod) *Decision {
	d := &Decision{
		Positions:         positions,
		TotalOpenQuantity: total,
	}

	// Rule 1 applies even under an override: there is nothing to allocate.
	if len(positions) == 0 {
		d.PolicyApplied = PolicyBlockedInsufficientData
		d.Decision = DecisionBlocked
		d.ManualInterventionReason = "no eligible open positions for account and symbol"
		return d
	}

	if override != nil {
		d.PolicyApplied = PolicyOverride
		d.Decision = DecisionAutoApproved
		d.RecommendedMethod = *override
		d.Overridden = true
		return d
	}

	switch {
	case len(positions) == 1:
		d.PolicyApplied = PolicyAutoSingleStrategy
		d.Decision = DecisionAutoApproved
		d.RecommendedMethod = types.MethodFIFO

	case event.ExitQuantity > total+quantityEpsilon:
		d.PolicyApplied = PolicyManualAmbiguous
		d.Decision = DecisionManualRequired
		d.ManualInterventionReason = "exceeds available quantity"

	case fullClose(event.ExitQuantity, total):
		d.PolicyApplied = PolicyAutoMultiFull
		d.Decision = DecisionAutoApproved
		d.RecommendedMethod = types.MethodFIFO

	default:
		d.PolicyApplied = PolicyManualMultiPartial
		d.Decision = DecisionManualRequired
		d.ManualInterventionReason = "partial close across multiple strategies requires attribution decision"
	}

	return d
}

func fullClose(exitQty, total float64) bool {
	diff := exitQty - total
	return diff > -quantityEpsilon && diff < quantityEpsilon
}

func positionIDs(positions []types.Position) []string {
	ids := make([]string, len(positions))
	for i, p := range positions {
		ids[i] = p.PositionID
	}
	return ids
}
