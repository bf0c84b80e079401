package exits

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/attribution-api/internal/allocation"
	"github.com/ksred/attribution-api/internal/policy"
	"github.com/ksred/attribution-api/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service orchestrates the exit attribution pipeline: persist the event, run
// it through the policy gate, then either attribute automatically, open a
// manual case, or report the blockage. Manual-required and blocked outcomes
// are first-class results, not errors.
type Service struct {
	db     *Database
	gate   *policy.Gate
	engine *allocation.Engine
}

// NewService creates the exit processing service.
func NewService(gormDB *gorm.DB, gate *policy.Gate, engine *allocation.Engine) *Service {
	return &Service{
		db:     NewDatabase(gormDB),
		gate:   gate,
		engine: engine,
	}
}

// SubmitRequest is an inbound exit signal before it is persisted as an
// immutable ExitEvent.
type SubmitRequest struct {
	TradingAccountID string                  `json:"trading_account_id" binding:"required"`
	Symbol           string                  `json:"symbol" binding:"required"`
	ExitQuantity     float64                 `json:"exit_quantity" binding:"required"`
	ExitPrice        float64                 `json:"exit_price"`
	ExitTimestamp    *time.Time              `json:"exit_timestamp,omitempty"`
	BrokerTradeID    string                  `json:"broker_trade_id,omitempty"`
	OrderID          string                  `json:"order_id,omitempty"`
	OverrideMethod   *types.AllocationMethod `json:"override_method,omitempty"`
}

// Outcome is the full result of processing one exit event.
type Outcome struct {
	ExitID   string                 `json:"exit_id"`
	Decision *policy.Decision       `json:"decision"`
	Result   *allocation.ResultView `json:"result,omitempty"`
	Case     *allocation.Case       `json:"case,omitempty"`
}

// ProcessExit runs the full pipeline for a new exit event on behalf of
// actor. An automatic allocation that cannot cover the full exit quantity
// additionally opens a case for the unallocated remainder.
func (s *Service) ProcessExit(req SubmitRequest, actor string) (*Outcome, error) {
	if req.ExitQuantity <= 0 {
		return nil, &types.ValidationError{Field: "exit_quantity", Reason: "must be positive"}
	}

	ts := time.Now()
	if req.ExitTimestamp != nil {
		ts = *req.ExitTimestamp
	}
	event := &types.ExitEvent{
		ExitID:           "EXT_" + uuid.New().String(),
		TradingAccountID: req.TradingAccountID,
		Symbol:           req.Symbol,
		ExitQuantity:     req.ExitQuantity,
		ExitPrice:        req.ExitPrice,
		ExitTimestamp:    ts,
		BrokerTradeID:    req.BrokerTradeID,
		OrderID:          req.OrderID,
		Source:           actor,
		CreatedAt:        time.Now(),
	}

	// Redelivered broker trades map back to the event already recorded for
	// them; the allocation engine's idempotency key does the rest.
	replayed := false
	if req.BrokerTradeID != "" {
		existing, err := s.db.GetExitEventByBrokerTradeID(req.BrokerTradeID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			log.Info().
				Str("exit_id", existing.ExitID).
				Str("broker_trade_id", req.BrokerTradeID).
				Str("service", "exits").
				Msg("reusing exit event for redelivered broker trade")
			event = existing
			replayed = true
		}
	}

	if !replayed {
		if err := s.db.CreateExitEvent(event); err != nil {
			return nil, fmt.Errorf("failed to persist exit event: %w", err)
		}
	}

	return s.process(event, req.OverrideMethod, actor)
}

func (s *Service) process(event *types.ExitEvent, override *types.AllocationMethod, actor string) (*Outcome, error) {
	logger := log.With().
		Str("exit_id", event.ExitID).
		Str("trading_account_id", event.TradingAccountID).
		Str("symbol", event.Symbol).
		Str("service", "exits").
		Logger()

	decision, err := s.gate.Evaluate(event, override)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{ExitID: event.ExitID, Decision: decision}

	switch decision.Decision {
	case policy.DecisionBlocked:
		logger.Warn().Str("policy", decision.PolicyApplied).Msg("exit event blocked")
		return outcome, nil

	case policy.DecisionManualRequired:
		attributionCase, err := s.engine.OpenCase(event, decision.Positions, decision.ManualInterventionReason, event.ExitQuantity)
		if err != nil {
			return nil, err
		}
		outcome.Case = attributionCase
		return outcome, nil

	case policy.DecisionAutoApproved:
		view, err := s.engine.Attribute(allocation.AttributeRequest{
			ExitID:           event.ExitID,
			TradingAccountID: event.TradingAccountID,
			Symbol:           event.Symbol,
			ExitQuantity:     event.ExitQuantity,
			ExitPrice:        event.ExitPrice,
			ExitTimestamp:    event.ExitTimestamp,
			Method:           decision.RecommendedMethod,
			Actor:            actor,
		})
		if err != nil {
			return nil, err
		}
		outcome.Result = view

		// Insufficiency is an escalation, not a failure: the partial
		// allocation stands and only the remainder gets a case.
		if view.RequiresManualIntervention {
			attributionCase, err := s.engine.OpenCase(event, decision.Positions, types.ErrInsufficientQuantity.Error(), view.UnallocatedQuantity)
			if err != nil {
				return nil, err
			}
			outcome.Case = attributionCase
			logger.Warn().
				Float64("unallocated", view.UnallocatedQuantity).
				Str("case_id", attributionCase.CaseID).
				Msg("exit exceeded open quantity, remainder escalated to case")
		}
		return outcome, nil

	default:
		return nil, fmt.Errorf("unhandled policy decision %q", decision.Decision)
	}
}

// SeedPosition records a new open position, used by the admin surface and
// the simulation to set up holdings.
func (s *Service) SeedPosition(position *types.Position) error {
	if position.PositionID == "" {
		position.PositionID = "POS_" + uuid.New().String()
	}
	if position.Status == "" {
		position.Status = types.PositionOpen
	}
	if position.CreatedAt.IsZero() {
		position.CreatedAt = time.Now()
	}
	position.UpdatedAt = time.Now()
	return s.db.CreatePosition(position)
}

// ListPositions returns positions for an account, optionally filtered by
// symbol.
func (s *Service) ListPositions(tradingAccountID, symbol string) ([]types.Position, error) {
	return s.db.GetPositions(tradingAccountID, symbol)
}
