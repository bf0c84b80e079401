package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/attribution-api/internal/audit"
	"github.com/ksred/attribution-api/internal/broker"
	"github.com/ksred/attribution-api/internal/exits"
	"github.com/ksred/attribution-api/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Actor recorded on every correction the worker makes.
const Actor = "reconciliation_worker"

// Worker compares internal order state against broker ground truth and
// corrects drift. Corrections that imply quantity left a symbol are fed back
// through the normal attribution pipeline as synthesized exit events, so
// they pass the policy gate and the allocation engine like any other exit.
type Worker struct {
	db            *Database
	broker        broker.Client
	audit         *audit.Service
	exits         *exits.Service
	brokerTimeout time.Duration
	interval      time.Duration
	defaultScope  Scope
}

// NewWorker creates a reconciliation worker.
func NewWorker(gormDB *gorm.DB, brokerClient broker.Client, auditService *audit.Service, exitService *exits.Service, brokerTimeout, interval time.Duration, defaultScope Scope) *Worker {
	return &Worker{
		db:            NewDatabase(gormDB),
		broker:        brokerClient,
		audit:         auditService,
		exits:         exitService,
		brokerTimeout: brokerTimeout,
		interval:      interval,
		defaultScope:  defaultScope,
	}
}

// Start runs periodic reconciliation with the default scope until ctx is
// cancelled.
func (w *Worker) Start(ctx context.Context) {
	logger := log.With().Str("component", "reconciliation_worker").Logger()
	logger.Info().Dur("interval", w.interval).Msg("starting reconciliation worker")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down reconciliation worker")
			return
		case <-ticker.C:
			if _, err := w.Reconcile(ctx, w.defaultScope); err != nil {
				logger.Error().Err(err).Msg("reconciliation run failed")
			}
		}
	}
}

// Reconcile runs one bounded pass over non-terminal orders in scope. A
// broker failure on one item is recorded and the batch continues; only a
// failure to read the candidate set aborts the run.
func (w *Worker) Reconcile(ctx context.Context, scope Scope) (*Report, error) {
	logger := log.With().
		Str("component", "reconciliation_worker").
		Str("trading_account_id", scope.TradingAccountID).
		Logger()

	now := time.Now()
	report := &Report{
		ReportID:  "RPT_" + uuid.New().String(),
		StartedAt: now,
	}

	orders, err := w.db.GetOrdersForReconciliation(scope, now)
	if err != nil {
		return nil, err
	}

	logger.Info().Int("candidates", len(orders)).Msg("starting reconciliation pass")

	for i := range orders {
		if err := ctx.Err(); err != nil {
			break
		}

		drift, err := w.reconcileOrder(ctx, &orders[i])
		report.TotalChecked++
		if err != nil {
			report.Errors++
			logger.Warn().
				Err(err).
				Str("order_id", orders[i].OrderID).
				Msg("per-item reconciliation error, continuing batch")
			continue
		}
		if drift != nil {
			report.DriftCount++
			if drift.Corrected {
				report.Corrected++
			}
		}
	}

	report.CompletedAt = time.Now()
	if err := w.db.CreateReport(report); err != nil {
		logger.Error().Err(err).Msg("failed to persist reconciliation report")
	}

	logger.Info().
		Str("report_id", report.ReportID).
		Int("total_checked", report.TotalChecked).
		Int("drift_count", report.DriftCount).
		Int("corrected", report.Corrected).
		Int("errors", report.Errors).
		Msg("reconciliation pass complete")
	return report, nil
}

// ReconcileOrder reconciles one specific order on demand, regardless of the
// batch scope.
func (w *Worker) ReconcileOrder(ctx context.Context, orderID string) (*Drift, error) {
	order, err := w.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("order %s: %w", orderID, gorm.ErrRecordNotFound)
	}
	return w.reconcileOrder(ctx, order)
}

// reconcileOrder fetches broker ground truth for one order and applies any
// drift. Returns nil drift when internal state already matches.
func (w *Worker) reconcileOrder(ctx context.Context, order *types.Order) (*Drift, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.brokerTimeout)
	defer cancel()

	truth, err := w.broker.GetOrderStatus(callCtx, order.TradingAccountID, order.BrokerOrderID)
	if err != nil {
		return nil, &types.ExternalDependencyError{Op: "get_order_status", Err: err}
	}

	statusDrift := truth.Status != order.Status
	quantityDrift := truth.FilledQuantity != order.FilledQuantity
	if !statusDrift && !quantityDrift {
		return nil, nil
	}

	drift := &Drift{
		OrderID:       order.OrderID,
		InternalValue: fmt.Sprintf("%s filled=%g", order.Status, order.FilledQuantity),
		BrokerValue:   fmt.Sprintf("%s filled=%g", truth.Status, truth.FilledQuantity),
	}
	switch {
	case statusDrift && quantityDrift:
		drift.Field = "status,filled_quantity"
	case statusDrift:
		drift.Field = "status"
	default:
		drift.Field = "filled_quantity"
	}
	drift.QuantityDelta = truth.FilledQuantity - order.FilledQuantity

	oldStatus := order.Status
	err = w.db.Transaction(func(tx *gorm.DB) error {
		order.Status = truth.Status
		order.FilledQuantity = truth.FilledQuantity
		order.UpdatedAt = time.Now()
		if err := w.db.UpdateOrderTx(tx, order); err != nil {
			return err
		}

		entry := audit.NewEntry(
			"order", order.OrderID,
			oldStatus, truth.Status,
			Actor,
			"drift corrected from broker ground truth",
			map[string]any{
				"field":           drift.Field,
				"internal_value":  drift.InternalValue,
				"broker_value":    drift.BrokerValue,
				"quantity_delta":  drift.QuantityDelta,
				"broker_order_id": order.BrokerOrderID,
			},
		)
		return w.audit.RecordTx(tx, entry)
	})
	if err != nil {
		return drift, fmt.Errorf("failed to apply drift correction: %w", err)
	}
	drift.Corrected = true

	// A sell-side fill the broker saw and we did not means quantity left the
	// symbol: synthesize a corrective exit so ownership attribution catches
	// up through the normal gate → engine path.
	if order.Side == "SELL" && drift.QuantityDelta > 0 {
		outcome, err := w.exits.ProcessExit(exits.SubmitRequest{
			TradingAccountID: order.TradingAccountID,
			Symbol:           order.Symbol,
			ExitQuantity:     drift.QuantityDelta,
			ExitPrice:        truth.AvgFillPrice,
			BrokerTradeID:    fmt.Sprintf("recon-%s-%d", order.BrokerOrderID, truth.UpdatedAt.UnixNano()),
			OrderID:          order.OrderID,
		}, Actor)
		if err != nil {
			return drift, fmt.Errorf("failed to apply corrective exit: %w", err)
		}
		drift.CorrectiveExit = outcome.ExitID
	}

	return drift, nil
}

// SeedOrder records an internal order; used by provisioning and the
// simulation.
func (w *Worker) SeedOrder(order *types.Order) error {
	if order.OrderID == "" {
		order.OrderID = "ORD_" + uuid.New().String()
	}
	if order.Status == "" {
		order.Status = types.OrderPending
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	order.UpdatedAt = time.Now()
	return w.db.CreateOrder(order)
}
