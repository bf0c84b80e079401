package reconciliation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ksred/attribution-api/internal/allocation"
	"github.com/ksred/attribution-api/internal/audit"
	"github.com/ksred/attribution-api/internal/broker"
	"github.com/ksred/attribution-api/internal/exits"
	"github.com/ksred/attribution-api/internal/idempotency"
	"github.com/ksred/attribution-api/internal/locks"
	"github.com/ksred/attribution-api/internal/policy"
	"github.com/ksred/attribution-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestWorker(t *testing.T, mock *broker.Mock) (*Worker, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&types.Position{},
		&types.ExitEvent{},
		&types.Order{},
		&audit.Entry{},
		&idempotency.Record{},
		&locks.HandoffLock{},
		&locks.LockResource{},
		&allocation.Result{},
		&allocation.Allocation{},
		&allocation.Case{},
		&Report{},
	))

	auditService := audit.NewService(db)
	coordinator := locks.NewCoordinator(db, 30*time.Second, time.Second)
	ledger := idempotency.NewLedger(db, 3, time.Hour)
	engine := allocation.NewEngine(db, auditService, coordinator, ledger, 30*time.Second, 3, time.Millisecond)
	gate := policy.NewGate(db, auditService)
	exitService := exits.NewService(db, gate, engine)

	worker := NewWorker(db, mock, auditService, exitService, time.Second, time.Minute, Scope{
		MaxAge:    24 * time.Hour,
		BatchSize: 100,
	})
	return worker, db
}

func seedOrder(t *testing.T, worker *Worker, order *types.Order) *types.Order {
	t.Helper()
	require.NoError(t, worker.SeedOrder(order))
	return order
}

func TestReconcileOrderNoDrift(t *testing.T) {
	mock := broker.NewMock()
	worker, _ := newTestWorker(t, mock)

	order := seedOrder(t, worker, &types.Order{
		TradingAccountID: "ACC_1",
		Symbol:           "AAPL",
		Side:             "BUY",
		Quantity:         100,
		FilledQuantity:   40,
		Status:           types.OrderPartial,
		BrokerOrderID:    "BRK_1",
	})
	mock.SetOrderStatus("BRK_1", broker.OrderStatus{
		BrokerOrderID:  "BRK_1",
		Status:         types.OrderPartial,
		FilledQuantity: 40,
	})

	drift, err := worker.ReconcileOrder(context.Background(), order.OrderID)
	require.NoError(t, err)
	assert.Nil(t, drift)
}

func TestReconcileOrderCorrectsStatusDrift(t *testing.T) {
	mock := broker.NewMock()
	worker, db := newTestWorker(t, mock)

	order := seedOrder(t, worker, &types.Order{
		TradingAccountID: "ACC_1",
		Symbol:           "AAPL",
		Side:             "BUY",
		Quantity:         100,
		FilledQuantity:   100,
		Status:           types.OrderPending,
		BrokerOrderID:    "BRK_1",
	})
	mock.SetOrderStatus("BRK_1", broker.OrderStatus{
		BrokerOrderID:  "BRK_1",
		Status:         types.OrderComplete,
		FilledQuantity: 100,
		UpdatedAt:      time.Now(),
	})

	drift, err := worker.ReconcileOrder(context.Background(), order.OrderID)
	require.NoError(t, err)
	require.NotNil(t, drift)
	assert.Equal(t, "status", drift.Field)
	assert.True(t, drift.Corrected)
	assert.Empty(t, drift.CorrectiveExit)

	var updated types.Order
	require.NoError(t, db.Where("order_id = ?", order.OrderID).First(&updated).Error)
	assert.Equal(t, types.OrderComplete, updated.Status)

	// Exactly one correction entry, attributed to the worker.
	var entries []audit.Entry
	require.NoError(t, db.Where("entity_type = ? AND entity_id = ?", "order", order.OrderID).Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.Equal(t, Actor, entries[0].Actor)
	assert.Equal(t, types.OrderPending, entries[0].OldState)
	assert.Equal(t, types.OrderComplete, entries[0].NewState)
}

func TestReconcileOrderSellFillSynthesizesCorrectiveExit(t *testing.T) {
	mock := broker.NewMock()
	worker, db := newTestWorker(t, mock)

	// Open inventory the missed sell fill must be attributed against.
	require.NoError(t, worker.exits.SeedPosition(&types.Position{
		TradingAccountID: "ACC_1",
		Symbol:           "AAPL",
		Quantity:         100,
		StrategyID:       "momentum",
		EntryPrice:       150,
	}))

	order := seedOrder(t, worker, &types.Order{
		TradingAccountID: "ACC_1",
		Symbol:           "AAPL",
		Side:             "SELL",
		Quantity:         40,
		FilledQuantity:   0,
		Status:           types.OrderPending,
		BrokerOrderID:    "BRK_1",
	})
	mock.SetOrderStatus("BRK_1", broker.OrderStatus{
		BrokerOrderID:  "BRK_1",
		Status:         types.OrderComplete,
		FilledQuantity: 40,
		AvgFillPrice:   181.5,
		UpdatedAt:      time.Now(),
	})

	drift, err := worker.ReconcileOrder(context.Background(), order.OrderID)
	require.NoError(t, err)
	require.NotNil(t, drift)
	assert.True(t, drift.Corrected)
	assert.InDelta(t, 40.0, drift.QuantityDelta, 1e-9)
	require.NotEmpty(t, drift.CorrectiveExit)

	// The corrective exit went through the normal attribution path: the
	// single open position shrank by the missed fill.
	var position types.Position
	require.NoError(t, db.Where("trading_account_id = ? AND symbol = ?", "ACC_1", "AAPL").First(&position).Error)
	assert.InDelta(t, 60.0, position.Quantity, 1e-9)

	var event types.ExitEvent
	require.NoError(t, db.Where("exit_id = ?", drift.CorrectiveExit).First(&event).Error)
	assert.Equal(t, Actor, event.Source)
	assert.Equal(t, order.OrderID, event.OrderID)
}

func TestReconcileOrderBuyFillNeverExits(t *testing.T) {
	mock := broker.NewMock()
	worker, db := newTestWorker(t, mock)

	order := seedOrder(t, worker, &types.Order{
		TradingAccountID: "ACC_1",
		Symbol:           "AAPL",
		Side:             "BUY",
		Quantity:         40,
		FilledQuantity:   0,
		Status:           types.OrderPending,
		BrokerOrderID:    "BRK_1",
	})
	mock.SetOrderStatus("BRK_1", broker.OrderStatus{
		BrokerOrderID:  "BRK_1",
		Status:         types.OrderComplete,
		FilledQuantity: 40,
		UpdatedAt:      time.Now(),
	})

	drift, err := worker.ReconcileOrder(context.Background(), order.OrderID)
	require.NoError(t, err)
	require.NotNil(t, drift)
	assert.True(t, drift.Corrected)
	assert.Empty(t, drift.CorrectiveExit)

	var count int64
	require.NoError(t, db.Model(&types.ExitEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestReconcileOrderNotFound(t *testing.T) {
	worker, _ := newTestWorker(t, broker.NewMock())

	_, err := worker.ReconcileOrder(context.Background(), "ORD_missing")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestReconcilePerItemErrorContinuesBatch(t *testing.T) {
	mock := broker.NewMock()
	worker, _ := newTestWorker(t, mock)

	// The broker knows nothing about the first order; the second is clean.
	seedOrder(t, worker, &types.Order{
		TradingAccountID: "ACC_1",
		Symbol:           "AAPL",
		Side:             "BUY",
		Quantity:         10,
		Status:           types.OrderPending,
		BrokerOrderID:    "BRK_unknown",
	})
	seedOrder(t, worker, &types.Order{
		TradingAccountID: "ACC_1",
		Symbol:           "MSFT",
		Side:             "BUY",
		Quantity:         10,
		Status:           types.OrderPending,
		BrokerOrderID:    "BRK_known",
	})
	mock.SetOrderStatus("BRK_known", broker.OrderStatus{
		BrokerOrderID:  "BRK_known",
		Status:         types.OrderComplete,
		FilledQuantity: 10,
		UpdatedAt:      time.Now(),
	})

	report, err := worker.Reconcile(context.Background(), Scope{MaxAge: time.Hour, BatchSize: 100})
	require.NoError(t, err)
	assert.Equal(t, 2, report.TotalChecked)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, 1, report.DriftCount)
	assert.Equal(t, 1, report.Corrected)
	assert.NotEmpty(t, report.ReportID)
	assert.False(t, report.CompletedAt.Before(report.StartedAt))
}

func TestReconcileScopeExcludesTerminalAndForeignOrders(t *testing.T) {
	mock := broker.NewMock()
	worker, _ := newTestWorker(t, mock)

	seedOrder(t, worker, &types.Order{
		TradingAccountID: "ACC_1",
		Symbol:           "AAPL",
		Side:             "BUY",
		Quantity:         10,
		Status:           types.OrderComplete,
		BrokerOrderID:    "BRK_done",
	})
	seedOrder(t, worker, &types.Order{
		TradingAccountID: "ACC_2",
		Symbol:           "AAPL",
		Side:             "BUY",
		Quantity:         10,
		Status:           types.OrderPending,
		BrokerOrderID:    "BRK_other_account",
	})
	seedOrder(t, worker, &types.Order{
		TradingAccountID: "ACC_1",
		Symbol:           "AAPL",
		Side:             "BUY",
		Quantity:         10,
		Status:           types.OrderPending,
		BrokerOrderID:    "BRK_in_scope",
	})
	mock.SetOrderStatus("BRK_in_scope", broker.OrderStatus{
		BrokerOrderID: "BRK_in_scope",
		Status:        types.OrderPending,
	})

	report, err := worker.Reconcile(context.Background(), Scope{
		TradingAccountID: "ACC_1",
		MaxAge:           time.Hour,
		BatchSize:        100,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalChecked)
	assert.Zero(t, report.Errors)
}

func TestReconcileBatchSizeBoundsPass(t *testing.T) {
	mock := broker.NewMock()
	worker, _ := newTestWorker(t, mock)

	for i := 0; i < 5; i++ {
		brokerID := fmt.Sprintf("BRK_%d", i)
		seedOrder(t, worker, &types.Order{
			TradingAccountID: "ACC_1",
			Symbol:           "AAPL",
			Side:             "BUY",
			Quantity:         10,
			Status:           types.OrderPending,
			BrokerOrderID:    brokerID,
		})
		mock.SetOrderStatus(brokerID, broker.OrderStatus{
			BrokerOrderID: brokerID,
			Status:        types.OrderPending,
		})
	}

	report, err := worker.Reconcile(context.Background(), Scope{MaxAge: time.Hour, BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, report.TotalChecked)
}

func TestSeedOrderDefaults(t *testing.T) {
	worker, _ := newTestWorker(t, broker.NewMock())

	order := &types.Order{
		TradingAccountID: "ACC_1",
		Symbol:           "AAPL",
		Side:             "BUY",
		Quantity:         10,
	}
	require.NoError(t, worker.SeedOrder(order))
	assert.Contains(t, order.OrderID, "ORD_")
	assert.Equal(t, types.OrderPending, order.Status)
	assert.False(t, order.CreatedAt.IsZero())
}
