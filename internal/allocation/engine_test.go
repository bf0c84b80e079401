package allocation

import (
	"fmt"
	"testing"
	"time"

	"github.com/ksred/attribution-api/internal/audit"
	"github.com/ksred/attribution-api/internal/idempotency"
	"github.com/ksred/attribution-api/internal/locks"
	"github.com/ksred/attribution-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&types.Position{},
		&types.ExitEvent{},
		&audit.Entry{},
		&idempotency.Record{},
		&locks.HandoffLock{},
		&locks.LockResource{},
		&Result{},
		&Allocation{},
		&Case{},
	))
	return db
}

func newTestEngine(t *testing.T) (*Engine, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	auditService := audit.NewService(db)
	coordinator := locks.NewCoordinator(db, 30*time.Second, time.Second)
	ledger := idempotency.NewLedger(db, 3, time.Hour)
	return NewEngine(db, auditService, coordinator, ledger, 30*time.Second, 3, time.Millisecond), db
}

func seedPosition(t *testing.T, db *gorm.DB, account, symbol string, qty float64, age time.Duration) types.Position {
	t.Helper()
	position := types.Position{
		PositionID:       fmt.Sprintf("POS_%s_%d", t.Name(), time.Now().UnixNano()),
		TradingAccountID: account,
		Symbol:           symbol,
		Quantity:         qty,
		StrategyID:       "momentum",
		Status:           types.PositionOpen,
	}
	position.CreatedAt = time.Now().Add(-age)
	require.NoError(t, db.Create(&position).Error)
	return position
}

func attributeRequest(exitID string, qty float64, method types.AllocationMethod) AttributeRequest {
	return AttributeRequest{
		ExitID:           exitID,
		TradingAccountID: "ACC_TEST",
		Symbol:           "AAPL",
		ExitQuantity:     qty,
		ExitPrice:        180.5,
		ExitTimestamp:    time.Now(),
		Method:           method,
		Actor:            "tester",
	}
}

func TestAttributeFIFOConsumesAndCloses(t *testing.T) {
	engine, db := newTestEngine(t)
	oldest := seedPosition(t, db, "ACC_TEST", "AAPL", 100, 3*time.Hour)
	middle := seedPosition(t, db, "ACC_TEST", "AAPL", 50, 2*time.Hour)
	newest := seedPosition(t, db, "ACC_TEST", "AAPL", 75, time.Hour)

	view, err := engine.Attribute(attributeRequest("EXT_fifo", 175, types.MethodFIFO))
	require.NoError(t, err)

	assert.Equal(t, 175.0, view.TotalAllocatedQuantity)
	assert.Equal(t, 0.0, view.UnallocatedQuantity)
	assert.False(t, view.RequiresManualIntervention)
	require.Len(t, view.Allocations, 3)
	assert.Equal(t, oldest.PositionID, view.Allocations[0].PositionID)
	assert.Equal(t, middle.PositionID, view.Allocations[1].PositionID)
	assert.Equal(t, newest.PositionID, view.Allocations[2].PositionID)

	var updated types.Position
	require.NoError(t, db.Where("position_id = ?", oldest.PositionID).First(&updated).Error)
	assert.Equal(t, types.PositionClosed, updated.Status)
	assert.Equal(t, 0.0, updated.Quantity)

	var remaining types.Position
	require.NoError(t, db.Where("position_id = ?", newest.PositionID).First(&remaining).Error)
	assert.Equal(t, types.PositionOpen, remaining.Status)
	assert.Equal(t, 50.0, remaining.Quantity)
}

func TestAttributeWritesAuditTrail(t *testing.T) {
	engine, db := newTestEngine(t)
	seedPosition(t, db, "ACC_TEST", "AAPL", 100, time.Hour)

	view, err := engine.Attribute(attributeRequest("EXT_audit", 40, types.MethodFIFO))
	require.NoError(t, err)

	// One entry per consumed position plus one summary.
	var positionEntries, summaryEntries int64
	require.NoError(t, db.Model(&audit.Entry{}).Where("entity_type = ?", "position").Count(&positionEntries).Error)
	require.NoError(t, db.Model(&audit.Entry{}).
		Where("entity_type = ? AND entity_id = ?", "allocation", view.AllocationID).
		Count(&summaryEntries).Error)
	assert.Equal(t, int64(1), positionEntries)
	assert.Equal(t, int64(1), summaryEntries)
}

func TestAttributeReplaysIdenticalResult(t *testing.T) {
	engine, db := newTestEngine(t)
	seedPosition(t, db, "ACC_TEST", "AAPL", 100, time.Hour)

	req := attributeRequest("EXT_replay", 60, types.MethodFIFO)
	first, err := engine.Attribute(req)
	require.NoError(t, err)

	second, err := engine.Attribute(req)
	require.NoError(t, err)

	assert.Equal(t, first.AllocationID, second.AllocationID)
	assert.Equal(t, first.Allocations, second.Allocations)

	// The position was only consumed once.
	var position types.Position
	require.NoError(t, db.Where("trading_account_id = ?", "ACC_TEST").First(&position).Error)
	assert.Equal(t, 40.0, position.Quantity)

	var results int64
	require.NoError(t, db.Model(&Result{}).Count(&results).Error)
	assert.Equal(t, int64(1), results)
}

func TestAttributeReplayAfterFullConsumption(t *testing.T) {
	engine, db := newTestEngine(t)
	seedPosition(t, db, "ACC_TEST", "AAPL", 50, time.Hour)

	req := attributeRequest("EXT_consumed", 50, types.MethodFIFO)
	first, err := engine.Attribute(req)
	require.NoError(t, err)

	// No open positions remain, but the redelivery must still replay.
	second, err := engine.Attribute(req)
	require.NoError(t, err)
	assert.Equal(t, first.AllocationID, second.AllocationID)
}

func TestAttributeInsufficiencyCommitsPartial(t *testing.T) {
	engine, db := newTestEngine(t)
	seedPosition(t, db, "ACC_TEST", "AAPL", 100, 2*time.Hour)
	seedPosition(t, db, "ACC_TEST", "AAPL", 125, time.Hour)

	view, err := engine.Attribute(attributeRequest("EXT_short", 300, types.MethodFIFO))
	require.NoError(t, err)

	assert.Equal(t, 225.0, view.TotalAllocatedQuantity)
	assert.Equal(t, 75.0, view.UnallocatedQuantity)
	assert.True(t, view.RequiresManualIntervention)

	var open int64
	require.NoError(t, db.Model(&types.Position{}).Where("status = ?", types.PositionOpen).Count(&open).Error)
	assert.Equal(t, int64(0), open)
}

func TestAttributeNoEligiblePositions(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.Attribute(attributeRequest("EXT_none", 10, types.MethodFIFO))
	require.ErrorIs(t, err, types.ErrNoEligiblePositions)
}

func TestAttributeManualMismatchLeavesNoTrace(t *testing.T) {
	engine, db := newTestEngine(t)
	position := seedPosition(t, db, "ACC_TEST", "AAPL", 100, time.Hour)

	req := attributeRequest("EXT_mismatch", 50, types.MethodManual)
	req.SpecificAllocations = map[string]float64{position.PositionID: 30}
	_, err := engine.Attribute(req)
	require.ErrorIs(t, err, types.ErrQuantityMismatch)

	var untouched types.Position
	require.NoError(t, db.Where("position_id = ?", position.PositionID).First(&untouched).Error)
	assert.Equal(t, 100.0, untouched.Quantity)

	var results int64
	require.NoError(t, db.Model(&Result{}).Count(&results).Error)
	assert.Equal(t, int64(0), results)
}

func TestAttributeRetriesThroughExpiringLock(t *testing.T) {
	engine, db := newTestEngine(t)
	position := seedPosition(t, db, "ACC_TEST", "AAPL", 100, time.Hour)

	// Another holder covers the position briefly; the engine's configured
	// retry budget outlives the blocker.
	blocker := locks.NewCoordinator(db, 30*time.Second, time.Second)
	_, err := blocker.Acquire(locks.Request{
		HolderID:    "reconciliation_worker",
		ResourceIDs: []string{position.PositionID},
		TTL:         2 * time.Millisecond,
	})
	require.NoError(t, err)

	view, err := engine.Attribute(attributeRequest("EXT_retry", 40, types.MethodFIFO))
	require.NoError(t, err)
	assert.InDelta(t, 40.0, view.TotalAllocatedQuantity, 1e-9)
}

func TestAttributeGivesUpAfterRetryBudget(t *testing.T) {
	engine, db := newTestEngine(t)
	position := seedPosition(t, db, "ACC_TEST", "AAPL", 100, time.Hour)

	blocker := locks.NewCoordinator(db, 30*time.Second, time.Second)
	_, err := blocker.Acquire(locks.Request{
		HolderID:    "reconciliation_worker",
		ResourceIDs: []string{position.PositionID},
	})
	require.NoError(t, err)

	_, err = engine.Attribute(attributeRequest("EXT_blocked", 40, types.MethodFIFO))
	require.ErrorIs(t, err, types.ErrLockConflict)
}

func TestGetResultRoundTrip(t *testing.T) {
	engine, db := newTestEngine(t)
	seedPosition(t, db, "ACC_TEST", "AAPL", 100, time.Hour)

	view, err := engine.Attribute(attributeRequest("EXT_get", 25, types.MethodFIFO))
	require.NoError(t, err)

	fetched, err := engine.GetResult(view.AllocationID)
	require.NoError(t, err)
	assert.Equal(t, view.AllocationID, fetched.AllocationID)
	assert.Equal(t, view.Allocations, fetched.Allocations)
	assert.Equal(t, view.TotalAllocatedQuantity, fetched.TotalAllocatedQuantity)
}
