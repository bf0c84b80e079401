package allocation

import (
	"testing"
	"time"

	"github.com/ksred/attribution-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func seedExitEvent(t *testing.T, db *gorm.DB, exitID string, qty float64) *types.ExitEvent {
	t.Helper()
	event := &types.ExitEvent{
		ExitID:           exitID,
		TradingAccountID: "ACC_TEST",
		Symbol:           "AAPL",
		ExitQuantity:     qty,
		ExitPrice:        181.0,
		ExitTimestamp:    time.Now(),
		Source:           "tester",
		CreatedAt:        time.Now(),
	}
	require.NoError(t, db.Create(event).Error)
	return event
}

func TestOpenCaseSnapshotsCandidates(t *testing.T) {
	engine, db := newTestEngine(t)
	p1 := seedPosition(t, db, "ACC_TEST", "AAPL", 100, 2*time.Hour)
	p2 := seedPosition(t, db, "ACC_TEST", "AAPL", 50, time.Hour)
	event := seedExitEvent(t, db, "EXT_case_open", 80)

	c, err := engine.OpenCase(event, []types.Position{p1, p2}, "multiple strategies hold this symbol", event.ExitQuantity)
	require.NoError(t, err)

	assert.Equal(t, CasePending, c.Status)
	assert.Equal(t, event.ExitID, c.ExitID)
	assert.Equal(t, event.ExitQuantity, c.PendingQuantity)
	assert.Contains(t, c.CandidateSnapshot, p1.PositionID)
	assert.Contains(t, c.CandidateSnapshot, p2.PositionID)
}

func TestOpenCaseReturnsExistingPendingCase(t *testing.T) {
	engine, db := newTestEngine(t)
	p1 := seedPosition(t, db, "ACC_TEST", "AAPL", 100, time.Hour)
	event := seedExitEvent(t, db, "EXT_case_dup", 80)

	first, err := engine.OpenCase(event, []types.Position{p1}, "partial close needs a decision", event.ExitQuantity)
	require.NoError(t, err)
	second, err := engine.OpenCase(event, []types.Position{p1}, "partial close needs a decision", event.ExitQuantity)
	require.NoError(t, err)

	assert.Equal(t, first.CaseID, second.CaseID)

	var count int64
	require.NoError(t, db.Model(&Case{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestResolveCaseAppliesManualDecision(t *testing.T) {
	engine, db := newTestEngine(t)
	p1 := seedPosition(t, db, "ACC_TEST", "AAPL", 100, 2*time.Hour)
	p2 := seedPosition(t, db, "ACC_TEST", "AAPL", 50, time.Hour)
	event := seedExitEvent(t, db, "EXT_case_resolve", 80)

	c, err := engine.OpenCase(event, []types.Position{p1, p2}, "multiple strategies hold this symbol", event.ExitQuantity)
	require.NoError(t, err)

	view, err := engine.ResolveCase(c.CaseID, Resolution{
		DecisionMaker: "ops-analyst",
		Rationale:     "momentum book reduced first",
		Allocations: map[string]float64{
			p1.PositionID: 60,
			p2.PositionID: 20,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 80.0, view.TotalAllocatedQuantity)

	resolved, err := engine.GetCase(c.CaseID)
	require.NoError(t, err)
	assert.Equal(t, CaseResolved, resolved.Status)
	assert.Equal(t, "ops-analyst", resolved.DecisionMaker)
	require.NotNil(t, resolved.ResolvedAt)

	var p1After types.Position
	require.NoError(t, db.Where("position_id = ?", p1.PositionID).First(&p1After).Error)
	assert.Equal(t, 40.0, p1After.Quantity)
}

func TestResolveCaseMismatchKeepsCasePending(t *testing.T) {
	engine, db := newTestEngine(t)
	p1 := seedPosition(t, db, "ACC_TEST", "AAPL", 100, time.Hour)
	event := seedExitEvent(t, db, "EXT_case_mismatch", 80)

	c, err := engine.OpenCase(event, []types.Position{p1}, "partial close needs a decision", event.ExitQuantity)
	require.NoError(t, err)

	_, err = engine.ResolveCase(c.CaseID, Resolution{
		DecisionMaker: "ops-analyst",
		Rationale:     "wrong sum",
		Allocations:   map[string]float64{p1.PositionID: 30},
	})
	require.ErrorIs(t, err, types.ErrQuantityMismatch)

	still, err := engine.GetCase(c.CaseID)
	require.NoError(t, err)
	assert.Equal(t, CasePending, still.Status)
}

func TestResolveCaseRejectsDoubleResolution(t *testing.T) {
	engine, db := newTestEngine(t)
	p1 := seedPosition(t, db, "ACC_TEST", "AAPL", 100, time.Hour)
	event := seedExitEvent(t, db, "EXT_case_double", 50)

	c, err := engine.OpenCase(event, []types.Position{p1}, "partial close needs a decision", event.ExitQuantity)
	require.NoError(t, err)

	res := Resolution{
		DecisionMaker: "ops-analyst",
		Rationale:     "split",
		Allocations:   map[string]float64{p1.PositionID: 50},
	}
	_, err = engine.ResolveCase(c.CaseID, res)
	require.NoError(t, err)

	_, err = engine.ResolveCase(c.CaseID, res)
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestResolveCaseUnknownID(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.ResolveCase("CSE_missing", Resolution{
		DecisionMaker: "ops-analyst",
		Allocations:   map[string]float64{"whatever": 1},
	})
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestPendingCasesOldestFirst(t *testing.T) {
	engine, db := newTestEngine(t)
	p1 := seedPosition(t, db, "ACC_TEST", "AAPL", 100, time.Hour)
	older := seedExitEvent(t, db, "EXT_case_a", 10)
	newer := seedExitEvent(t, db, "EXT_case_b", 20)

	first, err := engine.OpenCase(older, []types.Position{p1}, "a", older.ExitQuantity)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := engine.OpenCase(newer, []types.Position{p1}, "b", newer.ExitQuantity)
	require.NoError(t, err)

	pending, err := engine.PendingCases(10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.CaseID, pending[0].CaseID)
	assert.Equal(t, second.CaseID, pending[1].CaseID)
}
