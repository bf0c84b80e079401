package allocation

import (
	"testing"
	"time"

	"github.com/ksred/attribution-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makePositions(quantities ...float64) []types.Position {
	base := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	positions := make([]types.Position, len(quantities))
	for i, qty := range quantities {
		positions[i] = types.Position{
			PositionID:       string(rune('a'+i)) + "-position",
			TradingAccountID: "ACC_TEST",
			Symbol:           "AAPL",
			Quantity:         qty,
			StrategyID:       "strategy",
			Status:           types.PositionOpen,
		}
		positions[i].CreatedAt = base.Add(time.Duration(i) * time.Minute)
	}
	return positions
}

func allocatedTotal(p *plan) float64 {
	total := 0.0
	for _, e := range p.Entries {
		total += e.Allocated
	}
	return total
}

func TestFIFOConsumesOldestFirst(t *testing.T) {
	candidates := makePositions(100, 50, 75)

	p, err := computePlan(types.MethodFIFO, candidates, 175, nil)
	require.NoError(t, err)

	require.Len(t, p.Entries, 3)
	assert.Equal(t, 100.0, p.Entries[0].Allocated)
	assert.Equal(t, 50.0, p.Entries[1].Allocated)
	assert.Equal(t, 25.0, p.Entries[2].Allocated)
	assert.Equal(t, 50.0, p.Entries[2].Remaining)
	assert.Equal(t, 175.0, p.TotalAllocated)
	assert.Equal(t, 0.0, p.Unallocated)
	assert.False(t, p.RequiresManual)
}

func TestLIFOConsumesNewestFirst(t *testing.T) {
	candidates := makePositions(100, 50, 75)

	p, err := computePlan(types.MethodLIFO, candidates, 100, nil)
	require.NoError(t, err)

	require.Len(t, p.Entries, 2)
	assert.Equal(t, candidates[2].PositionID, p.Entries[0].Position.PositionID)
	assert.Equal(t, 75.0, p.Entries[0].Allocated)
	assert.Equal(t, candidates[1].PositionID, p.Entries[1].Position.PositionID)
	assert.Equal(t, 25.0, p.Entries[1].Allocated)
	assert.Equal(t, 25.0, p.Entries[1].Remaining)
}

func TestProportionalSumsExactly(t *testing.T) {
	candidates := makePositions(100, 50, 75)

	p, err := computePlan(types.MethodProportional, candidates, 90, nil)
	require.NoError(t, err)

	require.Len(t, p.Entries, 3)
	assert.Equal(t, 40.0, p.Entries[0].Allocated)
	assert.Equal(t, 20.0, p.Entries[1].Allocated)
	assert.Equal(t, 30.0, p.Entries[2].Allocated)
	assert.Equal(t, 90.0, p.TotalAllocated)
	assert.Equal(t, 90.0, allocatedTotal(p))
}

func TestProportionalLargestRemainderNeverDrifts(t *testing.T) {
	// Quantities chosen so naive float splits accumulate representation error.
	candidates := makePositions(33.3333, 66.6667, 11.1111, 7.0007)

	p, err := computePlan(types.MethodProportional, candidates, 100.0001, nil)
	require.NoError(t, err)

	assert.Equal(t, 100.0001, p.TotalAllocated)
	assert.InDelta(t, 100.0001, allocatedTotal(p), 1e-9)
	for _, entry := range p.Entries {
		assert.GreaterOrEqual(t, entry.Remaining, 0.0)
		assert.LessOrEqual(t, entry.Allocated, entry.Position.Quantity)
	}
}

func TestSequentialInsufficiencyEscalates(t *testing.T) {
	candidates := makePositions(100, 50, 75)

	p, err := computePlan(types.MethodFIFO, candidates, 300, nil)
	require.NoError(t, err)

	assert.Equal(t, 225.0, p.TotalAllocated)
	assert.Equal(t, 75.0, p.Unallocated)
	assert.True(t, p.RequiresManual)
	for _, entry := range p.Entries {
		assert.Equal(t, 0.0, entry.Remaining)
	}
}

func TestProportionalInsufficiencyEscalates(t *testing.T) {
	candidates := makePositions(100, 50)

	p, err := computePlan(types.MethodProportional, candidates, 200, nil)
	require.NoError(t, err)

	assert.Equal(t, 150.0, p.TotalAllocated)
	assert.InDelta(t, 50.0, p.Unallocated, 1e-9)
	assert.True(t, p.RequiresManual)
}

func TestManualRequiresExactSum(t *testing.T) {
	candidates := makePositions(100, 50)

	_, err := computePlan(types.MethodManual, candidates, 120, map[string]float64{
		candidates[0].PositionID: 100,
		candidates[1].PositionID: 10,
	})
	require.ErrorIs(t, err, types.ErrQuantityMismatch)
}

func TestManualRejectsOverdraw(t *testing.T) {
	candidates := makePositions(100, 50)

	_, err := computePlan(types.MethodManual, candidates, 160, map[string]float64{
		candidates[0].PositionID: 100,
		candidates[1].PositionID: 60,
	})
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestManualRejectsUnknownPosition(t *testing.T) {
	candidates := makePositions(100)

	_, err := computePlan(types.MethodManual, candidates, 50, map[string]float64{
		"nonexistent": 50,
	})
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestManualExactSumApplies(t *testing.T) {
	candidates := makePositions(100, 50)

	p, err := computePlan(types.MethodManual, candidates, 120, map[string]float64{
		candidates[0].PositionID: 80,
		candidates[1].PositionID: 40,
	})
	require.NoError(t, err)

	require.Len(t, p.Entries, 2)
	assert.Equal(t, 80.0, p.Entries[0].Allocated)
	assert.Equal(t, 20.0, p.Entries[0].Remaining)
	assert.Equal(t, 40.0, p.Entries[1].Allocated)
	assert.Equal(t, 10.0, p.Entries[1].Remaining)
	assert.Equal(t, 120.0, p.TotalAllocated)
}

func TestNoCandidatesIsAnError(t *testing.T) {
	_, err := computePlan(types.MethodFIFO, nil, 10, nil)
	require.ErrorIs(t, err, types.ErrNoEligiblePositions)
}

func TestUnknownMethodIsRejected(t *testing.T) {
	_, err := computePlan(types.AllocationMethod("WEIGHTED"), makePositions(10), 5, nil)
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestSortByCreatedBreaksTiesOnPositionID(t *testing.T) {
	candidates := makePositions(10, 20)
	candidates[1].CreatedAt = candidates[0].CreatedAt

	asc := sortByCreated(candidates, true)
	desc := sortByCreated(candidates, false)

	assert.Equal(t, candidates[0].PositionID, asc[0].PositionID)
	assert.Equal(t, candidates[1].PositionID, desc[0].PositionID)
}
