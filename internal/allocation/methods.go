package allocation

import (
	"fmt"
	"math"
	"sort"

	"github.com/ksred/attribution-api/internal/types"
)

// quantityUnit is the resolution allocations are computed at. Working on
// integer units of 1e-4 keeps proportional shares summing exactly to the
// target with no float drift.
const quantityUnit = 1e4

// planEntry is one position's computed share before anything is persisted.
type planEntry struct {
	Position  types.Position
	Allocated float64
	Remaining float64
}

// plan is the pure output of an allocation algorithm.
type plan struct {
	Entries        []planEntry
	TotalAllocated float64
	Unallocated    float64
	RequiresManual bool
}

// computePlan dispatches on the allocation method and returns the ordered
// allocation plan. Candidates must already be filtered to open positions for
// the right account and symbol. No state is touched.
//
// For FIFO, LIFO and Proportional, an exit quantity exceeding the total open
// quantity consumes every candidate fully and reports the remainder as
// unallocated with manual intervention required. The Manual method instead
// demands that the specified amounts sum exactly to the exit quantity.
func computePlan(method types.AllocationMethod, candidates []types.Position, exitQty float64, specific map[string]float64) (*plan, error) {
	if len(candidates) == 0 {
		return nil, types.ErrNoEligiblePositions
	}

	switch method {
	case types.MethodFIFO:
		return consumeSequential(sortByCreated(candidates, true), exitQty), nil
	case types.MethodLIFO:
		return consumeSequential(sortByCreated(candidates, false), exitQty), nil
	case types.MethodProportional:
		return consumeProportional(sortByCreated(candidates, true), exitQty), nil
	case types.MethodManual:
		return consumeSpecified(candidates, exitQty, specific)
	default:
		return nil, &types.ValidationError{Field: "method", Reason: fmt.Sprintf("unknown allocation method %q", method)}
	}
}

// sortByCreated orders candidates by creation time; ties break on position
// id so the order is total and deterministic.
func sortByCreated(candidates []types.Position, ascending bool) []types.Position {
	sorted := make([]types.Position, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			if ascending {
				return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
			}
			return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
		}
		if ascending {
			return sorted[i].PositionID < sorted[j].PositionID
		}
		return sorted[i].PositionID > sorted[j].PositionID
	})
	return sorted
}

// consumeSequential fills each position fully before moving to the next
// until the exit quantity is exhausted or candidates run out.
func consumeSequential(ordered []types.Position, exitQty float64) *plan {
	p := &plan{}
	remaining := toUnits(exitQty)

	for _, pos := range ordered {
		if remaining <= 0 {
			break
		}
		available := toUnits(pos.Quantity)
		take := available
		if take > remaining {
			take = remaining
		}
		remaining -= take
		p.Entries = append(p.Entries, planEntry{
			Position:  pos,
			Allocated: fromUnits(take),
			Remaining: fromUnits(available - take),
		})
	}

	p.TotalAllocated = exitQty - fromUnits(remaining)
	p.Unallocated = fromUnits(remaining)
	p.RequiresManual = remaining > 0
	return p
}

// consumeProportional splits the exit quantity across all candidates in
// proportion to their open quantity, using a largest-remainder correction so
// the shares sum exactly to min(exit, total). The residual is handed out one
// unit at a time to the positions with the largest fractional remainder,
// ties broken by earliest creation time (the incoming order).
func consumeProportional(ordered []types.Position, exitQty float64) *plan {
	p := &plan{}

	totalUnits := int64(0)
	available := make([]int64, len(ordered))
	for i, pos := range ordered {
		available[i] = toUnits(pos.Quantity)
		totalUnits += available[i]
	}

	target := toUnits(exitQty)
	if target >= totalUnits {
		// Everything is consumed; any excess is unallocated.
		for i, pos := range ordered {
			p.Entries = append(p.Entries, planEntry{
				Position:  pos,
				Allocated: fromUnits(available[i]),
				Remaining: 0,
			})
		}
		p.TotalAllocated = fromUnits(totalUnits)
		p.Unallocated = exitQty - p.TotalAllocated
		p.RequiresManual = target > totalUnits
		return p
	}

	shares := make([]int64, len(ordered))
	type frac struct {
		index     int
		remainder int64
	}
	fracs := make([]frac, len(ordered))

	allocated := int64(0)
	for i := range ordered {
		// share = available * target / total, floored; remainder scaled by
		// total for exact comparison.
		num := available[i] * target
		shares[i] = num / totalUnits
		fracs[i] = frac{index: i, remainder: num % totalUnits}
		allocated += shares[i]
	}

	// Largest-remainder pass: distribute the residual unit by unit.
	sort.SliceStable(fracs, func(a, b int) bool {
		return fracs[a].remainder > fracs[b].remainder
	})
	residual := target - allocated
	for i := 0; residual > 0; i = (i + 1) % len(fracs) {
		idx := fracs[i].index
		if shares[idx] < available[idx] {
			shares[idx]++
			residual--
		}
	}

	for i, pos := range ordered {
		p.Entries = append(p.Entries, planEntry{
			Position:  pos,
			Allocated: fromUnits(shares[i]),
			Remaining: fromUnits(available[i] - shares[i]),
		})
	}
	p.TotalAllocated = fromUnits(target)
	p.Unallocated = 0
	return p
}

// consumeSpecified applies caller-chosen amounts to caller-chosen positions.
// The amounts must sum exactly to the exit quantity; anything else fails
// with no partial commit.
func consumeSpecified(candidates []types.Position, exitQty float64, specific map[string]float64) (*plan, error) {
	if len(specific) == 0 {
		return nil, &types.ValidationError{Field: "allocations", Reason: "manual method requires explicit position amounts"}
	}

	byID := make(map[string]types.Position, len(candidates))
	for _, pos := range candidates {
		byID[pos.PositionID] = pos
	}

	sum := int64(0)
	for positionID, qty := range specific {
		pos, ok := byID[positionID]
		if !ok {
			return nil, &types.ValidationError{Field: "allocations", Reason: fmt.Sprintf("position %s is not an eligible candidate", positionID)}
		}
		if qty <= 0 {
			return nil, &types.ValidationError{Field: "allocations", Reason: fmt.Sprintf("amount for position %s must be positive", positionID)}
		}
		if toUnits(qty) > toUnits(pos.Quantity) {
			return nil, &types.ValidationError{Field: "allocations", Reason: fmt.Sprintf("amount for position %s exceeds its open quantity", positionID)}
		}
		sum += toUnits(qty)
	}
	if sum != toUnits(exitQty) {
		return nil, types.ErrQuantityMismatch
	}

	// Deterministic order for the result: specified positions by creation
	// time ascending.
	chosen := make([]types.Position, 0, len(specific))
	for positionID := range specific {
		chosen = append(chosen, byID[positionID])
	}
	chosen = sortByCreated(chosen, true)

	p := &plan{TotalAllocated: exitQty}
	for _, pos := range chosen {
		qty := specific[pos.PositionID]
		p.Entries = append(p.Entries, planEntry{
			Position:  pos,
			Allocated: qty,
			Remaining: fromUnits(toUnits(pos.Quantity) - toUnits(qty)),
		})
	}
	return p, nil
}

func toUnits(qty float64) int64 {
	return int64(math.Round(qty * quantityUnit))
}

func fromUnits(units int64) float64 {
	return float64(units) / quantityUnit
}
