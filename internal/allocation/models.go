package allocation

import (
	"time"

	"gorm.io/gorm"
)

// Result is the persisted outcome of one attribution run.
type Result struct {
	gorm.Model                 `json:"-"`
	AllocationID               string    `gorm:"uniqueIndex" json:"allocation_id"`
	ExitID                     string    `gorm:"index" json:"exit_id"`
	TradingAccountID           string    `gorm:"index" json:"trading_account_id"`
	Symbol                     string    `json:"symbol"`
	Method                     string    `json:"method"`
	ExitQuantity               float64   `json:"exit_quantity"`
	TotalAllocatedQuantity     float64   `json:"total_allocated_quantity"`
	UnallocatedQuantity        float64   `json:"unallocated_quantity"`
	RequiresManualIntervention bool      `json:"requires_manual_intervention"`
	CreatedAt                  time.Time `json:"created_at"`
}

func (Result) TableName() string { return "allocation_results" }

// Allocation is one position's share of a Result, in the deterministic order
// the chosen algorithm produced it.
type Allocation struct {
	gorm.Model        `json:"-"`
	AllocationID      string  `gorm:"index" json:"allocation_id"`
	PositionID        string  `gorm:"index" json:"position_id"`
	Sequence          int     `json:"sequence"`
	AllocatedQuantity float64 `json:"allocated_quantity"`
	RemainingQuantity float64 `json:"remaining_quantity"`
}

// ResultView is the API-facing shape of a Result with its ordered
// allocations inlined. It is also the payload cached by the idempotency
// ledger, so a replayed attribution returns the identical view.
type ResultView struct {
	AllocationID               string           `json:"allocation_id"`
	ExitID                     string           `json:"exit_id"`
	TradingAccountID           string           `json:"trading_account_id"`
	Symbol                     string           `json:"symbol"`
	Method                     string           `json:"method"`
	ExitQuantity               float64          `json:"exit_quantity"`
	TotalAllocatedQuantity     float64          `json:"total_allocated_quantity"`
	UnallocatedQuantity        float64          `json:"unallocated_quantity"`
	RequiresManualIntervention bool             `json:"requires_manual_intervention"`
	Allocations                []AllocationView `json:"allocations"`
	Timestamp                  time.Time        `json:"timestamp"`
}

type AllocationView struct {
	PositionID        string  `json:"position_id"`
	AllocatedQuantity float64 `json:"allocated_quantity"`
	RemainingQuantity float64 `json:"remaining_quantity"`
}

const (
	CasePending  = "PENDING"
	CaseResolved = "RESOLVED"
	CaseFailed   = "FAILED"
)

// Case is an ExitAttributionCase: opened when the gate requires manual
// handling or when an automatic allocation leaves an unallocated remainder.
// Lifecycle: PENDING → RESOLVED (manual decision applied through the engine)
// or FAILED. PendingQuantity is what the manual decision must cover: the
// full exit quantity for gate-routed cases, only the unallocated remainder
// for insufficiency escalations.
type Case struct {
	gorm.Model        `json:"-"`
	CaseID            string     `gorm:"uniqueIndex" json:"case_id"`
	ExitID            string     `gorm:"index" json:"exit_id"`
	Status            string     `gorm:"index" json:"status"` // PENDING, RESOLVED, FAILED
	PendingQuantity   float64    `json:"pending_quantity"`
	Reason            string     `json:"reason"`
	CandidateSnapshot string     `json:"candidate_snapshot"` // JSON array of positions at creation time
	DecisionMaker     string     `json:"decision_maker,omitempty"`
	Rationale         string     `json:"rationale,omitempty"`
	ResolutionPayload string     `json:"resolution_payload,omitempty"` // JSON of applied allocation decisions
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (Case) TableName() string { return "attribution_cases" }
