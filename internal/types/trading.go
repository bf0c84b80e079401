package types

import (
	"time"

	"gorm.io/gorm"
)

// AllocationMethod selects the algorithm used to attribute an exit quantity
// across candidate positions. The set is closed; dispatch happens through a
// single allocation function keyed on this value.
type AllocationMethod string

const (
	MethodFIFO         AllocationMethod = "FIFO"
	MethodLIFO         AllocationMethod = "LIFO"
	MethodProportional AllocationMethod = "PROPORTIONAL"
	MethodManual       AllocationMethod = "MANUAL"
)

// Valid reports whether m is one of the supported allocation methods.
func (m AllocationMethod) Valid() bool {
	switch m {
	case MethodFIFO, MethodLIFO, MethodProportional, MethodManual:
		return true
	}
	return false
}

const (
	PositionOpen   = "OPEN"
	PositionClosed = "CLOSED"
)

// Position is an open or partially-open holding attributed to a strategy.
// Quantity is the remaining open amount and only ever decreases; a position
// is closed when it reaches zero. Mutations require a coordinator lock on
// the position id.
type Position struct {
	gorm.Model       `json:"-"`
	PositionID       string    `gorm:"uniqueIndex" json:"position_id"`
	TradingAccountID string    `gorm:"index" json:"trading_account_id"`
	Symbol           string    `gorm:"index" json:"symbol"`
	Quantity         float64   `json:"quantity"`
	StrategyID       string    `json:"strategy_id"`
	ExecutionID      string    `json:"execution_id"`
	PortfolioID      *string   `json:"portfolio_id,omitempty"` // nil for orphan positions
	EntryPrice       float64   `json:"entry_price"`
	Status           string    `json:"status"` // OPEN, CLOSED
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ExitEvent is an external or synthesized signal that quantity left a symbol.
// Immutable once created.
type ExitEvent struct {
	gorm.Model       `json:"-"`
	ExitID           string    `gorm:"uniqueIndex" json:"exit_id"`
	TradingAccountID string    `gorm:"index" json:"trading_account_id"`
	Symbol           string    `json:"symbol"`
	ExitQuantity     float64   `json:"exit_quantity"`
	ExitPrice        float64   `json:"exit_price"`
	ExitTimestamp    time.Time `json:"exit_timestamp"`
	BrokerTradeID    string    `json:"broker_trade_id,omitempty"`
	OrderID          string    `json:"order_id,omitempty"`
	Source           string    `json:"source"` // api, reconciliation_worker
	CreatedAt        time.Time `json:"created_at"`
}

const (
	OrderPending   = "PENDING"
	OrderPartial   = "PARTIAL"
	OrderComplete  = "COMPLETE"
	OrderCancelled = "CANCELLED"
)

// Order mirrors a broker order as recorded internally. The reconciliation
// worker compares it against broker ground truth and corrects drift.
type Order struct {
	gorm.Model       `json:"-"`
	OrderID          string    `gorm:"uniqueIndex" json:"order_id"`
	TradingAccountID string    `gorm:"index" json:"trading_account_id"`
	Symbol           string    `json:"symbol"`
	Side             string    `json:"side"` // BUY or SELL
	Quantity         float64   `json:"quantity"`
	FilledQuantity   float64   `json:"filled_quantity"`
	Price            float64   `json:"price"`
	Status           string    `gorm:"index" json:"status"` // PENDING, PARTIAL, COMPLETE, CANCELLED
	BrokerOrderID    string    `json:"broker_order_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TerminalOrderStatus reports whether status can no longer change, so the
// reconciliation worker skips it.
func TerminalOrderStatus(status string) bool {
	return status == OrderComplete || status == OrderCancelled
}
