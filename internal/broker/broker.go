// Package broker defines the client contract for the broker collaborator.
// The reconciliation worker treats broker responses as ground truth.
package broker

import (
	"context"
	"time"
)

// OrderStatus is the broker's view of one order.
type OrderStatus struct {
	BrokerOrderID  string    `json:"broker_order_id"`
	Status         string    `json:"status"` // PENDING, PARTIAL, COMPLETE, CANCELLED
	FilledQuantity float64   `json:"filled_quantity"`
	AvgFillPrice   float64   `json:"avg_fill_price"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Trade is one execution reported by the broker.
type Trade struct {
	BrokerTradeID string    `json:"broker_trade_id"`
	BrokerOrderID string    `json:"broker_order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price"`
	ExecutedAt    time.Time `json:"executed_at"`
}

// Client is the broker collaborator consumed by the reconciliation worker.
// Implementations must respect ctx deadlines; the worker bounds every call
// with a timeout and treats a timeout as a per-item error.
type Client interface {
	// GetOrderStatus returns ground truth for one order.
	GetOrderStatus(ctx context.Context, tradingAccountID, brokerOrderID string) (*OrderStatus, error)

	// ListTrades returns executions for an account and symbol since the
	// given time.
	ListTrades(ctx context.Context, tradingAccountID, symbol string, since time.Time) ([]Trade, error)
}
