package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Mock is an in-memory broker used by local runs, the simulation, and tests.
// Statuses and trades are seeded through the setters; latency and a failure
// rate can be configured to exercise the worker's per-item error handling.
type Mock struct {
	mu         sync.RWMutex
	statuses   map[string]OrderStatus // broker_order_id -> status
	trades     map[string][]Trade     // account_id -> trades
	minLatency time.Duration
	maxLatency time.Duration
	errorRate  float64 // 0-1, probability a call fails
}

// NewMock creates a mock broker with no latency and no injected failures.
func NewMock() *Mock {
	return &Mock{
		statuses: make(map[string]OrderStatus),
		trades:   make(map[string][]Trade),
	}
}

// WithLatency configures the simulated per-call latency range.
func (m *Mock) WithLatency(min, max time.Duration) *Mock {
	m.minLatency = min
	m.maxLatency = max
	return m
}

// WithErrorRate configures the probability of a simulated broker failure.
func (m *Mock) WithErrorRate(rate float64) *Mock {
	m.errorRate = rate
	return m
}

// SetOrderStatus seeds or updates the broker-side state of an order.
func (m *Mock) SetOrderStatus(brokerOrderID string, status OrderStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status.BrokerOrderID = brokerOrderID
	m.statuses[brokerOrderID] = status
}

// AddTrade seeds a broker-side execution for an account.
func (m *Mock) AddTrade(tradingAccountID string, trade Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[tradingAccountID] = append(m.trades[tradingAccountID], trade)
}

// GetOrderStatus implements Client.
func (m *Mock) GetOrderStatus(ctx context.Context, tradingAccountID, brokerOrderID string) (*OrderStatus, error) {
	if err := m.simulate(ctx, "get_order_status"); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[brokerOrderID]
	if !ok {
		return nil, fmt.Errorf("broker has no record of order %s", brokerOrderID)
	}
	return &status, nil
}

// ListTrades implements Client.
func (m *Mock) ListTrades(ctx context.Context, tradingAccountID, symbol string, since time.Time) ([]Trade, error) {
	if err := m.simulate(ctx, "list_trades"); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []Trade
	for _, trade := range m.trades[tradingAccountID] {
		if trade.Symbol == symbol && trade.ExecutedAt.After(since) {
			matched = append(matched, trade)
		}
	}
	return matched, nil
}

// simulate applies the configured latency and failure behaviour while
// honouring the caller's deadline.
func (m *Mock) simulate(ctx context.Context, op string) error {
	if m.maxLatency > 0 {
		span := m.maxLatency - m.minLatency
		latency := m.minLatency
		if span > 0 {
			latency += time.Duration(rand.Int63n(int64(span)))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(latency):
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	if m.errorRate > 0 && rand.Float64() < m.errorRate {
		log.Debug().Str("op", op).Msg("mock broker injected failure")
		return fmt.Errorf("broker %s failed", op)
	}
	return nil
}

// Compile-time interface check.
var _ Client = (*Mock)(nil)
