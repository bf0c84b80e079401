package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockOrderStatusRoundTrip(t *testing.T) {
	mock := NewMock()
	mock.SetOrderStatus("BRK_1", OrderStatus{
		BrokerOrderID:  "BRK_1",
		Status:         "COMPLETE",
		FilledQuantity: 40,
		AvgFillPrice:   181.5,
	})

	status, err := mock.GetOrderStatus(context.Background(), "ACC_1", "BRK_1")
	require.NoError(t, err)
	assert.Equal(t, "COMPLETE", status.Status)
	assert.InDelta(t, 40.0, status.FilledQuantity, 1e-9)

	_, err = mock.GetOrderStatus(context.Background(), "ACC_1", "BRK_unknown")
	assert.Error(t, err)
}

func TestMockListTradesFilters(t *testing.T) {
	mock := NewMock()
	now := time.Now()
	mock.AddTrade("ACC_1", Trade{Symbol: "AAPL", Quantity: 10, ExecutedAt: now})
	mock.AddTrade("ACC_1", Trade{Symbol: "MSFT", Quantity: 5, ExecutedAt: now})
	mock.AddTrade("ACC_1", Trade{Symbol: "AAPL", Quantity: 7, ExecutedAt: now.Add(-2 * time.Hour)})
	mock.AddTrade("ACC_2", Trade{Symbol: "AAPL", Quantity: 3, ExecutedAt: now})

	trades, err := mock.ListTrades(context.Background(), "ACC_1", "AAPL", now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.InDelta(t, 10.0, trades[0].Quantity, 1e-9)
}

func TestMockHonorsContextDeadline(t *testing.T) {
	mock := NewMock().WithLatency(50*time.Millisecond, 100*time.Millisecond)
	mock.SetOrderStatus("BRK_1", OrderStatus{BrokerOrderID: "BRK_1", Status: "PENDING"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := mock.GetOrderStatus(ctx, "ACC_1", "BRK_1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMockErrorRateAlwaysFails(t *testing.T) {
	mock := NewMock().WithErrorRate(1)
	mock.SetOrderStatus("BRK_1", OrderStatus{BrokerOrderID: "BRK_1", Status: "PENDING"})

	_, err := mock.GetOrderStatus(context.Background(), "ACC_1", "BRK_1")
	assert.Error(t, err)
}
