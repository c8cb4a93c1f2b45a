package execution

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestOrderManager_FillCallbackOnce(t *testing.T) {
	om := NewOrderManager()
	calls := 0
	om.Add(Order{ID: "a", Symbol: "HYPE-USDC", Side: OrderSideBuy, Price: decimal.NewFromInt(10), Size: decimal.NewFromInt(2)},
		func(OrderHandle) { calls++ })

	cb, ok := om.MarkFilled("a")
	require.True(t, ok)
	cb("a")

	_, ok = om.MarkFilled("a")
	require.False(t, ok)
	_, ok = om.ApplyFill("a", decimal.NewFromInt(1))
	require.False(t, ok)
	require.Equal(t, 1, calls)

	o, ok := om.Get("a")
	require.True(t, ok)
	require.Equal(t, OrderStatusFilled, o.Status)
	require.True(t, o.Remaining().IsZero())
}

func TestOrderManager_PartialFills(t *testing.T) {
	om := NewOrderManager()
	om.Add(Order{ID: "a", Symbol: "HYPE-USDC", Side: OrderSideSell, Size: decimal.NewFromInt(3)}, nil)

	_, done := om.ApplyFill("a", decimal.NewFromInt(1))
	require.False(t, done)
	o, _ := om.Get("a")
	require.True(t, o.Remaining().Equal(decimal.NewFromInt(2)))

	cb, done := om.ApplyFill("a", decimal.NewFromInt(2))
	require.True(t, done)
	require.NotNil(t, cb, "nil callbacks are replaced by a no-op")
}

func TestOrderManager_CancelRules(t *testing.T) {
	om := NewOrderManager()
	om.Add(Order{ID: "a", Symbol: "HYPE-USDC", Size: decimal.NewFromInt(1)}, nil)
	om.Add(Order{ID: "b", Symbol: "PURR-USDC", Size: decimal.NewFromInt(1)}, nil)

	require.Len(t, om.Open(""), 2)
	require.Len(t, om.Open("HYPE-USDC"), 1)

	_, err := om.MarkCancelled("a")
	require.NoError(t, err)
	_, err = om.MarkCancelled("a")
	require.ErrorIs(t, err, ErrOrderNotOpen)
	_, err = om.MarkCancelled("missing")
	require.ErrorIs(t, err, ErrOrderNotOpen)

	_, ok := om.MarkFilled("a")
	require.False(t, ok, "cancelled orders never fill")

	om.RecordRejection()
	stats := om.Stats()
	require.EqualValues(t, 2, stats.OrdersPlaced)
	require.EqualValues(t, 1, stats.OrdersCancelled)
	require.EqualValues(t, 1, stats.OrdersRejected)
	require.Equal(t, 1, stats.PendingOrders)
}

func TestOrderManager_PrunesSettledOrders(t *testing.T) {
	om := NewOrderManager()
	om.Add(Order{ID: "resting", Symbol: "HYPE-USDC", Size: decimal.NewFromInt(1)}, nil)

	total := SettledRetention + 100
	for i := 0; i < total; i++ {
		h := OrderHandle(fmt.Sprintf("o-%d", i))
		om.Add(Order{ID: h, Symbol: "HYPE-USDC", Size: decimal.NewFromInt(1)}, nil)
		if i%2 == 0 {
			_, ok := om.MarkFilled(h)
			require.True(t, ok)
		} else {
			_, err := om.MarkCancelled(h)
			require.NoError(t, err)
		}
	}

	open := om.Open("HYPE-USDC")
	require.Len(t, open, 1)
	require.Equal(t, OrderHandle("resting"), open[0].ID)
	require.Len(t, om.orders, SettledRetention+1)

	_, ok := om.Get("o-0")
	require.False(t, ok, "oldest settled order is dropped")
	last, ok := om.Get(OrderHandle(fmt.Sprintf("o-%d", total-1)))
	require.True(t, ok)
	require.Equal(t, OrderStatusCancelled, last.Status)
	_, ok = om.Get("resting")
	require.True(t, ok, "open orders are never pruned")

	stats := om.Stats()
	require.EqualValues(t, total+1, stats.OrdersPlaced)
	require.Equal(t, 1, stats.PendingOrders)
}
