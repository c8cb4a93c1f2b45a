package execution

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type managedOrder struct {
	order  Order
	onFill FillCallback
}

// SettledRetention is how many filled or cancelled orders stay queryable
// through Get before the oldest are dropped.
const SettledRetention = 512

// OrderManager tracks orders placed by an engine and hands out each fill
// callback exactly once.
type OrderManager struct {
	orders  map[OrderHandle]*managedOrder
	open    map[OrderHandle]*managedOrder
	settled []OrderHandle // oldest first
	stats   ExecutionStatistics
	mu      sync.RWMutex
}

func NewOrderManager() *OrderManager {
	return &OrderManager{
		orders: make(map[OrderHandle]*managedOrder),
		open:   make(map[OrderHandle]*managedOrder),
	}
}

// Add registers a newly placed open order.
func (om *OrderManager) Add(order Order, onFill FillCallback) {
	om.mu.Lock()
	defer om.mu.Unlock()

	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	order.Status = OrderStatusOpen
	mo := &managedOrder{order: order, onFill: onFill}
	om.orders[order.ID] = mo
	om.open[order.ID] = mo
	om.stats.OrdersPlaced++
}

// Get finds an open order or one of the last SettledRetention settled ones.
func (om *OrderManager) Get(handle OrderHandle) (Order, bool) {
	om.mu.RLock()
	defer om.mu.RUnlock()
	mo, ok := om.orders[handle]
	if !ok {
		return Order{}, false
	}
	return mo.order, true
}

// ApplyFill records a partial or complete fill. When the order becomes fully
// filled its callback is returned; later fills for the same order are ignored.
func (om *OrderManager) ApplyFill(handle OrderHandle, size decimal.Decimal) (FillCallback, bool) {
	om.mu.Lock()
	defer om.mu.Unlock()

	mo, ok := om.orders[handle]
	if !ok || mo.order.Status != OrderStatusOpen {
		return nil, false
	}
	mo.order.FilledSize = mo.order.FilledSize.Add(size)
	mo.order.UpdatedAt = time.Now()
	if mo.order.FilledSize.LessThan(mo.order.Size) {
		return nil, false
	}
	return om.markFilled(mo), true
}

// MarkFilled marks the whole order filled.
func (om *OrderManager) MarkFilled(handle OrderHandle) (FillCallback, bool) {
	om.mu.Lock()
	defer om.mu.Unlock()

	mo, ok := om.orders[handle]
	if !ok || mo.order.Status != OrderStatusOpen {
		return nil, false
	}
	mo.order.FilledSize = mo.order.Size
	return om.markFilled(mo), true
}

func (om *OrderManager) markFilled(mo *managedOrder) FillCallback {
	mo.order.Status = OrderStatusFilled
	mo.order.UpdatedAt = time.Now()
	om.stats.OrdersFilled++
	om.settle(mo.order.ID)

	cb := mo.onFill
	mo.onFill = nil
	if cb == nil {
		cb = func(OrderHandle) {}
	}
	return cb
}

// MarkCancelled transitions an open order to cancelled. Anything else yields
// ErrOrderNotOpen.
func (om *OrderManager) MarkCancelled(handle OrderHandle) (Order, error) {
	om.mu.Lock()
	defer om.mu.Unlock()

	mo, ok := om.orders[handle]
	if !ok || mo.order.Status != OrderStatusOpen {
		return Order{}, ErrOrderNotOpen
	}
	mo.order.Status = OrderStatusCancelled
	mo.order.UpdatedAt = time.Now()
	mo.onFill = nil
	om.stats.OrdersCancelled++
	om.settle(handle)
	return mo.order, nil
}

// settle moves handle out of the open set and drops the oldest settled
// orders beyond SettledRetention.
func (om *OrderManager) settle(handle OrderHandle) {
	delete(om.open, handle)
	om.settled = append(om.settled, handle)
	if n := len(om.settled) - SettledRetention; n > 0 {
		for _, h := range om.settled[:n] {
			delete(om.orders, h)
		}
		om.settled = append(om.settled[:0], om.settled[n:]...)
	}
}

// RecordRejection counts an order the venue refused.
func (om *OrderManager) RecordRejection() {
	om.mu.Lock()
	om.stats.OrdersRejected++
	om.mu.Unlock()
}

// Open returns the open orders for symbol, or for every symbol when empty.
func (om *OrderManager) Open(symbol string) []Order {
	om.mu.RLock()
	defer om.mu.RUnlock()

	var open []Order
	for _, mo := range om.open {
		if symbol != "" && mo.order.Symbol != symbol {
			continue
		}
		open = append(open, mo.order)
	}
	return open
}

func (om *OrderManager) Stats() ExecutionStatistics {
	om.mu.RLock()
	defer om.mu.RUnlock()

	stats := om.stats
	stats.PendingOrders = len(om.open)
	return stats
}
