package strategy

import "grid-trading-bot/execution"

type orderSlot struct {
	handle execution.OrderHandle
	set    bool
}

// outstandingOrders is the buy/sell pair a grid keeps resting. Either slot
// may be empty.
type outstandingOrders struct {
	buy  orderSlot
	sell orderSlot
}

func (o *outstandingOrders) Count() int {
	n := 0
	if o.buy.set {
		n++
	}
	if o.sell.set {
		n++
	}
	return n
}

// Match reports which slot holds handle.
func (o *outstandingOrders) Match(handle execution.OrderHandle) (execution.OrderSide, bool) {
	switch {
	case o.buy.set && o.buy.handle == handle:
		return execution.OrderSideBuy, true
	case o.sell.set && o.sell.handle == handle:
		return execution.OrderSideSell, true
	}
	return "", false
}

// Take returns both slots and clears them.
func (o *outstandingOrders) Take() (buy, sell orderSlot) {
	buy, sell = o.buy, o.sell
	o.buy, o.sell = orderSlot{}, orderSlot{}
	return buy, sell
}

func (o *outstandingOrders) Set(side execution.OrderSide, handle execution.OrderHandle) {
	slot := orderSlot{handle: handle, set: true}
	if side == execution.OrderSideBuy {
		o.buy = slot
		return
	}
	o.sell = slot
}
