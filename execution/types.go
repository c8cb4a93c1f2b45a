package execution

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrOrderNotOpen is returned by CancelOrder when the order already
	// filled, was cancelled, or is unknown to the engine.
	ErrOrderNotOpen = errors.New("order not open")
	// ErrInvalidOrder is returned for non-positive prices or sizes.
	ErrInvalidOrder = errors.New("invalid order")
	// ErrInsufficientBalance is returned when the account cannot fund an order.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// ExecutionEngine places and cancels resting limit orders.
type ExecutionEngine interface {
	LimitBuy(ctx context.Context, symbol string, price, size decimal.Decimal, onFill FillCallback) (OrderHandle, error)
	LimitSell(ctx context.Context, symbol string, price, size decimal.Decimal, onFill FillCallback) (OrderHandle, error)
	CancelOrder(ctx context.Context, handle OrderHandle) error
}

// Account exposes balances and symbol metadata.
type Account interface {
	Position(ctx context.Context, currency string) (decimal.Decimal, error)
	PricePrecision(symbol string) int32
	SplitSymbol(symbol string) (base, quote string)
}

// OrderHandle identifies an order placed through an ExecutionEngine.
type OrderHandle string

// FillCallback is invoked once when an order is completely filled. It may
// run on any goroutine.
type FillCallback func(handle OrderHandle)

type OrderSide string
type OrderStatus string

const (
	OrderSideBuy  OrderSide = "B"
	OrderSideSell OrderSide = "S"

	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

func (s OrderSide) String() string {
	if s == OrderSideBuy {
		return "buy"
	}
	return "sell"
}

type Order struct {
	ID         OrderHandle     `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       OrderSide       `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Size       decimal.Decimal `json:"size"`
	FilledSize decimal.Decimal `json:"filled_size"`
	Status     OrderStatus     `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Remaining is the unfilled quantity.
func (o Order) Remaining() decimal.Decimal {
	return o.Size.Sub(o.FilledSize)
}

// ExecutionStatistics counts order activity over the engine's lifetime.
type ExecutionStatistics struct {
	OrdersPlaced    int64 `json:"orders_placed"`
	OrdersFilled    int64 `json:"orders_filled"`
	OrdersCancelled int64 `json:"orders_cancelled"`
	OrdersRejected  int64 `json:"orders_rejected"`
	PendingOrders   int   `json:"pending_orders"`
}
