package execution

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"grid-trading-bot/marketdata"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaperEngine simulates a spot venue in memory. Limit orders rest until a
// public trade crosses their price and then fill completely at the limit.
// Funds are reserved when an order is placed and released on cancel.
type PaperEngine struct {
	balances  map[string]decimal.Decimal
	reserved  map[OrderHandle]reservation
	precision int32
	orders    *OrderManager
	mu        sync.Mutex
	logger    *zap.Logger
}

type reservation struct {
	currency string
	amount   decimal.Decimal
}

// NewPaperEngine creates a paper venue with the given free balances keyed by
// currency.
func NewPaperEngine(balances map[string]decimal.Decimal, precision int32, logger *zap.Logger) *PaperEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := make(map[string]decimal.Decimal, len(balances))
	for currency, amount := range balances {
		b[strings.ToUpper(currency)] = amount
	}
	return &PaperEngine{
		balances:  b,
		reserved:  make(map[OrderHandle]reservation),
		precision: precision,
		orders:    NewOrderManager(),
		logger:    logger.Named("paper"),
	}
}

func (p *PaperEngine) LimitBuy(ctx context.Context, symbol string, price, size decimal.Decimal, onFill FillCallback) (OrderHandle, error) {
	return p.place(symbol, OrderSideBuy, price, size, onFill)
}

func (p *PaperEngine) LimitSell(ctx context.Context, symbol string, price, size decimal.Decimal, onFill FillCallback) (OrderHandle, error) {
	return p.place(symbol, OrderSideSell, price, size, onFill)
}

func (p *PaperEngine) place(symbol string, side OrderSide, price, size decimal.Decimal, onFill FillCallback) (OrderHandle, error) {
	if !price.IsPositive() || !size.IsPositive() {
		p.orders.RecordRejection()
		return "", fmt.Errorf("%s %s price=%s size=%s: %w", side, symbol, price, size, ErrInvalidOrder)
	}

	base, quote := marketdata.SplitSymbol(symbol)
	res := reservation{currency: base, amount: size}
	if side == OrderSideBuy {
		res = reservation{currency: quote, amount: price.Mul(size)}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	free := p.balances[res.currency]
	if free.LessThan(res.amount) {
		p.orders.RecordRejection()
		return "", fmt.Errorf("%s %s needs %s %s, have %s: %w", side, symbol, res.amount, res.currency, free, ErrInsufficientBalance)
	}
	p.balances[res.currency] = free.Sub(res.amount)

	handle := OrderHandle(uuid.New().String())
	p.reserved[handle] = res
	p.orders.Add(Order{
		ID:     handle,
		Symbol: symbol,
		Side:   side,
		Price:  price,
		Size:   size,
	}, onFill)

	p.logger.Debug("Order placed",
		zap.String("id", string(handle)),
		zap.String("symbol", symbol),
		zap.String("side", side.String()),
		zap.String("price", price.String()),
		zap.String("size", size.String()))
	return handle, nil
}

// CancelOrder releases the order's reservation. Filled, cancelled and
// unknown orders yield ErrOrderNotOpen.
func (p *PaperEngine) CancelOrder(ctx context.Context, handle OrderHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.orders.MarkCancelled(handle); err != nil {
		return fmt.Errorf("cancel %s: %w", handle, err)
	}
	if res, ok := p.reserved[handle]; ok {
		p.balances[res.currency] = p.balances[res.currency].Add(res.amount)
		delete(p.reserved, handle)
	}
	return nil
}

// OnTrade fills every resting order on the trade's symbol whose limit the
// trade price reaches. Fill callbacks run after balances settle, outside the
// engine lock.
func (p *PaperEngine) OnTrade(trade marketdata.Trade) {
	var callbacks []func()

	p.mu.Lock()
	open := p.orders.Open(trade.Symbol)
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })

	for _, o := range open {
		crossed := (o.Side == OrderSideBuy && trade.Price.LessThanOrEqual(o.Price)) ||
			(o.Side == OrderSideSell && trade.Price.GreaterThanOrEqual(o.Price))
		if !crossed {
			continue
		}
		cb, ok := p.orders.MarkFilled(o.ID)
		if !ok {
			continue
		}
		p.settle(o)

		p.logger.Info("Order filled",
			zap.String("id", string(o.ID)),
			zap.String("symbol", o.Symbol),
			zap.String("side", o.Side.String()),
			zap.String("price", o.Price.String()),
			zap.String("size", o.Size.String()),
			zap.String("trade_price", trade.Price.String()))

		handle := o.ID
		callbacks = append(callbacks, func() { cb(handle) })
	}
	p.mu.Unlock()

	for _, call := range callbacks {
		call()
	}
}

func (p *PaperEngine) settle(o Order) {
	base, quote := marketdata.SplitSymbol(o.Symbol)
	delete(p.reserved, o.ID)
	if o.Side == OrderSideBuy {
		p.balances[base] = p.balances[base].Add(o.Size)
		return
	}
	p.balances[quote] = p.balances[quote].Add(o.Price.Mul(o.Size))
}

// Position returns the free balance of currency.
func (p *PaperEngine) Position(ctx context.Context, currency string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[strings.ToUpper(currency)], nil
}

func (p *PaperEngine) PricePrecision(symbol string) int32 {
	return p.precision
}

func (p *PaperEngine) SplitSymbol(symbol string) (base, quote string) {
	return marketdata.SplitSymbol(symbol)
}

// Balances returns a copy of the free balances.
func (p *PaperEngine) Balances() map[string]decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(p.balances))
	for k, v := range p.balances {
		out[k] = v
	}
	return out
}

// OpenOrders lists resting orders for symbol.
func (p *PaperEngine) OpenOrders(symbol string) []Order {
	return p.orders.Open(symbol)
}

func (p *PaperEngine) GetExecutionStats() ExecutionStatistics {
	return p.orders.Stats()
}
