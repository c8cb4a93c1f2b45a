package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"grid-trading-bot/execution"
	"grid-trading-bot/marketdata"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// dailyBar builds a closed daily bar i days after a fixed epoch.
func dailyBar(i int, open, high, low, close string) marketdata.Bar {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
	return marketdata.Bar{
		Symbol:   "HYPE-USDC",
		Interval: marketdata.IntervalDaily,
		Start:    start,
		End:      start.Add(24*time.Hour - time.Millisecond),
		Open:     d(open),
		High:     d(high),
		Low:      d(low),
		Close:    d(close),
		Volume:   d("1"),
		Closed:   true,
	}
}

type fakeMarketData struct {
	mu           sync.Mutex
	bars         []marketdata.Bar
	err          error
	trades       []string
	dailyBars    []string
	unsubscribed []string
}

func (f *fakeMarketData) RequestHistoricalDailyBars(ctx context.Context, symbol string) ([]marketdata.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bars, f.err
}

func (f *fakeMarketData) SubscribeTrades(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, symbol)
	return nil
}

func (f *fakeMarketData) SubscribeDailyBars(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dailyBars = append(f.dailyBars, symbol)
	return nil
}

func (f *fakeMarketData) Unsubscribe(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, symbol)
	return nil
}

type placedOrder struct {
	handle execution.OrderHandle
	side   execution.OrderSide
	price  decimal.Decimal
	size   decimal.Decimal
	onFill execution.FillCallback
}

// fakeExecutor accepts every order unless reject is set for its side.
type fakeExecutor struct {
	mu        sync.Mutex
	seq       int
	placed    []placedOrder
	open      map[execution.OrderHandle]bool
	cancelled []execution.OrderHandle
	reject    map[execution.OrderSide]error
	cancelErr error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		open:   make(map[execution.OrderHandle]bool),
		reject: make(map[execution.OrderSide]error),
	}
}

func (f *fakeExecutor) LimitBuy(ctx context.Context, symbol string, price, size decimal.Decimal, onFill execution.FillCallback) (execution.OrderHandle, error) {
	return f.place(execution.OrderSideBuy, price, size, onFill)
}

func (f *fakeExecutor) LimitSell(ctx context.Context, symbol string, price, size decimal.Decimal, onFill execution.FillCallback) (execution.OrderHandle, error) {
	return f.place(execution.OrderSideSell, price, size, onFill)
}

func (f *fakeExecutor) place(side execution.OrderSide, price, size decimal.Decimal, onFill execution.FillCallback) (execution.OrderHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.reject[side]; err != nil {
		return "", err
	}
	f.seq++
	h := execution.OrderHandle(fmt.Sprintf("%s-%d", side.String(), f.seq))
	f.placed = append(f.placed, placedOrder{handle: h, side: side, price: price, size: size, onFill: onFill})
	f.open[h] = true
	return h, nil
}

func (f *fakeExecutor) CancelOrder(ctx context.Context, handle execution.OrderHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, handle)
	if f.cancelErr != nil {
		return f.cancelErr
	}
	if !f.open[handle] {
		return execution.ErrOrderNotOpen
	}
	delete(f.open, handle)
	return nil
}

// fill marks handle filled and returns its callback.
func (f *fakeExecutor) fill(handle execution.OrderHandle) execution.FillCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.open, handle)
	for _, p := range f.placed {
		if p.handle == handle {
			return p.onFill
		}
	}
	return nil
}

func (f *fakeExecutor) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.open)
}

func (f *fakeExecutor) last(side execution.OrderSide) placedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.placed) - 1; i >= 0; i-- {
		if f.placed[i].side == side {
			return f.placed[i]
		}
	}
	return placedOrder{}
}

type fakeAccount struct {
	balances  map[string]decimal.Decimal
	precision int32
	err       error
}

func (f *fakeAccount) Position(ctx context.Context, currency string) (decimal.Decimal, error) {
	if f.err != nil {
		return decimal.Zero, f.err
	}
	return f.balances[currency], nil
}

func (f *fakeAccount) PricePrecision(symbol string) int32 { return f.precision }

func (f *fakeAccount) SplitSymbol(symbol string) (string, string) {
	return marketdata.SplitSymbol(symbol)
}
