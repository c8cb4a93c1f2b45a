// Package strategy implements the self-rebasing grid controller and the
// serial event runner that drives it.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"grid-trading-bot/execution"
	"grid-trading-bot/indicators"
	"grid-trading-bot/marketdata"
	"grid-trading-bot/metrics"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MarketData is the subset of the market data engine a grid needs.
type MarketData interface {
	RequestHistoricalDailyBars(ctx context.Context, symbol string) ([]marketdata.Bar, error)
	SubscribeTrades(symbol string) error
	SubscribeDailyBars(symbol string) error
	Unsubscribe(symbol string) error
}

// BarAggregator closes live bars and emits derived bars to its callback.
type BarAggregator interface {
	UpdateFromBar(bar marketdata.Bar)
	SetBarCallback(callback marketdata.BarCallback)
}

// VolatilityEstimator turns derived bars into an average true range.
type VolatilityEstimator interface {
	Update(bar marketdata.Bar)
	Count() int
	ATR(period int) (decimal.Decimal, error)
}

// Dependencies are the collaborators of a GridController. Bars and
// Volatility default to a BarManager and a BarSeries.
type Dependencies struct {
	MarketData MarketData
	Executor   execution.ExecutionEngine
	Account    execution.Account
	Bars       BarAggregator
	Volatility VolatilityEstimator
	Logger     *zap.Logger
	Notify     NotificationCallback
}

// GridState is a point-in-time copy of a controller's state.
type GridState struct {
	Symbol         string                `json:"symbol"`
	BasePrice      decimal.Decimal       `json:"base_price"`
	BuyTrigger     decimal.Decimal       `json:"buy_trigger"`
	SellTrigger    decimal.Decimal       `json:"sell_trigger"`
	LastTradePrice decimal.Decimal       `json:"last_trade_price"`
	BuyOrder       execution.OrderHandle `json:"buy_order,omitempty"`
	SellOrder      execution.OrderHandle `json:"sell_order,omitempty"`
	Outstanding    int                   `json:"outstanding"`
	Ready          bool                  `json:"ready"`
	Stopped        bool                  `json:"stopped"`
	Rebases        uint64                `json:"rebases"`
}

// GridController keeps one resting buy below and one resting sell above a
// base price. A fill moves the base by one trigger width in the fill's
// direction and replaces both orders. Trigger widths follow the ATR of
// derived bars once enough of them have been seen.
//
// Event methods are not safe for concurrent use; deliver them from one
// goroutine (see Runner). State may be called from anywhere.
type GridController struct {
	cfg GridConfig

	md       MarketData
	executor execution.ExecutionEngine
	account  execution.Account
	bars     BarAggregator
	vol      VolatilityEstimator
	logger   *zap.Logger
	notify   NotificationCallback
	onFill   execution.FillCallback

	// written only on the event goroutine, under mu so State can read
	mu             sync.RWMutex
	basePrice      decimal.Decimal
	buyTrigger     decimal.Decimal
	sellTrigger    decimal.Decimal
	lastTradePrice decimal.Decimal
	outstanding    outstandingOrders
	ready          bool
	stopped        bool
	rebases        uint64
}

// NewGridController validates cfg and wires the controller to deps. The
// controller registers itself as the bar aggregator's callback; it places
// nothing until bootstrapped.
func NewGridController(cfg GridConfig, deps Dependencies) (*GridController, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.MarketData == nil || deps.Executor == nil || deps.Account == nil {
		return nil, fmt.Errorf("%w: market data, executor and account are required", ErrInvalidConfig)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Bars == nil {
		deps.Bars = marketdata.NewBarManager(cfg.BarWindow, nil)
	}
	if deps.Volatility == nil {
		deps.Volatility = indicators.NewBarSeries(indicators.DefaultSeriesSize)
	}

	g := &GridController{
		cfg:         cfg,
		md:          deps.MarketData,
		executor:    deps.Executor,
		account:     deps.Account,
		bars:        deps.Bars,
		vol:         deps.Volatility,
		logger:      deps.Logger.Named("grid").With(zap.String("symbol", cfg.Symbol)),
		notify:      deps.Notify,
		buyTrigger:  cfg.BuyTrigger,
		sellTrigger: cfg.SellTrigger,
	}
	g.onFill = func(handle execution.OrderHandle) {
		_ = g.OnOrderFilled(context.Background(), handle)
	}
	g.bars.SetBarCallback(g.OnDerivedBar)

	metrics.SetTriggers(cfg.Symbol, g.buyTrigger, g.sellTrigger)
	return g, nil
}

// Symbol is the traded symbol.
func (g *GridController) Symbol() string { return g.cfg.Symbol }

// SetFillCallback replaces the callback handed to the executor with each
// order. Hosts use it to route fills back through their event queue.
func (g *GridController) SetFillCallback(callback execution.FillCallback) {
	g.onFill = callback
}

// Start requests the historical daily bars and bootstraps from them.
func (g *GridController) Start(ctx context.Context) error {
	if g.stopped {
		return ErrStopped
	}
	bars, err := g.md.RequestHistoricalDailyBars(ctx, g.cfg.Symbol)
	if err != nil {
		g.logger.Error("Failed to request historical bars", zap.Error(err))
		return fmt.Errorf("request historical bars for %s: %w", g.cfg.Symbol, err)
	}
	return g.OnHistoricalBars(ctx, bars)
}

// OnHistoricalBars bootstraps the grid: seeds the base and last trade price
// from the final bar, warms the bar pipeline, subscribes to live data and
// places the first pair when none is outstanding.
func (g *GridController) OnHistoricalBars(ctx context.Context, bars []marketdata.Bar) error {
	if g.stopped {
		return ErrStopped
	}
	if len(bars) == 0 {
		g.logger.Error("Historical bars are empty")
		g.violation("no_history", "historical bar request returned no bars", nil)
		return ErrNoHistoricalBars
	}
	if g.ready {
		g.logger.Warn("Ignoring historical bars, grid already bootstrapped", zap.Int("bars", len(bars)))
		return nil
	}

	last := bars[len(bars)-1]
	g.mu.Lock()
	g.basePrice = last.Close
	if g.cfg.BasePrice.Valid {
		g.basePrice = g.cfg.BasePrice.Decimal
	}
	g.lastTradePrice = last.Close
	g.mu.Unlock()
	metrics.SetBasePrice(g.cfg.Symbol, g.basePrice)

	for _, bar := range bars {
		g.bars.UpdateFromBar(bar)
	}

	g.mu.Lock()
	g.ready = true
	g.mu.Unlock()

	if err := g.md.SubscribeTrades(g.cfg.Symbol); err != nil {
		g.logger.Warn("Failed to subscribe to trades", zap.Error(err))
	}
	if err := g.md.SubscribeDailyBars(g.cfg.Symbol); err != nil {
		g.logger.Warn("Failed to subscribe to daily bars", zap.Error(err))
	}

	g.logger.Info("Grid ready",
		zap.Int("bars", len(bars)),
		zap.String("base_price", g.basePrice.String()),
		zap.String("last_trade_price", g.lastTradePrice.String()),
		zap.String("buy_trigger", g.buyTrigger.String()),
		zap.String("sell_trigger", g.sellTrigger.String()))
	g.emit(NotifyGridReady, SeverityInfo, "grid bootstrapped", map[string]interface{}{
		"base_price": g.basePrice.String(),
		"bars":       len(bars),
	})

	if g.outstanding.Count() == 0 {
		g.rebase(ctx)
	}
	return nil
}

// OnLiveBar forwards a live candle to the bar aggregator.
func (g *GridController) OnLiveBar(bar marketdata.Bar) {
	if g.stopped {
		g.logger.Debug("Ignoring bar on stopped grid")
		return
	}
	g.bars.UpdateFromBar(bar)
}

// OnDerivedBar feeds the volatility estimator and, once it has more than
// MinVolatilityBars samples, sets both triggers to
// max(TriggerFloor, ATRMultiplier*ATR/base). It never places orders.
func (g *GridController) OnDerivedBar(bar marketdata.Bar) {
	if g.stopped {
		return
	}
	g.vol.Update(bar)

	if g.vol.Count() <= g.cfg.MinVolatilityBars {
		return
	}
	if !g.basePrice.IsPositive() {
		g.logger.Warn("Skipping trigger adaptation without a positive base price")
		return
	}

	atr, err := g.vol.ATR(g.cfg.ATRPeriod)
	if err != nil {
		if !errors.Is(err, indicators.ErrInsufficientData) {
			g.logger.Warn("ATR unavailable", zap.Error(err))
		}
		return
	}

	width := g.cfg.ATRMultiplier.Mul(atr).Div(g.basePrice)
	if width.LessThan(g.cfg.TriggerFloor) {
		width = g.cfg.TriggerFloor
	}
	if width.Equal(g.buyTrigger) && width.Equal(g.sellTrigger) {
		return
	}

	g.mu.Lock()
	g.buyTrigger = width
	g.sellTrigger = width
	g.mu.Unlock()
	metrics.SetTriggers(g.cfg.Symbol, width, width)

	g.logger.Debug("Triggers adapted",
		zap.String("atr", atr.String()),
		zap.String("trigger", width.String()))
	g.emit(NotifyTriggersAdapted, SeverityInfo, "trigger width follows ATR", map[string]interface{}{
		"atr":     atr.String(),
		"trigger": width.String(),
	})
}

// OnLiveTrade records the last traded price.
func (g *GridController) OnLiveTrade(trade marketdata.Trade) {
	if g.stopped {
		return
	}
	g.mu.Lock()
	g.lastTradePrice = trade.Price
	g.mu.Unlock()
}

// OnOrderFilled moves the base one trigger width toward the filled side and
// rebases. A handle that is not outstanding is refused with ErrUnknownOrder
// and leaves state untouched.
func (g *GridController) OnOrderFilled(ctx context.Context, handle execution.OrderHandle) error {
	if g.stopped {
		g.logger.Debug("Ignoring fill on stopped grid", zap.String("id", string(handle)))
		return ErrStopped
	}
	if !g.ready {
		g.logger.Warn("Fill before bootstrap", zap.String("id", string(handle)))
		return ErrNotReady
	}

	side, ok := g.outstanding.Match(handle)
	if !ok {
		g.logger.Error("Order not exist", zap.String("id", string(handle)))
		g.violation("unknown_order", "fill for an order the grid does not hold", map[string]interface{}{
			"id": string(handle),
		})
		return fmt.Errorf("%w: %s", ErrUnknownOrder, handle)
	}

	prev := g.basePrice
	g.mu.Lock()
	if side == execution.OrderSideBuy {
		g.basePrice = g.basePrice.Mul(one.Sub(g.buyTrigger))
	} else {
		g.basePrice = g.basePrice.Mul(one.Add(g.sellTrigger))
	}
	g.mu.Unlock()

	metrics.IncFill(g.cfg.Symbol, side.String())
	metrics.SetBasePrice(g.cfg.Symbol, g.basePrice)
	g.logger.Info("Order filled",
		zap.String("id", string(handle)),
		zap.String("side", side.String()),
		zap.String("previous_base", prev.String()),
		zap.String("base_price", g.basePrice.String()))
	g.emit(NotifyOrderFilled, SeverityInfo, side.String()+" order filled", map[string]interface{}{
		"id":            string(handle),
		"side":          side.String(),
		"previous_base": prev.String(),
		"base_price":    g.basePrice.String(),
	})

	g.rebase(ctx)
	return nil
}

// Stop cancels any outstanding orders, drops the market data subscriptions
// and ignores all later events.
func (g *GridController) Stop(ctx context.Context) error {
	if g.stopped {
		return nil
	}

	g.mu.Lock()
	buy, sell := g.outstanding.Take()
	g.mu.Unlock()
	g.cancel(ctx, buy)
	g.cancel(ctx, sell)

	var err error
	if uerr := g.md.Unsubscribe(g.cfg.Symbol); uerr != nil {
		g.logger.Warn("Failed to unsubscribe", zap.Error(uerr))
		err = fmt.Errorf("unsubscribe %s: %w", g.cfg.Symbol, uerr)
	}

	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()

	g.logger.Info("Grid stopped", zap.Uint64("rebases", g.rebases))
	g.emit(NotifyGridStopped, SeverityInfo, "grid stopped", nil)
	return err
}

// State returns a snapshot of the controller.
func (g *GridController) State() GridState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return GridState{
		Symbol:         g.cfg.Symbol,
		BasePrice:      g.basePrice,
		BuyTrigger:     g.buyTrigger,
		SellTrigger:    g.sellTrigger,
		LastTradePrice: g.lastTradePrice,
		BuyOrder:       g.outstanding.buy.handle,
		SellOrder:      g.outstanding.sell.handle,
		Outstanding:    g.outstanding.Count(),
		Ready:          g.ready,
		Stopped:        g.stopped,
		Rebases:        g.rebases,
	}
}

// rebase cancels both slots and places a fresh pair around the base price.
// Order prices are clamped by the last trade so neither order would cross
// the market: low = min(base*(1-bt), last), high = max(base*(1+st), last).
// Sizes are per-trigger size times trigger percent, capped by what the
// account can fund, floored to the size step.
func (g *GridController) rebase(ctx context.Context) {
	g.mu.Lock()
	buy, sell := g.outstanding.Take()
	g.mu.Unlock()
	g.cancel(ctx, buy)
	g.cancel(ctx, sell)

	symbol := g.cfg.Symbol
	precision := g.account.PricePrecision(symbol)
	low := decimal.Min(g.basePrice.Mul(one.Sub(g.buyTrigger)), g.lastTradePrice).RoundBank(precision)
	high := decimal.Max(g.basePrice.Mul(one.Add(g.sellTrigger)), g.lastTradePrice).RoundBank(precision)

	baseCcy, quoteCcy := g.account.SplitSymbol(symbol)
	quoteBalance := g.balance(ctx, quoteCcy)
	baseBalance := g.balance(ctx, baseCcy)

	affordable := decimal.Zero
	if low.IsPositive() {
		affordable = quoteBalance.Div(low)
	}
	buySize := g.floorStep(decimal.Min(g.cfg.PerTriggerSize.Mul(g.buyTrigger).Mul(hundred), affordable))
	sellSize := g.floorStep(decimal.Min(g.cfg.PerTriggerSize.Mul(g.sellTrigger).Mul(hundred), baseBalance))

	g.place(ctx, execution.OrderSideBuy, low, buySize)
	g.place(ctx, execution.OrderSideSell, high, sellSize)

	g.mu.Lock()
	g.rebases++
	g.mu.Unlock()
	metrics.IncRebase(symbol)

	g.logger.Info("Grid rebased",
		zap.String("base_price", g.basePrice.String()),
		zap.String("last_trade_price", g.lastTradePrice.String()),
		zap.String("buy_price", low.String()),
		zap.String("buy_size", buySize.String()),
		zap.String("sell_price", high.String()),
		zap.String("sell_size", sellSize.String()),
		zap.Int("outstanding", g.outstanding.Count()))
	g.emit(NotifyGridRebased, SeverityInfo, "grid rebased", map[string]interface{}{
		"base_price": g.basePrice.String(),
		"buy_price":  low.String(),
		"buy_size":   buySize.String(),
		"sell_price": high.String(),
		"sell_size":  sellSize.String(),
	})
}

// place submits one side. Degenerate sizes are still sent; the venue's
// rejection leaves the slot empty.
func (g *GridController) place(ctx context.Context, side execution.OrderSide, price, size decimal.Decimal) {
	var (
		handle execution.OrderHandle
		err    error
	)
	if side == execution.OrderSideBuy {
		handle, err = g.executor.LimitBuy(ctx, g.cfg.Symbol, price, size, g.onFill)
	} else {
		handle, err = g.executor.LimitSell(ctx, g.cfg.Symbol, price, size, g.onFill)
	}
	if err != nil {
		metrics.IncOrderRejected(g.cfg.Symbol, side.String())
		g.logger.Warn("Order rejected",
			zap.String("side", side.String()),
			zap.String("price", price.String()),
			zap.String("size", size.String()),
			zap.Error(err))
		return
	}

	g.mu.Lock()
	g.outstanding.Set(side, handle)
	g.mu.Unlock()
	metrics.IncOrderPlaced(g.cfg.Symbol, side.String())
}

func (g *GridController) cancel(ctx context.Context, slot orderSlot) {
	if !slot.set {
		return
	}
	err := g.executor.CancelOrder(ctx, slot.handle)
	switch {
	case err == nil:
		metrics.IncCancel(g.cfg.Symbol, metrics.CancelOK)
	case errors.Is(err, execution.ErrOrderNotOpen):
		metrics.IncCancel(g.cfg.Symbol, metrics.CancelNotOpen)
	default:
		metrics.IncCancel(g.cfg.Symbol, metrics.CancelError)
		g.logger.Warn("Cancel failed", zap.String("id", string(slot.handle)), zap.Error(err))
	}
}

func (g *GridController) balance(ctx context.Context, currency string) decimal.Decimal {
	amount, err := g.account.Position(ctx, currency)
	if err != nil {
		g.logger.Warn("Balance lookup failed, assuming zero", zap.String("currency", currency), zap.Error(err))
		return decimal.Zero
	}
	return amount
}

func (g *GridController) floorStep(size decimal.Decimal) decimal.Decimal {
	return size.Div(g.cfg.SizeStep).Floor().Mul(g.cfg.SizeStep)
}

func (g *GridController) violation(kind, message string, details map[string]interface{}) {
	metrics.IncContractViolation(g.cfg.Symbol, kind)
	g.emit(NotifyContractViolation, SeverityError, message, details)
}

func (g *GridController) emit(kind string, severity NotificationSeverity, message string, details map[string]interface{}) {
	if g.notify == nil {
		return
	}
	g.notify(StrategyNotification{
		Timestamp: time.Now(),
		Symbol:    g.cfg.Symbol,
		Type:      kind,
		Message:   message,
		Severity:  severity,
		Details:   details,
	})
}
