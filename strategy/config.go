package strategy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNoHistoricalBars = errors.New("no historical bars")
	ErrUnknownOrder     = errors.New("unknown order")
	ErrNotReady         = errors.New("grid not ready")
	ErrStopped          = errors.New("grid stopped")
	ErrInvalidConfig    = errors.New("invalid grid config")
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Defaults applied by GridConfig.withDefaults.
var (
	DefaultTriggerFloor  = decimal.RequireFromString("0.03")
	DefaultATRMultiplier = decimal.NewFromInt(2)
	DefaultSizeStep      = decimal.NewFromInt(1)
)

const (
	DefaultATRPeriod         = 7
	DefaultMinVolatilityBars = 7
	DefaultBarWindow         = 1
)

// GridConfig configures one GridController. Triggers are fractions of the
// base price (0.05 means 5%).
type GridConfig struct {
	Symbol         string          `json:"symbol" yaml:"symbol"`
	BuyTrigger     decimal.Decimal `json:"buy_trigger" yaml:"buy_trigger"`
	SellTrigger    decimal.Decimal `json:"sell_trigger" yaml:"sell_trigger"`
	PerTriggerSize decimal.Decimal `json:"per_trigger_size" yaml:"per_trigger_size"`

	// BasePrice overrides the last historical close when valid.
	BasePrice decimal.NullDecimal `json:"base_price" yaml:"base_price"`

	TriggerFloor      decimal.Decimal `json:"trigger_floor" yaml:"trigger_floor"`
	ATRPeriod         int             `json:"atr_period" yaml:"atr_period"`
	MinVolatilityBars int             `json:"min_volatility_bars" yaml:"min_volatility_bars"`
	ATRMultiplier     decimal.Decimal `json:"atr_multiplier" yaml:"atr_multiplier"`

	// SizeStep is the order size increment; sizes are floored to it.
	SizeStep decimal.Decimal `json:"size_step" yaml:"size_step"`
	// BarWindow is how many closed daily bars make one volatility sample.
	BarWindow int `json:"bar_window" yaml:"bar_window"`
}

// ConfigFromPercent builds a config from percent trigger widths, so 5 means
// a 5% band.
func ConfigFromPercent(symbol string, buyPercent, sellPercent, perTriggerSize decimal.Decimal) GridConfig {
	return GridConfig{
		Symbol:         symbol,
		BuyTrigger:     buyPercent.Div(hundred),
		SellTrigger:    sellPercent.Div(hundred),
		PerTriggerSize: perTriggerSize,
	}.withDefaults()
}

func (c GridConfig) withDefaults() GridConfig {
	c.Symbol = strings.TrimSpace(c.Symbol)
	if c.TriggerFloor.IsZero() {
		c.TriggerFloor = DefaultTriggerFloor
	}
	if c.ATRPeriod == 0 {
		c.ATRPeriod = DefaultATRPeriod
	}
	if c.MinVolatilityBars == 0 {
		c.MinVolatilityBars = DefaultMinVolatilityBars
	}
	if c.ATRMultiplier.IsZero() {
		c.ATRMultiplier = DefaultATRMultiplier
	}
	if c.SizeStep.IsZero() {
		c.SizeStep = DefaultSizeStep
	}
	if c.BarWindow == 0 {
		c.BarWindow = DefaultBarWindow
	}
	return c
}

// Validate reports the first problem with the config.
func (c GridConfig) Validate() error {
	c = c.withDefaults()

	inUnit := func(d decimal.Decimal) bool { return d.IsPositive() && d.LessThan(one) }

	switch {
	case c.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidConfig)
	case !inUnit(c.BuyTrigger):
		return fmt.Errorf("%w: buy trigger %s outside (0,1)", ErrInvalidConfig, c.BuyTrigger)
	case !inUnit(c.SellTrigger):
		return fmt.Errorf("%w: sell trigger %s outside (0,1)", ErrInvalidConfig, c.SellTrigger)
	case !c.PerTriggerSize.IsPositive():
		return fmt.Errorf("%w: per-trigger size must be positive", ErrInvalidConfig)
	case !c.SizeStep.IsPositive():
		return fmt.Errorf("%w: size step must be positive", ErrInvalidConfig)
	case c.BasePrice.Valid && !c.BasePrice.Decimal.IsPositive():
		return fmt.Errorf("%w: base price override must be positive", ErrInvalidConfig)
	case !inUnit(c.TriggerFloor):
		return fmt.Errorf("%w: trigger floor %s outside (0,1)", ErrInvalidConfig, c.TriggerFloor)
	case c.ATRPeriod < 1 || c.MinVolatilityBars < c.ATRPeriod:
		return fmt.Errorf("%w: need 1 <= atr period (%d) <= min volatility bars (%d)", ErrInvalidConfig, c.ATRPeriod, c.MinVolatilityBars)
	case !c.ATRMultiplier.IsPositive():
		return fmt.Errorf("%w: atr multiplier must be positive", ErrInvalidConfig)
	case c.BarWindow < 1:
		return fmt.Errorf("%w: bar window must be >= 1", ErrInvalidConfig)
	}
	return nil
}
