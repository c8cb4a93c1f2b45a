package strategy

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestConfigFromPercent(t *testing.T) {
	cfg := ConfigFromPercent(" HYPE-USDC ", d("5"), d("2.5"), d("100"))

	require.Equal(t, "HYPE-USDC", cfg.Symbol)
	require.True(t, cfg.BuyTrigger.Equal(d("0.05")))
	require.True(t, cfg.SellTrigger.Equal(d("0.025")))
	require.True(t, cfg.TriggerFloor.Equal(DefaultTriggerFloor))
	require.True(t, cfg.SizeStep.Equal(decimal.NewFromInt(1)))
	require.Equal(t, DefaultATRPeriod, cfg.ATRPeriod)
	require.Equal(t, DefaultMinVolatilityBars, cfg.MinVolatilityBars)
	require.Equal(t, DefaultBarWindow, cfg.BarWindow)
	require.NoError(t, cfg.Validate())
}

func TestGridConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*GridConfig)
	}{
		{"empty symbol", func(c *GridConfig) { c.Symbol = "" }},
		{"zero buy trigger", func(c *GridConfig) { c.BuyTrigger = decimal.Zero }},
		{"sell trigger of one", func(c *GridConfig) { c.SellTrigger = d("1") }},
		{"negative size", func(c *GridConfig) { c.PerTriggerSize = d("-1") }},
		{"negative step", func(c *GridConfig) { c.SizeStep = d("-0.1") }},
		{"zero base override", func(c *GridConfig) { c.BasePrice = decimal.NewNullDecimal(decimal.Zero) }},
		{"floor above one", func(c *GridConfig) { c.TriggerFloor = d("1.5") }},
		{"period above min bars", func(c *GridConfig) { c.ATRPeriod = 9 }},
		{"negative multiplier", func(c *GridConfig) { c.ATRMultiplier = d("-2") }},
		{"negative bar window", func(c *GridConfig) { c.BarWindow = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
