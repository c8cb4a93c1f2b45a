// Package config loads the bot configuration from the environment, an
// optional .env file and an optional YAML grid list.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"grid-trading-bot/strategy"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	ModePaper       = "paper"
	ModeHyperliquid = "hyperliquid"
)

var ErrInvalid = errors.New("invalid configuration")

// Config is everything main needs to assemble the bot.
type Config struct {
	ExecutionMode string
	PrivateKeyHex string
	IsMainnet     bool

	Grids []GridSettings

	PaperBalances       map[string]decimal.Decimal
	PaperPricePrecision int32

	LogLevel       string
	LogFormat      string
	MetricsAddr    string
	HistoryDays    int
	StatusInterval time.Duration
}

// GridSettings is one grid as written in env or YAML. Triggers are percent.
type GridSettings struct {
	Symbol         string      `yaml:"symbol"`
	BuyPercent     yamlDecimal `yaml:"buy_percent"`
	SellPercent    yamlDecimal `yaml:"sell_percent"`
	PerTriggerSize yamlDecimal `yaml:"per_trigger_size"`
	BasePrice      yamlDecimal `yaml:"base_price"`
	SizeStep       yamlDecimal `yaml:"size_step"`
	BarWindow      int         `yaml:"bar_window"`
}

// GridConfig converts the settings into a strategy config.
func (g GridSettings) GridConfig() strategy.GridConfig {
	cfg := strategy.ConfigFromPercent(g.Symbol, g.BuyPercent.Decimal, g.SellPercent.Decimal, g.PerTriggerSize.Decimal)
	if g.BasePrice.set {
		cfg.BasePrice = decimal.NewNullDecimal(g.BasePrice.Decimal)
	}
	if g.SizeStep.set {
		cfg.SizeStep = g.SizeStep.Decimal
	}
	if g.BarWindow > 0 {
		cfg.BarWindow = g.BarWindow
	}
	return cfg
}

type gridFile struct {
	Grids []GridSettings `yaml:"grids"`
}

// yamlDecimal accepts both quoted and bare numbers.
type yamlDecimal struct {
	decimal.Decimal
	set bool
}

func (y *yamlDecimal) UnmarshalYAML(node *yaml.Node) error {
	v, err := decimal.NewFromString(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("line %d: %q is not a number", node.Line, node.Value)
	}
	y.Decimal, y.set = v, true
	return nil
}

func newDecimal(d decimal.Decimal) yamlDecimal { return yamlDecimal{Decimal: d, set: true} }

// Load reads .env (a missing file is fine) and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Overload()
	return FromEnv()
}

// FromEnv builds a Config from the process environment.
func FromEnv() (*Config, error) {
	cfg := &Config{
		ExecutionMode:       strings.ToLower(envOr("EXECUTION_MODE", ModePaper)),
		PrivateKeyHex:       trimKey(os.Getenv("HYPERLIQUID_PRIVATE_KEY")),
		IsMainnet:           true,
		LogLevel:            envOr("LOG_LEVEL", "info"),
		LogFormat:           envOr("LOG_FORMAT", "json"),
		MetricsAddr:         envOr("METRICS_ADDR", ":9090"),
		HistoryDays:         30,
		PaperPricePrecision: 4,
		StatusInterval:      30 * time.Second,
	}

	var err error
	if v := os.Getenv("HYPERLIQUID_MAINNET"); v != "" {
		if cfg.IsMainnet, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("HYPERLIQUID_MAINNET: %w", err)
		}
	}
	if v := os.Getenv("HISTORY_DAYS"); v != "" {
		if cfg.HistoryDays, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("HISTORY_DAYS: %w", err)
		}
	}
	if v := os.Getenv("STATUS_INTERVAL"); v != "" {
		if cfg.StatusInterval, err = time.ParseDuration(v); err != nil {
			return nil, fmt.Errorf("STATUS_INTERVAL: %w", err)
		}
	}
	if v := os.Getenv("PAPER_PRICE_PRECISION"); v != "" {
		p, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("PAPER_PRICE_PRECISION: %w", err)
		}
		cfg.PaperPricePrecision = int32(p)
	}
	if cfg.PaperBalances, err = ParseBalances(envOr("PAPER_BALANCES", "USDC=10000")); err != nil {
		return nil, fmt.Errorf("PAPER_BALANCES: %w", err)
	}

	if path := os.Getenv("GRID_CONFIG_FILE"); path != "" {
		if cfg.Grids, err = LoadGridFile(path); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	grid, err := gridFromEnv()
	if err != nil {
		return nil, err
	}
	cfg.Grids = []GridSettings{grid}
	return cfg, nil
}

func gridFromEnv() (GridSettings, error) {
	g := GridSettings{Symbol: envOr("GRID_SYMBOL", "HYPE-USDC")}

	fields := []struct {
		name   string
		def    string
		target *yamlDecimal
	}{
		{"GRID_BUY_PERCENT", "5", &g.BuyPercent},
		{"GRID_SELL_PERCENT", "5", &g.SellPercent},
		{"GRID_PER_TRIGGER_SIZE", "1", &g.PerTriggerSize},
		{"GRID_BASE_PRICE", "", &g.BasePrice},
		{"GRID_SIZE_STEP", "", &g.SizeStep},
	}
	for _, f := range fields {
		raw := envOr(f.name, f.def)
		if raw == "" {
			continue
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return GridSettings{}, fmt.Errorf("%s: %q is not a number", f.name, raw)
		}
		*f.target = newDecimal(v)
	}
	return g, nil
}

// LoadGridFile reads a YAML document with a top-level grids list.
func LoadGridFile(path string) ([]GridSettings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read grid file: %w", err)
	}
	var file gridFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse grid file %s: %w", path, err)
	}
	return file.Grids, nil
}

// ParseBalances parses "USDC=10000,HYPE=500".
func ParseBalances(s string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		currency, amount, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("balance %q is not CURRENCY=AMOUNT", part)
		}
		v, err := decimal.NewFromString(strings.TrimSpace(amount))
		if err != nil {
			return nil, fmt.Errorf("balance %q: %w", part, err)
		}
		out[strings.ToUpper(strings.TrimSpace(currency))] = v
	}
	return out, nil
}

// Validate checks the mode, the key and every grid.
func (c *Config) Validate() error {
	switch c.ExecutionMode {
	case ModePaper:
	case ModeHyperliquid:
		if c.PrivateKeyHex == "" {
			return fmt.Errorf("%w: HYPERLIQUID_PRIVATE_KEY is required in %s mode", ErrInvalid, ModeHyperliquid)
		}
	default:
		return fmt.Errorf("%w: unknown execution mode %q", ErrInvalid, c.ExecutionMode)
	}
	if len(c.Grids) == 0 {
		return fmt.Errorf("%w: no grids configured", ErrInvalid)
	}

	seen := make(map[string]bool, len(c.Grids))
	for i, g := range c.Grids {
		gc := g.GridConfig()
		if err := gc.Validate(); err != nil {
			return fmt.Errorf("grid %d (%s): %w", i, g.Symbol, err)
		}
		if seen[gc.Symbol] {
			return fmt.Errorf("%w: grid %s configured twice", ErrInvalid, gc.Symbol)
		}
		seen[gc.Symbol] = true
	}
	if c.HistoryDays < 1 {
		return fmt.Errorf("%w: HISTORY_DAYS must be positive", ErrInvalid)
	}
	if c.StatusInterval <= 0 {
		return fmt.Errorf("%w: STATUS_INTERVAL must be positive", ErrInvalid)
	}
	return nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// trimKey strips the whitespace and quotes .env files tend to leave behind.
func trimKey(key string) string {
	key = strings.TrimSpace(key)
	key = strings.Trim(key, "\"")
	key = strings.Trim(key, "'")
	return strings.TrimPrefix(key, "0x")
}
