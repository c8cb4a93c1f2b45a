package marketdata

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// IntervalDaily is the only candle interval the grid consumes.
const IntervalDaily = "1d"

// Bar is one OHLCV candle. Closed is false while the exchange is still
// updating the candle.
type Bar struct {
	Symbol   string          `json:"symbol"`
	Interval string          `json:"interval"`
	Start    time.Time       `json:"start"`
	End      time.Time       `json:"end"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
	Closed   bool            `json:"closed"`
}

// Trade is a single public trade print.
type Trade struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Size   decimal.Decimal `json:"size"`
	Side   string          `json:"side"`
	Time   time.Time       `json:"time"`
}

// TradeCallback is called for every live trade on a subscribed symbol.
type TradeCallback func(trade Trade)

// BarCallback is called for every live or derived bar.
type BarCallback func(bar Bar)

// ConnectionStatus provides information about the WebSocket connection
type ConnectionStatus struct {
	IsConnected     bool
	LastHeartbeat   time.Time
	ReconnectCount  int
	SubscribedCount int
	MessageCount    int64
	LastMessage     time.Time
	ErrorCount      int64
}

// DefaultQuote is assumed when a symbol carries no quote currency.
const DefaultQuote = "USDC"

// SplitSymbol splits "HYPE-USDC" or "HYPE/USDC" into base and quote.
// A bare coin such as "HYPE" is quoted in DefaultQuote.
func SplitSymbol(symbol string) (base, quote string) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.IndexAny(symbol, "-/"); i >= 0 {
		return strings.TrimSpace(symbol[:i]), strings.TrimSpace(symbol[i+1:])
	}
	return symbol, DefaultQuote
}
