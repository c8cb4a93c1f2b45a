// Package indicators holds the volatility estimator that drives grid width.
package indicators

import (
	"errors"
	"fmt"
	"sync"

	"grid-trading-bot/marketdata"

	"github.com/shopspring/decimal"
)

// ErrInsufficientData is returned when too few bars have been seen for the
// requested indicator.
var ErrInsufficientData = errors.New("insufficient data")

// DefaultSeriesSize is how many bars a BarSeries retains by default.
const DefaultSeriesSize = 100

// BarSeries keeps the most recent closed bars and computes Wilder's average
// true range over them.
type BarSeries struct {
	bars     []marketdata.Bar
	position int
	size     int
	count    int

	// true ranges as float64 for diagnostics only
	trueRanges *rangeStats

	mu sync.RWMutex
}

// VolatilitySnapshot summarizes the series for status output.
type VolatilitySnapshot struct {
	Count          int     `json:"count"`
	LastClose      string  `json:"last_close"`
	MeanTrueRange  float64 `json:"mean_true_range"`
	MaxTrueRange   float64 `json:"max_true_range"`
	TrueRangeStdev float64 `json:"true_range_stdev"`
}

// NewBarSeries creates a series retaining size bars.
func NewBarSeries(size int) *BarSeries {
	if size < 2 {
		size = DefaultSeriesSize
	}
	return &BarSeries{
		bars:       make([]marketdata.Bar, size),
		size:       size,
		trueRanges: newRangeStats(size),
	}
}

// Update appends a closed bar.
func (bs *BarSeries) Update(bar marketdata.Bar) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.count > 0 {
		prev := bs.at(bs.retained() - 1)
		tr, _ := trueRange(bar, prev.Close).Float64()
		bs.trueRanges.add(tr)
	}

	bs.bars[bs.position] = bar
	bs.position = (bs.position + 1) % bs.size
	bs.count++
}

// Count is the number of bars seen since construction, including any that
// have rotated out of the ring.
func (bs *BarSeries) Count() int {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.count
}

// ATR returns Wilder's average true range. The first value is the simple
// mean of the first period true ranges; later values are smoothed as
// (prev*(period-1) + tr) / period. At least period+1 bars are required.
func (bs *BarSeries) ATR(period int) (decimal.Decimal, error) {
	if period < 1 {
		return decimal.Zero, fmt.Errorf("invalid ATR period %d", period)
	}

	bs.mu.RLock()
	defer bs.mu.RUnlock()

	n := bs.retained()
	if n <= period {
		return decimal.Zero, fmt.Errorf("ATR(%d) needs %d bars, have %d: %w", period, period+1, n, ErrInsufficientData)
	}

	p := decimal.NewFromInt(int64(period))
	sum := decimal.Zero
	for i := 1; i <= period; i++ {
		sum = sum.Add(trueRange(bs.at(i), bs.at(i-1).Close))
	}
	atr := sum.Div(p)

	pm1 := decimal.NewFromInt(int64(period - 1))
	for i := period + 1; i < n; i++ {
		tr := trueRange(bs.at(i), bs.at(i-1).Close)
		atr = atr.Mul(pm1).Add(tr).Div(p)
	}
	return atr, nil
}

// Snapshot returns summary statistics for logging.
func (bs *BarSeries) Snapshot() VolatilitySnapshot {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	snap := VolatilitySnapshot{
		Count:          bs.count,
		MeanTrueRange:  bs.trueRanges.mean(),
		MaxTrueRange:   bs.trueRanges.max(),
		TrueRangeStdev: bs.trueRanges.stdev(),
	}
	if bs.count > 0 {
		snap.LastClose = bs.at(bs.retained() - 1).Close.String()
	}
	return snap
}

func (bs *BarSeries) retained() int {
	if bs.count < bs.size {
		return bs.count
	}
	return bs.size
}

// at returns the i-th retained bar, oldest first.
func (bs *BarSeries) at(i int) marketdata.Bar {
	if bs.count < bs.size {
		return bs.bars[i]
	}
	return bs.bars[(bs.position+i)%bs.size]
}

func trueRange(bar marketdata.Bar, prevClose decimal.Decimal) decimal.Decimal {
	tr := bar.High.Sub(bar.Low)
	if up := bar.High.Sub(prevClose).Abs(); up.GreaterThan(tr) {
		tr = up
	}
	if down := bar.Low.Sub(prevClose).Abs(); down.GreaterThan(tr) {
		tr = down
	}
	return tr
}
