package marketdata

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dailyBar(day int, high, low, close string, closed bool) Bar {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, day)
	return Bar{
		Symbol:   "HYPE-USDC",
		Interval: IntervalDaily,
		Start:    start,
		End:      start.Add(24 * time.Hour),
		Open:     decimal.RequireFromString(close),
		High:     decimal.RequireFromString(high),
		Low:      decimal.RequireFromString(low),
		Close:    decimal.RequireFromString(close),
		Volume:   decimal.NewFromInt(1),
		Closed:   closed,
	}
}

type barRecorder struct {
	bars []Bar
}

func (r *barRecorder) record(bar Bar) { r.bars = append(r.bars, bar) }

func TestBarManager_ClosedBarsEmitImmediately(t *testing.T) {
	rec := &barRecorder{}
	bm := NewBarManager(1, rec.record)

	bm.UpdateFromBar(dailyBar(0, "11", "9", "10", true))
	bm.UpdateFromBar(dailyBar(1, "12", "10", "11", true))

	require.Len(t, rec.bars, 2)
	require.True(t, rec.bars[1].Close.Equal(decimal.NewFromInt(11)))
	require.True(t, rec.bars[0].Closed)
}

func TestBarManager_FormingBarClosesOnNextStart(t *testing.T) {
	rec := &barRecorder{}
	bm := NewBarManager(1, rec.record)

	bm.UpdateFromBar(dailyBar(0, "11", "9", "10", false))
	bm.UpdateFromBar(dailyBar(0, "13", "9", "12", false))
	require.Empty(t, rec.bars)

	pending, ok := bm.Pending()
	require.True(t, ok)
	require.True(t, pending.Close.Equal(decimal.NewFromInt(12)))

	bm.UpdateFromBar(dailyBar(1, "12", "11", "11", false))
	require.Len(t, rec.bars, 1)
	require.True(t, rec.bars[0].Closed)
	require.True(t, rec.bars[0].High.Equal(decimal.NewFromInt(13)), "last update of the day wins")
}

func TestBarManager_IgnoresLateAndOutOfOrderUpdates(t *testing.T) {
	rec := &barRecorder{}
	bm := NewBarManager(1, rec.record)

	bm.UpdateFromBar(dailyBar(0, "11", "9", "10", true))
	bm.UpdateFromBar(dailyBar(0, "20", "1", "15", false))
	require.Len(t, rec.bars, 1)
	_, ok := bm.Pending()
	require.False(t, ok)

	bm.UpdateFromBar(dailyBar(2, "11", "9", "10", false))
	bm.UpdateFromBar(dailyBar(1, "11", "9", "10", false))
	pending, ok := bm.Pending()
	require.True(t, ok)
	require.Equal(t, dailyBar(2, "11", "9", "10", false).Start, pending.Start)
	require.Len(t, rec.bars, 1)
}

func TestBarManager_WindowMergesBars(t *testing.T) {
	rec := &barRecorder{}
	bm := NewBarManager(3, rec.record)

	bm.UpdateFromBar(dailyBar(0, "11", "9", "10", true))
	bm.UpdateFromBar(dailyBar(1, "15", "10", "14", true))
	require.Empty(t, rec.bars)
	bm.UpdateFromBar(dailyBar(2, "14", "7", "8", true))

	require.Len(t, rec.bars, 1)
	merged := rec.bars[0]
	require.True(t, merged.Open.Equal(decimal.NewFromInt(10)))
	require.True(t, merged.High.Equal(decimal.NewFromInt(15)))
	require.True(t, merged.Low.Equal(decimal.NewFromInt(7)))
	require.True(t, merged.Close.Equal(decimal.NewFromInt(8)))
	require.True(t, merged.Volume.Equal(decimal.NewFromInt(3)))
	require.Equal(t, dailyBar(2, "14", "7", "8", true).End, merged.End)
}

func TestBarManager_WindowBelowOneIsOne(t *testing.T) {
	rec := &barRecorder{}
	bm := NewBarManager(0, nil)
	bm.SetBarCallback(rec.record)

	bm.UpdateFromBar(dailyBar(0, "11", "9", "10", true))
	require.Len(t, rec.bars, 1)
}

func TestSplitSymbol(t *testing.T) {
	base, quote := SplitSymbol("hype-usdc")
	require.Equal(t, "HYPE", base)
	require.Equal(t, "USDC", quote)

	base, quote = SplitSymbol("PURR/USDC")
	require.Equal(t, "PURR", base)
	require.Equal(t, "USDC", quote)

	base, quote = SplitSymbol("HYPE")
	require.Equal(t, "HYPE", base)
	require.Equal(t, DefaultQuote, quote)

}
