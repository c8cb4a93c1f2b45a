package marketdata

import (
	"sync"
)

// BarManager turns a stream of possibly still-forming candles into closed,
// resampled bars. A source bar is considered closed when it is flagged Closed
// or when a bar with a later start time arrives. Every window closed source
// bars are merged into one derived bar and handed to the callback.
type BarManager struct {
	window   int
	callback BarCallback

	pending    *Bar
	lastClosed *Bar
	merged     *Bar
	count      int

	mu sync.Mutex
}

// NewBarManager creates a manager that emits one derived bar per window
// closed source bars. A window below 1 is treated as 1.
func NewBarManager(window int, callback BarCallback) *BarManager {
	if window < 1 {
		window = 1
	}
	return &BarManager{
		window:   window,
		callback: callback,
	}
}

// SetBarCallback replaces the derived-bar callback.
func (bm *BarManager) SetBarCallback(callback BarCallback) {
	bm.mu.Lock()
	bm.callback = callback
	bm.mu.Unlock()
}

// UpdateFromBar feeds one source bar. The derived-bar callback runs on the
// caller's goroutine after internal state has been updated.
func (bm *BarManager) UpdateFromBar(bar Bar) {
	bm.mu.Lock()
	derived := bm.update(bar)
	callback := bm.callback
	bm.mu.Unlock()

	if callback == nil {
		return
	}
	for _, d := range derived {
		callback(d)
	}
}

func (bm *BarManager) update(bar Bar) []Bar {
	// late update for a candle we already closed
	if bm.lastClosed != nil && !bar.Start.After(bm.lastClosed.Start) {
		return nil
	}
	if bm.pending != nil && bar.Start.Before(bm.pending.Start) {
		return nil
	}

	var derived []Bar
	if bm.pending != nil && bar.Start.After(bm.pending.Start) {
		if d, ok := bm.closeBar(*bm.pending); ok {
			derived = append(derived, d)
		}
		bm.pending = nil
	}

	if bar.Closed {
		bm.pending = nil
		if d, ok := bm.closeBar(bar); ok {
			derived = append(derived, d)
		}
		return derived
	}

	b := bar
	bm.pending = &b
	return derived
}

// closeBar merges a closed source bar into the current window and reports
// whether the window completed.
func (bm *BarManager) closeBar(bar Bar) (Bar, bool) {
	bar.Closed = true
	closed := bar
	bm.lastClosed = &closed

	if bm.merged == nil {
		m := bar
		bm.merged = &m
	} else {
		if bar.High.GreaterThan(bm.merged.High) {
			bm.merged.High = bar.High
		}
		if bar.Low.LessThan(bm.merged.Low) {
			bm.merged.Low = bar.Low
		}
		bm.merged.Close = bar.Close
		bm.merged.End = bar.End
		bm.merged.Volume = bm.merged.Volume.Add(bar.Volume)
	}
	bm.count++

	if bm.count < bm.window {
		return Bar{}, false
	}
	out := *bm.merged
	bm.merged = nil
	bm.count = 0
	return out, true
}

// Pending returns the bar that is still forming, if any.
func (bm *BarManager) Pending() (Bar, bool) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if bm.pending == nil {
		return Bar{}, false
	}
	return *bm.pending, true
}
