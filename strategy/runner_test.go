package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"grid-trading-bot/marketdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func startedRunner(t *testing.T, h *harness) *Runner {
	t.Helper()
	h.md.bars = []marketdata.Bar{dailyBar(0, "100", "100", "100", "100")}
	r := NewRunner(h.grid, 0, nil)
	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool { return h.grid.State().Outstanding == 2 }, time.Second, 5*time.Millisecond)
	t.Cleanup(func() { _ = r.Stop(context.Background()) })
	return r
}

func TestRunner_SerializesConcurrentFills(t *testing.T) {
	h := newHarness(t, baseConfig())
	r := startedRunner(t, h)

	buy := h.grid.State().BuyOrder
	cb := h.ex.fill(buy)
	require.NotNil(t, cb)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			cb(buy)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, r.SubmitTrade(marketdata.Trade{Symbol: "HYPE-USDC", Price: d("100")}))
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return h.grid.State().Rebases == 2 }, time.Second, 5*time.Millisecond)
	st := h.grid.State()
	require.True(t, st.BasePrice.Equal(d("95")), "base %s", st.BasePrice)
	require.Equal(t, 2, st.Outstanding)
}

func TestRunner_RoutesBars(t *testing.T) {
	h := newHarness(t, baseConfig())
	r := startedRunner(t, h)

	for i := 1; i <= 8; i++ {
		require.NoError(t, r.SubmitBar(dailyBar(i, "100", "110", "90", "100")))
	}
	require.Eventually(t, func() bool {
		return h.grid.State().BuyTrigger.GreaterThan(d("0.05"))
	}, time.Second, 5*time.Millisecond)
}

func TestRunner_StopRejectsSubmissions(t *testing.T) {
	h := newHarness(t, baseConfig())
	r := startedRunner(t, h)

	require.NoError(t, r.Stop(context.Background()))
	select {
	case <-r.Done():
	default:
		t.Fatal("runner loop still running after Stop")
	}

	require.True(t, h.grid.State().Stopped)
	require.Equal(t, 0, h.ex.openCount())
	require.ErrorIs(t, r.SubmitTrade(marketdata.Trade{Price: d("1")}), ErrStopped)
	require.ErrorIs(t, r.SubmitBar(dailyBar(1, "1", "1", "1", "1")), ErrStopped)
	require.NoError(t, r.Stop(context.Background()))
}

func TestRunner_SubmitBeforeStart(t *testing.T) {
	h := newHarness(t, baseConfig())
	r := NewRunner(h.grid, 4, nil)
	require.ErrorIs(t, r.SubmitTrade(marketdata.Trade{Price: d("1")}), ErrNotReady)
	require.NoError(t, r.Stop(context.Background()))
	require.True(t, h.grid.State().Stopped)
}

func TestRunner_SubmitHistorical(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.md.err = context.DeadlineExceeded
	r := NewRunner(h.grid, 0, nil)
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.SubmitHistorical([]marketdata.Bar{dailyBar(0, "80", "80", "80", "80")}))

	require.Eventually(t, func() bool { return h.grid.State().Ready }, time.Second, 5*time.Millisecond)
	require.True(t, h.grid.State().BasePrice.Equal(d("80")))
	require.NoError(t, r.Stop(context.Background()))
}

func TestRunner_RecoversFromPanic(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := newHarness(t, baseConfig())
	h.grid.notify = func(n StrategyNotification) {
		if n.Type == NotifyGridReady {
			panic("notification sink exploded")
		}
	}
	h.md.bars = []marketdata.Bar{dailyBar(0, "100", "100", "100", "100")}

	r := NewRunner(h.grid, 0, zap.New(core))
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.SubmitTrade(marketdata.Trade{Price: d("101")}))

	require.Eventually(t, func() bool {
		return h.grid.State().LastTradePrice.Equal(d("101"))
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, logs.FilterMessage("Recovered from panic in grid handler").Len())
	require.NoError(t, r.Stop(context.Background()))
}

func TestRunner_ContextCancelEndsLoop(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.md.bars = []marketdata.Bar{dailyBar(0, "100", "100", "100", "100")}
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(h.grid, 0, nil)
	require.NoError(t, r.Start(ctx))

	cancel()
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("runner did not exit")
	}
	require.ErrorIs(t, r.SubmitTrade(marketdata.Trade{Price: d("1")}), ErrStopped)
}

func TestRunner_StopAfterContextCancelCancelsOrders(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.md.bars = []marketdata.Bar{dailyBar(0, "100", "100", "100", "100")}
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(h.grid, 0, nil)
	require.NoError(t, r.Start(ctx))
	require.Eventually(t, func() bool { return h.grid.State().Outstanding == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("runner did not exit")
	}

	require.NoError(t, r.Stop(context.Background()))
	st := h.grid.State()
	require.True(t, st.Stopped)
	require.Equal(t, 0, st.Outstanding)
	require.Equal(t, 0, h.ex.openCount())
	require.Len(t, h.ex.cancelled, 2)
	require.Equal(t, []string{"HYPE-USDC"}, h.md.unsubscribed)
}
