package strategy

import (
	"context"
	"errors"
	"sync"

	"grid-trading-bot/execution"
	"grid-trading-bot/marketdata"

	"go.uber.org/zap"
)

// DefaultEventBuffer is the runner queue length used when none is given.
const DefaultEventBuffer = 256

type eventKind int

const (
	eventStart eventKind = iota
	eventHistorical
	eventBar
	eventTrade
	eventFill
	eventStop
)

func (k eventKind) String() string {
	switch k {
	case eventStart:
		return "start"
	case eventHistorical:
		return "historical"
	case eventBar:
		return "bar"
	case eventTrade:
		return "trade"
	case eventFill:
		return "fill"
	case eventStop:
		return "stop"
	}
	return "unknown"
}

type event struct {
	kind   eventKind
	bars   []marketdata.Bar
	bar    marketdata.Bar
	trade  marketdata.Trade
	handle execution.OrderHandle
	result chan error
}

// Runner delivers every event for one GridController from a single
// goroutine. Submit methods may be called from any goroutine.
type Runner struct {
	grid   *GridController
	events chan event
	logger *zap.Logger

	mu      sync.RWMutex
	started bool
	closed  bool

	ctx  context.Context
	done chan struct{}
}

// NewRunner wraps grid and routes its order fills through the runner's queue.
func NewRunner(grid *GridController, buffer int, logger *zap.Logger) *Runner {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		grid:   grid,
		events: make(chan event, buffer),
		logger: logger.Named("runner").With(zap.String("symbol", grid.Symbol())),
		done:   make(chan struct{}),
	}
	grid.SetFillCallback(r.SubmitFill)
	return r
}

// Start launches the event loop and queues the grid's Start. The loop ends
// after Stop or when ctx is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started || r.closed {
		r.mu.Unlock()
		return ErrStopped
	}
	r.started = true
	r.ctx = ctx
	r.mu.Unlock()

	go r.loop()
	return r.submit(event{kind: eventStart})
}

// SubmitHistorical queues bars for OnHistoricalBars. It is an alternative to
// Start's own history request for hosts that fetch bars themselves.
func (r *Runner) SubmitHistorical(bars []marketdata.Bar) error {
	return r.submit(event{kind: eventHistorical, bars: bars})
}

// SubmitBar queues a live candle for the grid's bar aggregator.
func (r *Runner) SubmitBar(bar marketdata.Bar) error {
	return r.submit(event{kind: eventBar, bar: bar})
}

// SubmitTrade queues a live trade. It returns ErrNotReady before Start and
// ErrStopped once the runner is stopping.
func (r *Runner) SubmitTrade(trade marketdata.Trade) error {
	return r.submit(event{kind: eventTrade, trade: trade})
}

// SubmitFill is the execution.FillCallback handed to the executor.
func (r *Runner) SubmitFill(handle execution.OrderHandle) {
	if err := r.submit(event{kind: eventFill, handle: handle}); err != nil {
		r.logger.Warn("Dropping fill", zap.String("id", string(handle)), zap.Error(err))
	}
}

// Stop queues the grid's Stop behind every accepted event and waits for the
// loop to finish. If the loop already ended, the grid is stopped directly.
// Later submissions fail with ErrStopped.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	started := r.started
	r.mu.Unlock()

	if !started {
		return r.grid.Stop(ctx)
	}
	// a loop that ended on context cancel no longer touches the grid
	select {
	case <-r.done:
		return r.grid.Stop(ctx)
	default:
	}

	result := make(chan error, 1)
	select {
	case r.events <- event{kind: eventStop, result: result}:
	case <-r.done:
		return r.grid.Stop(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		<-r.done
		return err
	case <-r.done:
		select {
		case err := <-result:
			return err
		default:
		}
		// the loop exited before reaching the stop event
		return r.grid.Stop(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the event loop exits.
func (r *Runner) Done() <-chan struct{} { return r.done }

func (r *Runner) submit(ev event) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrStopped
	}
	if !r.started {
		return ErrNotReady
	}
	select {
	case <-r.done:
		return ErrStopped
	default:
	}
	select {
	case r.events <- ev:
		return nil
	case <-r.done:
		return ErrStopped
	}
}

func (r *Runner) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.ctx.Done():
			r.logger.Info("Runner context cancelled")
			return
		case ev := <-r.events:
			err := r.handle(ev)
			if ev.result != nil {
				ev.result <- err
			}
			if ev.kind == eventStop {
				return
			}
		}
	}
}

func (r *Runner) handle(ev event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Recovered from panic in grid handler",
				zap.String("event", ev.kind.String()),
				zap.Any("panic", p))
			err = errors.New("grid handler panicked")
		}
	}()

	ctx := r.ctx
	switch ev.kind {
	case eventStart:
		err = r.grid.Start(ctx)
	case eventHistorical:
		err = r.grid.OnHistoricalBars(ctx, ev.bars)
	case eventBar:
		r.grid.OnLiveBar(ev.bar)
	case eventTrade:
		r.grid.OnLiveTrade(ev.trade)
	case eventFill:
		err = r.grid.OnOrderFilled(ctx, ev.handle)
	case eventStop:
		err = r.grid.Stop(ctx)
	}
	if err != nil && ev.kind != eventFill {
		r.logger.Error("Grid event failed", zap.String("event", ev.kind.String()), zap.Error(err))
	}
	return err
}
