// Package ticker runs a callback on a fixed interval with a concurrency cap.
//
// A tick that arrives while MaxConcurrency callbacks are still running is
// dropped, never queued. Stop cancels future ticks without waiting; Drain
// waits for the callbacks that are still in flight.
package ticker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/angelmondragon/eventcore/pkg/logger"
	"github.com/angelmondragon/eventcore/pkg/metrics"
)

// ErrAlreadyStarted is returned by Start on a runner that is already firing.
var ErrAlreadyStarted = errors.New("ticker already started")

// Func is the periodic callback.
type Func func(ctx context.Context) error

// Options configure a Ticker.
type Options struct {
	Name           string
	Interval       time.Duration
	MaxConcurrency int
	// RunImmediately fires the first callback on Start instead of after one interval.
	RunImmediately bool
	Logger         *logger.Logger
	Metrics        *metrics.TickerMetrics
}

type Ticker struct {
	name           string
	interval       time.Duration
	maxConcurrency int
	immediate      bool
	logg           *logger.Logger
	metrics        *metrics.TickerMetrics

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	loopDone chan struct{}
	inFlight int
	idle     chan struct{}

	skipped atomic.Int64
}

// New validates opts and returns a stopped runner.
func New(opts Options) (*Ticker, error) {
	if opts.Name == "" {
		return nil, errors.New("ticker name is required")
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("ticker %s: interval must be positive", opts.Name)
	}
	maxConcurrency := opts.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	logg := opts.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Ticker{
		name:           opts.Name,
		interval:       opts.Interval,
		maxConcurrency: maxConcurrency,
		immediate:      opts.RunImmediately,
		logg:           logg,
		metrics:        opts.Metrics,
		idle:           make(chan struct{}),
	}, nil
}

func (t *Ticker) Name() string { return t.name }

// Start begins firing fn every interval until Stop or ctx cancellation.
// ctx is also handed to every callback invocation.
func (t *Ticker) Start(ctx context.Context, fn Func) error {
	if fn == nil {
		return fmt.Errorf("ticker %s: callback is required", t.name)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.running = true
	stop := make(chan struct{})
	done := make(chan struct{})
	t.stopCh = stop
	t.loopDone = done
	t.mu.Unlock()

	ctx = t.logg.WithField(ctx, "ticker", t.name)
	go t.loop(ctx, fn, stop, done)
	return nil
}

func (t *Ticker) loop(ctx context.Context, fn Func, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	if t.immediate {
		t.fire(ctx, fn)
	}

	tk := time.NewTicker(t.interval)
	defer tk.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			t.mu.Lock()
			if t.stopCh == stop {
				t.running = false
			}
			t.mu.Unlock()
			return
		case <-tk.C:
			select {
			case <-stop:
				return
			default:
			}
			t.fire(ctx, fn)
		}
	}
}

func (t *Ticker) fire(ctx context.Context, fn Func) {
	t.mu.Lock()
	if t.inFlight >= t.maxConcurrency {
		inFlight := t.inFlight
		t.mu.Unlock()
		t.skipped.Add(1)
		t.metrics.IncSkipped(t.name)
		t.logg.Debug(t.logg.WithField(ctx, "in_flight", inFlight), "tick skipped at max concurrency")
		return
	}
	t.inFlight++
	t.metrics.SetInFlight(t.name, t.inFlight)
	t.mu.Unlock()

	go t.invoke(ctx, fn)
}

func (t *Ticker) invoke(ctx context.Context, fn Func) {
	defer t.settle()
	defer func() {
		if r := recover(); r != nil {
			t.metrics.IncFailure(t.name)
			t.logg.Error(ctx, "ticker callback panicked", fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(ctx); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		t.metrics.IncFailure(t.name)
		t.logg.Error(ctx, "ticker callback failed", err)
	}
}

func (t *Ticker) settle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight--
	t.metrics.SetInFlight(t.name, t.inFlight)
	if t.inFlight == 0 {
		close(t.idle)
		t.idle = make(chan struct{})
	}
}

// Stop cancels future firings. In-flight callbacks keep running; use Drain.
func (t *Ticker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	stop, done := t.stopCh, t.loopDone
	t.mu.Unlock()

	close(stop)
	<-done
}

// Drain blocks until no callback is in flight, or ctx ends. Call it after Stop.
func (t *Ticker) Drain(ctx context.Context) error {
	t.mu.Lock()
	if t.inFlight == 0 {
		t.mu.Unlock()
		return nil
	}
	idle := t.idle
	t.mu.Unlock()

	if ctx == nil {
		<-idle
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ticker %s drain: %w", t.name, ctx.Err())
	}
}

func (t *Ticker) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Ticker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight
}

// Skipped reports how many ticks were dropped for back-pressure.
func (t *Ticker) Skipped() int64 {
	return t.skipped.Load()
}
