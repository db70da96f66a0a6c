package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/angelmondragon/eventcore/pkg/db/models"
	pkgerrors "github.com/angelmondragon/eventcore/pkg/errors"
	"github.com/angelmondragon/eventcore/pkg/logger"
	"github.com/angelmondragon/eventcore/pkg/metrics"
	"github.com/angelmondragon/eventcore/pkg/ticker"
)

const (
	defaultLease        = 30 * time.Second
	defaultPollInterval = 500 * time.Millisecond
)

// WorkerOptions configure the execution harness.
type WorkerOptions struct {
	Queues       []string
	Lease        time.Duration
	PollInterval time.Duration
	Concurrency  int
	// ClaimRate caps claims per second across all queues. Zero disables it.
	ClaimRate float64
	Logger    *logger.Logger
	Metrics   *metrics.TickerMetrics
}

// Worker polls queues on tickers and runs claimed jobs through the registry:
// claim, handle, then complete or fail.
type Worker struct {
	queue    *Queue
	registry *Registry
	lease    time.Duration
	limiter  *rate.Limiter
	logg     *logger.Logger
	pollers  []poller
}

type poller struct {
	queue  string
	ticker *ticker.Ticker
}

func NewWorker(queue *Queue, registry *Registry, opts WorkerOptions) (*Worker, error) {
	if queue == nil {
		return nil, errors.New("queue is required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	names := opts.Queues
	if len(names) == 0 {
		names = registry.Queues()
	}
	if len(names) == 0 {
		return nil, errors.New("no queues to work")
	}
	lease := opts.Lease
	if lease <= 0 {
		lease = defaultLease
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	logg := opts.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	w := &Worker{queue: queue, registry: registry, lease: lease, logg: logg}
	if opts.ClaimRate > 0 {
		burst := opts.Concurrency
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(opts.ClaimRate), burst)
	}
	for _, name := range names {
		if !registry.Has(name) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
		}
		tk, err := ticker.New(ticker.Options{
			Name:           "jobs:" + name,
			Interval:       poll,
			MaxConcurrency: opts.Concurrency,
			RunImmediately: true,
			Logger:         logg,
			Metrics:        opts.Metrics,
		})
		if err != nil {
			return nil, err
		}
		w.pollers = append(w.pollers, poller{queue: name, ticker: tk})
	}
	return w, nil
}

// Start begins polling every configured queue.
func (w *Worker) Start(ctx context.Context) error {
	for _, p := range w.pollers {
		queue := p.queue
		if err := p.ticker.Start(ctx, func(ctx context.Context) error {
			return w.poll(ctx, queue)
		}); err != nil {
			w.Stop()
			return err
		}
	}
	return nil
}

// Stop cancels future polls.
func (w *Worker) Stop() {
	for _, p := range w.pollers {
		p.ticker.Stop()
	}
}

// Drain waits for in-flight jobs on every queue.
func (w *Worker) Drain(ctx context.Context) error {
	var err error
	for _, p := range w.pollers {
		err = multierr.Append(err, p.ticker.Drain(ctx))
	}
	return err
}

// poll claims and runs jobs until the queue has nothing due.
func (w *Worker) poll(ctx context.Context, queue string) error {
	for ctx.Err() == nil {
		ran, err := w.RunOnce(ctx, queue)
		if err != nil || !ran {
			return err
		}
	}
	return nil
}

// RunOnce claims at most one job on queue and processes it. ran is false when
// nothing was due.
func (w *Worker) RunOnce(ctx context.Context, queue string) (ran bool, err error) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return false, err
		}
	}
	job, err := w.queue.Claim(ctx, queue, w.lease)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", queue, err)
	}
	if job == nil {
		return false, nil
	}

	logCtx := w.logg.WithFields(ctx, map[string]any{
		"job_id":   job.ID.String(),
		"queue":    job.QueueName,
		"attempts": job.Attempts,
	})
	handler, ok := w.registry.Handler(job.QueueName)
	var runErr error
	if !ok {
		runErr = pkgerrors.Malformed(fmt.Errorf("%w: %s", ErrUnknownQueue, job.QueueName), "no handler")
	} else {
		runErr = w.invoke(logCtx, handler, *job)
	}

	if runErr == nil {
		if err := w.queue.Complete(ctx, job.ID, job.Lease()); err != nil {
			w.logg.WarnErr(logCtx, "job completed but could not be marked", err)
			return true, nil
		}
		w.logg.Debug(logCtx, "job completed")
		return true, nil
	}
	if _, err := w.queue.Fail(ctx, job.ID, job.Lease(), runErr); err != nil {
		w.logg.WarnErr(logCtx, "job failure could not be recorded", err)
	}
	return true, nil
}

// invoke runs the handler under a deadline equal to the lease and converts a
// panic into an error.
func (w *Worker) invoke(ctx context.Context, h Handler, job models.Job) (err error) {
	ctx, cancel := context.WithTimeout(ctx, w.lease)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			w.logg.Error(w.logg.WithField(ctx, "stack", string(debug.Stack())), "job handler panicked", fmt.Errorf("panic: %v", r))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}
