// Package listener consumes the outbox. A pass locks the listener's cursor,
// reads the next batch, asks the handler for effects, enqueues durable jobs
// and advances the cursor in one transaction, then broadcasts ephemeral
// effects after commit.
//
// Passes are triggered by debounced LISTEN notifications and by a fallback
// poll. The notification path only reduces latency; the poll guarantees
// delivery when notifications are lost or the subscription is down.
package listener

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventcore/internal/effects"
	"github.com/angelmondragon/eventcore/internal/jobs"
	"github.com/angelmondragon/eventcore/internal/outbox"
	"github.com/angelmondragon/eventcore/pkg/config"
	"github.com/angelmondragon/eventcore/pkg/crash"
	"github.com/angelmondragon/eventcore/pkg/db/models"
	"github.com/angelmondragon/eventcore/pkg/errors"
	"github.com/angelmondragon/eventcore/pkg/logger"
	"github.com/angelmondragon/eventcore/pkg/metrics"
	"github.com/angelmondragon/eventcore/pkg/notify"
	"github.com/angelmondragon/eventcore/pkg/ticker"
)

// Pass triggers.
const (
	TriggerNotify  = "notify"
	TriggerPoll    = "poll"
	TriggerBacklog = "backlog"
)

const (
	defaultBatchSize      = 100
	defaultDebounce       = 50 * time.Millisecond
	defaultMaxWait        = 200 * time.Millisecond
	defaultFallbackPoll   = 750 * time.Millisecond
	defaultReconnectDelay = time.Second
)

// Handler turns one outbox event into effects. It may read through tx but
// must not write, and must tolerate being called again for the same event.
// A CodeMalformed error skips the event.
type Handler func(ctx context.Context, event models.OutboxEvent, tx *gorm.DB) ([]effects.Effect, error)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Enqueuer executes durable Job effects inside the pass transaction.
type Enqueuer interface {
	Enqueue(ctx context.Context, tx *gorm.DB, queue string, payload json.RawMessage) (uuid.UUID, error)
}

// Broadcaster executes ephemeral effects.
type Broadcaster interface {
	Emit(ctx context.Context, room, event string, payload json.RawMessage) error
	EmitToUser(ctx context.Context, userID, event string, payload json.RawMessage) error
}

type Params struct {
	Config        config.ListenerConfig
	DB            txRunner
	Subscriber    notify.Subscriber
	Repository    *outbox.Repository
	Handler       Handler
	Jobs          Enqueuer
	Broadcaster   Broadcaster
	Logger        *logger.Logger
	Metrics       *metrics.ListenerMetrics
	TickerMetrics *metrics.TickerMetrics
	Now           func() time.Time
}

// PassResult summarizes one committed pass.
type PassResult struct {
	Processed int
	Skipped   int
	Jobs      int
	Ephemeral int
	Cursor    int64
}

type Listener struct {
	id             string
	channel        string
	batchSize      int
	reconnectDelay time.Duration

	db          txRunner
	subscriber  notify.Subscriber
	repo        *outbox.Repository
	handler     Handler
	jobs        Enqueuer
	broadcaster Broadcaster
	logg        *logger.Logger
	metrics     *metrics.ListenerMetrics
	now         func() time.Time

	poll      *ticker.Ticker
	debouncer *debouncer

	passMu sync.Mutex

	mu        sync.Mutex
	started   bool
	stopped   bool
	passing   bool
	pending   bool
	runCtx    context.Context
	cancelSub context.CancelFunc
	wg        conc.WaitGroup
}

func New(params Params) (*Listener, error) {
	if params.DB == nil {
		return nil, stdErrors.New("database client is required")
	}
	if params.Repository == nil {
		return nil, stdErrors.New("outbox repository is required")
	}
	if params.Handler == nil {
		return nil, stdErrors.New("handler is required")
	}
	if params.Jobs == nil {
		return nil, stdErrors.New("job enqueuer is required")
	}
	cfg := params.Config
	if cfg.ID == "" {
		return nil, stdErrors.New("listener id is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	if cfg.FallbackPoll <= 0 {
		cfg.FallbackPoll = defaultFallbackPoll
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}

	poll, err := ticker.New(ticker.Options{
		Name:           "listener:" + cfg.ID,
		Interval:       cfg.FallbackPoll,
		MaxConcurrency: 1,
		Logger:         logg,
		Metrics:        params.TickerMetrics,
	})
	if err != nil {
		return nil, err
	}

	l := &Listener{
		id:             cfg.ID,
		channel:        cfg.Channel,
		batchSize:      cfg.BatchSize,
		reconnectDelay: cfg.ReconnectDelay,
		db:             params.DB,
		subscriber:     params.Subscriber,
		repo:           params.Repository,
		handler:        params.Handler,
		jobs:           params.Jobs,
		broadcaster:    params.Broadcaster,
		logg:           logg,
		metrics:        params.Metrics,
		now:            func() time.Time { return now().UTC() },
		poll:           poll,
	}
	l.debouncer = newDebouncer(cfg.Debounce, cfg.MaxWait, func() { l.requestPass(TriggerNotify) })
	return l, nil
}

func (l *Listener) ID() string { return l.id }

// Start registers the listener's cursor, subscribes to the notification
// channel and starts the fallback poll. A listener cannot be restarted after
// Stop.
func (l *Listener) Start(ctx context.Context) error {
	err := l.db.WithTx(ctx, func(tx *gorm.DB) error {
		return l.repo.EnsureCursor(tx, l.id, l.now())
	})
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return ticker.ErrAlreadyStarted
	}
	if l.stopped {
		l.mu.Unlock()
		return stdErrors.New("listener stopped")
	}
	l.started = true
	ctx = l.logg.WithField(ctx, "listener_id", l.id)
	l.runCtx = ctx
	subCtx, cancel := context.WithCancel(ctx)
	l.cancelSub = cancel
	l.mu.Unlock()

	if err := l.poll.Start(ctx, func(ctx context.Context) error {
		return l.runPass(ctx, TriggerPoll)
	}); err != nil {
		cancel()
		return err
	}
	if l.subscriber != nil {
		l.wg.Go(func() { l.subscribeLoop(subCtx) })
	} else {
		l.logg.Warn(ctx, "no notification subscriber configured, relying on fallback poll")
	}
	l.logg.Info(ctx, "outbox listener started")
	return nil
}

// Stop cancels the fallback poll, the debouncer and the subscription, and
// blocks new passes. It does not wait for a pass in flight; use Drain.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.pending = false
	cancel := l.cancelSub
	l.mu.Unlock()

	l.debouncer.Cancel()
	l.poll.Stop()
	if cancel != nil {
		cancel()
	}
}

// Drain waits for in-flight passes and the subscription teardown.
func (l *Listener) Drain(ctx context.Context) error {
	if err := l.poll.Drain(ctx); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("listener %s drain: %w", l.id, ctx.Err())
	}
}

func (l *Listener) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// requestPass runs a pass in the background, coalescing requests that arrive
// while one is already running into a single follow-up pass.
func (l *Listener) requestPass(trigger string) {
	l.mu.Lock()
	if l.stopped || l.runCtx == nil {
		l.mu.Unlock()
		return
	}
	if l.passing {
		l.pending = true
		l.mu.Unlock()
		return
	}
	l.passing = true
	ctx := l.runCtx
	l.mu.Unlock()

	l.wg.Go(func() {
		for {
			if err := l.runPass(ctx, trigger); err != nil && !stdErrors.Is(err, context.Canceled) {
				l.logg.Error(ctx, "outbox pass failed", err)
			}
			l.mu.Lock()
			if !l.pending || l.stopped {
				l.passing = false
				l.pending = false
				l.mu.Unlock()
				return
			}
			l.pending = false
			l.mu.Unlock()
			trigger = TriggerBacklog
		}
	})
}

func (l *Listener) runPass(ctx context.Context, trigger string) error {
	res, err := l.ProcessPass(ctx, trigger)
	if err != nil {
		return err
	}
	if res.Processed+res.Skipped >= l.batchSize {
		l.requestPass(TriggerBacklog)
	}
	return nil
}

// ProcessPass runs one pass. A zero-event pass writes nothing once Start has
// seeded the cursor. On error nothing from the pass is committed.
func (l *Listener) ProcessPass(ctx context.Context, trigger string) (PassResult, error) {
	l.passMu.Lock()
	defer l.passMu.Unlock()

	if l.isStopped() {
		return PassResult{}, nil
	}
	start := time.Now()
	l.metrics.IncPass(l.id, trigger)
	ctx = l.logg.WithField(ctx, "trigger", trigger)

	var (
		res       PassResult
		ephemeral []effects.Effect
	)
	err := l.db.WithTx(ctx, func(tx *gorm.DB) error {
		res, ephemeral = PassResult{}, nil

		cursor, err := l.repo.LockCursor(tx, l.id)
		if err != nil {
			return err
		}
		res.Cursor = cursor
		events, err := l.repo.FetchAfter(tx, cursor, l.batchSize)
		if err != nil {
			return fmt.Errorf("fetch events after %d: %w", cursor, err)
		}
		if len(events) == 0 {
			return nil
		}

		for _, event := range events {
			evCtx := l.logg.WithFields(ctx, map[string]any{"outbox_id": event.ID, "event_type": event.EventType})
			produced, err := l.invoke(evCtx, event, tx)
			if err != nil {
				if errors.IsMalformed(err) {
					l.logg.Debug(l.logg.WithField(evCtx, "error", err.Error()), "skipping malformed outbox event")
					res.Skipped++
					continue
				}
				return fmt.Errorf("handle outbox event %d: %w", event.ID, err)
			}

			durable, eph := effects.Partition(produced)
			for _, job := range durable {
				if _, err := l.jobs.Enqueue(evCtx, tx, job.Queue, job.Payload); err != nil {
					if stdErrors.Is(err, jobs.ErrUnknownQueue) {
						l.logg.Debug(l.logg.WithField(evCtx, "queue", job.Queue), "skipping job effect for unknown queue")
						continue
					}
					return fmt.Errorf("enqueue %s for outbox event %d: %w", job.Queue, event.ID, err)
				}
				res.Jobs++
			}
			ephemeral = append(ephemeral, eph...)
			res.Processed++
		}

		res.Cursor = events[len(events)-1].ID
		return l.repo.AdvanceCursor(tx, l.id, res.Cursor, l.now())
	})
	if err != nil {
		l.metrics.IncPassFailure(l.id)
		return PassResult{}, err
	}

	l.metrics.ObservePass(l.id, time.Since(start))
	l.metrics.AddEvents(l.id, "processed", res.Processed)
	l.metrics.AddEvents(l.id, "skipped", res.Skipped)
	for i := 0; i < res.Jobs; i++ {
		l.metrics.IncEffect(l.id, string(effects.KindJob))
	}

	res.Ephemeral = l.broadcast(ctx, ephemeral)
	if res.Processed+res.Skipped > 0 {
		l.logg.Debug(l.logg.WithFields(ctx, map[string]any{
			"processed": res.Processed,
			"skipped":   res.Skipped,
			"jobs":      res.Jobs,
			"cursor":    res.Cursor,
		}), "outbox pass committed")
	}
	return res, nil
}

// invoke runs the handler, converting a panic into an error that aborts the pass.
func (l *Listener) invoke(ctx context.Context, event models.OutboxEvent, tx *gorm.DB) (out []effects.Effect, err error) {
	defer func() {
		if r := recover(); r != nil {
			fields := crash.WithStack(crash.Describe(r), debug.Stack())
			l.logg.Error(l.logg.WithFields(ctx, fields), "outbox handler panicked", nil)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return l.handler(ctx, event, tx)
}

// broadcast runs ephemeral effects best effort and returns how many succeeded.
func (l *Listener) broadcast(ctx context.Context, list []effects.Effect) int {
	if len(list) == 0 {
		return 0
	}
	if l.broadcaster == nil {
		l.logg.Warn(l.logg.WithField(ctx, "dropped", len(list)), "no broadcaster configured, dropping ephemeral effects")
		return 0
	}
	sent := 0
	for _, e := range list {
		var err error
		switch v := e.(type) {
		case effects.Emit:
			err = l.broadcaster.Emit(ctx, v.Room, v.Event, v.Payload)
		case effects.EmitToUser:
			err = l.broadcaster.EmitToUser(ctx, v.UserID, v.Event, v.Payload)
		default:
			err = fmt.Errorf("unsupported ephemeral effect %s", e.Kind())
		}
		if err != nil {
			l.logg.WarnErr(l.logg.WithField(ctx, "effect", e.Kind()), "ephemeral effect failed", err)
			continue
		}
		l.metrics.IncEffect(l.id, string(e.Kind()))
		sent++
	}
	return sent
}

// subscribeLoop keeps a LISTEN registration open, reconnecting on a fixed
// delay until ctx ends.
func (l *Listener) subscribeLoop(ctx context.Context) {
	delay := backoff.NewConstantBackOff(l.reconnectDelay)
	for ctx.Err() == nil {
		sub, err := l.subscriber.Subscribe(ctx, l.channel)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.reportDisconnect(ctx, err, "notification subscribe failed")
			if !sleepCtx(ctx, delay.NextBackOff()) {
				return
			}
			continue
		}

		l.logg.Info(l.logg.WithField(ctx, "channel", l.channel), "listening for outbox notifications")
		// Catch up on anything written while unsubscribed.
		l.debouncer.Trigger()

		err = l.consume(ctx, sub)
		_ = sub.Close(ctx)
		if ctx.Err() != nil {
			return
		}
		l.reportDisconnect(ctx, err, "notification subscription dropped")
		if !sleepCtx(ctx, delay.NextBackOff()) {
			return
		}
	}
}

func (l *Listener) consume(ctx context.Context, sub notify.Subscription) error {
	for {
		if _, err := sub.Wait(ctx); err != nil {
			return err
		}
		l.debouncer.Trigger()
	}
}

func (l *Listener) reportDisconnect(ctx context.Context, err error, msg string) {
	l.metrics.IncReconnect(l.id)
	v := crash.Classify("listener:"+l.id, err)
	logCtx := l.logg.WithFields(ctx, map[string]any{
		"classification":  v.Classification,
		"reconnect_delay": l.reconnectDelay.String(),
	})
	if v.IsFatal {
		l.logg.Error(logCtx, msg, err)
		return
	}
	l.logg.WarnErr(logCtx, msg, err)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
