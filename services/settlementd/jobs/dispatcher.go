package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"p2pescrow/observability"
	"p2pescrow/services/settlementd/settle"
	"p2pescrow/services/settlementd/wallet"
)

// Kind identifies the work a job performs.
type Kind string

// Job kinds.
const (
	KindScan    Kind = "scan"
	KindAdvance Kind = "advance"
	KindSettle  Kind = "settle"
	KindExpire  Kind = "expire"
)

var (
	// ErrQueueFull is returned when the queue cannot accept more work.
	ErrQueueFull = errors.New("jobs: queue full")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("jobs: dispatcher stopped")
)

// Job is a unit of work addressed to a trade.
type Job struct {
	Kind    Kind
	TradeID uuid.UUID
	Settle  *settle.Request
	Attempt int
}

type jobKey struct {
	kind Kind
	id   uuid.UUID
}

// Handler processes a job.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// Config tunes the worker pool.
type Config struct {
	Workers       int
	QueueCapacity int
	MaxAttempts   int
	RetryInitial  time.Duration
	RetryMax      time.Duration
}

// Dispatcher feeds a shared bounded queue to a pool of workers. Any worker
// may take any job; per-trade ordering is enforced by the row lock and state
// re-check inside each processor, not by routing.
type Dispatcher struct {
	cfg     Config
	handler Handler
	queue   chan Job
	logger  *slog.Logger
	metrics *observability.SettlementdMetrics

	mu      sync.Mutex
	stopped bool
	pending map[jobKey]struct{}
	timers  map[*time.Timer]struct{}
	wg      sync.WaitGroup
}

// Option customises the dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics attaches the metrics registry.
func WithMetrics(m *observability.SettlementdMetrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher constructs a dispatcher. Call Start to launch workers.
func NewDispatcher(handler Handler, cfg Config, opts ...Option) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = time.Minute
	}
	d := &Dispatcher{
		cfg:     cfg,
		handler: handler,
		queue:   make(chan Job, cfg.QueueCapacity),
		logger:  slog.Default(),
		pending: make(map[jobKey]struct{}),
		timers:  make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Start launches the workers. They exit when ctx is cancelled or Stop drains
// the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
}

// Submit enqueues a job without blocking. Scan, advance, and expire jobs that
// are already queued for the same trade are coalesced.
func (d *Dispatcher) Submit(job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	key := jobKey{kind: job.Kind, id: job.TradeID}
	coalesce := job.Kind != KindSettle
	if coalesce {
		if _, ok := d.pending[key]; ok {
			return nil
		}
	}
	select {
	case d.queue <- job:
		if coalesce {
			d.pending[key] = struct{}{}
		}
		d.metrics.SetQueueDepth(len(d.queue))
		return nil
	default:
		return ErrQueueFull
	}
}

// TriggerAdvance enqueues a confirmation advancement. Failures are logged;
// the next poll rescans the trade and triggers again.
func (d *Dispatcher) TriggerAdvance(_ context.Context, tradeID uuid.UUID) {
	if err := d.Submit(Job{Kind: KindAdvance, TradeID: tradeID}); err != nil {
		d.logger.Warn("advance trigger dropped",
			slog.String("trade_id", tradeID.String()),
			slog.String("error", err.Error()))
	}
}

// Stop rejects new work, cancels scheduled retries, and waits for workers
// to drain the queue.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for timer := range d.timers {
		timer.Stop()
	}
	d.timers = map[*time.Timer]struct{}{}
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

// Depth reports queued jobs.
func (d *Dispatcher) Depth() int {
	return len(d.queue)
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-d.queue:
			if !ok {
				return
			}
			d.mu.Lock()
			delete(d.pending, jobKey{kind: job.Kind, id: job.TradeID})
			d.mu.Unlock()
			d.metrics.SetQueueDepth(len(d.queue))
			d.run(ctx, job)
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, job Job) {
	err := d.handler.Handle(ctx, job)
	attrs := []any{
		slog.String("kind", string(job.Kind)),
		slog.String("trade_id", job.TradeID.String()),
		slog.Int("attempt", job.Attempt+1),
	}
	switch {
	case err == nil:
		d.metrics.RecordJob(string(job.Kind), "ok")
	case errors.Is(err, settle.ErrPostTransferPersistence), errors.Is(err, settle.ErrTransferOutcomeUnknown):
		d.metrics.RecordJob(string(job.Kind), "halted")
		d.logger.Error("job halted pending manual reconciliation", append(attrs, slog.String("error", err.Error()))...)
	case Retryable(err) && job.Attempt+1 < d.cfg.MaxAttempts:
		d.metrics.RecordJob(string(job.Kind), "retry")
		delay := d.retryDelay(job.Attempt)
		d.logger.Warn("job failed; retrying", append(attrs, slog.Duration("delay", delay), slog.String("error", err.Error()))...)
		job.Attempt++
		d.schedule(job, delay)
	default:
		d.metrics.RecordJob(string(job.Kind), "failed")
		d.logger.Error("job failed", append(attrs, slog.String("error", err.Error()))...)
	}
}

func (d *Dispatcher) schedule(job Job, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, timer)
		d.mu.Unlock()
		if err := d.Submit(job); err != nil && !errors.Is(err, ErrStopped) {
			d.logger.Warn("retry dropped",
				slog.String("kind", string(job.Kind)),
				slog.String("trade_id", job.TradeID.String()),
				slog.String("error", err.Error()))
		}
	})
	d.timers[timer] = struct{}{}
}

func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.RetryInitial
	b.MaxInterval = d.cfg.RetryMax
	b.MaxElapsedTime = 0
	b.Reset()
	delay := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Retryable reports whether err is a transient ledger failure that left no
// persisted state behind.
func Retryable(err error) bool {
	return errors.Is(err, wallet.ErrTransient) || errors.Is(err, settle.ErrTransientTransfer)
}
