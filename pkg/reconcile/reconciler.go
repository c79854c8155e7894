// Package reconcile compensates partially settled transfers in the background.
//
// Jobs flow through a bounded queue into a fixed worker pool. Each job issues
// one compensating leg, chosen by policy, retrying a fixed number of times,
// and stores the result in the intent log.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ledger-sync/pkg/intent"
	"ledger-sync/pkg/ledger"
	"ledger-sync/pkg/logging"
	"ledger-sync/pkg/metrics"
	"ledger-sync/pkg/transfer"

	"go.uber.org/zap"
)

// Executor issues one leg and refreshes its ledger. *transfer.Coordinator satisfies it.
type Executor interface {
	Execute(ctx context.Context, leg transfer.Leg) (ledger.Transaction, error)
}

// Config configures the reconciler.
type Config struct {
	// QueueSize is the bounded queue size (default: 100)
	QueueSize int

	// Workers is the number of concurrent workers (default: 2)
	Workers int

	// MaxWaitTime is the max time to wait if the queue is full.
	// 0 means the default of 10ms.
	MaxWaitTime time.Duration

	// Attempts is the number of compensating mutations tried per job (default: 3)
	Attempts int

	// RetryDelay is the pause between attempts (default: 500ms)
	RetryDelay time.Duration

	// Policy is used when a job does not name one (default: RetryFailedLeg)
	Policy Policy

	// MetricsInterval is how often queue depth is reported (default: 5s)
	MetricsInterval time.Duration

	Metrics metrics.MetricsCollector
	Logger  *logging.Logger
	Now     func() time.Time
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxWaitTime <= 0 {
		c.MaxWaitTime = 10 * time.Millisecond
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.Policy == "" {
		c.Policy = RetryFailedLeg
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 5 * time.Second
	}
	c.Metrics = metrics.OrNoOp(c.Metrics)
	c.Logger = logging.OrGlobal(c.Logger)
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type job struct {
	id      string
	outcome *transfer.Outcome
	policy  Policy
}

// Reconciler runs compensation jobs on a worker pool.
type Reconciler struct {
	exec   Executor
	log    intent.Log
	config Config
	logger *logging.Logger

	queue  chan job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// closeMu is held for reading while a job is being queued so Close
	// cannot let the workers exit with a job still in flight to the queue.
	closeMu sync.RWMutex
	closed  bool

	// mu protects inflight
	mu       sync.Mutex
	inflight map[string]bool

	// Statistics (accessed atomically)
	enqueued   int64
	dropped    int64
	reconciled int64
	failed     int64
	skipped    int64
	attempts   int64
	pending    int64

	metricsTicker *time.Ticker
	metricsStop   chan struct{}
}

// NewReconciler starts the worker pool. log may be nil, in which case jobs
// are only accepted through Publish and results are not stored.
// The reconciler must be closed with Close.
func NewReconciler(exec Executor, log intent.Log, config Config) *Reconciler {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	r := &Reconciler{
		exec:          exec,
		log:           log,
		config:        config,
		logger:        config.Logger.Named("reconcile"),
		queue:         make(chan job, config.QueueSize),
		ctx:           ctx,
		cancel:        cancel,
		inflight:      make(map[string]bool),
		metricsTicker: time.NewTicker(config.MetricsInterval),
		metricsStop:   make(chan struct{}),
	}

	for i := 0; i < config.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}

	go r.reportMetrics()

	return r
}

// Enqueue schedules compensation of the stored transfer id. policy may be
// empty to use the configured default. Only partially settled transfers and
// earlier failed reconciliations are accepted.
func (r *Reconciler) Enqueue(ctx context.Context, id string, policy Policy) error {
	if r.log == nil {
		return fmt.Errorf("%w: no intent log", intent.ErrNotFound)
	}

	rec, err := r.log.Get(ctx, id)
	if err != nil {
		return err
	}
	if !reconcilable(rec) {
		return fmt.Errorf("%w: %s is %s", ErrNotPartial, id, rec.Status)
	}

	return r.submit(ctx, job{id: id, outcome: rec.Outcome, policy: policy})
}

// Publish enqueues partially settled outcomes with the default policy and
// ignores every other outcome. It lets the reconciler sit behind the
// coordinator's Publisher for automatic compensation.
func (r *Reconciler) Publish(ctx context.Context, out *transfer.Outcome) error {
	if out == nil || out.State != transfer.PartiallySettled {
		return nil
	}
	return r.submit(ctx, job{id: out.Intent.ID, outcome: out})
}

func reconcilable(rec *intent.Record) bool {
	if rec.Outcome == nil {
		return false
	}
	return rec.Status == intent.StatusPartiallySettled || rec.Status == intent.StatusReconcileFailed
}

func (r *Reconciler) submit(ctx context.Context, j job) error {
	if j.policy == "" {
		j.policy = r.config.Policy
	}

	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		return ErrClosed
	}

	r.mu.Lock()
	if r.inflight[j.id] {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, j.id)
	}
	r.inflight[j.id] = true
	atomic.AddInt64(&r.pending, 1)
	r.mu.Unlock()

	timer := time.NewTimer(r.config.MaxWaitTime)
	defer timer.Stop()

	var err error
	select {
	case r.queue <- j:
		atomic.AddInt64(&r.enqueued, 1)
		r.config.Metrics.RecordQueueDepth("reconcile", len(r.queue))
		return nil
	case <-timer.C:
		atomic.AddInt64(&r.dropped, 1)
		err = ErrQueueFull
	case <-ctx.Done():
		err = ctx.Err()
	}

	r.done(j.id)
	return err
}

func (r *Reconciler) done(id string) {
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
	atomic.AddInt64(&r.pending, -1)
}

// worker processes jobs until the queue is drained after Close.
func (r *Reconciler) worker() {
	defer r.wg.Done()

	for {
		select {
		case j := <-r.queue:
			r.process(j)
		case <-r.ctx.Done():
			for {
				select {
				case j := <-r.queue:
					r.process(j)
				default:
					return
				}
			}
		}
	}
}

func (r *Reconciler) process(j job) {
	defer r.done(j.id)

	logger := r.logger.ForTransfer(j.id).With(zap.String("policy", string(j.policy)))
	start := time.Now()
	ctx := context.Background()

	if r.log != nil {
		rec, err := r.log.Get(ctx, j.id)
		if err == nil && !reconcilable(rec) {
			atomic.AddInt64(&r.skipped, 1)
			logger.Info("transfer no longer needs reconciliation", zap.String("status", string(rec.Status)))
			return
		}
	}

	result := intent.Reconciliation{Policy: string(j.policy)}

	leg, err := j.policy.compensation(j.outcome)
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Leg = leg
		recorded, attempts, err := r.attempt(leg)
		result.Attempts = attempts
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Recorded = &recorded
		}
	}
	result.At = r.config.Now()

	success := result.Error == ""
	if success {
		atomic.AddInt64(&r.reconciled, 1)
		logger.Info("transfer reconciled",
			zap.String("ledger", string(result.Leg.Ledger)),
			zap.String("kind", string(result.Leg.Tx.Kind)),
			zap.Int("attempts", result.Attempts),
		)
	} else {
		atomic.AddInt64(&r.failed, 1)
		logger.Error("reconciliation failed",
			zap.Int("attempts", result.Attempts),
			zap.String("error", result.Error),
		)
	}
	r.config.Metrics.RecordReconcile(string(j.policy), success, time.Since(start))

	if r.log != nil {
		if err := r.log.MarkReconciled(ctx, j.id, result); err != nil {
			logger.Error("recording reconciliation failed", zap.Error(err))
		}
	}
}

// attempt issues leg up to Attempts times. Permanent errors stop early and
// Close cuts the remaining delays short.
func (r *Reconciler) attempt(leg transfer.Leg) (ledger.Transaction, int, error) {
	var lastErr error
	for i := 1; i <= r.config.Attempts; i++ {
		atomic.AddInt64(&r.attempts, 1)

		recorded, err := r.exec.Execute(context.Background(), leg)
		if err == nil {
			return recorded, i, nil
		}
		lastErr = err
		if permanent(err) || i == r.config.Attempts {
			return ledger.Transaction{}, i, lastErr
		}

		select {
		case <-time.After(r.config.RetryDelay):
		case <-r.ctx.Done():
			return ledger.Transaction{}, i, fmt.Errorf("%w: %w", ErrClosed, lastErr)
		}
	}
	return ledger.Transaction{}, r.config.Attempts, lastErr
}

func permanent(err error) bool {
	return errors.Is(err, ledger.ErrMalformedTransaction) ||
		errors.Is(err, ledger.ErrUnknownLedger) ||
		errors.Is(err, ledger.ErrInvalidIntent)
}

// Flush waits until every accepted job has finished or timeout passes.
func (r *Reconciler) Flush(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if atomic.LoadInt64(&r.pending) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrFlushTimeout
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Close stops accepting jobs, finishes the queued ones and waits for the workers.
func (r *Reconciler) Close() error {
	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		return nil
	}
	r.closed = true
	r.closeMu.Unlock()

	close(r.metricsStop)
	r.metricsTicker.Stop()

	r.cancel()
	r.wg.Wait()
	return nil
}

func (r *Reconciler) reportMetrics() {
	for {
		select {
		case <-r.metricsTicker.C:
			r.config.Metrics.RecordQueueDepth("reconcile", len(r.queue))
		case <-r.metricsStop:
			return
		}
	}
}

// Stats returns current statistics about the reconciler.
func (r *Reconciler) Stats() Stats {
	return Stats{
		QueueDepth: len(r.queue),
		Enqueued:   atomic.LoadInt64(&r.enqueued),
		Dropped:    atomic.LoadInt64(&r.dropped),
		Reconciled: atomic.LoadInt64(&r.reconciled),
		Failed:     atomic.LoadInt64(&r.failed),
		Skipped:    atomic.LoadInt64(&r.skipped),
		Attempts:   atomic.LoadInt64(&r.attempts),
	}
}
