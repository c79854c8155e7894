package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledger-sync/pkg/ledger"
	"ledger-sync/pkg/logging"
	"ledger-sync/pkg/metrics"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ResilientBackend wraps a ledger.Backend with circuit breaker and timeout
// protection. One breaker guards every ledger the backend serves.
type ResilientBackend struct {
	backend ledger.Backend
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

// NewResilientBackend creates a new resilient wrapper around the given backend.
func NewResilientBackend(backend ledger.Backend, config ResilientConfig) *ResilientBackend {
	return NewResilientBackendWithMetrics(backend, config, metrics.NoOpCollector{})
}

// NewResilientBackendWithMetrics creates a new resilient backend with a custom metrics collector.
func NewResilientBackendWithMetrics(backend ledger.Backend, config ResilientConfig, metricsCollector metrics.MetricsCollector) *ResilientBackend {
	name := backend.Name()
	logger := logging.Global().Named("resilience").Named(name)

	rb := &ResilientBackend{
		backend: backend,
		timeout: config.Timeout,
		metrics: metrics.OrNoOp(metricsCollector),
		logger:  logger,
	}

	logger.Info("resilient backend initialized",
		zap.String("backend", name),
		zap.Duration("timeout", config.Timeout),
		zap.Uint32("max_requests", config.CircuitBreakerConfig.MaxRequests),
		zap.Duration("circuit_interval", config.CircuitBreakerConfig.Interval),
		zap.Duration("circuit_timeout", config.CircuitBreakerConfig.Timeout),
	)

	readyToTrip := config.CircuitBreakerConfig.ReadyToTrip
	if readyToTrip == nil {
		readyToTrip = ConsecutiveFailures(5)
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: config.CircuitBreakerConfig.MaxRequests,
		Interval:    config.CircuitBreakerConfig.Interval,
		Timeout:     config.CircuitBreakerConfig.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return readyToTrip(Counts{
				Requests:             counts.Requests,
				TotalSuccesses:       counts.TotalSuccesses,
				TotalFailures:        counts.TotalFailures,
				ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
				ConsecutiveFailures:  counts.ConsecutiveFailures,
			})
		},
		IsSuccessful: isHealthy,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("backend", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			rb.metrics.RecordCircuitState(name, circuitState(to))
		},
	}

	rb.cb = gobreaker.NewCircuitBreaker(settings)

	return rb
}

// isHealthy reports whether err says nothing about backend health.
// Rejected input and caller cancellation must not trip the breaker.
func isHealthy(err error) bool {
	return err == nil ||
		errors.Is(err, ledger.ErrMalformedTransaction) ||
		errors.Is(err, ledger.ErrUnknownLedger) ||
		errors.Is(err, context.Canceled)
}

func circuitState(s gobreaker.State) metrics.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}

// Name returns the name of the underlying backend.
func (rb *ResilientBackend) Name() string {
	return rb.backend.Name()
}

// State returns the current circuit breaker state.
func (rb *ResilientBackend) State() metrics.CircuitState {
	return circuitState(rb.cb.State())
}

func (rb *ResilientBackend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if rb.timeout > 0 {
		return context.WithTimeout(ctx, rb.timeout)
	}
	return ctx, func() {}
}

// Query fetches a ledger with timeout and circuit breaker protection.
func (rb *ResilientBackend) Query(ctx context.Context, id ledger.ID) ([]ledger.Transaction, error) {
	start := time.Now()

	ctx, cancel := rb.withTimeout(ctx)
	defer cancel()

	result, err := rb.cb.Execute(func() (interface{}, error) {
		return rb.backend.Query(ctx, id)
	})

	duration := time.Since(start)
	rb.metrics.RecordQuery(string(id), err == nil, duration)

	if err != nil {
		return nil, rb.translate(ctx, "query", id, err, duration)
	}

	txs, _ := result.([]ledger.Transaction)
	return txs, nil
}

// Mutate records a transaction with timeout and circuit breaker protection.
func (rb *ResilientBackend) Mutate(ctx context.Context, id ledger.ID, tx ledger.NewTransaction) (ledger.Transaction, error) {
	start := time.Now()

	ctx, cancel := rb.withTimeout(ctx)
	defer cancel()

	result, err := rb.cb.Execute(func() (interface{}, error) {
		return rb.backend.Mutate(ctx, id, tx)
	})

	duration := time.Since(start)
	rb.metrics.RecordMutation(string(id), err == nil, duration)

	if err != nil {
		return ledger.Transaction{}, rb.translate(ctx, "mutate", id, err, duration)
	}

	return result.(ledger.Transaction), nil
}

// Watch opens a subscription through the circuit breaker. The timeout does
// not apply: a watch lives until ctx is done or it is closed.
func (rb *ResilientBackend) Watch(ctx context.Context, id ledger.ID) (ledger.Watch, error) {
	start := time.Now()

	result, err := rb.cb.Execute(func() (interface{}, error) {
		return rb.backend.Watch(ctx, id)
	})
	if err != nil {
		return nil, rb.translate(ctx, "watch", id, err, time.Since(start))
	}

	return result.(ledger.Watch), nil
}

// translate maps breaker and deadline errors onto the ledger sentinels.
func (rb *ResilientBackend) translate(ctx context.Context, op string, id ledger.ID, err error, duration time.Duration) error {
	name := rb.backend.Name()

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		rb.logger.Warn("circuit breaker open - request rejected",
			zap.String("operation", op),
			zap.String("ledger", string(id)),
		)
		return fmt.Errorf("%w: backend %s", ledger.ErrCircuitOpen, name)
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		rb.logger.Warn("operation timeout",
			zap.String("operation", op),
			zap.String("ledger", string(id)),
			zap.Duration("timeout", rb.timeout),
			zap.Duration("elapsed", duration),
		)
		return fmt.Errorf("%w: backend %s %s after %s", ledger.ErrTimeout, name, op, duration)
	}

	rb.logger.Error("backend operation failed",
		zap.String("operation", op),
		zap.String("ledger", string(id)),
		zap.Duration("duration", duration),
		zap.Error(err),
	)
	return ledger.WrapError(err, name, op)
}

// Close closes the underlying backend.
func (rb *ResilientBackend) Close() error {
	return rb.backend.Close()
}
