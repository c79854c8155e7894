package metrics

import (
	"time"
)

// MetricsCollector defines the interface for collecting ledger service metrics.
// Implementations can export metrics to various backends (Prometheus, in-memory, etc.).
type MetricsCollector interface {
	// Backend operations
	RecordQuery(ledger string, success bool, duration time.Duration)
	RecordMutation(ledger string, success bool, duration time.Duration)

	// Ledger store
	RecordRefresh(ledger string, coalesced bool)
	RecordSnapshot(ledger string, size int, stale bool)
	RecordBalance(ledger string, balance float64)
	RecordSubscribers(ledger string, count int)

	// Circuit breaker
	RecordCircuitState(backend string, state CircuitState)

	// Transfers
	RecordTransfer(state string, duration time.Duration)

	// Reconciler
	RecordQueueDepth(queue string, depth int)
	RecordReconcile(policy string, success bool, duration time.Duration)
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is allowing requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is blocking requests.
	CircuitOpen
	// CircuitHalfOpen means the circuit breaker is testing if the backend has recovered.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOpCollector is a no-op implementation of MetricsCollector.
// It's used as the default collector when metrics are not needed.
type NoOpCollector struct{}

// RecordQuery does nothing.
func (NoOpCollector) RecordQuery(ledger string, success bool, duration time.Duration) {}

// RecordMutation does nothing.
func (NoOpCollector) RecordMutation(ledger string, success bool, duration time.Duration) {}

// RecordRefresh does nothing.
func (NoOpCollector) RecordRefresh(ledger string, coalesced bool) {}

// RecordSnapshot does nothing.
func (NoOpCollector) RecordSnapshot(ledger string, size int, stale bool) {}

// RecordBalance does nothing.
func (NoOpCollector) RecordBalance(ledger string, balance float64) {}

// RecordSubscribers does nothing.
func (NoOpCollector) RecordSubscribers(ledger string, count int) {}

// RecordCircuitState does nothing.
func (NoOpCollector) RecordCircuitState(backend string, state CircuitState) {}

// RecordTransfer does nothing.
func (NoOpCollector) RecordTransfer(state string, duration time.Duration) {}

// RecordQueueDepth does nothing.
func (NoOpCollector) RecordQueueDepth(queue string, depth int) {}

// RecordReconcile does nothing.
func (NoOpCollector) RecordReconcile(policy string, success bool, duration time.Duration) {}

// OrNoOp returns c, or a NoOpCollector when c is nil.
func OrNoOp(c MetricsCollector) MetricsCollector {
	if c == nil {
		return NoOpCollector{}
	}
	return c
}
