package resilience

import (
	"time"
)

// ResilientConfig configures resilience features for a ledger backend.
type ResilientConfig struct {
	// Timeout bounds each Query and Mutate call. Zero disables it.
	Timeout time.Duration

	CircuitBreakerConfig CircuitBreakerConfig
}

// CircuitBreakerConfig sizes the breaker in front of one ledger backend.
// The store and the coordinator share it, so a ledger that keeps failing
// stops taking both reads and legs until it has had time to recover.
type CircuitBreakerConfig struct {
	// MaxRequests is how many trial calls pass while half-open. Default: 1
	MaxRequests uint32

	// Interval resets the failure counts while closed. Zero keeps them forever.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// ReadyToTrip decides, after each failed call, whether to open.
	// Nil means ConsecutiveFailures(5).
	ReadyToTrip func(counts Counts) bool
}

// Counts mirrors the breaker's request counters for ReadyToTrip.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// DefaultResilientConfig returns the defaults used by the service.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Timeout: 5 * time.Second,
		CircuitBreakerConfig: CircuitBreakerConfig{
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: ConsecutiveFailures(5),
		},
	}
}

// ConsecutiveFailures returns a ReadyToTrip that opens after n failures in a row.
func ConsecutiveFailures(n uint32) func(Counts) bool {
	return func(counts Counts) bool {
		return counts.ConsecutiveFailures >= n
	}
}

// FailureRatio returns a ReadyToTrip that opens once at least minRequests
// were seen and the failure ratio reaches ratio.
func FailureRatio(minRequests uint32, ratio float64) func(Counts) bool {
	return func(counts Counts) bool {
		if counts.Requests < minRequests {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
	}
}

// WithTimeout sets the per-call timeout.
func (c ResilientConfig) WithTimeout(timeout time.Duration) ResilientConfig {
	c.Timeout = timeout
	return c
}

// WithCircuitBreakerTimeout sets how long the breaker stays open.
func (c ResilientConfig) WithCircuitBreakerTimeout(timeout time.Duration) ResilientConfig {
	c.CircuitBreakerConfig.Timeout = timeout
	return c
}
