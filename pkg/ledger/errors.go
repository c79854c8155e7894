package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// Common ledger errors.
// Backends and the core wrap these so callers can match with errors.Is.
var (
	// ErrInvalidIntent is returned when a transfer request is rejected before any write.
	ErrInvalidIntent = errors.New("ledger: invalid intent")

	// ErrQueryFailed is returned when reading a ledger failed. Cached data is kept.
	ErrQueryFailed = errors.New("ledger: query failed")

	// ErrMutationFailed is returned when one leg of a transfer was not recorded.
	ErrMutationFailed = errors.New("ledger: mutation failed")

	// ErrPartialTransfer is returned when exactly one leg of a transfer was recorded.
	ErrPartialTransfer = errors.New("ledger: partial transfer")

	// ErrTransferFailed is returned when neither leg of a transfer was recorded.
	ErrTransferFailed = errors.New("ledger: transfer failed")

	// ErrMalformedTransaction is returned when a transaction has an unknown kind
	// or a negative amount. It is never coerced to a zero effect.
	ErrMalformedTransaction = errors.New("ledger: malformed transaction")

	// ErrUnknownLedger is returned for a ledger ID outside the configured pair.
	ErrUnknownLedger = errors.New("ledger: unknown ledger")

	// ErrBackendUnavailable is returned when a backend cannot be reached.
	ErrBackendUnavailable = errors.New("ledger: backend unavailable")

	// ErrTimeout is returned when a backend operation times out.
	ErrTimeout = errors.New("ledger: operation timeout")

	// ErrCircuitOpen is returned when the circuit breaker rejects a call.
	ErrCircuitOpen = errors.New("ledger: circuit breaker open")

	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("ledger: closed")
)

// IsTimeout checks if the given error indicates a timeout occurred.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsCircuitOpen checks if the given error indicates the circuit breaker is open.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// IsMalformed checks if the given error comes from a malformed transaction.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedTransaction)
}

// ClassifyError returns a string classification of the error type for metrics.
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_breaker_open"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrInvalidIntent):
		return "invalid_intent"
	case errors.Is(err, ErrMalformedTransaction):
		return "malformed_transaction"
	case errors.Is(err, ErrUnknownLedger):
		return "unknown_ledger"
	case errors.Is(err, ErrBackendUnavailable):
		return "unavailable"
	case errors.Is(err, ErrPartialTransfer):
		return "partial_transfer"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrMutationFailed):
		return "mutation_failed"
	case errors.Is(err, ErrQueryFailed):
		return "query_failed"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection", "connect", "dial"):
		return "connection"
	case containsAny(msg, "marshal", "unmarshal", "encode", "decode"):
		return "serialization"
	default:
		return "other"
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// WrapError wraps an error with the backend and operation it came from.
func WrapError(err error, backend string, operation string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("ledger backend %s %s: %w", backend, operation, err)
}
