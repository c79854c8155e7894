package reconcile

import "errors"

// Stats provides statistics about reconciler operations.
type Stats struct {
	// QueueDepth is the current number of jobs waiting in the queue
	QueueDepth int

	// Enqueued is the total number of jobs accepted
	Enqueued int64

	// Dropped is the total number of jobs rejected because the queue was full
	Dropped int64

	// Reconciled is the total number of transfers compensated
	Reconciled int64

	// Failed is the total number of jobs that exhausted their attempts
	Failed int64

	// Skipped is the total number of jobs whose transfer was no longer partial
	Skipped int64

	// Attempts is the total number of compensating mutations issued
	Attempts int64
}

// Errors returned by reconciler operations.
var (
	// ErrQueueFull is returned when the queue is full and MaxWaitTime exceeded
	ErrQueueFull = errors.New("reconcile: queue full, job dropped")

	// ErrClosed is returned when enqueueing on a closed reconciler
	ErrClosed = errors.New("reconcile: reconciler is closed")

	// ErrFlushTimeout is returned when Flush times out waiting for jobs to finish
	ErrFlushTimeout = errors.New("reconcile: flush timeout exceeded")

	// ErrNotPartial is returned for transfers that are not partially settled
	ErrNotPartial = errors.New("reconcile: transfer is not partially settled")

	// ErrAlreadyQueued is returned when the transfer already has a pending job
	ErrAlreadyQueued = errors.New("reconcile: transfer already queued")
)
