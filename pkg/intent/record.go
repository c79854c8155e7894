// Package intent keeps the saga record of every accepted transfer.
//
// A record is written as pending before either leg is issued and updated
// with the outcome once both legs resolve. A partially settled record may
// later be marked reconciled by the reconcile package. Records are keyed by
// intent ID and, when present, by idempotency key.
package intent

import (
	"context"
	"errors"
	"time"

	"ledger-sync/pkg/ledger"
	"ledger-sync/pkg/transfer"
)

// ErrDuplicateIntent is returned by Begin for a reused idempotency key or intent ID.
var ErrDuplicateIntent = transfer.ErrDuplicateIntent

// ErrNotFound is returned when no record exists for an ID.
var ErrNotFound = errors.New("intent: not found")

// Status is the saga state of a record.
type Status string

const (
	StatusPending          Status = "pending"
	StatusSettled          Status = "settled"
	StatusPartiallySettled Status = "partially_settled"
	StatusFailed           Status = "failed"
	StatusReconciled       Status = "reconciled"
	StatusReconcileFailed  Status = "reconcile_failed"
)

// StatusOf maps a transfer state to a record status.
func StatusOf(s transfer.State) Status {
	switch s {
	case transfer.Settled:
		return StatusSettled
	case transfer.PartiallySettled:
		return StatusPartiallySettled
	case transfer.Failed:
		return StatusFailed
	default:
		return StatusPending
	}
}

// Reconciliation describes the compensation applied to a partial transfer.
type Reconciliation struct {
	Policy   string              `json:"policy"`
	Leg      transfer.Leg        `json:"leg"`
	Recorded *ledger.Transaction `json:"recorded,omitempty"`
	Error    string              `json:"error,omitempty"`
	Attempts int                 `json:"attempts"`
	At       time.Time           `json:"at"`
}

// Record is the stored state of one intent.
type Record struct {
	Intent         transfer.Intent   `json:"intent"`
	Status         Status            `json:"status"`
	Outcome        *transfer.Outcome `json:"outcome,omitempty"`
	Reconciliation *Reconciliation   `json:"reconciliation,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// pendingOutcome is what a duplicate submission sees while the first is in flight.
func (r *Record) pendingOutcome() *transfer.Outcome {
	if r.Outcome != nil {
		return r.Outcome
	}
	return &transfer.Outcome{Intent: r.Intent, State: transfer.Pending}
}

// Log is the full intent log used by the service.
type Log interface {
	transfer.IntentLog

	// Get returns the record for an intent ID or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// List returns up to limit records with the given status, oldest first.
	List(ctx context.Context, status Status, limit int) ([]*Record, error)

	// MarkReconciled stores the compensation result of a partial transfer.
	// A failed compensation (rec.Error set) moves the record to reconcile_failed.
	MarkReconciled(ctx context.Context, id string, rec Reconciliation) error

	Close() error
}
