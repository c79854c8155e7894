package ledger

import (
	"context"
)

// Backend defines the interface that every ledger data source must satisfy.
// A Backend owns the transaction lists of one or more ledgers and is the only
// component allowed to assign transaction IDs and timestamps.
type Backend interface {
	// Query fetches the current ordered transaction list for a ledger.
	Query(ctx context.Context, id ID) ([]Transaction, error)

	// Watch subscribes to pushed updates of a ledger's transaction list.
	// Every value delivered on Changes is a full snapshot.
	Watch(ctx context.Context, id ID) (Watch, error)

	// Mutate submits a new transaction to the named ledger and returns the
	// transaction as recorded by the backend.
	Mutate(ctx context.Context, id ID, tx NewTransaction) (Transaction, error)

	// Name returns the identifier for this backend (e.g., "memory", "postgres").
	// Used for logging, metrics, and debugging.
	Name() string

	// Close releases any resources held by the backend.
	Close() error
}

// Watch is a live subscription to one ledger.
type Watch interface {
	// Changes delivers full snapshots in the order the backend emits them.
	// The channel is closed when the watch ends.
	Changes() <-chan []Transaction

	// Close stops delivery and releases the underlying subscription.
	Close() error
}
