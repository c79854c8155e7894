package store

import (
	"context"
	"fmt"

	"ledger-sync/pkg/ledger"

	"go.uber.org/multierr"
)

// Registry holds the stores of a ledger pair.
type Registry struct {
	pair   ledger.Pair
	stores map[ledger.ID]*LedgerStore
}

// NewRegistry creates one store per ledger of pair. backends maps each
// ledger to the backend that owns it; several ledgers may share one backend.
func NewRegistry(pair ledger.Pair, backends map[ledger.ID]ledger.Backend, config Config) (*Registry, error) {
	if err := pair.Validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		pair:   pair,
		stores: make(map[ledger.ID]*LedgerStore, 2),
	}

	for _, id := range pair.IDs() {
		backend, ok := backends[id]
		if !ok {
			r.Close()
			return nil, fmt.Errorf("%w: no backend for %q", ledger.ErrUnknownLedger, id)
		}
		s, err := New(id, backend, config)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.stores[id] = s
	}

	return r, nil
}

// Pair returns the ledger pair.
func (r *Registry) Pair() ledger.Pair {
	return r.pair
}

// Get returns the store for id.
func (r *Registry) Get(id ledger.ID) (*LedgerStore, bool) {
	s, ok := r.stores[id]
	return s, ok
}

// Balances returns both balance views in pair order.
func (r *Registry) Balances() []BalanceView {
	views := make([]BalanceView, 0, len(r.stores))
	for _, id := range r.pair.IDs() {
		views = append(views, r.stores[id].Balance())
	}
	return views
}

// Refresh refreshes the store of id.
func (r *Registry) Refresh(ctx context.Context, id ledger.ID) error {
	s, ok := r.stores[id]
	if !ok {
		return fmt.Errorf("%w: %q", ledger.ErrUnknownLedger, id)
	}
	return s.Refresh(ctx)
}

// Close closes every store and returns the combined error.
func (r *Registry) Close() error {
	var err error
	for _, s := range r.stores {
		err = multierr.Append(err, s.Close())
	}
	return err
}
