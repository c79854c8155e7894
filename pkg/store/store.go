// Package store keeps a live, read-only view of one ledger.
//
// A LedgerStore caches the latest transaction list fetched from its backend,
// derives the balance from it and fans snapshots out to subscribers. Every
// fetch takes an issuance number when it starts and results are applied only
// in issuance order, so a slow response can never overwrite a newer one.
// Backend watch pushes only trigger such a fetch.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ledger-sync/pkg/balance"
	"ledger-sync/pkg/ledger"
	"ledger-sync/pkg/logging"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// LedgerStore is the live view of one ledger.
type LedgerStore struct {
	id      ledger.ID
	backend ledger.Backend
	config  Config
	logger  *logging.Logger

	// baseCtx bounds fetches and the watch; cancelled by Close
	baseCtx context.Context
	cancel  context.CancelFunc

	sf singleflight.Group

	// mu protects everything below
	mu          sync.Mutex
	issued      uint64
	lastApplied uint64
	current     *Snapshot
	queryErr    error

	subs    map[uint64]*Subscription
	nextSub uint64

	watch       ledger.Watch
	watchCancel context.CancelFunc
	watchGen    uint64

	closed bool

	// wg tracks the watch loop and background refreshes
	wg sync.WaitGroup
}

// New creates a store for ledger id served by backend.
// Nothing is fetched until the first Subscribe or Refresh.
func New(id ledger.ID, backend ledger.Backend, config Config) (*LedgerStore, error) {
	if err := ledger.ValidateID(id); err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, fmt.Errorf("store %s: nil backend", id)
	}

	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &LedgerStore{
		id:      id,
		backend: backend,
		config:  config,
		logger:  config.Logger.Named("store").ForLedger(string(id)),
		baseCtx: ctx,
		cancel:  cancel,
		subs:    make(map[uint64]*Subscription),
	}

	return s, nil
}

// Ledger returns the ledger this store views.
func (s *LedgerStore) Ledger() ledger.ID {
	return s.id
}

type fetchResult struct {
	seq uint64
	err error
}

// Refresh fetches the ledger and delivers the result to every subscriber.
//
// Concurrent calls share one backend fetch. A call that arrives while a
// fetch is already in flight waits for the next one, so the data it
// observes was fetched after Refresh was called. The returned error wraps
// ledger.ErrQueryFailed when that fetch failed. Cancelling ctx stops the
// wait but not the fetch.
func (s *LedgerStore) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ledger.ErrClosed
	}
	want := s.issued
	s.mu.Unlock()

	key := string(s.id)
	for {
		ch := s.sf.DoChan(key, s.fetch)

		select {
		case res := <-ch:
			r := res.Val.(fetchResult)
			if r.seq <= want {
				// started before this call; wait for a fresh one
				continue
			}
			s.config.Metrics.RecordRefresh(key, res.Shared)
			return r.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// fetch runs one backend query under singleflight.
func (s *LedgerStore) fetch() (interface{}, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fetchResult{seq: ^uint64(0), err: ledger.ErrClosed}, nil
	}
	s.issued++
	seq := s.issued
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.baseCtx, s.config.QueryTimeout)
	defer cancel()

	txs, err := s.backend.Query(ctx, s.id)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ledger.ErrQueryFailed, s.id, err)
	}
	s.apply(seq, txs, err)

	return fetchResult{seq: seq, err: err}, nil
}

// apply installs a fetch result if nothing newer has been applied.
// A failed fetch keeps the cached transactions and tells subscribers.
func (s *LedgerStore) apply(seq uint64, txs []ledger.Transaction, fetchErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if seq <= s.lastApplied {
		s.logger.Debug("dropping out-of-order result",
			zap.Uint64("seq", seq),
			zap.Uint64("last_applied", s.lastApplied),
		)
		return
	}

	if fetchErr != nil {
		s.queryErr = fetchErr
		s.logger.Warn("ledger query failed, keeping last snapshot", zap.Error(fetchErr))

		snap := Snapshot{Ledger: s.id, Seq: seq, Err: fetchErr}
		if s.current != nil {
			snap.Transactions = s.current.Transactions
			snap.Balance = s.current.Balance
			snap.FetchedAt = s.current.FetchedAt
		}
		s.broadcastLocked(snap)
		return
	}

	s.lastApplied = seq
	s.queryErr = nil

	snap := Snapshot{
		Ledger:       s.id,
		Transactions: ledger.Clone(txs),
		Seq:          seq,
		FetchedAt:    time.Now(),
	}
	if snap.Transactions == nil {
		snap.Transactions = []ledger.Transaction{}
	}

	bal, err := balance.Compute(snap.Transactions)
	if err != nil {
		snap.Err = err
		s.logger.Error("snapshot contains malformed transaction", zap.Error(err))
	} else {
		snap.Balance = bal
		s.config.Metrics.RecordBalance(string(s.id), bal.InexactFloat64())
	}

	s.current = &snap
	s.broadcastLocked(snap)
}

// broadcastLocked hands snap to every subscriber, replacing an undelivered
// older snapshot. Sends never block: each channel holds one value and only
// this method sends, under s.mu.
func (s *LedgerStore) broadcastLocked(snap Snapshot) {
	for _, sub := range s.subs {
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- snap
	}
	s.config.Metrics.RecordSnapshot(string(s.id), len(snap.Transactions), snap.Err != nil)
}

// Snapshot returns the cached snapshot. ok is false until the first
// successful fetch.
func (s *LedgerStore) Snapshot() (snap Snapshot, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return Snapshot{Ledger: s.id, Err: s.queryErr}, false
	}
	snap = *s.current
	if s.queryErr != nil {
		snap.Err = s.queryErr
	}
	return snap, true
}

// Balance returns the derived balance and how current it is.
func (s *LedgerStore) Balance() BalanceView {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := BalanceView{Ledger: s.id, State: Pending}
	if s.current != nil {
		view.Transactions = len(s.current.Transactions)
		view.UpdatedAt = s.current.FetchedAt
		if s.current.Err == nil {
			view.Balance = s.current.Balance
			view.HasValue = true
		}
	}

	switch {
	case s.current != nil && s.current.Err != nil:
		view.State = Malformed
		view.Err = s.current.Err
	case s.queryErr != nil:
		view.State = QueryFailed
		view.Err = s.queryErr
	case s.current != nil:
		view.State = Ready
	}

	return view
}

// Subscribers returns the number of open subscriptions.
func (s *LedgerStore) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close stops the watch, ends every subscription and waits for background
// work to finish. Calls after the first are no-ops.
func (s *LedgerStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	for id, sub := range s.subs {
		delete(s.subs, id)
		sub.end()
	}

	w, cancelWatch := s.watch, s.watchCancel
	s.watch, s.watchCancel = nil, nil
	s.mu.Unlock()

	s.cancel()

	var err error
	if w != nil {
		cancelWatch()
		err = w.Close()
	}

	s.wg.Wait()
	s.config.Metrics.RecordSubscribers(string(s.id), 0)
	s.logger.Debug("store closed")

	return err
}
