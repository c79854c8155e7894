package store

import (
	"context"
	"sync"

	"ledger-sync/pkg/ledger"

	"go.uber.org/zap"
)

// Subscription is a live stream of snapshots from one store.
//
// C holds at most one undelivered snapshot: a newer snapshot replaces an
// older one the reader has not taken yet. C is closed when the
// subscription ends.
type Subscription struct {
	C <-chan Snapshot

	ch    chan Snapshot
	done  chan struct{}
	id    uint64
	store *LedgerStore
	once  sync.Once
}

// Close ends the subscription. Closing the last subscription of a store
// releases the backend watch.
func (sub *Subscription) Close() {
	sub.store.unsubscribe(sub.id)
}

// end closes the channels exactly once. The caller must hold store.mu.
func (sub *Subscription) end() {
	sub.once.Do(func() {
		close(sub.done)
		close(sub.ch)
	})
}

// Subscribe starts a stream of snapshots.
//
// If the store already holds a snapshot it is delivered first. The first
// subscriber opens the backend watch and triggers a fetch; later subscribers
// share both. The subscription ends on Close, when ctx is done, or when the
// store is closed.
func (s *LedgerStore) Subscribe(ctx context.Context) (*Subscription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ledger.ErrClosed
	}

	ch := make(chan Snapshot, 1)
	sub := &Subscription{
		C:     ch,
		ch:    ch,
		done:  make(chan struct{}),
		id:    s.nextSub,
		store: s,
	}
	s.nextSub++
	s.subs[sub.id] = sub

	if s.current != nil {
		snap := *s.current
		if s.queryErr != nil {
			snap.Err = s.queryErr
		}
		ch <- snap
	}

	first := len(s.subs) == 1
	var gen uint64
	if first {
		s.watchGen++
		gen = s.watchGen
		s.wg.Add(1)
	}
	count := len(s.subs)
	s.mu.Unlock()

	s.config.Metrics.RecordSubscribers(string(s.id), count)

	if first {
		if !s.config.DisableWatch {
			s.openWatch(gen)
		}
		go func() {
			defer s.wg.Done()
			if err := s.Refresh(s.baseCtx); err != nil {
				s.logger.Debug("initial refresh failed", zap.Error(err))
			}
		}()
	}

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				sub.Close()
			case <-sub.done:
			}
		}()
	}

	return sub, nil
}

// openWatch subscribes to backend pushes for watch generation gen.
// A watch that opens after its generation was released is closed at once.
func (s *LedgerStore) openWatch(gen uint64) {
	ctx, cancel := context.WithCancel(s.baseCtx)

	w, err := s.backend.Watch(ctx, s.id)
	if err != nil {
		cancel()
		s.logger.Warn("backend watch unavailable, relying on refresh", zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.closed || gen != s.watchGen {
		s.mu.Unlock()
		cancel()
		w.Close()
		return
	}
	s.watch = w
	s.watchCancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Debug("backend watch opened", zap.String("backend", s.backend.Name()))

	go s.watchLoop(ctx, w)
}

// watchLoop treats every backend push as a change notification. The pushed
// list was read at an unknown time, so it is not applied; a fresh fetch
// through Refresh takes an issuance number when it starts instead.
// Pushes that queue up during a fetch collapse into one more fetch.
func (s *LedgerStore) watchLoop(ctx context.Context, w ledger.Watch) {
	defer s.wg.Done()

	for {
		select {
		case _, ok := <-w.Changes():
			if !ok {
				return
			}
			if !drain(w) {
				return
			}
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.logger.Debug("refresh after watch push failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// drain discards pushes already waiting on w. It reports false once w is closed.
func drain(w ledger.Watch) bool {
	for {
		select {
		case _, ok := <-w.Changes():
			if !ok {
				return false
			}
		default:
			return true
		}
	}
}

// unsubscribe removes a subscription and releases the watch when it was the last one.
func (s *LedgerStore) unsubscribe(id uint64) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.subs, id)
	sub.end()

	count := len(s.subs)
	var w ledger.Watch
	var cancelWatch context.CancelFunc
	if count == 0 {
		s.watchGen++
		w, cancelWatch = s.watch, s.watchCancel
		s.watch, s.watchCancel = nil, nil
	}
	s.mu.Unlock()

	s.config.Metrics.RecordSubscribers(string(s.id), count)

	if w != nil {
		cancelWatch()
		if err := w.Close(); err != nil {
			s.logger.Warn("closing backend watch failed", zap.Error(err))
		}
		s.logger.Debug("backend watch released")
	}
}
