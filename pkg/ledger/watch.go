package ledger

import (
	"context"
	"sync"
	"time"
)

// chanWatch adapts a channel and a close function to the Watch interface.
type chanWatch struct {
	ch      <-chan []Transaction
	closeFn func() error
	once    sync.Once
	err     error
}

// NewChanWatch wraps a snapshot channel owned by a backend.
// closeFn must stop the producer and close ch; it runs at most once.
func NewChanWatch(ch <-chan []Transaction, closeFn func() error) Watch {
	return &chanWatch{ch: ch, closeFn: closeFn}
}

func (w *chanWatch) Changes() <-chan []Transaction {
	return w.ch
}

func (w *chanWatch) Close() error {
	w.once.Do(func() {
		if w.closeFn != nil {
			w.err = w.closeFn()
		}
	})
	return w.err
}

// QueryFunc fetches one snapshot.
type QueryFunc func(ctx context.Context) ([]Transaction, error)

// PollWatch emulates a push subscription for backends without one by
// polling fetch every interval and emitting only when the snapshot changed.
// Failed polls are skipped; the next successful poll emits if needed.
type PollWatch struct {
	ch       chan []Transaction
	cancel   context.CancelFunc
	done     chan struct{}
	interval time.Duration
	fetch    QueryFunc
	once     sync.Once
}

// NewPollWatch starts polling immediately. The first successful poll is
// always emitted.
func NewPollWatch(ctx context.Context, interval time.Duration, fetch QueryFunc) *PollWatch {
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &PollWatch{
		ch:       make(chan []Transaction, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
		interval: interval,
		fetch:    fetch,
	}

	go w.run(ctx)

	return w
}

func (w *PollWatch) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.ch)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var last []Transaction
	emitted := false

	poll := func() bool {
		txs, err := w.fetch(ctx)
		if err != nil {
			return true
		}
		if emitted && Equal(last, txs) {
			return true
		}
		select {
		case w.ch <- Clone(txs):
			last = txs
			emitted = true
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !poll() {
		return
	}

	for {
		select {
		case <-ticker.C:
			if !poll() {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Changes returns the snapshot channel.
func (w *PollWatch) Changes() <-chan []Transaction {
	return w.ch
}

// Close stops polling and waits for the poller to exit.
func (w *PollWatch) Close() error {
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
	return nil
}
