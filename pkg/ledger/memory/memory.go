package memory

import (
	"context"
	"sync"
	"time"

	"ledger-sync/pkg/ledger"

	"github.com/google/uuid"
)

// MemoryBackend is an in-process ledger.Backend.
// It keeps every ledger's transaction list in memory and pushes a full
// snapshot to each watcher after every mutation.
type MemoryBackend struct {
	// mu protects ledgers, faults and closed
	mu sync.Mutex

	ledgers map[ledger.ID]*ledgerData

	// faults holds injected errors per ledger and operation
	faults map[fault]error

	config MemoryBackendConfig
	closed bool
}

type ledgerData struct {
	txs      []ledger.Transaction
	watchers map[uint64]chan []ledger.Transaction
	nextSub  uint64
}

type fault struct {
	id ledger.ID
	op string
}

// MemoryBackendConfig holds configuration for the memory backend
type MemoryBackendConfig struct {
	// Name is the backend identifier
	Name string

	// Ledgers restricts the backend to these IDs. Empty accepts any valid ID.
	Ledgers []ledger.ID

	// Now returns the timestamp for new transactions (default: time.Now)
	Now func() time.Time

	// NewID returns the ID for new transactions (default: random UUID)
	NewID func() string
}

// NewMemoryBackend creates a new in-memory backend with the given configuration.
func NewMemoryBackend(config MemoryBackendConfig) *MemoryBackend {
	if config.Name == "" {
		config.Name = "memory"
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.NewID == nil {
		config.NewID = func() string { return uuid.NewString() }
	}

	b := &MemoryBackend{
		ledgers: make(map[ledger.ID]*ledgerData),
		faults:  make(map[fault]error),
		config:  config,
	}
	for _, id := range config.Ledgers {
		b.ledgers[id] = newLedgerData()
	}

	return b
}

func newLedgerData() *ledgerData {
	return &ledgerData{watchers: make(map[uint64]chan []ledger.Transaction)}
}

// lookup returns the ledger data for id, creating it when the backend is
// unrestricted. The caller must hold b.mu.
func (b *MemoryBackend) lookup(id ledger.ID) (*ledgerData, error) {
	if b.closed {
		return nil, ledger.ErrClosed
	}
	if err := ledger.ValidateID(id); err != nil {
		return nil, err
	}

	data, exists := b.ledgers[id]
	if !exists {
		if len(b.config.Ledgers) > 0 {
			return nil, ledger.ErrUnknownLedger
		}
		data = newLedgerData()
		b.ledgers[id] = data
	}
	return data, nil
}

// Query returns a copy of the ledger's transaction list in insertion order.
func (b *MemoryBackend) Query(ctx context.Context, id ledger.ID) ([]ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.faults[fault{id, "query"}]; err != nil {
		return nil, err
	}

	data, err := b.lookup(id)
	if err != nil {
		return nil, err
	}

	out := ledger.Clone(data.txs)
	if out == nil {
		out = []ledger.Transaction{}
	}
	return out, nil
}

// Watch subscribes to snapshots of the ledger. Nothing is sent until the
// next mutation. The watch ends when ctx is done or Close is called.
func (b *MemoryBackend) Watch(ctx context.Context, id ledger.ID) (ledger.Watch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.faults[fault{id, "watch"}]; err != nil {
		return nil, err
	}

	data, err := b.lookup(id)
	if err != nil {
		return nil, err
	}

	sub := data.nextSub
	data.nextSub++
	ch := make(chan []ledger.Transaction, 1)
	data.watchers[sub] = ch

	stop := make(chan struct{})
	var once sync.Once
	unsubscribe := func() error {
		once.Do(func() {
			close(stop)
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := data.watchers[sub]; ok {
				delete(data.watchers, sub)
				close(ch)
			}
		})
		return nil
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-stop:
		}
	}()

	return ledger.NewChanWatch(ch, unsubscribe), nil
}

// Mutate validates tx, assigns an ID and timestamp, appends it and notifies watchers.
func (b *MemoryBackend) Mutate(ctx context.Context, id ledger.ID, tx ledger.NewTransaction) (ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Transaction{}, err
	}
	if err := tx.Validate(); err != nil {
		return ledger.Transaction{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.faults[fault{id, "mutate"}]; err != nil {
		return ledger.Transaction{}, err
	}

	data, err := b.lookup(id)
	if err != nil {
		return ledger.Transaction{}, err
	}

	recorded := tx.Record(b.config.NewID(), b.config.Now())
	data.txs = append(data.txs, recorded)
	data.notify()

	return recorded, nil
}

// notify pushes the current list to every watcher, replacing any snapshot
// the watcher has not consumed yet. The caller must hold b.mu.
func (d *ledgerData) notify() {
	for _, ch := range d.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- ledger.Clone(d.txs)
	}
}

// Seed appends already-recorded transactions, notifying watchers once.
// Used to preload fixtures.
func (b *MemoryBackend) Seed(id ledger.ID, txs ...ledger.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := b.lookup(id)
	if err != nil {
		return err
	}
	data.txs = append(data.txs, txs...)
	data.notify()
	return nil
}

// InjectFault makes op ("query", "watch" or "mutate") on id fail with err.
// A nil err clears the fault.
func (b *MemoryBackend) InjectFault(id ledger.ID, op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		delete(b.faults, fault{id, op})
		return
	}
	b.faults[fault{id, op}] = err
}

// Watchers returns the number of open watches on id.
func (b *MemoryBackend) Watchers(id ledger.ID) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if data, ok := b.ledgers[id]; ok {
		return len(data.watchers)
	}
	return 0
}

// Name returns the backend name.
func (b *MemoryBackend) Name() string {
	return b.config.Name
}

// Close ends all watches and drops the data.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, data := range b.ledgers {
		for sub, ch := range data.watchers {
			delete(data.watchers, sub)
			close(ch)
		}
	}
	b.ledgers = nil

	return nil
}
