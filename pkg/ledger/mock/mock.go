package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ledger-sync/pkg/ledger"
)

// MockBackend is a mock implementation of ledger.Backend for testing.
// It allows injecting custom behavior for each method and tracks calls.
type MockBackend struct {
	// Function hooks - set these to customize behavior
	QueryFunc  func(ctx context.Context, id ledger.ID) ([]ledger.Transaction, error)
	WatchFunc  func(ctx context.Context, id ledger.ID) (ledger.Watch, error)
	MutateFunc func(ctx context.Context, id ledger.ID, tx ledger.NewTransaction) (ledger.Transaction, error)
	NameFunc   func() string
	CloseFunc  func() error

	// Call tracking (must use atomic operations for race-free access)
	queryCalls  int64
	watchCalls  int64
	mutateCalls int64
	closeCalls  int64

	mu        sync.Mutex
	mutations []Mutation
}

// Mutation is one recorded Mutate call.
type Mutation struct {
	Ledger ledger.ID
	Tx     ledger.NewTransaction
}

// Query implements ledger.Backend.Query with optional custom behavior.
func (m *MockBackend) Query(ctx context.Context, id ledger.ID) ([]ledger.Transaction, error) {
	atomic.AddInt64(&m.queryCalls, 1)
	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, id)
	}
	return []ledger.Transaction{}, nil
}

// Watch implements ledger.Backend.Watch with optional custom behavior.
// The default watch never emits and closes its channel on Close.
func (m *MockBackend) Watch(ctx context.Context, id ledger.ID) (ledger.Watch, error) {
	atomic.AddInt64(&m.watchCalls, 1)
	if m.WatchFunc != nil {
		return m.WatchFunc(ctx, id)
	}
	ch := make(chan []ledger.Transaction)
	return ledger.NewChanWatch(ch, func() error {
		close(ch)
		return nil
	}), nil
}

// Mutate implements ledger.Backend.Mutate with optional custom behavior.
// Every call is recorded, including failed ones.
func (m *MockBackend) Mutate(ctx context.Context, id ledger.ID, tx ledger.NewTransaction) (ledger.Transaction, error) {
	atomic.AddInt64(&m.mutateCalls, 1)

	m.mu.Lock()
	m.mutations = append(m.mutations, Mutation{Ledger: id, Tx: tx})
	n := len(m.mutations)
	m.mu.Unlock()

	if m.MutateFunc != nil {
		return m.MutateFunc(ctx, id, tx)
	}
	return tx.Record(fmt.Sprintf("mock-%s-%d", id, n), time.Now()), nil
}

// Name implements ledger.Backend.Name with optional custom behavior.
func (m *MockBackend) Name() string {
	if m.NameFunc != nil {
		return m.NameFunc()
	}
	return "mock"
}

// Close implements ledger.Backend.Close with optional custom behavior.
func (m *MockBackend) Close() error {
	atomic.AddInt64(&m.closeCalls, 1)
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// QueryCalls returns the number of Query calls (thread-safe).
func (m *MockBackend) QueryCalls() int {
	return int(atomic.LoadInt64(&m.queryCalls))
}

// WatchCalls returns the number of Watch calls (thread-safe).
func (m *MockBackend) WatchCalls() int {
	return int(atomic.LoadInt64(&m.watchCalls))
}

// MutateCalls returns the number of Mutate calls (thread-safe).
func (m *MockBackend) MutateCalls() int {
	return int(atomic.LoadInt64(&m.mutateCalls))
}

// CloseCalls returns the number of Close calls (thread-safe).
func (m *MockBackend) CloseCalls() int {
	return int(atomic.LoadInt64(&m.closeCalls))
}

// Mutations returns a copy of every Mutate call in arrival order.
func (m *MockBackend) Mutations() []Mutation {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Mutation, len(m.mutations))
	copy(out, m.mutations)
	return out
}

// NewMockBackend creates a new MockBackend with default behavior.
// By default, all operations succeed.
func NewMockBackend(name string) *MockBackend {
	return &MockBackend{
		NameFunc: func() string { return name },
	}
}

// NewFailingBackend creates a MockBackend whose Query and Mutate always fail with err.
func NewFailingBackend(name string, err error) *MockBackend {
	if err == nil {
		err = ErrMock
	}
	return &MockBackend{
		NameFunc: func() string { return name },
		QueryFunc: func(ctx context.Context, id ledger.ID) ([]ledger.Transaction, error) {
			return nil, err
		},
		MutateFunc: func(ctx context.Context, id ledger.ID, tx ledger.NewTransaction) (ledger.Transaction, error) {
			return ledger.Transaction{}, err
		},
	}
}

// ErrMock is the default error returned by failing mocks.
var ErrMock = errors.New("mock: backend failure")
