package memory

import (
	"sync"
	"time"

	"ledger-sync/pkg/metrics"
)

// MemoryCollector implements MetricsCollector for in-memory testing.
type MemoryCollector struct {
	mu sync.RWMutex

	// Per-ledger metrics
	ledgerMetrics map[string]*LedgerMetrics

	// Per-backend circuit state
	circuitStates map[string]metrics.CircuitState
	circuitOpens  map[string]int64

	// Transfer outcomes by state
	transfers map[string]int64

	// Reconciler
	queueDepths       map[string]int
	reconciles        map[string]int64
	reconcileFailures map[string]int64
}

// LedgerMetrics holds metrics for a single ledger.
type LedgerMetrics struct {
	Queries            int64
	QueryErrors        int64
	Mutations          int64
	MutationErrors     int64
	Refreshes          int64
	CoalescedRefreshes int64
	Snapshots          int64
	StaleSnapshots     int64
	LastSnapshotSize   int
	Balance            float64
	Subscribers        int

	QueryLatencies    []time.Duration
	MutationLatencies []time.Duration
}

// NewMemoryCollector creates a new in-memory metrics collector.
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{
		ledgerMetrics:     make(map[string]*LedgerMetrics),
		circuitStates:     make(map[string]metrics.CircuitState),
		circuitOpens:      make(map[string]int64),
		transfers:         make(map[string]int64),
		queueDepths:       make(map[string]int),
		reconciles:        make(map[string]int64),
		reconcileFailures: make(map[string]int64),
	}
}

// ledgerLocked returns the LedgerMetrics for the given ledger, creating it if needed.
// The caller must hold mc.mu.
func (mc *MemoryCollector) ledgerLocked(ledger string) *LedgerMetrics {
	lm, exists := mc.ledgerMetrics[ledger]
	if !exists {
		lm = &LedgerMetrics{}
		mc.ledgerMetrics[ledger] = lm
	}
	return lm
}

// RecordQuery records a backend query.
func (mc *MemoryCollector) RecordQuery(ledger string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	lm := mc.ledgerLocked(ledger)
	lm.Queries++
	if !success {
		lm.QueryErrors++
	}
	lm.QueryLatencies = append(lm.QueryLatencies, duration)
}

// RecordMutation records a backend mutation.
func (mc *MemoryCollector) RecordMutation(ledger string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	lm := mc.ledgerLocked(ledger)
	lm.Mutations++
	if !success {
		lm.MutationErrors++
	}
	lm.MutationLatencies = append(lm.MutationLatencies, duration)
}

// RecordRefresh records a refresh request.
func (mc *MemoryCollector) RecordRefresh(ledger string, coalesced bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	lm := mc.ledgerLocked(ledger)
	lm.Refreshes++
	if coalesced {
		lm.CoalescedRefreshes++
	}
}

// RecordSnapshot records a snapshot delivered to subscribers.
func (mc *MemoryCollector) RecordSnapshot(ledger string, size int, stale bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	lm := mc.ledgerLocked(ledger)
	lm.Snapshots++
	if stale {
		lm.StaleSnapshots++
	}
	lm.LastSnapshotSize = size
}

// RecordBalance records the latest derived balance.
func (mc *MemoryCollector) RecordBalance(ledger string, balance float64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.ledgerLocked(ledger).Balance = balance
}

// RecordSubscribers records the current subscriber count.
func (mc *MemoryCollector) RecordSubscribers(ledger string, count int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.ledgerLocked(ledger).Subscribers = count
}

// RecordCircuitState records the current circuit breaker state.
func (mc *MemoryCollector) RecordCircuitState(backend string, state metrics.CircuitState) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	oldState := mc.circuitStates[backend]
	mc.circuitStates[backend] = state

	// Count transitions to open
	if oldState != metrics.CircuitOpen && state == metrics.CircuitOpen {
		mc.circuitOpens[backend]++
	}
}

// RecordTransfer records a resolved transfer.
func (mc *MemoryCollector) RecordTransfer(state string, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.transfers[state]++
}

// RecordQueueDepth records the current queue depth.
func (mc *MemoryCollector) RecordQueueDepth(queue string, depth int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.queueDepths[queue] = depth
}

// RecordReconcile records a reconciliation attempt.
func (mc *MemoryCollector) RecordReconcile(policy string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.reconciles[policy]++
	if !success {
		mc.reconcileFailures[policy]++
	}
}

// Snapshot is a point-in-time copy of the collected metrics.
type Snapshot struct {
	LedgerMetrics     map[string]LedgerMetrics
	CircuitStates     map[string]metrics.CircuitState
	CircuitOpens      map[string]int64
	Transfers         map[string]int64
	QueueDepths       map[string]int
	Reconciles        map[string]int64
	ReconcileFailures map[string]int64
}

// Snapshot returns a copy of the current metrics state.
func (mc *MemoryCollector) Snapshot() Snapshot {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	snapshot := Snapshot{
		LedgerMetrics:     make(map[string]LedgerMetrics, len(mc.ledgerMetrics)),
		CircuitStates:     make(map[string]metrics.CircuitState, len(mc.circuitStates)),
		CircuitOpens:      make(map[string]int64, len(mc.circuitOpens)),
		Transfers:         make(map[string]int64, len(mc.transfers)),
		QueueDepths:       make(map[string]int, len(mc.queueDepths)),
		Reconciles:        make(map[string]int64, len(mc.reconciles)),
		ReconcileFailures: make(map[string]int64, len(mc.reconcileFailures)),
	}

	for ledger, lm := range mc.ledgerMetrics {
		cp := *lm
		cp.QueryLatencies = append([]time.Duration(nil), lm.QueryLatencies...)
		cp.MutationLatencies = append([]time.Duration(nil), lm.MutationLatencies...)
		snapshot.LedgerMetrics[ledger] = cp
	}
	for k, v := range mc.circuitStates {
		snapshot.CircuitStates[k] = v
	}
	for k, v := range mc.circuitOpens {
		snapshot.CircuitOpens[k] = v
	}
	for k, v := range mc.transfers {
		snapshot.Transfers[k] = v
	}
	for k, v := range mc.queueDepths {
		snapshot.QueueDepths[k] = v
	}
	for k, v := range mc.reconciles {
		snapshot.Reconciles[k] = v
	}
	for k, v := range mc.reconcileFailures {
		snapshot.ReconcileFailures[k] = v
	}

	return snapshot
}

// Reset clears all collected metrics.
func (mc *MemoryCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.ledgerMetrics = make(map[string]*LedgerMetrics)
	mc.circuitStates = make(map[string]metrics.CircuitState)
	mc.circuitOpens = make(map[string]int64)
	mc.transfers = make(map[string]int64)
	mc.queueDepths = make(map[string]int)
	mc.reconciles = make(map[string]int64)
	mc.reconcileFailures = make(map[string]int64)
}

// GetLedgerMetrics returns a copy of the metrics for a specific ledger.
func (mc *MemoryCollector) GetLedgerMetrics(ledger string) *LedgerMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	if lm, exists := mc.ledgerMetrics[ledger]; exists {
		cp := *lm
		return &cp
	}
	return nil
}

// TransferCount returns how many transfers resolved in the given state.
func (mc *MemoryCollector) TransferCount(state string) int64 {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return mc.transfers[state]
}
