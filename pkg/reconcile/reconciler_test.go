package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ledger-sync/pkg/intent"
	"ledger-sync/pkg/ledger"
	"ledger-sync/pkg/metrics/memory"
	"ledger-sync/pkg/transfer"

	"github.com/shopspring/decimal"
)

// fakeExecutor records every issued leg and answers through ExecuteFunc.
type fakeExecutor struct {
	mu          sync.Mutex
	legs        []transfer.Leg
	calls       atomic.Int64
	ExecuteFunc func(ctx context.Context, leg transfer.Leg) (ledger.Transaction, error)
}

func (e *fakeExecutor) Execute(ctx context.Context, leg transfer.Leg) (ledger.Transaction, error) {
	n := e.calls.Add(1)
	e.mu.Lock()
	e.legs = append(e.legs, leg)
	e.mu.Unlock()

	if e.ExecuteFunc != nil {
		return e.ExecuteFunc(ctx, leg)
	}
	return leg.Tx.Record(fmt.Sprintf("fix-%d", n), time.Now()), nil
}

func (e *fakeExecutor) issued() []transfer.Leg {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]transfer.Leg(nil), e.legs...)
}

// partialOutcome builds a Deposit(100) bank1->bank2 where only bank1 recorded.
func partialOutcome(id string) *transfer.Outcome {
	in := transfer.Intent{
		ID:     id,
		Source: "bank1",
		Dest:   "bank2",
		Kind:   ledger.Deposit,
		Amount: decimal.NewFromInt(100),
		UserID: "u1",
	}
	source, dest, _ := in.Legs()
	recorded := source.Tx.Record("tx-1", time.Now())

	return &transfer.Outcome{
		Intent: in,
		State:  transfer.PartiallySettled,
		Source: transfer.LegResult{Leg: source, Recorded: &recorded},
		Dest: transfer.LegResult{
			Leg:   dest,
			Err:   &transfer.MutationFailed{Ledger: dest.Ledger, Tx: dest.Tx, Err: ledger.ErrTimeout},
			Error: ledger.ErrTimeout.Error(),
		},
	}
}

func seedPartial(t *testing.T, log *intent.MemoryLog, id string) *transfer.Outcome {
	t.Helper()
	out := partialOutcome(id)
	if _, err := log.Begin(context.Background(), out.Intent); err != nil {
		t.Fatal(err)
	}
	if err := log.Resolve(context.Background(), out); err != nil {
		t.Fatal(err)
	}
	return out
}

func fastConfig() Config {
	return Config{
		QueueSize:   10,
		Workers:     1,
		Attempts:    3,
		RetryDelay:  time.Millisecond,
		MaxWaitTime: 5 * time.Millisecond,
	}
}

func TestNewReconciler_Defaults(t *testing.T) {
	r := NewReconciler(&fakeExecutor{}, nil, Config{})
	defer r.Close()

	if cap(r.queue) != 100 {
		t.Errorf("Expected default queue size 100, got %d", cap(r.queue))
	}
	if r.config.Workers != 2 {
		t.Errorf("Expected default workers 2, got %d", r.config.Workers)
	}
	if r.config.Attempts != 3 {
		t.Errorf("Expected default attempts 3, got %d", r.config.Attempts)
	}
	if r.config.Policy != RetryFailedLeg {
		t.Errorf("Expected default policy %s, got %s", RetryFailedLeg, r.config.Policy)
	}
}

func TestReconciler_RetryFailedLeg(t *testing.T) {
	exec := &fakeExecutor{}
	log := intent.NewMemoryLog(intent.MemoryLogConfig{})
	seedPartial(t, log, "t1")

	r := NewReconciler(exec, log, fastConfig())
	defer r.Close()

	if err := r.Enqueue(context.Background(), "t1", ""); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := r.Flush(time.Second); err != nil {
		t.Fatal(err)
	}

	legs := exec.issued()
	if len(legs) != 1 {
		t.Fatalf("Expected 1 compensating leg, got %d", len(legs))
	}
	if legs[0].Ledger != "bank2" || legs[0].Tx.Kind != ledger.Withdrawal {
		t.Errorf("Expected Withdrawal on bank2, got %s on %s", legs[0].Tx.Kind, legs[0].Ledger)
	}

	rec, _ := log.Get(context.Background(), "t1")
	if rec.Status != intent.StatusReconciled {
		t.Errorf("Expected reconciled, got %s", rec.Status)
	}
	if rec.Reconciliation == nil || rec.Reconciliation.Recorded == nil || rec.Reconciliation.Attempts != 1 {
		t.Errorf("Unexpected reconciliation record: %+v", rec.Reconciliation)
	}
}

func TestReconciler_ReverseSucceededLeg(t *testing.T) {
	exec := &fakeExecutor{}
	log := intent.NewMemoryLog(intent.MemoryLogConfig{})
	seedPartial(t, log, "t1")

	r := NewReconciler(exec, log, fastConfig())
	defer r.Close()

	if err := r.Enqueue(context.Background(), "t1", ReverseSucceededLeg); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	r.Flush(time.Second)

	legs := exec.issued()
	if len(legs) != 1 {
		t.Fatalf("Expected 1 compensating leg, got %d", len(legs))
	}
	if legs[0].Ledger != "bank1" || legs[0].Tx.Kind != ledger.Withdrawal {
		t.Errorf("Expected Withdrawal on bank1, got %s on %s", legs[0].Tx.Kind, legs[0].Ledger)
	}
	if !legs[0].Tx.Amount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected amount 100, got %s", legs[0].Tx.Amount)
	}
}

func TestReconciler_RetriesThenFails(t *testing.T) {
	exec := &fakeExecutor{
		ExecuteFunc: func(ctx context.Context, leg transfer.Leg) (ledger.Transaction, error) {
			return ledger.Transaction{}, ledger.ErrBackendUnavailable
		},
	}
	log := intent.NewMemoryLog(intent.MemoryLogConfig{})
	seedPartial(t, log, "t1")
	collector := memory.NewMemoryCollector()

	config := fastConfig()
	config.Metrics = collector
	r := NewReconciler(exec, log, config)
	defer r.Close()

	r.Enqueue(context.Background(), "t1", "")
	r.Flush(time.Second)

	if got := exec.calls.Load(); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}

	rec, _ := log.Get(context.Background(), "t1")
	if rec.Status != intent.StatusReconcileFailed {
		t.Errorf("Expected reconcile_failed, got %s", rec.Status)
	}
	if rec.Reconciliation.Error == "" || rec.Reconciliation.Attempts != 3 {
		t.Errorf("Unexpected reconciliation record: %+v", rec.Reconciliation)
	}

	stats := r.Stats()
	if stats.Failed != 1 || stats.Attempts != 3 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	snap := collector.Snapshot()
	if snap.ReconcileFailures[string(RetryFailedLeg)] != 1 {
		t.Errorf("Expected 1 recorded reconcile failure, got %+v", snap.ReconcileFailures)
	}
}

func TestReconciler_SucceedsOnLaterAttempt(t *testing.T) {
	exec := &fakeExecutor{}
	exec.ExecuteFunc = func(ctx context.Context, leg transfer.Leg) (ledger.Transaction, error) {
		if exec.calls.Load() < 2 {
			return ledger.Transaction{}, ledger.ErrTimeout
		}
		return leg.Tx.Record("late", time.Now()), nil
	}
	log := intent.NewMemoryLog(intent.MemoryLogConfig{})
	seedPartial(t, log, "t1")

	r := NewReconciler(exec, log, fastConfig())
	defer r.Close()

	r.Enqueue(context.Background(), "t1", "")
	r.Flush(time.Second)

	rec, _ := log.Get(context.Background(), "t1")
	if rec.Status != intent.StatusReconciled || rec.Reconciliation.Attempts != 2 {
		t.Errorf("Expected reconciled after 2 attempts, got %s %+v", rec.Status, rec.Reconciliation)
	}
}

func TestReconciler_PermanentErrorStopsEarly(t *testing.T) {
	exec := &fakeExecutor{
		ExecuteFunc: func(ctx context.Context, leg transfer.Leg) (ledger.Transaction, error) {
			return ledger.Transaction{}, fmt.Errorf("bank2: %w", ledger.ErrMalformedTransaction)
		},
	}
	log := intent.NewMemoryLog(intent.MemoryLogConfig{})
	seedPartial(t, log, "t1")

	r := NewReconciler(exec, log, fastConfig())
	defer r.Close()

	r.Enqueue(context.Background(), "t1", "")
	r.Flush(time.Second)

	if got := exec.calls.Load(); got != 1 {
		t.Errorf("Expected 1 attempt, got %d", got)
	}
}

func TestReconciler_EnqueueRejections(t *testing.T) {
	ctx := context.Background()
	log := intent.NewMemoryLog(intent.MemoryLogConfig{})

	settled := partialOutcome("settled")
	settled.State = transfer.Settled
	log.Begin(ctx, settled.Intent)
	log.Resolve(ctx, settled)

	r := NewReconciler(&fakeExecutor{}, log, fastConfig())
	defer r.Close()

	if err := r.Enqueue(ctx, "missing", ""); !errors.Is(err, intent.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := r.Enqueue(ctx, "settled", ""); !errors.Is(err, ErrNotPartial) {
		t.Errorf("Expected ErrNotPartial, got %v", err)
	}

	noLog := NewReconciler(&fakeExecutor{}, nil, fastConfig())
	defer noLog.Close()
	if err := noLog.Enqueue(ctx, "x", ""); err == nil {
		t.Error("Expected error without an intent log")
	}
}

func TestReconciler_AlreadyQueued(t *testing.T) {
	release := make(chan struct{})
	exec := &fakeExecutor{
		ExecuteFunc: func(ctx context.Context, leg transfer.Leg) (ledger.Transaction, error) {
			<-release
			return leg.Tx.Record("x", time.Now()), nil
		},
	}
	log := intent.NewMemoryLog(intent.MemoryLogConfig{})
	seedPartial(t, log, "t1")

	r := NewReconciler(exec, log, fastConfig())
	defer r.Close()

	if err := r.Enqueue(context.Background(), "t1", ""); err != nil {
		t.Fatal(err)
	}
	if err := r.Enqueue(context.Background(), "t1", ""); !errors.Is(err, ErrAlreadyQueued) {
		t.Errorf("Expected ErrAlreadyQueued, got %v", err)
	}

	close(release)
	r.Flush(time.Second)

	// A reconciled transfer is no longer eligible.
	if err := r.Enqueue(context.Background(), "t1", ""); !errors.Is(err, ErrNotPartial) {
		t.Errorf("Expected ErrNotPartial after reconciliation, got %v", err)
	}
}

func TestReconciler_RetryAfterFailedReconciliation(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	exec := &fakeExecutor{
		ExecuteFunc: func(ctx context.Context, leg transfer.Leg) (ledger.Transaction, error) {
			if fail.Load() {
				return ledger.Transaction{}, ledger.ErrBackendUnavailable
			}
			return leg.Tx.Record("ok", time.Now()), nil
		},
	}
	log := intent.NewMemoryLog(intent.MemoryLogConfig{})
	seedPartial(t, log, "t1")

	config := fastConfig()
	config.Attempts = 1
	r := NewReconciler(exec, log, config)
	defer r.Close()

	r.Enqueue(context.Background(), "t1", "")
	r.Flush(time.Second)

	fail.Store(false)
	if err := r.Enqueue(context.Background(), "t1", ""); err != nil {
		t.Fatalf("Expected failed reconciliation to be retryable, got %v", err)
	}
	r.Flush(time.Second)

	rec, _ := log.Get(context.Background(), "t1")
	if rec.Status != intent.StatusReconciled {
		t.Errorf("Expected reconciled, got %s", rec.Status)
	}
}

func TestReconciler_PublishOnlyPartial(t *testing.T) {
	exec := &fakeExecutor{}
	r := NewReconciler(exec, nil, fastConfig())
	defer r.Close()

	var _ transfer.Publisher = r

	settled := partialOutcome("s")
	settled.State = transfer.Settled
	if err := r.Publish(context.Background(), settled); err != nil {
		t.Fatal(err)
	}
	if err := r.Publish(context.Background(), partialOutcome("p")); err != nil {
		t.Fatal(err)
	}
	r.Flush(time.Second)

	if got := exec.calls.Load(); got != 1 {
		t.Errorf("Expected only the partial outcome to be compensated, got %d calls", got)
	}
	if r.Stats().Reconciled != 1 {
		t.Errorf("Expected 1 reconciled, got %+v", r.Stats())
	}
}

func TestReconciler_SkipsAlreadyReconciled(t *testing.T) {
	exec := &fakeExecutor{}
	log := intent.NewMemoryLog(intent.MemoryLogConfig{})
	out := seedPartial(t, log, "t1")
	log.MarkReconciled(context.Background(), "t1", intent.Reconciliation{Policy: "manual"})

	r := NewReconciler(exec, log, fastConfig())
	defer r.Close()

	r.Publish(context.Background(), out)
	r.Flush(time.Second)

	if exec.calls.Load() != 0 {
		t.Errorf("Expected no mutation for a reconciled transfer")
	}
	if r.Stats().Skipped != 1 {
		t.Errorf("Expected 1 skipped job, got %+v", r.Stats())
	}
}

func TestReconciler_Backpressure(t *testing.T) {
	release := make(chan struct{})
	exec := &fakeExecutor{
		ExecuteFunc: func(ctx context.Context, leg transfer.Leg) (ledger.Transaction, error) {
			<-release
			return leg.Tx.Record("x", time.Now()), nil
		},
	}

	r := NewReconciler(exec, nil, Config{
		QueueSize:   1,
		Workers:     1,
		Attempts:    1,
		MaxWaitTime: time.Millisecond,
	})
	defer r.Close()
	defer close(release)

	// One job blocks the worker, one fills the queue, the rest are dropped.
	var dropped int
	for i := 0; i < 5; i++ {
		err := r.Publish(context.Background(), partialOutcome(fmt.Sprintf("t%d", i)))
		if errors.Is(err, ErrQueueFull) {
			dropped++
		}
		if i == 0 {
			for exec.calls.Load() == 0 {
				time.Sleep(time.Millisecond)
			}
		}
	}

	if dropped != 3 {
		t.Errorf("Expected 3 dropped jobs, got %d", dropped)
	}
	if r.Stats().Dropped != 3 {
		t.Errorf("Expected stats to count 3 drops, got %+v", r.Stats())
	}
}

func TestReconciler_CloseDrainsQueue(t *testing.T) {
	exec := &fakeExecutor{}
	r := NewReconciler(exec, nil, Config{QueueSize: 10, Workers: 1, Attempts: 1})

	for i := 0; i < 5; i++ {
		if err := r.Publish(context.Background(), partialOutcome(fmt.Sprintf("t%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if got := exec.calls.Load(); got != 5 {
		t.Errorf("Expected all 5 queued jobs processed, got %d", got)
	}

	if err := r.Publish(context.Background(), partialOutcome("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("Expected second Close to be a no-op, got %v", err)
	}
}

func TestReconciler_FlushTimeout(t *testing.T) {
	release := make(chan struct{})
	exec := &fakeExecutor{
		ExecuteFunc: func(ctx context.Context, leg transfer.Leg) (ledger.Transaction, error) {
			<-release
			return leg.Tx.Record("x", time.Now()), nil
		},
	}
	r := NewReconciler(exec, nil, fastConfig())
	defer r.Close()
	defer close(release)

	r.Publish(context.Background(), partialOutcome("t1"))

	if err := r.Flush(20 * time.Millisecond); !errors.Is(err, ErrFlushTimeout) {
		t.Errorf("Expected ErrFlushTimeout, got %v", err)
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		input   string
		want    Policy
		wantErr bool
	}{
		{"retry_failed_leg", RetryFailedLeg, false},
		{"reverse_succeeded_leg", ReverseSucceededLeg, false},
		{"", "", true},
		{"rollback", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParsePolicy(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePolicy(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParsePolicy(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestPolicy_CompensationRequiresPartial(t *testing.T) {
	out := partialOutcome("t1")
	out.State = transfer.Failed

	for _, p := range []Policy{RetryFailedLeg, ReverseSucceededLeg} {
		if _, err := p.compensation(out); !errors.Is(err, ErrNotPartial) {
			t.Errorf("%s: expected ErrNotPartial, got %v", p, err)
		}
	}
}
