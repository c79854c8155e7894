package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ledger-sync/pkg/ledger"
	ledgermem "ledger-sync/pkg/ledger/memory"
	"ledger-sync/pkg/ledger/mock"
	"ledger-sync/pkg/metrics/memory"

	"github.com/shopspring/decimal"
)

type countingRefresher struct {
	calls atomic.Int64
}

func (r *countingRefresher) Refresh(ctx context.Context) error {
	r.calls.Add(1)
	return nil
}

type fakeLog struct {
	mu       sync.Mutex
	byKey    map[string]*Outcome
	begun    []Intent
	resolved []*Outcome
}

func newFakeLog() *fakeLog {
	return &fakeLog{byKey: make(map[string]*Outcome)}
}

func (l *fakeLog) Begin(ctx context.Context, in Intent) (*Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prior, ok := l.byKey[in.IdempotencyKey]; ok && in.IdempotencyKey != "" {
		return prior, ErrDuplicateIntent
	}
	l.begun = append(l.begun, in)
	l.byKey[in.IdempotencyKey] = &Outcome{Intent: in, State: Pending}
	return nil, nil
}

func (l *fakeLog) Resolve(ctx context.Context, out *Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resolved = append(l.resolved, out)
	l.byKey[out.Intent.IdempotencyKey] = out
	return nil
}

type fakePublisher struct {
	published atomic.Int64
}

func (p *fakePublisher) Publish(ctx context.Context, out *Outcome) error {
	p.published.Add(1)
	return nil
}

type fixture struct {
	backend    *mock.MockBackend
	refreshers map[ledger.ID]*countingRefresher
	coord      *Coordinator
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()
	f := &fixture{
		backend: mock.NewMockBackend("mock"),
		refreshers: map[ledger.ID]*countingRefresher{
			ledger.Primary:   {},
			ledger.Secondary: {},
		},
	}

	config.SyncRefresh = true
	coord, err := NewCoordinator(config,
		map[ledger.ID]Writer{ledger.Primary: f.backend, ledger.Secondary: f.backend},
		map[ledger.ID]Refresher{
			ledger.Primary:   f.refreshers[ledger.Primary],
			ledger.Secondary: f.refreshers[ledger.Secondary],
		},
	)
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}
	t.Cleanup(func() { coord.Close() })
	f.coord = coord
	return f
}

func intent(kind ledger.Kind, amount int64) Intent {
	return Intent{
		Source: ledger.Primary,
		Dest:   ledger.Secondary,
		Kind:   kind,
		Amount: decimal.NewFromInt(amount),
		UserID: "user-1",
	}
}

func mutationOn(t *testing.T, muts []mock.Mutation, id ledger.ID) ledger.NewTransaction {
	t.Helper()
	for _, m := range muts {
		if m.Ledger == id {
			return m.Tx
		}
	}
	t.Fatalf("no mutation on %s", id)
	return ledger.NewTransaction{}
}

func TestSubmit_PairedMutations(t *testing.T) {
	tests := []struct {
		name     string
		kind     ledger.Kind
		amount   int64
		wantSrc  ledger.Kind
		wantDest ledger.Kind
	}{
		{"deposit", ledger.Deposit, 100, ledger.Deposit, ledger.Withdrawal},
		{"withdrawal", ledger.Withdrawal, 50, ledger.Withdrawal, ledger.Deposit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})

			out, err := f.coord.Submit(context.Background(), intent(tt.kind, tt.amount))
			if err != nil {
				t.Fatalf("Submit failed: %v", err)
			}
			if out.State != Settled {
				t.Errorf("Expected settled, got %v", out.State)
			}

			muts := f.backend.Mutations()
			if len(muts) != 2 {
				t.Fatalf("Expected exactly 2 mutations, got %d", len(muts))
			}

			src := mutationOn(t, muts, ledger.Primary)
			dst := mutationOn(t, muts, ledger.Secondary)
			if src.Kind != tt.wantSrc || dst.Kind != tt.wantDest {
				t.Errorf("Expected %s/%s, got %s/%s", tt.wantSrc, tt.wantDest, src.Kind, dst.Kind)
			}
			for _, m := range []ledger.NewTransaction{src, dst} {
				if !m.Amount.Equal(decimal.NewFromInt(tt.amount)) || m.UserID != "user-1" {
					t.Errorf("Unexpected payload %+v", m)
				}
			}

			if out.Source.Recorded == nil || out.Dest.Recorded == nil {
				t.Error("Expected both legs recorded")
			}
		})
	}
}

func TestSubmit_InvalidIntentIssuesNothing(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Intent)
	}{
		{"zero amount", func(in *Intent) { in.Amount = decimal.Zero }},
		{"negative amount", func(in *Intent) { in.Amount = decimal.NewFromInt(-5) }},
		{"unknown kind", func(in *Intent) { in.Kind = "TRANSFER" }},
		{"same ledger", func(in *Intent) { in.Dest = in.Source }},
		{"unknown source", func(in *Intent) { in.Source = "savings" }},
		{"unknown dest", func(in *Intent) { in.Dest = "savings" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := newFakeLog()
			f := newFixture(t, Config{Log: log})

			in := intent(ledger.Deposit, 10)
			tt.mutate(&in)

			out, err := f.coord.Submit(context.Background(), in)
			if !errors.Is(err, ledger.ErrInvalidIntent) {
				t.Fatalf("Expected ErrInvalidIntent, got %v", err)
			}
			if out != nil {
				t.Errorf("Expected no outcome, got %+v", out)
			}
			if f.backend.MutateCalls() != 0 {
				t.Errorf("Expected no mutations, got %d", f.backend.MutateCalls())
			}
			if len(log.begun) != 0 {
				t.Error("Invalid intent must not be recorded")
			}
		})
	}
}

func TestSubmit_PartialFailure(t *testing.T) {
	for _, failing := range []ledger.ID{ledger.Primary, ledger.Secondary} {
		t.Run(string(failing), func(t *testing.T) {
			f := newFixture(t, Config{})
			f.backend.MutateFunc = func(ctx context.Context, id ledger.ID, tx ledger.NewTransaction) (ledger.Transaction, error) {
				if id == failing {
					return ledger.Transaction{}, ledger.ErrTimeout
				}
				return tx.Record("ok", time.Now()), nil
			}

			out, err := f.coord.Submit(context.Background(), intent(ledger.Deposit, 100))

			var partial *PartialTransferFailure
			if !errors.As(err, &partial) {
				t.Fatalf("Expected *PartialTransferFailure, got %v", err)
			}
			succeeded, _ := f.coord.Pair().Counterpart(failing)
			if partial.Succeeded != succeeded {
				t.Errorf("Expected succeeded ledger %s, got %s", succeeded, partial.Succeeded)
			}
			if partial.Failed == nil || partial.Failed.Ledger != failing {
				t.Errorf("Expected failed leg on %s, got %+v", failing, partial.Failed)
			}

			if !errors.Is(err, ledger.ErrPartialTransfer) || !errors.Is(err, ledger.ErrMutationFailed) || !errors.Is(err, ledger.ErrTimeout) {
				t.Errorf("Partial error should match its sentinels and cause: %v", err)
			}

			if out.State != PartiallySettled {
				t.Errorf("Expected partially settled, got %v", out.State)
			}
			ok, _ := out.Succeeded()
			if ok.Leg.Ledger != succeeded {
				t.Errorf("Outcome should identify %s as succeeded", succeeded)
			}

			// Only the recorded leg refreshes its store
			if f.refreshers[succeeded].calls.Load() != 1 || f.refreshers[failing].calls.Load() != 0 {
				t.Errorf("Unexpected refreshes: ok=%d failed=%d",
					f.refreshers[succeeded].calls.Load(), f.refreshers[failing].calls.Load())
			}
		})
	}
}

func TestSubmit_BothFail(t *testing.T) {
	f := newFixture(t, Config{})
	f.backend.MutateFunc = func(ctx context.Context, id ledger.ID, tx ledger.NewTransaction) (ledger.Transaction, error) {
		return ledger.Transaction{}, ledger.ErrBackendUnavailable
	}

	out, err := f.coord.Submit(context.Background(), intent(ledger.Withdrawal, 5))

	var failed *TransferFailed
	if !errors.As(err, &failed) {
		t.Fatalf("Expected *TransferFailed, got %v", err)
	}
	if failed.Source == nil || failed.Dest == nil {
		t.Error("Expected both leg failures reported")
	}
	if !errors.Is(err, ledger.ErrTransferFailed) {
		t.Errorf("Expected ErrTransferFailed, got %v", err)
	}
	if errors.Is(err, ledger.ErrPartialTransfer) {
		t.Error("Failed transfer must not match ErrPartialTransfer")
	}
	if out.State != Failed {
		t.Errorf("Expected failed, got %v", out.State)
	}
	for id, r := range f.refreshers {
		if r.calls.Load() != 0 {
			t.Errorf("No refresh expected on %s", id)
		}
	}
}

func TestSubmit_ExactlyOneTerminalState(t *testing.T) {
	cases := []struct {
		primaryFails, secondaryFails bool
		want                         State
	}{
		{false, false, Settled},
		{true, false, PartiallySettled},
		{false, true, PartiallySettled},
		{true, true, Failed},
	}

	for _, c := range cases {
		f := newFixture(t, Config{})
		f.backend.MutateFunc = func(ctx context.Context, id ledger.ID, tx ledger.NewTransaction) (ledger.Transaction, error) {
			if (id == ledger.Primary && c.primaryFails) || (id == ledger.Secondary && c.secondaryFails) {
				return ledger.Transaction{}, errors.New("rejected")
			}
			return tx.Record("x", time.Now()), nil
		}

		out, err := f.coord.Submit(context.Background(), intent(ledger.Deposit, 1))
		if out.State != c.want {
			t.Errorf("%+v: expected %v, got %v", c, c.want, out.State)
		}
		if !out.State.Terminal() {
			t.Errorf("%+v: state %v is not terminal", c, out.State)
		}
		if (err == nil) != (c.want == Settled) {
			t.Errorf("%+v: unexpected error %v", c, err)
		}
	}
}

func TestSubmit_LegsRunConcurrently(t *testing.T) {
	f := newFixture(t, Config{MutationTimeout: time.Second})

	arrived := make(chan ledger.ID, 2)
	release := make(chan struct{})
	f.backend.MutateFunc = func(ctx context.Context, id ledger.ID, tx ledger.NewTransaction) (ledger.Transaction, error) {
		arrived <- id
		select {
		case <-release:
			return tx.Record("x", time.Now()), nil
		case <-ctx.Done():
			return ledger.Transaction{}, ctx.Err()
		}
	}

	done := make(chan *Outcome, 1)
	go func() {
		out, _ := f.coord.Submit(context.Background(), intent(ledger.Deposit, 1))
		done <- out
	}()

	// Both legs are in flight before either completes
	for i := 0; i < 2; i++ {
		select {
		case <-arrived:
		case <-time.After(time.Second):
			t.Fatal("Legs are not issued concurrently")
		}
	}
	close(release)

	if out := <-done; out.State != Settled {
		t.Errorf("Expected settled, got %v", out.State)
	}
}

func TestSubmit_CallerCancelDoesNotAbandonLegs(t *testing.T) {
	f := newFixture(t, Config{MutationTimeout: time.Second})

	started := make(chan struct{}, 2)
	f.backend.MutateFunc = func(ctx context.Context, id ledger.ID, tx ledger.NewTransaction) (ledger.Transaction, error) {
		started <- struct{}{}
		time.Sleep(30 * time.Millisecond)
		if err := ctx.Err(); err != nil {
			return ledger.Transaction{}, err
		}
		return tx.Record("x", time.Now()), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	out, err := f.coord.Submit(ctx, intent(ledger.Deposit, 1))
	if err != nil {
		t.Fatalf("Cancelling the caller should not fail legs: %v", err)
	}
	if out.State != Settled {
		t.Errorf("Expected settled, got %v", out.State)
	}
}

func TestSubmit_MutationTimeout(t *testing.T) {
	f := newFixture(t, Config{MutationTimeout: 20 * time.Millisecond})
	f.backend.MutateFunc = func(ctx context.Context, id ledger.ID, tx ledger.NewTransaction) (ledger.Transaction, error) {
		if id == ledger.Secondary {
			<-ctx.Done()
			return ledger.Transaction{}, ctx.Err()
		}
		return tx.Record("x", time.Now()), nil
	}

	_, err := f.coord.Submit(context.Background(), intent(ledger.Deposit, 1))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline on the slow leg, got %v", err)
	}
}

func TestSubmitOnLedger_InfersCounterpart(t *testing.T) {
	f := newFixture(t, Config{})

	out, err := f.coord.SubmitOnLedger(context.Background(), ledger.Secondary, ledger.Deposit, decimal.NewFromInt(20), "u")
	if err != nil {
		t.Fatal(err)
	}
	if out.Intent.Source != ledger.Secondary || out.Intent.Dest != ledger.Primary {
		t.Errorf("Unexpected direction %s -> %s", out.Intent.Source, out.Intent.Dest)
	}

	muts := f.backend.Mutations()
	if mutationOn(t, muts, ledger.Secondary).Kind != ledger.Deposit || mutationOn(t, muts, ledger.Primary).Kind != ledger.Withdrawal {
		t.Errorf("Unexpected mutations %+v", muts)
	}

	if _, err := f.coord.SubmitOnLedger(context.Background(), "checking", ledger.Deposit, decimal.NewFromInt(1), "u"); !errors.Is(err, ledger.ErrInvalidIntent) {
		t.Errorf("Expected ErrInvalidIntent for unknown ledger, got %v", err)
	}
}

func TestSubmit_IntentLogAndIdempotency(t *testing.T) {
	log := newFakeLog()
	pub := &fakePublisher{}
	f := newFixture(t, Config{Log: log, Publisher: pub})

	in := intent(ledger.Deposit, 10)
	in.IdempotencyKey = "form-42"

	first, err := f.coord.Submit(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if first.Intent.ID == "" {
		t.Error("Expected generated intent id")
	}
	if len(log.begun) != 1 || len(log.resolved) != 1 || log.resolved[0].State != Settled {
		t.Errorf("Unexpected log activity: begun=%d resolved=%d", len(log.begun), len(log.resolved))
	}
	if pub.published.Load() != 1 {
		t.Errorf("Expected one published outcome, got %d", pub.published.Load())
	}

	second, err := f.coord.Submit(context.Background(), in)
	if !errors.Is(err, ErrDuplicateIntent) {
		t.Fatalf("Expected ErrDuplicateIntent, got %v", err)
	}
	if second != first {
		t.Error("Duplicate should return the recorded outcome")
	}
	if f.backend.MutateCalls() != 2 {
		t.Errorf("Duplicate must not issue writes, got %d mutations", f.backend.MutateCalls())
	}
}

func TestSubmit_Metrics(t *testing.T) {
	collector := memory.NewMemoryCollector()
	f := newFixture(t, Config{Metrics: collector})

	f.coord.Submit(context.Background(), intent(ledger.Deposit, 1))
	if collector.TransferCount("settled") != 1 {
		t.Errorf("Expected one settled transfer recorded, got %d", collector.TransferCount("settled"))
	}
}

func TestSubmit_EndToEndWithMemoryBackend(t *testing.T) {
	backend := ledgermem.NewMemoryBackend(ledgermem.MemoryBackendConfig{
		Ledgers: []ledger.ID{ledger.Primary, ledger.Secondary},
	})
	defer backend.Close()

	coord, err := NewCoordinator(Config{},
		map[ledger.ID]Writer{ledger.Primary: backend, ledger.Secondary: backend}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer coord.Close()

	ctx := context.Background()
	coord.Submit(ctx, intent(ledger.Deposit, 100))
	coord.Submit(ctx, intent(ledger.Withdrawal, 30))

	primary, _ := backend.Query(ctx, ledger.Primary)
	secondary, _ := backend.Query(ctx, ledger.Secondary)
	if len(primary) != 2 || len(secondary) != 2 {
		t.Fatalf("Expected 2 entries per ledger, got %d/%d", len(primary), len(secondary))
	}
	if primary[0].Kind != ledger.Deposit || secondary[0].Kind != ledger.Withdrawal {
		t.Errorf("Unexpected first entries %s/%s", primary[0].Kind, secondary[0].Kind)
	}
}

func TestNewCoordinator_MissingWriter(t *testing.T) {
	_, err := NewCoordinator(Config{}, map[ledger.ID]Writer{ledger.Primary: mock.NewMockBackend("m")}, nil)
	if !errors.Is(err, ledger.ErrUnknownLedger) {
		t.Errorf("Expected ErrUnknownLedger, got %v", err)
	}
}

func TestLegResult_JSONRestoresError(t *testing.T) {
	f := newFixture(t, Config{})
	f.backend.MutateFunc = func(ctx context.Context, id ledger.ID, tx ledger.NewTransaction) (ledger.Transaction, error) {
		if id == ledger.Secondary {
			return ledger.Transaction{}, errors.New("constraint violated")
		}
		return tx.Record("x", time.Now()), nil
	}

	out, _ := f.coord.Submit(context.Background(), intent(ledger.Deposit, 3))

	data, err := json.Marshal(out)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Outcome
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	if decoded.State != PartiallySettled {
		t.Fatalf("Expected partially settled, got %v", decoded.State)
	}
	if !errors.Is(decoded.Err(), ledger.ErrMutationFailed) {
		t.Errorf("Decoded outcome should rebuild the leg failure, got %v", decoded.Err())
	}
}

func TestLeg_Reverse(t *testing.T) {
	leg := Leg{Ledger: ledger.Primary, Tx: ledger.NewTransaction{Kind: ledger.Deposit, Amount: decimal.NewFromInt(4)}}

	rev, err := leg.Reverse()
	if err != nil {
		t.Fatal(err)
	}
	if rev.Ledger != ledger.Primary || rev.Tx.Kind != ledger.Withdrawal || !rev.Tx.Amount.Equal(leg.Tx.Amount) {
		t.Errorf("Unexpected reverse %+v", rev)
	}
	if leg.Tx.Kind != ledger.Deposit {
		t.Error("Reverse must not modify the receiver")
	}
}

type erringPublisher struct {
	err error
}

func (p erringPublisher) Publish(ctx context.Context, out *Outcome) error {
	return p.err
}

func TestPublishers_CallsEveryPublisher(t *testing.T) {
	first := &fakePublisher{}
	last := &fakePublisher{}
	boom := errors.New("broker down")

	ps := Publishers{first, erringPublisher{err: boom}, nil, last}
	err := ps.Publish(context.Background(), &Outcome{State: Settled})

	if !errors.Is(err, boom) {
		t.Errorf("Expected combined error to include %v, got %v", boom, err)
	}
	if first.published.Load() != 1 || last.published.Load() != 1 {
		t.Errorf("Expected both healthy publishers to be called, got %d and %d",
			first.published.Load(), last.published.Load())
	}
}
