package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ledger-sync/pkg/ledger"
	"ledger-sync/pkg/logging"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Writer submits a transaction to a ledger. ledger.Backend satisfies it.
type Writer interface {
	Mutate(ctx context.Context, id ledger.ID, tx ledger.NewTransaction) (ledger.Transaction, error)
}

// Refresher re-reads one ledger. store.LedgerStore satisfies it.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// IntentLog records intents before their legs are issued and their outcomes after.
type IntentLog interface {
	// Begin records in as pending. If in.IdempotencyKey was seen before it
	// returns the earlier outcome and ErrDuplicateIntent.
	Begin(ctx context.Context, in Intent) (*Outcome, error)

	// Resolve stores the final outcome.
	Resolve(ctx context.Context, out *Outcome) error
}

// Publisher announces resolved outcomes.
type Publisher interface {
	Publish(ctx context.Context, out *Outcome) error
}

// Coordinator turns intents into paired mutations on the two ledgers.
// Concurrent Submit calls are independent and not serialized.
type Coordinator struct {
	config     Config
	writers    map[ledger.ID]Writer
	refreshers map[ledger.ID]Refresher
	logger     *logging.Logger

	// wg tracks background refreshes
	wg sync.WaitGroup
}

// NewCoordinator creates a coordinator. writers must hold a Writer for both
// ledgers of the pair; refreshers may omit a ledger that has no store.
func NewCoordinator(config Config, writers map[ledger.ID]Writer, refreshers map[ledger.ID]Refresher) (*Coordinator, error) {
	config = config.withDefaults()
	if err := config.Pair.Validate(); err != nil {
		return nil, err
	}
	for _, id := range config.Pair.IDs() {
		if writers[id] == nil {
			return nil, fmt.Errorf("%w: no writer for %q", ledger.ErrUnknownLedger, id)
		}
	}
	if refreshers == nil {
		refreshers = map[ledger.ID]Refresher{}
	}

	return &Coordinator{
		config:     config,
		writers:    writers,
		refreshers: refreshers,
		logger:     config.Logger.Named("transfer"),
	}, nil
}

// Pair returns the ledgers this coordinator moves between.
func (c *Coordinator) Pair() ledger.Pair {
	return c.config.Pair
}

// SubmitOnLedger records kind/amount on id and the compensating entry on
// its counterpart. This is the single-ledger form action.
func (c *Coordinator) SubmitOnLedger(ctx context.Context, id ledger.ID, kind ledger.Kind, amount decimal.Decimal, userID string) (*Outcome, error) {
	dest, err := c.config.Pair.Counterpart(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrInvalidIntent, err)
	}

	return c.Submit(ctx, Intent{
		Source: id,
		Dest:   dest,
		Kind:   kind,
		Amount: amount,
		UserID: userID,
	})
}

// Submit validates in, issues both legs concurrently and classifies the result.
//
// An invalid intent returns an error wrapping ledger.ErrInvalidIntent and
// issues nothing. Otherwise Submit waits for both legs. The legs run on a
// context detached from ctx, bounded by the mutation timeout, so cancelling
// ctx never abandons a submitted mutation. The returned error is nil when
// settled, *PartialTransferFailure when exactly one leg was recorded and
// *TransferFailed when neither was. Partial outcomes are never rolled back here.
func (c *Coordinator) Submit(ctx context.Context, in Intent) (*Outcome, error) {
	if err := in.Validate(c.config.Pair); err != nil {
		return nil, err
	}
	source, dest, err := in.Legs()
	if err != nil {
		return nil, err
	}

	if in.ID == "" {
		in.ID = c.config.NewID()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = c.config.Now()
	}

	logger := c.logger.ForTransfer(in.ID)

	if c.config.Log != nil {
		prior, err := c.config.Log.Begin(ctx, in)
		if errors.Is(err, ErrDuplicateIntent) {
			logger.Info("duplicate intent, returning recorded outcome",
				zap.String("idempotency_key", in.IdempotencyKey))
			return prior, err
		}
		if err != nil {
			return nil, fmt.Errorf("record intent %s: %w", in.ID, err)
		}
	}

	out := &Outcome{
		Intent:    in,
		State:     Pending,
		StartedAt: c.config.Now(),
	}

	detached := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		out.Source = c.runLeg(detached, source)
	}()
	go func() {
		defer wg.Done()
		out.Dest = c.runLeg(detached, dest)
	}()
	wg.Wait()

	out.CompletedAt = c.config.Now()
	out.classify()

	logger.Info("transfer resolved",
		zap.String("state", out.State.String()),
		zap.String("source", string(in.Source)),
		zap.String("dest", string(in.Dest)),
		zap.String("kind", string(in.Kind)),
		zap.String("amount", in.Amount.String()),
	)
	c.config.Metrics.RecordTransfer(out.State.String(), out.CompletedAt.Sub(out.StartedAt))

	if c.config.Log != nil {
		if err := c.config.Log.Resolve(detached, out); err != nil {
			logger.Error("recording outcome failed", zap.Error(err))
		}
	}
	if c.config.Publisher != nil {
		if err := c.config.Publisher.Publish(detached, out); err != nil {
			logger.Warn("publishing outcome failed", zap.Error(err))
		}
	}

	return out, out.Err()
}

// runLeg issues one mutation and, when it is recorded, refreshes that
// ledger's store. Each leg refreshes independently of the other.
func (c *Coordinator) runLeg(ctx context.Context, leg Leg) LegResult {
	start := time.Now()
	result := LegResult{Leg: leg}

	recorded, err := c.Execute(ctx, leg)
	result.Duration = time.Since(start)

	if err != nil {
		result.Err = &MutationFailed{Ledger: leg.Ledger, Tx: leg.Tx, Err: err}
		result.Error = err.Error()
		return result
	}

	result.Recorded = &recorded
	return result
}

// Execute records one leg on its ledger and refreshes that ledger, honoring
// SyncRefresh. It is also used to replay or reverse a leg.
func (c *Coordinator) Execute(ctx context.Context, leg Leg) (ledger.Transaction, error) {
	w, ok := c.writers[leg.Ledger]
	if !ok {
		return ledger.Transaction{}, fmt.Errorf("%w: %q", ledger.ErrUnknownLedger, leg.Ledger)
	}

	mctx, cancel := context.WithTimeout(ctx, c.config.MutationTimeout)
	recorded, err := w.Mutate(mctx, leg.Ledger, leg.Tx)
	cancel()
	if err != nil {
		return ledger.Transaction{}, err
	}

	c.refresh(ctx, leg.Ledger)
	return recorded, nil
}

func (c *Coordinator) refresh(ctx context.Context, id ledger.ID) {
	r, ok := c.refreshers[id]
	if !ok {
		return
	}

	run := func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.RefreshTimeout)
		defer cancel()
		if err := r.Refresh(rctx); err != nil {
			c.logger.Warn("refresh after mutation failed",
				zap.String("ledger", string(id)),
				zap.Error(err),
			)
		}
	}

	if c.config.SyncRefresh {
		run()
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		run()
	}()
}

// Close waits for background refreshes to finish.
func (c *Coordinator) Close() error {
	c.wg.Wait()
	return nil
}
