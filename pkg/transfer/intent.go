// Package transfer issues the paired mutations of a transfer and classifies
// the result.
//
// A transfer intent moves an amount between the two ledgers of a pair: the
// source ledger records the intent's kind and the destination records the
// opposite kind. The two ledgers share no transaction boundary, so the two
// legs succeed or fail independently and the outcome says which.
package transfer

import (
	"fmt"
	"time"

	"ledger-sync/pkg/ledger"

	"github.com/shopspring/decimal"
)

// Intent is a request to move Amount from the perspective of Source.
type Intent struct {
	ID     string          `json:"id"`
	Source ledger.ID       `json:"source"`
	Dest   ledger.ID       `json:"dest"`
	Kind   ledger.Kind     `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
	UserID string          `json:"user_id"`

	// IdempotencyKey makes resubmission safe when an intent log is configured.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Leg is one of the two mutations of an intent.
type Leg struct {
	Ledger ledger.ID             `json:"ledger"`
	Tx     ledger.NewTransaction `json:"tx"`
}

// Validate rejects intents that must not produce any write.
func (in Intent) Validate(pair ledger.Pair) error {
	if !in.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ledger.ErrInvalidIntent, in.Amount)
	}
	if !in.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ledger.ErrInvalidIntent, in.Kind)
	}
	if in.Source == in.Dest {
		return fmt.Errorf("%w: source and destination are both %q", ledger.ErrInvalidIntent, in.Source)
	}
	if !pair.Contains(in.Source) {
		return fmt.Errorf("%w: unknown source ledger %q", ledger.ErrInvalidIntent, in.Source)
	}
	if !pair.Contains(in.Dest) {
		return fmt.Errorf("%w: unknown destination ledger %q", ledger.ErrInvalidIntent, in.Dest)
	}
	return nil
}

// Legs returns the source mutation and its compensating destination mutation.
func (in Intent) Legs() (source, dest Leg, err error) {
	opposite, err := ledger.Opposite(in.Kind)
	if err != nil {
		return Leg{}, Leg{}, fmt.Errorf("%w: %w", ledger.ErrInvalidIntent, err)
	}

	source = Leg{
		Ledger: in.Source,
		Tx:     ledger.NewTransaction{Kind: in.Kind, Amount: in.Amount, UserID: in.UserID},
	}
	dest = Leg{
		Ledger: in.Dest,
		Tx:     ledger.NewTransaction{Kind: opposite, Amount: in.Amount, UserID: in.UserID},
	}
	return source, dest, nil
}

// Reverse returns the leg that undoes l on the same ledger.
func (l Leg) Reverse() (Leg, error) {
	opposite, err := ledger.Opposite(l.Tx.Kind)
	if err != nil {
		return Leg{}, err
	}
	l.Tx.Kind = opposite
	return l, nil
}
