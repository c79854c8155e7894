package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the economic effect of a transaction on its ledger.
type Kind string

const (
	// Deposit increases the ledger balance.
	Deposit Kind = "DEPOSIT"
	// Withdrawal decreases the ledger balance.
	Withdrawal Kind = "WITHDRAWAL"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == Deposit || k == Withdrawal
}

// Opposite returns the kind with the reverse economic effect.
// Deposit on one ledger is paired with Withdrawal on the other and vice versa.
func Opposite(k Kind) (Kind, error) {
	switch k {
	case Deposit:
		return Withdrawal, nil
	case Withdrawal:
		return Deposit, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrMalformedTransaction, k)
	}
}

// Transaction is one entry of a ledger as recorded by its backend.
type Transaction struct {
	// ID is assigned by the owning backend and never changes.
	ID string `json:"id"`

	// Timestamp is assigned by the backend; used for display ordering only.
	Timestamp time.Time `json:"timestamp"`

	Kind Kind `json:"kind"`

	// Amount is never negative; the sign lives in Kind.
	Amount decimal.Decimal `json:"amount"`

	// UserID references the owner. It is passed through unchecked.
	UserID string `json:"user_id"`

	// UserName is the owner's display name, when the backend joins it in.
	UserName string `json:"user_name,omitempty"`
}

// NewTransaction is the payload of a mutation. The backend fills in
// ID and Timestamp.
type NewTransaction struct {
	Kind   Kind            `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
	UserID string          `json:"user_id"`
}

// Validate checks the invariants a backend relies on before recording.
func (n NewTransaction) Validate() error {
	if !n.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedTransaction, n.Kind)
	}
	if n.Amount.IsNegative() {
		return fmt.Errorf("%w: negative amount %s", ErrMalformedTransaction, n.Amount)
	}
	return nil
}

// Record turns a mutation payload into a stored transaction.
func (n NewTransaction) Record(id string, at time.Time) Transaction {
	return Transaction{
		ID:        id,
		Timestamp: at,
		Kind:      n.Kind,
		Amount:    n.Amount,
		UserID:    n.UserID,
	}
}

// Clone returns a copy of txs so callers cannot alias a cached snapshot.
func Clone(txs []Transaction) []Transaction {
	if txs == nil {
		return nil
	}
	out := make([]Transaction, len(txs))
	copy(out, txs)
	return out
}

// Equal reports whether two snapshots hold the same transactions in the same order.
func Equal(a, b []Transaction) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID ||
			a[i].Kind != b[i].Kind ||
			a[i].UserID != b[i].UserID ||
			a[i].UserName != b[i].UserName ||
			!a[i].Amount.Equal(b[i].Amount) ||
			!a[i].Timestamp.Equal(b[i].Timestamp) {
			return false
		}
	}
	return true
}
