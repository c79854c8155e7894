package store

import (
	"time"

	"ledger-sync/pkg/ledger"

	"github.com/shopspring/decimal"
)

// Snapshot is one delivery of a ledger's state to subscribers.
//
// Transactions is shared between subscribers and must not be modified.
// When Err wraps ledger.ErrQueryFailed the snapshot carries the last
// known-good transactions. When Err wraps ledger.ErrMalformedTransaction the
// transactions are the fetched ones and Balance is zero.
type Snapshot struct {
	Ledger       ledger.ID
	Transactions []ledger.Transaction
	Balance      decimal.Decimal
	Seq          uint64
	FetchedAt    time.Time
	Err          error
}

// BalanceState tells how far a BalanceView can be trusted.
type BalanceState int

const (
	// Pending means nothing has been fetched yet.
	Pending BalanceState = iota
	// Ready means the balance reflects the latest fetch.
	Ready
	// QueryFailed means the latest fetch failed; Balance is the last good value, if any.
	QueryFailed
	// Malformed means the latest snapshot holds an unknown kind or negative amount.
	Malformed
)

// String returns the string representation of the balance state.
func (s BalanceState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case QueryFailed:
		return "query_failed"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON.
func (s BalanceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BalanceView is the derived balance of one ledger.
type BalanceView struct {
	Ledger       ledger.ID       `json:"ledger"`
	State        BalanceState    `json:"state"`
	Balance      decimal.Decimal `json:"balance"`
	HasValue     bool            `json:"has_value"`
	Transactions int             `json:"transactions"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Err          error           `json:"-"`
}
