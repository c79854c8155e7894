// Package balance derives ledger balances from transaction sequences.
//
// Every function here is a pure fold: no state, no I/O, and the same input
// always yields the same output. Callers re-run it over the full snapshot
// whenever a new one arrives.
package balance

import (
	"fmt"

	"ledger-sync/pkg/ledger"

	"github.com/shopspring/decimal"
)

// Compute folds txs in order: deposits add, withdrawals subtract.
// The result is not clamped, so a withdrawal before any deposit goes negative.
// An unknown kind or a negative amount aborts with ledger.ErrMalformedTransaction.
func Compute(txs []ledger.Transaction) (decimal.Decimal, error) {
	total := decimal.Zero

	for i, tx := range txs {
		if err := check(i, tx); err != nil {
			return decimal.Zero, err
		}

		switch tx.Kind {
		case ledger.Deposit:
			total = total.Add(tx.Amount)
		case ledger.Withdrawal:
			total = total.Sub(tx.Amount)
		}
	}

	return total, nil
}

// Totals summarizes a snapshot by kind.
type Totals struct {
	Deposits        decimal.Decimal `json:"deposits"`
	Withdrawals     decimal.Decimal `json:"withdrawals"`
	DepositCount    int             `json:"deposit_count"`
	WithdrawalCount int             `json:"withdrawal_count"`
	Balance         decimal.Decimal `json:"balance"`
}

// Summarize returns per-kind sums and the resulting balance.
// It applies the same validation as Compute.
func Summarize(txs []ledger.Transaction) (Totals, error) {
	t := Totals{
		Deposits:    decimal.Zero,
		Withdrawals: decimal.Zero,
	}

	for i, tx := range txs {
		if err := check(i, tx); err != nil {
			return Totals{}, err
		}

		switch tx.Kind {
		case ledger.Deposit:
			t.Deposits = t.Deposits.Add(tx.Amount)
			t.DepositCount++
		case ledger.Withdrawal:
			t.Withdrawals = t.Withdrawals.Add(tx.Amount)
			t.WithdrawalCount++
		}
	}

	t.Balance = t.Deposits.Sub(t.Withdrawals)
	return t, nil
}

func check(i int, tx ledger.Transaction) error {
	if !tx.Kind.Valid() {
		return fmt.Errorf("%w: transaction %q at index %d has kind %q",
			ledger.ErrMalformedTransaction, tx.ID, i, tx.Kind)
	}
	if tx.Amount.IsNegative() {
		return fmt.Errorf("%w: transaction %q at index %d has negative amount %s",
			ledger.ErrMalformedTransaction, tx.ID, i, tx.Amount)
	}
	return nil
}
