package transfer

import (
	"errors"
	"fmt"

	"ledger-sync/pkg/ledger"
)

// ErrDuplicateIntent is returned when an intent reuses an idempotency key.
// The earlier outcome is returned alongside it and no writes are issued.
var ErrDuplicateIntent = errors.New("transfer: duplicate intent")

// MutationFailed reports one leg that was not recorded.
// It matches ledger.ErrMutationFailed and the backend cause.
type MutationFailed struct {
	Ledger ledger.ID
	Tx     ledger.NewTransaction
	Err    error
}

func (e *MutationFailed) Error() string {
	return fmt.Sprintf("%s %s on ledger %s failed: %v", e.Tx.Kind, e.Tx.Amount, e.Ledger, e.Err)
}

func (e *MutationFailed) Unwrap() []error {
	return []error{ledger.ErrMutationFailed, e.Err}
}

// PartialTransferFailure reports a transfer where exactly one leg was
// recorded. Nothing is rolled back; see the reconcile package.
type PartialTransferFailure struct {
	Intent    Intent
	Succeeded ledger.ID
	Failed    *MutationFailed
}

func (e *PartialTransferFailure) Error() string {
	return fmt.Sprintf("transfer %s partially settled: recorded on %s, %v", e.Intent.ID, e.Succeeded, e.Failed)
}

func (e *PartialTransferFailure) Unwrap() []error {
	errs := []error{ledger.ErrPartialTransfer}
	if e.Failed != nil {
		errs = append(errs, e.Failed)
	}
	return errs
}

// TransferFailed reports a transfer where neither leg was recorded.
type TransferFailed struct {
	Intent Intent
	Source *MutationFailed
	Dest   *MutationFailed
}

func (e *TransferFailed) Error() string {
	return fmt.Sprintf("transfer %s failed: %v; %v", e.Intent.ID, e.Source, e.Dest)
}

func (e *TransferFailed) Unwrap() []error {
	errs := []error{ledger.ErrTransferFailed}
	if e.Source != nil {
		errs = append(errs, e.Source)
	}
	if e.Dest != nil {
		errs = append(errs, e.Dest)
	}
	return errs
}
