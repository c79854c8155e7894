package reconcile

import (
	"fmt"

	"ledger-sync/pkg/transfer"
)

// Policy selects how a partially settled transfer is compensated.
type Policy string

const (
	// RetryFailedLeg re-issues the mutation that was not recorded.
	RetryFailedLeg Policy = "retry_failed_leg"

	// ReverseSucceededLeg records the opposite kind on the ledger that
	// accepted its leg, cancelling its effect.
	ReverseSucceededLeg Policy = "reverse_succeeded_leg"
)

// ParsePolicy parses a policy name. An empty name is not valid.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case RetryFailedLeg, ReverseSucceededLeg:
		return p, nil
	default:
		return "", fmt.Errorf("unknown reconcile policy %q", s)
	}
}

// compensation returns the leg to issue for out under p.
func (p Policy) compensation(out *transfer.Outcome) (transfer.Leg, error) {
	switch p {
	case RetryFailedLeg:
		failed, ok := out.FailedLeg()
		if !ok {
			return transfer.Leg{}, ErrNotPartial
		}
		return failed.Leg, nil
	case ReverseSucceededLeg:
		ok, found := out.Succeeded()
		if !found {
			return transfer.Leg{}, ErrNotPartial
		}
		return ok.Leg.Reverse()
	default:
		return transfer.Leg{}, fmt.Errorf("unknown reconcile policy %q", p)
	}
}
