package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ledger-sync/pkg/ledger"
)

// State is the lifecycle state of a transfer.
type State int

const (
	// Pending means the legs have not both resolved yet.
	Pending State = iota
	// Settled means both legs were recorded.
	Settled
	// PartiallySettled means exactly one leg was recorded.
	PartiallySettled
	// Failed means neither leg was recorded.
	Failed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Settled:
		return "settled"
	case PartiallySettled:
		return "partially_settled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "pending":
		*s = Pending
	case "settled":
		*s = Settled
	case "partially_settled":
		*s = PartiallySettled
	case "failed":
		*s = Failed
	default:
		return fmt.Errorf("unknown transfer state %q", text)
	}
	return nil
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == Settled || s == PartiallySettled || s == Failed
}

// LegResult is the resolution of one leg.
type LegResult struct {
	Leg      Leg                 `json:"leg"`
	Recorded *ledger.Transaction `json:"recorded,omitempty"`
	Err      *MutationFailed     `json:"-"`
	Error    string              `json:"error,omitempty"`
	Duration time.Duration       `json:"duration"`
}

// UnmarshalJSON restores Err from the stored error text.
func (r *LegResult) UnmarshalJSON(data []byte) error {
	type plain LegResult
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = LegResult(p)
	if r.Error != "" {
		r.Err = &MutationFailed{Ledger: r.Leg.Ledger, Tx: r.Leg.Tx, Err: errors.New(r.Error)}
	}
	return nil
}

// OK reports whether the leg was recorded.
func (r LegResult) OK() bool {
	return r.Err == nil && r.Recorded != nil
}

// Outcome is the classified result of one intent.
type Outcome struct {
	Intent      Intent    `json:"intent"`
	State       State     `json:"state"`
	Source      LegResult `json:"source"`
	Dest        LegResult `json:"dest"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// classify sets State from the two leg results.
func (o *Outcome) classify() {
	switch {
	case o.Source.OK() && o.Dest.OK():
		o.State = Settled
	case o.Source.OK() || o.Dest.OK():
		o.State = PartiallySettled
	default:
		o.State = Failed
	}
}

// Succeeded returns the leg that was recorded in a partial outcome.
func (o *Outcome) Succeeded() (LegResult, bool) {
	if o.State != PartiallySettled {
		return LegResult{}, false
	}
	if o.Source.OK() {
		return o.Source, true
	}
	return o.Dest, true
}

// FailedLeg returns the leg that was not recorded in a partial outcome.
func (o *Outcome) FailedLeg() (LegResult, bool) {
	if o.State != PartiallySettled {
		return LegResult{}, false
	}
	if o.Source.OK() {
		return o.Dest, true
	}
	return o.Source, true
}

// Err returns the typed error matching State, or nil when settled.
func (o *Outcome) Err() error {
	switch o.State {
	case PartiallySettled:
		ok, _ := o.Succeeded()
		failed, _ := o.FailedLeg()
		return &PartialTransferFailure{
			Intent:    o.Intent,
			Succeeded: ok.Leg.Ledger,
			Failed:    failed.Err,
		}
	case Failed:
		return &TransferFailed{
			Intent: o.Intent,
			Source: o.Source.Err,
			Dest:   o.Dest.Err,
		}
	default:
		return nil
	}
}
