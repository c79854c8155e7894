package transfer

import (
	"context"

	"go.uber.org/multierr"
)

// Publishers fans one outcome out to several publishers. Every publisher is
// called even when an earlier one fails; the errors are combined.
type Publishers []Publisher

// Publish calls each publisher in order.
func (ps Publishers) Publish(ctx context.Context, out *Outcome) error {
	var err error
	for _, p := range ps {
		if p == nil {
			continue
		}
		err = multierr.Append(err, p.Publish(ctx, out))
	}
	return err
}
