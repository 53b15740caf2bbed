package notify

import (
	"context"
	"errors"

	"github.com/chainsafe/treasury-rebalancer/pkg/rebalance"
)

// Multi fans a message out to every notifier.
type Multi []rebalance.Notifier

// Send delivers text to all notifiers and joins their errors.
func (m Multi) Send(ctx context.Context, text string) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Combine returns nil for no notifiers, the notifier itself for one and a
// Multi otherwise.
func Combine(notifiers ...rebalance.Notifier) rebalance.Notifier {
	var out Multi
	for _, n := range notifiers {
		if n != nil {
			out = append(out, n)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	default:
		return out
	}
}
