// README: Remote synchronized store contract and fan-out.
package booking

import (
	"context"
	"errors"
	"fmt"
)

// RemoteStore mirrors bookings into a multi-reader store. Writes are last-writer-wins.
type RemoteStore interface {
	Put(ctx context.Context, b *Booking) error
}

// Remotes fans a write out to several mirrors; every mirror is attempted.
type Remotes []RemoteStore

func (r Remotes) Put(ctx context.Context, b *Booking) error {
	var errs []error
	for _, remote := range r {
		if err := remote.Put(ctx, b); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrSyncFailure, errors.Join(errs...))
	}
	return nil
}
