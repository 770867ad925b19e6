// README: Local booking cache contract; the durability boundary every read can rely on.
package booking

import (
	"context"
	"time"

	"escort/internal/types"
)

// LocalStore is the authoritative local cache. Implementations must return copies that the
// caller may mutate freely.
type LocalStore interface {
	Create(ctx context.Context, b *Booking) error
	Get(ctx context.Context, id types.ID) (*Booking, error)
	// Update writes b when the stored version still equals expectedVersion.
	Update(ctx context.Context, b *Booking, expectedVersion int) (bool, error)
	ListByUser(ctx context.Context, userID types.ID, role Role) ([]*Booking, error)
	ListUpdatedSince(ctx context.Context, since time.Time) ([]*Booking, error)
	StartCodeInUse(ctx context.Context, code string) (bool, error)
}
