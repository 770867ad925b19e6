// README: Firebase RTDB mirror of the booking collection under /bookings.
package booking

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/db"
)

const rtdbBookingsNode = "bookings"

type FirebaseRemote struct {
	client *db.Client
}

func NewFirebaseRemote(client *db.Client) *FirebaseRemote {
	return &FirebaseRemote{client: client}
}

func (f *FirebaseRemote) Put(ctx context.Context, b *Booking) error {
	ref := f.client.NewRef(rtdbBookingsNode).Child(string(b.ID))
	if err := ref.Set(ctx, b); err != nil {
		return fmt.Errorf("rtdb set %s: %w", b.ID, err)
	}
	return nil
}
