package notify

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escort/internal/logging"
)

type failingNotifier struct{ calls chan Message }

func (f *failingNotifier) Notify(_ context.Context, msg Message) error {
	f.calls <- msg
	return errors.New("push provider down")
}

func TestAsync_NeverReturnsDeliveryErrors(t *testing.T) {
	next := &failingNotifier{calls: make(chan Message, 1)}
	a := NewAsync(next, time.Second, logging.Discard())

	err := a.Notify(context.Background(), Message{UserID: "u1", Kind: KindBookingStatus})
	require.NoError(t, err)

	select {
	case msg := <-next.calls:
		assert.Equal(t, KindBookingStatus, msg.Kind)
	case <-time.After(time.Second):
		t.Fatal("notification was not delivered to the wrapped notifier")
	}
	a.Wait()
}

func TestAsync_SurvivesCallerCancellation(t *testing.T) {
	rec := &Recorder{}
	a := NewAsync(rec, time.Second, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.Notify(ctx, Message{UserID: "u1", Kind: KindNearPickup}))
	a.Wait()

	assert.Equal(t, []string{KindNearPickup}, rec.Kinds("u1"))
}

func TestUserTopic(t *testing.T) {
	assert.Equal(t, "user_abc", UserTopic("abc"))
}

func TestLog_WritesMessage(t *testing.T) {
	var buf bytes.Buffer
	l := NewLog(logging.NewWithOutput("info", &buf))

	require.NoError(t, l.Notify(context.Background(), Message{UserID: "client-1", Kind: KindArrival, Title: "Arrived", Body: "You have arrived."}))
	assert.Contains(t, buf.String(), "You have arrived.")
	assert.Contains(t, buf.String(), "client-1")
	assert.Contains(t, buf.String(), KindArrival)
}
