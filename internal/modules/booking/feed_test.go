package booking

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escort/internal/logging"
	"escort/internal/types"
)

type received struct {
	mu   sync.Mutex
	list []*Booking
}

func (r *received) add(b *Booking) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, b)
}

func (r *received) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.list))
	for _, b := range r.list {
		out = append(out, b.Status)
	}
	return out
}

func (r *received) last() *Booking {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) == 0 {
		return nil
	}
	return r.list[len(r.list)-1]
}

func TestAdaptiveInterval(t *testing.T) {
	a := NewAdaptiveInterval(30*time.Second, 10*time.Second)
	assert.Equal(t, 30*time.Second, a.Current())
	assert.False(t, a.Active())

	a.SetActive(true)
	assert.Equal(t, 10*time.Second, a.Current())
	assert.True(t, a.Active())

	a.SetActive(false)
	assert.Equal(t, 30*time.Second, a.Current())
}

func TestPollingFeed_EmitsChangesAndSwitchesTier(t *testing.T) {
	ctx := context.Background()
	local := NewMemoryStore()
	interval := NewAdaptiveInterval(time.Hour, 20*time.Millisecond)
	feed := NewPollingFeed(local, interval, logging.Discard())

	b := seedBooking(t, local, "b1", StatusPending)
	seedBooking(t, local, "other", StatusPending)

	var got received
	unsubscribe, err := feed.Subscribe(ctx, ByID("b1"), got.add)
	require.NoError(t, err)
	defer unsubscribe()

	require.Eventually(t, func() bool { return len(got.statuses()) == 1 }, time.Second, 5*time.Millisecond)

	b.Status = StatusAccepted
	b.Version = 2
	b.UpdatedAt = baseTime.Add(time.Minute)
	ok, err := local.Update(ctx, b, 1)
	require.NoError(t, err)
	require.True(t, ok)

	// Idle tier is an hour; switching to active must wake the poller.
	interval.SetActive(true)
	require.Eventually(t, func() bool {
		last := got.last()
		return last != nil && last.Status == StatusAccepted
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Status{StatusPending, StatusAccepted}, got.statuses())
}

func TestPollingFeed_UnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	local := NewMemoryStore()
	feed := NewPollingFeed(local, NewAdaptiveInterval(10*time.Millisecond, 10*time.Millisecond), logging.Discard())

	b := seedBooking(t, local, "b1", StatusPending)
	var got received
	unsubscribe, err := feed.Subscribe(ctx, nil, got.add)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(got.statuses()) == 1 }, time.Second, 5*time.Millisecond)

	unsubscribe()
	unsubscribe()
	time.Sleep(30 * time.Millisecond)

	b.Status = StatusCancelled
	b.Version = 2
	b.UpdatedAt = baseTime.Add(time.Minute)
	_, err = local.Update(ctx, b, 1)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, got.statuses(), 1)
}

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestSubscriptionFeed_ReceivesMirroredWrites(t *testing.T) {
	ctx := context.Background()
	_, client := newMiniredis(t)
	feed := NewSubscriptionFeed(client, logging.Discard())
	remote := NewRedisRemote(client)

	var got received
	unsubscribe, err := feed.Subscribe(ctx, ByUser("client-1"), got.add)
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, remote.Put(ctx, &Booking{ID: "b1", ClientID: "client-1", Status: StatusAccepted}))
	require.NoError(t, remote.Put(ctx, &Booking{ID: "b2", ClientID: "client-2", Status: StatusAccepted}))

	require.Eventually(t, func() bool { return got.last() != nil }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, types.ID("b1"), got.last().ID)
	assert.Len(t, got.statuses(), 1)

	raw, err := client.Get(ctx, redisBookingKey("b1")).Bytes()
	require.NoError(t, err)
	var mirrored Booking
	require.NoError(t, json.Unmarshal(raw, &mirrored))
	assert.Equal(t, StatusAccepted, mirrored.Status)
}

func TestSelectFeed(t *testing.T) {
	ctx := context.Background()
	local := NewMemoryStore()
	interval := NewAdaptiveInterval(time.Minute, time.Second)

	_, polling := SelectFeed(ctx, nil, local, interval, logging.Discard()).(*PollingFeed)
	assert.True(t, polling)

	_, client := newMiniredis(t)
	_, push := SelectFeed(ctx, client, local, interval, logging.Discard()).(*SubscriptionFeed)
	assert.True(t, push)

	down := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = down.Close() })
	_, polling = SelectFeed(ctx, down, local, interval, logging.Discard()).(*PollingFeed)
	assert.True(t, polling)
}

// heldStore blocks the first Update of one booking until released.
type heldStore struct {
	*MemoryStore
	hold    types.ID
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *heldStore) Update(ctx context.Context, b *Booking, expectedVersion int) (bool, error) {
	if b.ID == s.hold {
		held := false
		s.once.Do(func() { held = true })
		if held {
			close(s.entered)
			<-s.release
		}
	}
	return s.MemoryStore.Update(ctx, b, expectedVersion)
}

func TestPollingFeed_DeliversWriteCommittedOutOfOrder(t *testing.T) {
	ctx := context.Background()
	local := NewMemoryStore()
	store := &heldStore{MemoryStore: local, hold: "a", entered: make(chan struct{}), release: make(chan struct{})}
	clock := &testClock{t: baseTime}
	svc := NewService(store, WithClock(clock.Now))
	feed := NewPollingFeed(local, NewAdaptiveInterval(5*time.Millisecond, 5*time.Millisecond), logging.Discard()).
		WithOverlap(5 * time.Minute)

	seedBooking(t, local, "a", StatusPending)
	seedBooking(t, local, "b", StatusPending)

	var got received
	unsubscribe, err := feed.Subscribe(ctx, nil, got.add)
	require.NoError(t, err)
	defer unsubscribe()
	require.Eventually(t, func() bool { return len(got.statuses()) == 2 }, time.Second, 5*time.Millisecond)

	// a takes the earlier timestamp but commits after b.
	clock.Advance(time.Minute)
	doneA := make(chan error, 1)
	go func() {
		_, err := svc.Cancel(ctx, CancelCommand{BookingID: "a", CancelledBy: "client"})
		doneA <- err
	}()
	<-store.entered

	clock.Advance(time.Minute)
	_, err = svc.Cancel(ctx, CancelCommand{BookingID: "b", CancelledBy: "client"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(got.statuses()) == 3 }, time.Second, 5*time.Millisecond)

	close(store.release)
	require.NoError(t, <-doneA)

	delivered := func(id types.ID, status Status) bool {
		got.mu.Lock()
		defer got.mu.Unlock()
		for _, b := range got.list {
			if b.ID == id && b.Status == status {
				return true
			}
		}
		return false
	}
	require.Eventually(t, func() bool { return delivered("a", StatusCancelled) }, time.Second, 5*time.Millisecond)

	// Re-reading the overlap window must not redeliver versions already seen.
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, got.statuses(), 4)
}
