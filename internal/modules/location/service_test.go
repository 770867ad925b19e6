package location

import (
	"context"
	"errors"
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

type recordingMirror struct {
	mu      sync.Mutex
	samples []Sample
	err     error
}

func (m *recordingMirror) Publish(_ context.Context, s Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
	return m.err
}

type countingStore struct {
	*Store
	mu        sync.Mutex
	snapshots int
}

func (c *countingStore) AppendSnapshot(ctx context.Context, snap Snapshot) error {
	c.mu.Lock()
	c.snapshots++
	c.mu.Unlock()
	return c.Store.AppendSnapshot(ctx, snap)
}

func newRedisStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(nil, rdb)
}

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func guardSample(at time.Time, lat float64) Sample {
	return Sample{UserID: "guard-1", UserType: UserTypeGuard, Point: types.Point{Lat: lat, Lng: 3.3947}, RecordedAt: at}
}

func TestUpdate_StoresGeoAndFansOut(t *testing.T) {
	ctx := context.Background()
	store := newRedisStore(t)
	mirror := &recordingMirror{}
	svc := NewService(store, mirror, 0, logging.Discard())

	var got []Sample
	unsubscribe := svc.Subscribe("guard-1", func(s Sample) { got = append(got, s) })

	accepted, err := svc.Update(ctx, guardSample(t0, 6.4541))
	require.NoError(t, err)
	assert.True(t, accepted)

	pos, err := store.redis.GeoPos(ctx, geoKey(UserTypeGuard), "guard-1").Result()
	require.NoError(t, err)
	require.Len(t, pos, 1)
	require.NotNil(t, pos[0])
	assert.InDelta(t, 6.4541, pos[0].Latitude, 0.0001)
	assert.InDelta(t, 3.3947, pos[0].Longitude, 0.0001)

	require.Len(t, got, 1)
	assert.Len(t, mirror.samples, 1)

	unsubscribe()
	unsubscribe()
	_, err = svc.Update(ctx, guardSample(t0.Add(time.Second), 6.4542))
	require.NoError(t, err)
	assert.Len(t, got, 1)

	last, ok := svc.Last("guard-1")
	require.True(t, ok)
	assert.Equal(t, 6.4542, last.Point.Lat)
}

func TestUpdate_IgnoresOutOfOrderSamples(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newRedisStore(t), nil, 0, logging.Discard())

	_, err := svc.Update(ctx, guardSample(t0.Add(time.Minute), 6.4541))
	require.NoError(t, err)
	accepted, err := svc.Update(ctx, guardSample(t0, 6.5))
	require.NoError(t, err)
	assert.False(t, accepted)

	last, _ := svc.Last("guard-1")
	assert.Equal(t, 6.4541, last.Point.Lat)
}

func TestUpdate_WithoutRedisKeepsLastInMemory(t *testing.T) {
	svc := NewService(NewStore(nil, nil), nil, 0, logging.Discard())

	accepted, err := svc.Update(context.Background(), guardSample(t0, 6.4541))
	require.NoError(t, err)
	assert.True(t, accepted)
	last, ok := svc.Last("guard-1")
	require.True(t, ok)
	assert.Equal(t, t0, last.RecordedAt)
}

func TestUpdate_RejectsInvalidSamples(t *testing.T) {
	svc := NewService(newRedisStore(t), nil, 0, logging.Discard())

	_, err := svc.Update(context.Background(), Sample{UserID: "guard-1"})
	assert.ErrorIs(t, err, ErrInvalidSample)
	_, err = svc.Update(context.Background(), Sample{Point: types.Point{Lat: 1, Lng: 1}})
	assert.ErrorIs(t, err, ErrInvalidSample)
}

func TestUpdate_ThrottlesSnapshots(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: newRedisStore(t)}
	svc := NewService(store, nil, 30*time.Second, logging.Discard())

	for i := 0; i < 7; i++ {
		_, err := svc.Update(ctx, guardSample(t0.Add(time.Duration(i)*10*time.Second), 6.45))
		require.NoError(t, err)
	}
	// t=0, t=30s, t=60s
	assert.Equal(t, 3, store.snapshots)
}

func TestUpdate_MirrorFailureIsNotFatal(t *testing.T) {
	svc := NewService(newRedisStore(t), &recordingMirror{err: errors.New("rtdb down")}, 0, logging.Discard())
	accepted, err := svc.Update(context.Background(), guardSample(t0, 6.45))
	require.NoError(t, err)
	assert.True(t, accepted)
}
