package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseGate(t *testing.T, g Gate, expire func(time.Duration)) {
	t.Helper()
	ctx := context.Background()
	key := "guard-1_booking-1"

	for want := 2; want >= 0; want-- {
		d, err := g.Acquire(ctx, key)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, want, d.Remaining)
	}

	d, err := g.Acquire(ctx, key)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	other, err := g.Acquire(ctx, "guard-2_booking-1")
	require.NoError(t, err)
	assert.True(t, other.Allowed, "keys are independent")

	expire(11 * time.Minute)
	d, err = g.Acquire(ctx, key)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "cooldown elapsed")
	assert.Equal(t, 2, d.Remaining)

	require.NoError(t, g.Reset(ctx, key))
	d, err = g.Acquire(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Remaining)
}

// concurrentAcquire fires n attempts at once and returns how many were let through.
func concurrentAcquire(t *testing.T, g Gate, n int) int {
	t.Helper()
	var allowed atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			d, err := g.Acquire(context.Background(), "guard-1_booking-1")
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	return int(allowed.Load())
}

func TestRedisGate(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	exerciseGate(t, NewRedisGate(client, 3, 10*time.Minute), mr.FastForward)
}

func TestRedisGate_ConcurrentAttemptsCapped(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	assert.Equal(t, 3, concurrentAcquire(t, NewRedisGate(client, 3, 10*time.Minute), 50))
	assert.Greater(t, mr.TTL(keyPrefix+"guard-1_booking-1"), time.Duration(0))
}

func TestMemoryGate(t *testing.T) {
	g := NewMemoryGate(3, 10*time.Minute)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	exerciseGate(t, g, func(d time.Duration) { now = now.Add(d) })
}

func TestMemoryGate_ConcurrentAttemptsCapped(t *testing.T) {
	assert.Equal(t, 3, concurrentAcquire(t, NewMemoryGate(3, 10*time.Minute), 50))
}
