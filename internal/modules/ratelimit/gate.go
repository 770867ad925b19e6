// README: Attempt-reserving gate with a cooldown, used to throttle start-code guessing.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the gate's answer for one attempt.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Gate reserves attempts per key. A key is denied once MaxAttempts have been reserved
// inside the cooldown window; Reset clears it after a successful attempt.
type Gate interface {
	Acquire(ctx context.Context, key string) (Decision, error)
	Reset(ctx context.Context, key string) error
}

const keyPrefix = "rate:verify:"

// acquireScript counts the attempt and arms the window on the first attempt, restarting it
// when the key becomes locked. Returns the count and the remaining TTL in ms.
var acquireScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 or n == tonumber(ARGV[1]) then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {n, redis.call('PTTL', KEYS[1])}
`)

type RedisGate struct {
	redis       *redis.Client
	maxAttempts int
	cooldown    time.Duration
}

func NewRedisGate(client *redis.Client, maxAttempts int, cooldown time.Duration) *RedisGate {
	return &RedisGate{redis: client, maxAttempts: maxAttempts, cooldown: cooldown}
}

func (g *RedisGate) Acquire(ctx context.Context, key string) (Decision, error) {
	res, err := acquireScript.Run(ctx, g.redis, []string{keyPrefix + key}, g.maxAttempts, g.cooldown.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit acquire: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit acquire: unexpected reply %v", res)
	}
	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	if ttl < 0 {
		ttl = g.cooldown
	}
	if count > g.maxAttempts {
		return Decision{Allowed: false, RetryAfter: ttl}, nil
	}
	return Decision{Allowed: true, Remaining: g.maxAttempts - count}, nil
}

func (g *RedisGate) Reset(ctx context.Context, key string) error {
	return g.redis.Del(ctx, keyPrefix+key).Err()
}

type memoryEntry struct {
	count   int
	expires time.Time
}

// MemoryGate is the single-process Gate used when Redis is unreachable.
type MemoryGate struct {
	mu          sync.Mutex
	entries     map[string]*memoryEntry
	maxAttempts int
	cooldown    time.Duration
	now         func() time.Time
}

func NewMemoryGate(maxAttempts int, cooldown time.Duration) *MemoryGate {
	return &MemoryGate{entries: make(map[string]*memoryEntry), maxAttempts: maxAttempts, cooldown: cooldown, now: time.Now}
}

func (g *MemoryGate) Acquire(_ context.Context, key string) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	e, ok := g.entries[key]
	if !ok || !now.Before(e.expires) {
		e = &memoryEntry{expires: now.Add(g.cooldown)}
		g.entries[key] = e
	}
	e.count++
	if e.count == g.maxAttempts {
		e.expires = now.Add(g.cooldown)
	}
	if e.count > g.maxAttempts {
		return Decision{Allowed: false, RetryAfter: e.expires.Sub(now)}, nil
	}
	return Decision{Allowed: true, Remaining: g.maxAttempts - e.count}, nil
}

func (g *MemoryGate) Reset(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, key)
	return nil
}
