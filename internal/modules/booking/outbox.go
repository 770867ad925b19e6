// README: Outbox that propagates local booking writes to the remote mirror with retries.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"escort/internal/observability"
	"escort/internal/types"
)

// OutboxEntry names a booking whose latest local snapshot still has to reach the remote.
type OutboxEntry struct {
	BookingID  types.ID  `json:"booking_id"`
	Attempts   int       `json:"attempts"`
	NotBefore  time.Time `json:"not_before"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type OutboxQueue interface {
	Push(ctx context.Context, e OutboxEntry) error
	Pop(ctx context.Context) (OutboxEntry, bool, error)
	Len(ctx context.Context) (int, error)
}

type OutboxConfig struct {
	Interval    time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	BatchSize   int
}

func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		Interval:    2 * time.Second,
		MaxAttempts: 8,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  time.Minute,
		BatchSize:   100,
	}
}

type Outbox struct {
	queue  OutboxQueue
	local  LocalStore
	remote RemoteStore
	cfg    OutboxConfig
	log    logrus.FieldLogger
	now    func() time.Time
	wake   chan struct{}
}

func NewOutbox(queue OutboxQueue, local LocalStore, remote RemoteStore, cfg OutboxConfig, log logrus.FieldLogger) *Outbox {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultOutboxConfig().BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultOutboxConfig().MaxAttempts
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultOutboxConfig().Interval
	}
	return &Outbox{
		queue:  queue,
		local:  local,
		remote: remote,
		cfg:    cfg,
		log:    log.WithField("component", "outbox"),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue records that id must be propagated and nudges the worker.
func (o *Outbox) Enqueue(ctx context.Context, id types.ID) error {
	now := o.now()
	if err := o.queue.Push(ctx, OutboxEntry{BookingID: id, NotBefore: now, EnqueuedAt: now}); err != nil {
		return fmt.Errorf("outbox enqueue %s: %w", id, err)
	}
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run drains the queue on every tick or nudge until ctx is done.
func (o *Outbox) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-o.wake:
		}
		if _, err := o.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			o.log.WithError(err).Warn("outbox drain failed")
		}
	}
}

// Drain processes at most one batch of entries that are due and returns how many reached the remote.
func (o *Outbox) Drain(ctx context.Context) (int, error) {
	n, err := o.queue.Len(ctx)
	if err != nil {
		return 0, err
	}
	if n > o.cfg.BatchSize {
		n = o.cfg.BatchSize
	}

	sent := 0
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		e, ok, err := o.queue.Pop(ctx)
		if err != nil {
			return sent, err
		}
		if !ok {
			break
		}
		if o.now().Before(e.NotBefore) {
			if err := o.queue.Push(ctx, e); err != nil {
				return sent, err
			}
			continue
		}
		if o.deliver(ctx, e) {
			sent++
		}
	}

	if depth, err := o.queue.Len(ctx); err == nil {
		observability.OutboxDepth.Set(float64(depth))
	}
	return sent, nil
}

func (o *Outbox) deliver(ctx context.Context, e OutboxEntry) bool {
	entry := o.log.WithFields(logrus.Fields{"booking_id": e.BookingID, "attempt": e.Attempts + 1})

	// The freshest local snapshot wins; stale entries simply resend the latest state.
	b, err := o.local.Get(ctx, e.BookingID)
	if errors.Is(err, ErrNotFound) {
		entry.Warn("outbox entry for unknown booking dropped")
		return false
	}
	if err == nil {
		err = o.remote.Put(ctx, b)
		if err == nil {
			return true
		}
	}

	observability.SyncFailuresTotal.Inc()
	e.Attempts++
	if e.Attempts >= o.cfg.MaxAttempts {
		observability.SyncDroppedTotal.Inc()
		entry.WithError(err).Error("remote sync abandoned after max attempts")
		return false
	}
	delay := o.backoff(e.Attempts)
	e.NotBefore = o.now().Add(delay)
	entry.WithError(err).WithField("retry_in", delay.String()).Warn("remote sync failed, will retry")
	if perr := o.queue.Push(ctx, e); perr != nil {
		entry.WithError(perr).Error("outbox requeue failed")
	}
	return false
}

// backoff grows exponentially from BaseBackoff, capped at MaxBackoff, with up to 10% jitter.
func (o *Outbox) backoff(attempt int) time.Duration {
	delay := float64(o.cfg.BaseBackoff) * math.Pow(2, float64(attempt-1))
	if o.cfg.MaxBackoff > 0 && delay > float64(o.cfg.MaxBackoff) {
		delay = float64(o.cfg.MaxBackoff)
	}
	delay += delay * 0.1 * rand.Float64()
	return time.Duration(delay)
}

// MemoryQueue is a FIFO outbox queue that lives for the process lifetime.
type MemoryQueue struct {
	mu      sync.Mutex
	entries []OutboxEntry
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Push(_ context.Context, e OutboxEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, e)
	return nil
}

func (q *MemoryQueue) Pop(_ context.Context) (OutboxEntry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return OutboxEntry{}, false, nil
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e, true, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

const redisOutboxKey = "bookings:outbox"

// RedisQueue keeps outbox entries in a Redis list so they survive restarts.
type RedisQueue struct {
	redis *redis.Client
	key   string
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{redis: client, key: redisOutboxKey}
}

func (q *RedisQueue) Push(ctx context.Context, e OutboxEntry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return q.redis.RPush(ctx, q.key, payload).Err()
}

func (q *RedisQueue) Pop(ctx context.Context) (OutboxEntry, bool, error) {
	raw, err := q.redis.LPop(ctx, q.key).Bytes()
	if err == redis.Nil {
		return OutboxEntry{}, false, nil
	}
	if err != nil {
		return OutboxEntry{}, false, err
	}
	var e OutboxEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return OutboxEntry{}, false, fmt.Errorf("decode outbox entry: %w", err)
	}
	return e, true, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.redis.LLen(ctx, q.key).Result()
	return int(n), err
}
