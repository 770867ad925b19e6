// README: Redis mirror of bookings; every write also publishes a change notification.
package booking

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"escort/internal/types"
)

const (
	redisBookingKeyPrefix = "booking:"
	// ChangesChannel carries the JSON of every booking written to the mirror.
	ChangesChannel = "bookings:changed"
)

type RedisRemote struct {
	redis *redis.Client
}

func NewRedisRemote(client *redis.Client) *RedisRemote {
	return &RedisRemote{redis: client}
}

func (r *RedisRemote) Put(ctx context.Context, b *Booking) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode booking %s: %w", b.ID, err)
	}
	pipe := r.redis.TxPipeline()
	pipe.Set(ctx, redisBookingKey(b.ID), payload, 0)
	pipe.Publish(ctx, ChangesChannel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis mirror %s: %w", b.ID, err)
	}
	return nil
}

func redisBookingKey(id types.ID) string {
	return redisBookingKeyPrefix + string(id)
}
