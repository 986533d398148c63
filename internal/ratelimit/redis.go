package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the shared CounterStore for multi-instance deployments.
// INCR with a window-scoped expiry gives every replica the same fixed-window
// view of a counter.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a counter store over an existing redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Increment implements CounterStore with INCR + PEXPIRE. The expiry is set
// only when the counter is created so the window does not slide.
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	redisKey := "ratelimit:" + key

	count, err := s.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to increment counter: %w", err)
	}

	if count == 1 {
		if err := s.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			return 0, time.Time{}, fmt.Errorf("failed to set counter expiry: %w", err)
		}
		return count, time.Now().Add(window), nil
	}

	ttl, err := s.client.PTTL(ctx, redisKey).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to read counter expiry: %w", err)
	}
	if ttl < 0 {
		// Counter exists without an expiry (lost between INCR and PEXPIRE
		// on a previous call); re-arm it.
		if err := s.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			return 0, time.Time{}, fmt.Errorf("failed to set counter expiry: %w", err)
		}
		ttl = window
	}

	return count, time.Now().Add(ttl), nil
}
