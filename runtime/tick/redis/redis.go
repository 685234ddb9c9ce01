// Package redis implements the stall counter on Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter counts stalled rounds with INCR, refreshing the key TTL on each
// bump so abandoned counters expire.
type Counter struct {
	rdb *redis.Client
}

// NewCounter builds a Counter over the given client.
func NewCounter(rdb *redis.Client) (*Counter, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	return &Counter{rdb: rdb}, nil
}

// Incr bumps the counter and returns the new value.
func (c *Counter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	if ttl > 0 {
		if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return n, fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return n, nil
}

// Reset deletes the counter.
func (c *Counter) Reset(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("reset %s: %w", key, err)
	}
	return nil
}
