// Package redis implements the effect probe seam on Redis SET NX, giving
// every runtime instance the same view of claimed keys.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/orchestra/runtime/effect"
)

// Prober implements effect.Prober on a Redis client.
type Prober struct {
	rdb *redis.Client
}

var _ effect.Prober = (*Prober)(nil)

// New returns a Prober backed by the given client.
func New(rdb *redis.Client) (*Prober, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	return &Prober{rdb: rdb}, nil
}

// Once claims key for ttl and reports whether this caller made the claim.
func (p *Prober) Once(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := p.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok, nil
}

// Seen reports whether key is currently claimed.
func (p *Prober) Seen(ctx context.Context, key string) (bool, error) {
	n, err := p.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("probe %s: %w", key, err)
	}
	return n > 0, nil
}

// Clear releases key.
func (p *Prober) Clear(ctx context.Context, key string) error {
	if err := p.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("clear %s: %w", key, err)
	}
	return nil
}
