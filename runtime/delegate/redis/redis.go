// Package redis implements the delegation linkage store on Redis strings.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/orchestra/runtime/delegate"
)

// Links implements delegate.Links on Redis.
type Links struct {
	rdb *redis.Client
}

var _ delegate.Links = (*Links)(nil)

// New builds a Links store using the given client.
func New(rdb *redis.Client) (*Links, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	return &Links{rdb: rdb}, nil
}

func parentKey(conversation, child string) string {
	return fmt.Sprintf("child_to_parent:%s:%s", conversation, child)
}

func correlationKey(conversation, child string) string {
	return fmt.Sprintf("agent_call_correlation:%s:%s", conversation, child)
}

func guardKey(conversation, parent, correlationID string) string {
	return fmt.Sprintf("expect_agent_result:%s:%s:%s", conversation, parent, correlationID)
}

// Link records that child reports to parent under correlationID.
func (l *Links) Link(ctx context.Context, conversation, child, parent, correlationID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = delegate.LinkTTL
	}
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, parentKey(conversation, child), parent, ttl)
		pipe.Set(ctx, correlationKey(conversation, child), correlationID, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("link %s to %s: %w", child, parent, err)
	}
	return nil
}

// Parent returns the agent the child reports to, if any.
func (l *Links) Parent(ctx context.Context, conversation, child string) (string, bool, error) {
	v, err := l.rdb.Get(ctx, parentKey(conversation, child)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read parent: %w", err)
	}
	return v, true, nil
}

// Correlation returns the correlation ID minted for the child's delegation.
func (l *Links) Correlation(ctx context.Context, conversation, child string) (string, bool, error) {
	v, err := l.rdb.Get(ctx, correlationKey(conversation, child)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read correlation: %w", err)
	}
	return v, true, nil
}

// Unlink removes the child's linkage.
func (l *Links) Unlink(ctx context.Context, conversation, child string) error {
	if err := l.rdb.Del(ctx, parentKey(conversation, child), correlationKey(conversation, child)).Err(); err != nil {
		return fmt.Errorf("unlink %s: %w", child, err)
	}
	return nil
}

// ArmGuard asserts that parent expects a result for correlationID.
func (l *Links) ArmGuard(ctx context.Context, conversation, parent, correlationID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = delegate.LinkTTL
	}
	if err := l.rdb.Set(ctx, guardKey(conversation, parent, correlationID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("arm guard: %w", err)
	}
	return nil
}

// GuardAlive reports whether the parent still expects the result.
func (l *Links) GuardAlive(ctx context.Context, conversation, parent, correlationID string) (bool, error) {
	n, err := l.rdb.Exists(ctx, guardKey(conversation, parent, correlationID)).Result()
	if err != nil {
		return false, fmt.Errorf("read guard: %w", err)
	}
	return n > 0, nil
}

// DisarmGuard clears the expectation.
func (l *Links) DisarmGuard(ctx context.Context, conversation, parent, correlationID string) error {
	if err := l.rdb.Del(ctx, guardKey(conversation, parent, correlationID)).Err(); err != nil {
		return fmt.Errorf("disarm guard: %w", err)
	}
	return nil
}
