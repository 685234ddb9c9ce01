// Package inmem implements the stall counter in memory for tests.
package inmem

import (
	"context"
	"sync"
	"time"
)

// Counter counts in a plain map; TTLs are ignored.
type Counter struct {
	mu     sync.Mutex
	counts map[string]int64
}

// New builds an empty Counter.
func New() *Counter {
	return &Counter{counts: make(map[string]int64)}
}

// Incr bumps the counter and returns the new value.
func (c *Counter) Incr(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	return c.counts[key], nil
}

// Reset deletes the counter.
func (c *Counter) Reset(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, key)
	return nil
}

// Value reads the current count, zero when absent.
func (c *Counter) Value(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}
