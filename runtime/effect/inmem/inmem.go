// Package inmem implements the effect probe seam on a process-local map.
// Tests use it in place of the Redis prober; expiry is lazy.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/orchestra/runtime/effect"
)

// Prober implements effect.Prober in memory.
type Prober struct {
	mu     sync.Mutex
	claims map[string]time.Time
}

var _ effect.Prober = (*Prober)(nil)

// New returns an empty Prober.
func New() *Prober {
	return &Prober{claims: make(map[string]time.Time)}
}

// Once claims key for ttl and reports whether this caller made the claim.
func (p *Prober) Once(_ context.Context, key string, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if exp, ok := p.claims[key]; ok && time.Now().Before(exp) {
		return false, nil
	}
	p.claims[key] = time.Now().Add(ttl)
	return true, nil
}

// Seen reports whether key is currently claimed.
func (p *Prober) Seen(_ context.Context, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	exp, ok := p.claims[key]
	return ok && time.Now().Before(exp), nil
}

// Clear releases key.
func (p *Prober) Clear(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.claims, key)
	return nil
}

// Keys returns the currently claimed keys in sorted order. Test helper.
func (p *Prober) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.claims))
	for k, exp := range p.claims {
		if time.Now().Before(exp) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
