// Package inmem implements the delegation linkage store in process memory.
// TTLs are honored lazily: expired entries read as absent.
package inmem

import (
	"context"
	"sync"
	"time"

	"goa.design/orchestra/runtime/delegate"
)

type entry struct {
	value     string
	expiresAt time.Time
}

func (e entry) expired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// Links implements delegate.Links in memory.
type Links struct {
	mu           sync.Mutex
	parents      map[string]entry
	correlations map[string]entry
	guards       map[string]entry
}

var _ delegate.Links = (*Links)(nil)

// New builds an empty in-memory Links store.
func New() *Links {
	return &Links{
		parents:      make(map[string]entry),
		correlations: make(map[string]entry),
		guards:       make(map[string]entry),
	}
}

func childKey(conversation, child string) string { return conversation + "\x00" + child }

func guardKey(conversation, parent, correlationID string) string {
	return conversation + "\x00" + parent + "\x00" + correlationID
}

// Link records that child reports to parent under correlationID.
func (l *Links) Link(_ context.Context, conversation, child, parent, correlationID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = delegate.LinkTTL
	}
	exp := time.Now().Add(ttl)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.parents[childKey(conversation, child)] = entry{value: parent, expiresAt: exp}
	l.correlations[childKey(conversation, child)] = entry{value: correlationID, expiresAt: exp}
	return nil
}

// Parent returns the agent the child reports to, if any.
func (l *Links) Parent(_ context.Context, conversation, child string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.parents[childKey(conversation, child)]
	if !ok || e.expired() {
		return "", false, nil
	}
	return e.value, true, nil
}

// Correlation returns the correlation ID minted for the child's delegation.
func (l *Links) Correlation(_ context.Context, conversation, child string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.correlations[childKey(conversation, child)]
	if !ok || e.expired() {
		return "", false, nil
	}
	return e.value, true, nil
}

// Unlink removes the child's linkage.
func (l *Links) Unlink(_ context.Context, conversation, child string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.parents, childKey(conversation, child))
	delete(l.correlations, childKey(conversation, child))
	return nil
}

// ArmGuard asserts that parent expects a result for correlationID.
func (l *Links) ArmGuard(_ context.Context, conversation, parent, correlationID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = delegate.LinkTTL
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.guards[guardKey(conversation, parent, correlationID)] = entry{value: "1", expiresAt: time.Now().Add(ttl)}
	return nil
}

// GuardAlive reports whether the parent still expects the result.
func (l *Links) GuardAlive(_ context.Context, conversation, parent, correlationID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.guards[guardKey(conversation, parent, correlationID)]
	return ok && !e.expired(), nil
}

// DisarmGuard clears the expectation.
func (l *Links) DisarmGuard(_ context.Context, conversation, parent, correlationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.guards, guardKey(conversation, parent, correlationID))
	return nil
}
