// Package delegate tracks the linkage between a delegating agent and the
// child it spawned: which parent a child reports to, under which correlation
// ID, and whether the parent still expects a result.
package delegate

import (
	"context"
	"time"
)

// LinkTTL bounds how long linkage survives without refresh.
const LinkTTL = 24 * time.Hour

// Links is the delegation linkage store.
type Links interface {
	// Link records that child reports to parent under correlationID.
	Link(ctx context.Context, conversation, child, parent, correlationID string, ttl time.Duration) error
	// Parent returns the agent the child reports to, if any.
	Parent(ctx context.Context, conversation, child string) (string, bool, error)
	// Correlation returns the correlation ID minted for the child's
	// delegation, if any.
	Correlation(ctx context.Context, conversation, child string) (string, bool, error)
	// Unlink removes the child's linkage.
	Unlink(ctx context.Context, conversation, child string) error

	// ArmGuard asserts that parent expects a result for correlationID.
	// The TTL tracks the parent's waiting deadline plus slack so a
	// result landing after expiry is recognizably late.
	ArmGuard(ctx context.Context, conversation, parent, correlationID string, ttl time.Duration) error
	GuardAlive(ctx context.Context, conversation, parent, correlationID string) (bool, error)
	DisarmGuard(ctx context.Context, conversation, parent, correlationID string) error
}
