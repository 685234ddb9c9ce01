// Package conversation defines the session registry: conversation
// membership, the barrier tick counter with its per-tick waiting sets, the
// finished set, free-form metadata and the reply mailbox. Redis is the
// production store; the inmem twin serves tests.
package conversation

import (
	"context"
	"errors"
)

// Well-known metadata keys and values.
const (
	MetaDelivery    = "delivery"
	MetaInteractive = "interactive"
	MetaTeam        = "rollout_team"
	MetaVariant     = "rollout_variant"

	DeliveryNonInteractive = "notinteractive"
)

// ErrNoReply is returned by LastReply when no system reply is pending.
var ErrNoReply = errors.New("no reply available")

type (
	// Advance is the outcome of one optimistic tick-advance attempt.
	// Exactly one of Advanced, Blocked, Retired and Conflict is set.
	Advance struct {
		// Advanced: the tick moved to Tick and Live agents are
		// expected to act.
		Advanced bool
		// Blocked: the current tick still waits on Waiting agents.
		Blocked bool
		// Retired: no live agents remain; the conversation left the
		// active set.
		Retired bool
		// Conflict: another driver advanced concurrently; skip this
		// round.
		Conflict bool

		Tick    int64
		Live    []string
		Waiting []string
		// GCed lists agents force-finished for having no heartbeat.
		GCed []string
	}

	// Registry tracks conversation membership and the tick barrier.
	Registry interface {
		// RegisterAgent adds the agent to the conversation and the
		// conversation to the global active set. It reports whether
		// the agent was newly added.
		RegisterAgent(ctx context.Context, conversation, agent string) (bool, error)
		// UnregisterAgent removes the agent from all membership sets.
		// When the remaining live set is empty the conversation is
		// retired. force additionally clears the agent's heartbeat.
		UnregisterAgent(ctx context.Context, conversation, agent string, force bool) error
		Agents(ctx context.Context, conversation string) ([]string, error)

		// MarkFinished adds the agent to the finished set and reports
		// whether this was the first time.
		MarkFinished(ctx context.Context, conversation, agent string) (bool, error)
		Finished(ctx context.Context, conversation string) ([]string, error)
		IsFinished(ctx context.Context, conversation, agent string) (bool, error)
		// LiveAgents returns registered minus finished.
		LiveAgents(ctx context.Context, conversation string) ([]string, error)

		CurrentTick(ctx context.Context, conversation string) (int64, error)
		// TickStart returns the wall clock at which the tick opened,
		// zero when unknown.
		TickStart(ctx context.Context, conversation string, tick int64) (float64, error)
		WaitingSet(ctx context.Context, conversation string, tick int64) ([]string, error)
		// ClearWaiting removes the agent from the tick's waiting set
		// once it has been stepped.
		ClearWaiting(ctx context.Context, conversation string, tick int64, agent string) error

		// Heartbeat records the agent as recently active; the driver
		// garbage-collects agents without one.
		Heartbeat(ctx context.Context, conversation, agent string) error
		LastActive(ctx context.Context, conversation, agent string) (float64, bool, error)

		SetMeta(ctx context.Context, conversation string, values map[string]string) error
		Meta(ctx context.Context, conversation string) (map[string]string, error)
		MetaValue(ctx context.Context, conversation, key string) (string, bool, error)

		ActiveSessions(ctx context.Context) ([]string, error)
		// RetireSession removes the conversation from the active set
		// and deletes its tick bookkeeping.
		RetireSession(ctx context.Context, conversation string) error

		// AdvanceTick attempts to move the barrier from tick C to
		// C+1 under optimistic concurrency: it aborts while the
		// waiting set is non-empty, garbage-collects heartbeat-less
		// agents, retires the conversation when no live agents
		// remain, and otherwise atomically installs the next tick
		// with its waiting set.
		AdvanceTick(ctx context.Context, conversation string) (Advance, error)
	}

	// Mailbox carries the last system reply of a conversation. An empty
	// message is meaningful: it signals completion without an answer.
	Mailbox interface {
		PublishReply(ctx context.Context, conversation, message string) error
		LastReply(ctx context.Context, conversation string) (string, error)
	}
)

// Interactive reports whether the conversation is flagged interactive-CLI.
func Interactive(ctx context.Context, reg Registry, conversation string) bool {
	v, ok, err := reg.MetaValue(ctx, conversation, MetaInteractive)
	return err == nil && ok && v == "true"
}

// NonInteractive reports whether replies should terminate the root agent's
// branch immediately.
func NonInteractive(ctx context.Context, reg Registry, conversation string) bool {
	v, ok, err := reg.MetaValue(ctx, conversation, MetaDelivery)
	return err == nil && ok && v == DeliveryNonInteractive
}
