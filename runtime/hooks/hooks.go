// Package hooks publishes orchestration lifecycle events to registered
// subscribers. The runtime fires an event when an agent finishes, when a
// session retires, when the garbage collector reaps a silent agent, and for
// the other observability points below; embedders subscribe to drive
// dashboards, persistence or alerting without touching the hot path.
package hooks

import (
	"context"
	"errors"
	"sync"

	"goa.design/orchestra/runtime/state"
)

// EventType names a lifecycle event.
type EventType string

const (
	// AgentFinished fires exactly once per (conversation, agent, branch)
	// when an agent reaches its terminal state.
	AgentFinished EventType = "agent_finished"
	// SessionFinished fires when the last live agent of a conversation
	// finishes and the session retires.
	SessionFinished EventType = "session_finished"
	// AgentGC fires when tick advancement reaps an agent that never
	// recorded a heartbeat.
	AgentGC EventType = "agent_gc"
	// StalledAgentFinalised fires when round-stall protection
	// force-finishes an agent that stopped making progress.
	StalledAgentFinalised EventType = "stalled_agent_finalised"
	// BranchSwitched fires when a stack's current-branch pointer moves.
	BranchSwitched EventType = "branch_switched"
	// ArtifactPublished fires when a post-effect records an artifact.
	ArtifactPublished EventType = "artifact_published"
)

type (
	// Event is one lifecycle notification. Concrete event types carry the
	// payload for their phase; subscribers type-switch to access it.
	Event interface {
		// Type reports the event type constant.
		Type() EventType
		// Conversation reports the session the event belongs to.
		Conversation() string
		// Agent reports the agent that triggered the event, or "" for
		// session-level events.
		Agent() string
		// Timestamp reports when the event was created, in Unix
		// seconds.
		Timestamp() float64
	}

	// Subscriber reacts to published events. The bus stops delivering an
	// event at the first subscriber error, so non-critical failures
	// should be logged and swallowed by the subscriber itself.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription is an active registration. Close is idempotent and
	// always returns nil.
	Subscription interface {
		Close() error
	}

	// Bus fans events out to subscribers synchronously, in registration
	// order. Safe for concurrent Publish and Register.
	Bus struct {
		mu   sync.RWMutex
		subs map[*subscription]Subscriber
		seq  []*subscription
	}

	subscription struct {
		bus  *Bus
		once sync.Once
	}

	baseEvent struct {
		conversation string
		agent        string
		ts           float64
	}

	// AgentFinishedEvent reports an agent reaching its terminal state.
	AgentFinishedEvent struct {
		baseEvent
		Branch string
	}

	// SessionFinishedEvent reports a conversation retiring. GCed lists
	// agents that were reaped rather than finishing on their own.
	SessionFinishedEvent struct {
		baseEvent
		GCed []string
	}

	// AgentGCEvent reports one agent reaped at a tick boundary.
	AgentGCEvent struct {
		baseEvent
		Tick int64
	}

	// StalledAgentFinalisedEvent reports a force-finish after too many
	// rounds without progress.
	StalledAgentFinalisedEvent struct {
		baseEvent
		Branch string
		Rounds int
	}

	// BranchSwitchedEvent reports a current-branch pointer move.
	BranchSwitchedEvent struct {
		baseEvent
		Branch string
	}

	// ArtifactPublishedEvent reports an artifact recorded by a
	// post-effect.
	ArtifactPublishedEvent struct {
		baseEvent
		Ref          string
		ArtifactType string
	}
)

// HandleEvent implements Subscriber.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

func (b baseEvent) Conversation() string { return b.conversation }
func (b baseEvent) Agent() string        { return b.agent }
func (b baseEvent) Timestamp() float64   { return b.ts }

func (AgentFinishedEvent) Type() EventType         { return AgentFinished }
func (SessionFinishedEvent) Type() EventType       { return SessionFinished }
func (AgentGCEvent) Type() EventType               { return AgentGC }
func (StalledAgentFinalisedEvent) Type() EventType { return StalledAgentFinalised }
func (BranchSwitchedEvent) Type() EventType        { return BranchSwitched }
func (ArtifactPublishedEvent) Type() EventType     { return ArtifactPublished }

func newBase(conversation, agent string) baseEvent {
	return baseEvent{conversation: conversation, agent: agent, ts: state.Now()}
}

// NewAgentFinished builds an AgentFinishedEvent stamped with the current
// time.
func NewAgentFinished(conversation, agent, branch string) AgentFinishedEvent {
	return AgentFinishedEvent{baseEvent: newBase(conversation, agent), Branch: branch}
}

// NewSessionFinished builds a SessionFinishedEvent stamped with the current
// time.
func NewSessionFinished(conversation string, gced []string) SessionFinishedEvent {
	return SessionFinishedEvent{baseEvent: newBase(conversation, ""), GCed: gced}
}

// NewAgentGC builds an AgentGCEvent stamped with the current time.
func NewAgentGC(conversation, agent string, tick int64) AgentGCEvent {
	return AgentGCEvent{baseEvent: newBase(conversation, agent), Tick: tick}
}

// NewStalledAgentFinalised builds a StalledAgentFinalisedEvent stamped with
// the current time.
func NewStalledAgentFinalised(conversation, agent, branch string, rounds int) StalledAgentFinalisedEvent {
	return StalledAgentFinalisedEvent{baseEvent: newBase(conversation, agent), Branch: branch, Rounds: rounds}
}

// NewBranchSwitched builds a BranchSwitchedEvent stamped with the current
// time.
func NewBranchSwitched(conversation, agent, branch string) BranchSwitchedEvent {
	return BranchSwitchedEvent{baseEvent: newBase(conversation, agent), Branch: branch}
}

// NewArtifactPublished builds an ArtifactPublishedEvent stamped with the
// current time.
func NewArtifactPublished(conversation, agent, ref, artifactType string) ArtifactPublishedEvent {
	return ArtifactPublishedEvent{baseEvent: newBase(conversation, agent), Ref: ref, ArtifactType: artifactType}
}

// NewBus returns an empty bus ready for use.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscription]Subscriber)}
}

// Publish delivers the event to every registered subscriber in registration
// order, stopping at the first error. Publishing with no subscribers is a
// no-op.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.seq))
	for _, s := range b.seq {
		if sub, ok := b.subs[s]; ok {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register adds a subscriber and returns a handle that unregisters it when
// closed.
func (b *Bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.subs[s] = sub
	b.seq = append(b.seq, s)
	b.mu.Unlock()
	return s, nil
}

// Close implements Subscription.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		for i, cand := range s.bus.seq {
			if cand == s {
				s.bus.seq = append(s.bus.seq[:i], s.bus.seq[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
	})
	return nil
}
