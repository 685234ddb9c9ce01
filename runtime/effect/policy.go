package effect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/orchestra/runtime/agent"
	"goa.design/orchestra/runtime/artifact"
	"goa.design/orchestra/runtime/telemetry"
)

// DefaultDedupTTL bounds a dedup probe when the tool manifest carries no
// TTL of its own.
const DefaultDedupTTL = 24 * time.Hour

type (
	// Prober is the set-if-absent probe shared by the dedup policies and
	// the runtime's one-shot guards. Once atomically claims key for ttl
	// and reports whether this caller made the claim.
	Prober interface {
		Once(ctx context.Context, key string, ttl time.Duration) (bool, error)
		Seen(ctx context.Context, key string) (bool, error)
		Clear(ctx context.Context, key string) error
	}

	// Policy decides whether a tool call may run. duplicate reports
	// whether an identical call was already seen inside the dedup
	// window; policies differ in whether duplicates still run. Probe
	// failures admit the call: a broken dedup store must not halt
	// conversations.
	Policy interface {
		Admit(ctx context.Context, call CallTool, m agent.Manifest) (allowed, duplicate bool)
	}

	// PolicyOptions configures the probing policies.
	PolicyOptions struct {
		// Probe is the set-if-absent store. Required.
		Probe Prober
		// Bus records duplicate_tool_call metric artifacts. Optional.
		Bus artifact.Bus
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
		// TTL bounds probes for manifests without a TTL. Defaults to
		// DefaultDedupTTL.
		TTL time.Duration
	}

	// NonePolicy admits every call and never probes.
	NonePolicy struct{}

	// PenaltyPolicy admits every call but records duplicates, leaving it
	// to evaluation to penalize agents that repeat themselves.
	PenaltyPolicy struct {
		opts PolicyOptions
	}

	// StrictPolicy blocks duplicate calls unless the manifest marks the
	// tool side-effect free.
	StrictPolicy struct {
		opts PolicyOptions
	}
)

var (
	_ Policy = NonePolicy{}
	_ Policy = (*PenaltyPolicy)(nil)
	_ Policy = (*StrictPolicy)(nil)
)

// ProbeKey returns the dedup probe key guarding one logical tool call on a
// branch. hash is the ToolHash of the call.
func ProbeKey(conversation, agentID, branch, hash string) string {
	return fmt.Sprintf("dedup:%s:%s:%s:%s", conversation, agentID, branch, hash)
}

// NewNonePolicy returns the policy that admits everything.
func NewNonePolicy() NonePolicy { return NonePolicy{} }

// Admit implements Policy.
func (NonePolicy) Admit(context.Context, CallTool, agent.Manifest) (bool, bool) {
	return true, false
}

// NewPenaltyPolicy returns the policy that admits duplicates but records
// them as duplicate_tool_call metric artifacts.
func NewPenaltyPolicy(opts PolicyOptions) (*PenaltyPolicy, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	return &PenaltyPolicy{opts: opts}, nil
}

// Admit implements Policy.
func (p *PenaltyPolicy) Admit(ctx context.Context, call CallTool, m agent.Manifest) (bool, bool) {
	dup := p.opts.probe(ctx, call, m)
	if dup {
		p.opts.recordDuplicate(ctx, call, "allowed")
	}
	return true, dup
}

// NewStrictPolicy returns the policy that blocks duplicates of tools with
// side effects.
func NewStrictPolicy(opts PolicyOptions) (*StrictPolicy, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	return &StrictPolicy{opts: opts}, nil
}

// Admit implements Policy.
func (p *StrictPolicy) Admit(ctx context.Context, call CallTool, m agent.Manifest) (bool, bool) {
	dup := p.opts.probe(ctx, call, m)
	if !dup {
		return true, false
	}
	if m.SideEffectFree {
		p.opts.Logger.Debug(ctx, "admitting duplicate of side-effect-free tool",
			"conversation", call.Conversation, "tool", call.ToolName)
		return true, true
	}
	p.opts.recordDuplicate(ctx, call, "blocked")
	return false, true
}

func (o PolicyOptions) normalize() (PolicyOptions, error) {
	if o.Probe == nil {
		return o, errors.New("probe is required")
	}
	if o.Logger == nil {
		o.Logger = telemetry.NewNoopLogger()
	}
	if o.TTL <= 0 {
		o.TTL = DefaultDedupTTL
	}
	return o, nil
}

// probe claims the call's dedup key and reports whether it was already
// held. Probe failures read as "not a duplicate" so the call still runs.
func (o PolicyOptions) probe(ctx context.Context, call CallTool, m agent.Manifest) bool {
	ttl := m.TTL
	if ttl <= 0 {
		ttl = o.TTL
	}
	key := ProbeKey(call.Conversation, call.Agent, call.Branch, ToolHash(call.ToolName, call.Parameters))
	claimed, err := o.Probe.Once(ctx, key, ttl)
	if err != nil {
		o.Logger.Warn(ctx, "dedup probe failed, admitting call",
			"conversation", call.Conversation, "tool", call.ToolName, "err", err)
		return false
	}
	return !claimed
}

func (o PolicyOptions) recordDuplicate(ctx context.Context, call CallTool, action string) {
	if o.Bus == nil {
		return
	}
	extra := map[string]any{"action": action, "tool": call.ToolName}
	if _, err := artifact.PublishMetric(ctx, o.Bus, call.Conversation, call.Agent, call.Branch,
		"duplicate_tool_call", 1, extra); err != nil {
		o.Logger.Warn(ctx, "record duplicate tool call",
			"conversation", call.Conversation, "tool", call.ToolName, "err", err)
	}
}
