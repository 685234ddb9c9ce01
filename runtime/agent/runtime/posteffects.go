package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"goa.design/orchestra/runtime/agent"
	"goa.design/orchestra/runtime/artifact"
	"goa.design/orchestra/runtime/effect"
	"goa.design/orchestra/runtime/hooks"
	"goa.design/orchestra/runtime/stack"
	"goa.design/orchestra/runtime/state"
	"goa.design/orchestra/runtime/telemetry"
)

type (
	// PostEffectInput is what a post-effect handler sees: the settled
	// call's identity, its parameters and result, and the stack it may
	// push follow-up states onto.
	PostEffectInput struct {
		Conversation string
		Agent        string
		Branch       string
		ToolName     string
		Stack        stack.Stack
		Params       map[string]any
		Result       map[string]any
	}

	// PostEffectFunc runs after a tool result lands. Returned effects are
	// executed by the caller; errors are logged and never abort the
	// result delivery.
	PostEffectFunc func(ctx context.Context, in PostEffectInput) ([]effect.Effect, error)

	// PostEffects maps manifest-declared post-effect names to handlers.
	// The built-ins cover delegation, artifact capture and custom
	// events; applications may register their own.
	PostEffects struct {
		mu       sync.RWMutex
		handlers map[string]PostEffectFunc

		bus    artifact.Bus
		hooks  *hooks.Bus
		logger telemetry.Logger
	}
)

// NewPostEffects builds a registry preloaded with the built-in handlers.
// bus and hb may be nil; handlers needing them fail with a logged error.
func NewPostEffects(bus artifact.Bus, hb *hooks.Bus, logger telemetry.Logger) *PostEffects {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	p := &PostEffects{
		handlers: make(map[string]PostEffectFunc),
		bus:      bus,
		hooks:    hb,
		logger:   logger,
	}
	p.handlers[agent.PostEffectAgentCall] = p.agentCall
	p.handlers[agent.PostEffectSaveArtifact] = p.saveArtifact
	p.handlers[agent.PostEffectRaiseEvent] = p.raiseEvent
	return p
}

// Register adds a named handler. Built-in names cannot be replaced.
func (p *PostEffects) Register(name string, fn PostEffectFunc) error {
	if name == "" {
		return errors.New("post effect name is required")
	}
	if fn == nil {
		return errors.New("post effect handler is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handlers[name]; ok {
		return fmt.Errorf("post effect %q already registered", name)
	}
	p.handlers[name] = fn
	return nil
}

// Run executes the named post effects in order and collects their effects.
// Unknown names are skipped with a warning; a failing handler is logged and
// the rest still run.
func (p *PostEffects) Run(ctx context.Context, names []string, in PostEffectInput) []effect.Effect {
	var out []effect.Effect
	for _, name := range names {
		p.mu.RLock()
		fn, ok := p.handlers[name]
		p.mu.RUnlock()
		if !ok {
			p.logger.Warn(ctx, "unknown post effect", "name", name, "tool", in.ToolName)
			continue
		}
		effs, err := fn(ctx, in)
		if err != nil {
			p.logger.Error(ctx, "post effect failed", "name", name, "tool", in.ToolName, "err", err)
			continue
		}
		out = append(out, effs...)
	}
	return out
}

// agentCall turns a settled tool call into a delegation: it pushes an
// AgentCall the next tick will open. The delegate tool declares this.
func (p *PostEffects) agentCall(ctx context.Context, in PostEffectInput) ([]effect.Effect, error) {
	target, _ := in.Params["target"].(string)
	if target == "" {
		return nil, errors.New("missing target")
	}
	message, _ := in.Result["message"].(string)
	if message == "" {
		message, _ = in.Params["message"].(string)
	}
	if message == "" {
		return nil, errors.New("missing message")
	}
	if err := in.Stack.Push(ctx, "", state.NewAgentCall(target, message)); err != nil {
		return nil, fmt.Errorf("push agent call: %w", err)
	}
	return nil, nil
}

// saveArtifact captures the tool result (or its "data" key) as a standalone
// artifact on the conversation timeline.
func (p *PostEffects) saveArtifact(ctx context.Context, in PostEffectInput) ([]effect.Effect, error) {
	if p.bus == nil {
		return nil, errors.New("no artifact bus configured")
	}
	typ, _ := in.Params["artifact_type"].(string)
	if typ == "" {
		typ = "tool_artifact"
	}
	payload := any(in.Result)
	if v, ok := in.Result["data"]; ok {
		payload = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	h := artifact.Header{
		Conversation: in.Conversation,
		Agent:        in.Agent,
		Branch:       in.Branch,
		Type:         typ,
		Meta:         map[string]any{"tool": in.ToolName},
	}
	published, err := p.bus.Publish(ctx, h, raw)
	if err != nil {
		return nil, fmt.Errorf("publish artifact: %w", err)
	}
	p.announce(ctx, in, published.Ref, typ)
	return nil, nil
}

// raiseEvent records a named event as a metric artifact, which also lands
// on the conversation's event stream for live followers.
func (p *PostEffects) raiseEvent(ctx context.Context, in PostEffectInput) ([]effect.Effect, error) {
	if p.bus == nil {
		return nil, errors.New("no artifact bus configured")
	}
	name, _ := in.Result["event"].(string)
	if name == "" {
		name, _ = in.Params["event"].(string)
	}
	if name == "" {
		name = in.ToolName
	}
	extra := map[string]any{"tool": in.ToolName}
	if v, ok := in.Result["data"]; ok {
		extra["data"] = v
	}
	h, err := artifact.PublishMetric(ctx, p.bus, in.Conversation, in.Agent, in.Branch, name, 1, extra)
	if err != nil {
		return nil, fmt.Errorf("publish event: %w", err)
	}
	p.announce(ctx, in, h.Ref, artifact.TypeMetric)
	return nil, nil
}

func (p *PostEffects) announce(ctx context.Context, in PostEffectInput, ref, typ string) {
	if p.hooks == nil {
		return
	}
	if err := p.hooks.Publish(ctx, hooks.NewArtifactPublished(in.Conversation, in.Agent, ref, typ)); err != nil {
		p.logger.Warn(ctx, "artifact published hook failed", "ref", ref, "err", err)
	}
}
