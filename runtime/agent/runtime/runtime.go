// Package runtime steps conversations: it reads the top of an agent's
// interaction stack, dispatches to the handler for that state variant, and
// returns the effects the handler produced. A step never talks to the outside
// world directly; the effect executor does that afterwards, which keeps a
// step replayable from the stack alone.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"goa.design/orchestra/runtime/agent"
	"goa.design/orchestra/runtime/artifact"
	"goa.design/orchestra/runtime/conversation"
	"goa.design/orchestra/runtime/delegate"
	"goa.design/orchestra/runtime/effect"
	"goa.design/orchestra/runtime/hooks"
	"goa.design/orchestra/runtime/queue"
	"goa.design/orchestra/runtime/stack"
	"goa.design/orchestra/runtime/state"
	"goa.design/orchestra/runtime/telemetry"
)

type (
	// Runtime owns the per-agent step function. It is safe for concurrent
	// use; all mutable state lives in the backing stores.
	Runtime struct {
		agents *agent.Registry
		tools  *agent.Toolbox
		stacks stack.Store
		reg    conversation.Registry
		links  delegate.Links
		probe  effect.Prober
		bus    artifact.Bus
		hooks  *hooks.Bus
		queues queue.Producer

		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		toolTTL          time.Duration
		transcriptWindow int
		maxReflections   int
		evaluator        string
		judgeVersion     string
	}

	// Options configures a Runtime. Agents, Tools, Stacks, Registry,
	// Links, Probe and Queues are required; the rest default to noops or
	// the standard tunables.
	Options struct {
		Agents   *agent.Registry
		Tools    *agent.Toolbox
		Stacks   stack.Store
		Registry conversation.Registry
		Links    delegate.Links
		Probe    effect.Prober
		Bus      artifact.Bus
		Hooks    *hooks.Bus
		Queues   queue.Producer

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer

		// ToolTTL bounds a tool wait when the manifest declares none.
		ToolTTL time.Duration
		// TranscriptWindow caps how many stack entries render into the
		// transcript handed to an agent.
		TranscriptWindow int
		// MaxReflections caps self-reflection prompts per branch.
		MaxReflections int
		// Evaluator names the agent whose replies are auto-scored on
		// finish; empty disables auto-evaluation.
		Evaluator    string
		JudgeVersion string
	}

	// StepResult reports what one step produced. Progressed is true when
	// the step emitted effects or changed the stack, and drives the tick
	// worker's re-enqueue decision.
	StepResult struct {
		Effects    []effect.Effect
		Progressed bool
	}

	// step carries one dispatch through a handler.
	step struct {
		conv    string
		agentID string
		reg     agent.Registration
		stack   stack.Stack
		top     state.State
		effects []effect.Effect
	}
)

const (
	// DefaultToolTTL bounds tool waits when the manifest is silent.
	DefaultToolTTL = 120 * time.Second
	// DefaultTranscriptWindow is the default transcript length.
	DefaultTranscriptWindow = 40
	// DefaultMaxReflections is the default self-reflection cap per branch.
	DefaultMaxReflections = 2

	// agentWaitFloor is the minimum deadline granted to a delegation wait
	// regardless of the configured tool TTL.
	agentWaitFloor = 300 * time.Second
	// guardSlack pads the completion guard past the wait deadline so the
	// expiry handler sees it while the child is merely slow.
	guardSlack = 5 * time.Second
	// finishGuardTTL bounds the once-per-branch finish guard.
	finishGuardTTL = 24 * time.Hour

	defaultReflectionPrompt = "Review your previous answer. If it can be improved, provide a revised answer; otherwise restate it."
	placeholderReply        = "checking…"
)

// handlers maps the top-of-stack variant to its handler. Variants absent
// here (a bare assistant reply, a pending input request) park the agent until
// an external push changes the top.
var handlers = map[state.Kind]func(*Runtime, context.Context, *step) error{
	state.KindUserMessage:      (*Runtime).handleUserTurn,
	state.KindUserResponse:     (*Runtime).handleUserTurn,
	state.KindToolResult:       (*Runtime).handleToolResult,
	state.KindWaiting:          (*Runtime).handleWaiting,
	state.KindToolCall:         (*Runtime).handleToolCall,
	state.KindAgentCall:        (*Runtime).handleAgentCall,
	state.KindAgentResult:      (*Runtime).handleAgentResult,
	state.KindFinished:         (*Runtime).handleFinished,
	state.KindUserInputRequest: (*Runtime).handleIdle,
	state.KindAssistantMessage: (*Runtime).handleIdle,
}

// New builds a Runtime from opts.
func New(opts Options) (*Runtime, error) {
	if opts.Agents == nil {
		return nil, errors.New("agents is required")
	}
	if opts.Tools == nil {
		return nil, errors.New("tools is required")
	}
	if opts.Stacks == nil {
		return nil, errors.New("stacks is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Links == nil {
		return nil, errors.New("links is required")
	}
	if opts.Probe == nil {
		return nil, errors.New("probe is required")
	}
	if opts.Queues == nil {
		return nil, errors.New("queues is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	if opts.ToolTTL <= 0 {
		opts.ToolTTL = DefaultToolTTL
	}
	if opts.TranscriptWindow <= 0 {
		opts.TranscriptWindow = DefaultTranscriptWindow
	}
	if opts.MaxReflections < 0 {
		opts.MaxReflections = DefaultMaxReflections
	}
	return &Runtime{
		agents:           opts.Agents,
		tools:            opts.Tools,
		stacks:           opts.Stacks,
		reg:              opts.Registry,
		links:            opts.Links,
		probe:            opts.Probe,
		bus:              opts.Bus,
		hooks:            opts.Hooks,
		queues:           opts.Queues,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		tracer:           opts.Tracer,
		toolTTL:          opts.ToolTTL,
		transcriptWindow: opts.TranscriptWindow,
		maxReflections:   opts.MaxReflections,
		evaluator:        opts.Evaluator,
		judgeVersion:     opts.JudgeVersion,
	}, nil
}

// Toolbox exposes the runtime's tool manifests, satisfying
// effect.Manifests for the executor's dedup policy.
func (r *Runtime) Toolbox() *agent.Toolbox { return r.tools }

// Step advances one agent in one conversation by a single state transition.
// It reads the top of the agent's current branch, runs the matching handler
// and returns the effects to execute. A panicking handler is recovered and
// yields an empty result so one broken agent cannot wedge the tick.
func (r *Runtime) Step(ctx context.Context, conversationID, agentID string) (res StepResult, err error) {
	ctx, span := r.tracer.Start(ctx, "runtime.step", trace.WithAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.String("agent.id", agentID),
	))
	defer span.End()
	start := time.Now()
	defer func() { r.metrics.RecordTimer("step_duration", time.Since(start), "agent", agentID) }()

	reg, ok := r.agents.Lookup(agentID)
	if !ok {
		return StepResult{}, fmt.Errorf("agent %q not registered", agentID)
	}
	if err := r.reg.Heartbeat(ctx, conversationID, agentID); err != nil {
		r.logger.Warn(ctx, "heartbeat failed", "conversation", conversationID, "agent", agentID, "err", err)
	}

	st := r.stacks.Open(conversationID, agentID)
	lenBefore, err := st.Len(ctx, "")
	if err != nil {
		return StepResult{}, fmt.Errorf("read stack length: %w", err)
	}
	top, ok, err := st.Current(ctx, "")
	if err != nil {
		return StepResult{}, fmt.Errorf("read stack top: %w", err)
	}
	if !ok {
		return StepResult{}, nil
	}
	span.AddEvent("dispatch", "state.kind", string(top.Kind()))

	s := &step{conv: conversationID, agentID: agentID, reg: reg, stack: st, top: top}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error(ctx, "handler panicked", "conversation", conversationID,
				"agent", agentID, "state", top.Kind(), "panic", rec)
			r.metrics.IncCounter("handler_panics", 1, "agent", agentID, "state", string(top.Kind()))
			res, err = StepResult{}, nil
		}
	}()

	handler, ok := handlers[top.Kind()]
	if !ok {
		r.logger.Warn(ctx, "no handler for state", "state", top.Kind(), "agent", agentID)
		return StepResult{}, nil
	}
	if err := handler(r, ctx, s); err != nil {
		return StepResult{}, fmt.Errorf("handle %s: %w", top.Kind(), err)
	}

	lenAfter, err := st.Len(ctx, "")
	if err != nil {
		return StepResult{}, fmt.Errorf("read stack length: %w", err)
	}
	return StepResult{
		Effects:    s.effects,
		Progressed: len(s.effects) > 0 || lenAfter != lenBefore,
	}, nil
}

// emit queues an effect for the caller to execute after the step returns.
func (s *step) emit(effs ...effect.Effect) { s.effects = append(s.effects, effs...) }

// invoke runs the agent over the rendered history and returns its action.
func (r *Runtime) invoke(ctx context.Context, s *step, history []agent.Message) (agent.Action, error) {
	action, err := s.reg.Agent.Run(ctx, agent.Ask{ConversationID: s.conv, History: history})
	if err != nil {
		return nil, fmt.Errorf("run agent %q: %w", s.agentID, err)
	}
	return action, nil
}

// handleIdle parks the agent: an assistant reply or a pending input request
// on top means the next move belongs to the user.
func (r *Runtime) handleIdle(context.Context, *step) error { return nil }
