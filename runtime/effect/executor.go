package effect

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/orchestra/runtime/agent"
	"goa.design/orchestra/runtime/state"
	"goa.design/orchestra/runtime/telemetry"
)

type (
	// Manifests looks up tool manifests by name. *agent.Toolbox
	// implements it.
	Manifests interface {
		Manifest(name string) (agent.Manifest, bool)
	}

	// Executor admits and applies the effects a step produced. CallTool
	// effects pass through the dedup policy and land on the tools queue;
	// every other effect runs inline.
	Executor struct {
		deps      Deps
		policy    Policy
		manifests Manifests
		tracer    telemetry.Tracer
	}

	// ExecutorOptions configures an Executor.
	ExecutorOptions struct {
		// Deps are the collaborators effects run against.
		Deps Deps
		// Policy guards CallTool effects. Defaults to NonePolicy.
		Policy Policy
		// Manifests resolves tool manifests for admission. Optional;
		// unknown tools admit under the default TTLs.
		Manifests Manifests
		// Tracer defaults to a noop tracer.
		Tracer telemetry.Tracer
	}
)

// NewExecutor validates the options and returns a ready executor.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if err := opts.Deps.validate(); err != nil {
		return nil, err
	}
	if opts.Deps.Logger == nil {
		opts.Deps.Logger = telemetry.NewNoopLogger()
	}
	if opts.Deps.Metrics == nil {
		opts.Deps.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Policy == nil {
		opts.Policy = NonePolicy{}
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	return &Executor{
		deps:      opts.Deps,
		policy:    opts.Policy,
		manifests: opts.Manifests,
		tracer:    opts.Tracer,
	}, nil
}

// Execute applies each effect in order. Failures are logged and counted,
// never returned: one broken effect must not abort the rest of a step.
func (e *Executor) Execute(ctx context.Context, effects []Effect) {
	for _, eff := range effects {
		e.apply(ctx, eff)
	}
}

func (e *Executor) apply(ctx context.Context, eff Effect) {
	ctx, span := e.tracer.Start(ctx, "effect."+eff.Kind(),
		trace.WithAttributes(attribute.String("effect.kind", eff.Kind())))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			e.deps.Logger.Error(ctx, "effect panicked", "kind", eff.Kind(), "panic", r)
			e.deps.Metrics.IncCounter("effect_panics", 1, "kind", eff.Kind())
			span.SetStatus(codes.Error, "panic")
		}
	}()

	if call, isCall := eff.(CallTool); isCall {
		e.applyCall(ctx, span, call)
		return
	}
	if err := eff.execute(ctx, e.deps); err != nil {
		e.deps.Logger.Error(ctx, "effect failed", "kind", eff.Kind(), "err", err)
		e.deps.Metrics.IncCounter("effect_errors", 1, "kind", eff.Kind())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	e.deps.Metrics.IncCounter("effect_executed", 1, "kind", eff.Kind())
}

func (e *Executor) applyCall(ctx context.Context, span telemetry.Span, call CallTool) {
	var m agent.Manifest
	if e.manifests != nil {
		m, _ = e.manifests.Manifest(call.ToolName)
	}
	allowed, _ := e.policy.Admit(ctx, call, m)
	if !allowed {
		span.AddEvent("skipped", "reason", "duplicate")
		e.skipCall(ctx, call)
		return
	}
	if err := call.execute(ctx, e.deps); err != nil {
		e.deps.Logger.Error(ctx, "effect failed", "kind", call.Kind(), "err", err)
		e.deps.Metrics.IncCounter("effect_errors", 1, "kind", call.Kind())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	e.deps.Metrics.IncCounter("effect_executed", 1, "kind", call.Kind())
}

// skipCall settles the stack for a call the policy rejected: the waiting
// top is popped and a skipped ToolResult takes the result's place so the
// next tick can continue without it.
func (e *Executor) skipCall(ctx context.Context, call CallTool) {
	e.deps.Logger.Info(ctx, "skipping duplicate tool call",
		"conversation", call.Conversation, "agent", call.Agent, "tool", call.ToolName)
	st := e.deps.Stacks.Open(call.Conversation, call.Agent)
	top, ok, err := st.Current(ctx, "")
	if err != nil {
		e.deps.Logger.Error(ctx, "read top for skipped call",
			"conversation", call.Conversation, "agent", call.Agent, "err", err)
		return
	}
	if ok {
		if w, waiting := top.(state.Waiting); waiting &&
			w.WaitKind == state.WaitTool && w.CorrelationID == call.ToolCallID {
			if _, err := st.Pop(ctx, 1); err != nil {
				e.deps.Logger.Error(ctx, "pop waiting for skipped call",
					"conversation", call.Conversation, "agent", call.Agent, "err", err)
				return
			}
		}
	}
	res := state.NewToolResult(call.ToolCallID, call.ToolName,
		state.StatusResult(state.StatusSkipped, SkippedDuplicateMessage))
	if err := st.Push(ctx, "", res); err != nil {
		e.deps.Logger.Error(ctx, "push skipped tool result",
			"conversation", call.Conversation, "agent", call.Agent, "err", err)
		return
	}
	if err := e.deps.Wake.Wake(ctx, call.Conversation); err != nil {
		e.deps.Logger.Warn(ctx, "wake after skipped call",
			"conversation", call.Conversation, "err", err)
	}
	e.deps.Metrics.IncCounter("effect_skipped", 1, "kind", call.Kind(), "action", "blocked")
}
