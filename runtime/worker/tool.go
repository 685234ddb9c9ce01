// Package worker holds the queue consumers that run outside the tick loop:
// the tool worker that executes admitted tool calls, the judge worker that
// settles pending evaluations, and the rollout seeder that opens synthetic
// conversations. Each worker consumes one queue and tolerates replays.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/orchestra/runtime/agent"
	agentruntime "goa.design/orchestra/runtime/agent/runtime"
	"goa.design/orchestra/runtime/artifact"
	"goa.design/orchestra/runtime/effect"
	"goa.design/orchestra/runtime/queue"
	"goa.design/orchestra/runtime/stack"
	"goa.design/orchestra/runtime/state"
	"goa.design/orchestra/runtime/telemetry"
	"goa.design/orchestra/runtime/tick"
)

// DefaultToolTimeout bounds a tool invocation whose manifest carries no TTL.
const DefaultToolTimeout = 120 * time.Second

type (
	// ToolWorker consumes the tools queue. It runs each admitted call
	// under a hard deadline, settles the caller's Waiting suspension with
	// a ToolResult and wakes the conversation. Results for calls the
	// stack has moved past are dropped, which makes redelivery safe.
	ToolWorker struct {
		tools    *agent.Toolbox
		stacks   stack.Store
		exec     *effect.Executor
		post     *agentruntime.PostEffects
		bus      artifact.Bus
		counters tick.Counter
		queues   queue.Producer

		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		timeout time.Duration
	}

	// ToolWorkerOptions configures a ToolWorker. Tools, Stacks and Queues
	// are required.
	ToolWorkerOptions struct {
		Tools  *agent.Toolbox
		Stacks stack.Store
		Queues queue.Producer
		// Executor applies effects returned by post-effect handlers.
		// Optional.
		Executor *effect.Executor
		// PostEffects runs the manifest-declared handlers once a result
		// lands. Optional.
		PostEffects *agentruntime.PostEffects
		// Bus records per-call metric artifacts. Optional.
		Bus artifact.Bus
		// Counters resets the branch stall counter when a result lands.
		// Optional.
		Counters tick.Counter
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
		Tracer   telemetry.Tracer

		// Timeout overrides DefaultToolTimeout.
		Timeout time.Duration
	}
)

// NewToolWorker builds a ToolWorker from opts.
func NewToolWorker(opts ToolWorkerOptions) (*ToolWorker, error) {
	if opts.Tools == nil {
		return nil, errors.New("tools is required")
	}
	if opts.Stacks == nil {
		return nil, errors.New("stacks is required")
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
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultToolTimeout
	}
	return &ToolWorker{
		tools:    opts.Tools,
		stacks:   opts.Stacks,
		exec:     opts.Executor,
		post:     opts.PostEffects,
		bus:      opts.Bus,
		counters: opts.Counters,
		queues:   opts.Queues,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		timeout:  opts.Timeout,
	}, nil
}

// Register subscribes the worker to the tools queue.
func (w *ToolWorker) Register(ctx context.Context, c queue.Consumer) error {
	return c.Subscribe(ctx, queue.Tools, w.Handle)
}

// Handle dispatches one tools-queue task.
func (w *ToolWorker) Handle(ctx context.Context, task queue.Task) error {
	switch task.Type {
	case queue.TaskExecuteTool:
		var t queue.ExecuteTool
		if err := task.Decode(&t); err != nil {
			return err
		}
		return w.execute(ctx, t)
	default:
		w.logger.Warn(ctx, "unknown tools task", "type", task.Type)
		return nil
	}
}

// execute runs the call and settles its result on the stack. The tool's own
// failure modes all land as a result; only infrastructure errors surface to
// the transport for redelivery.
func (w *ToolWorker) execute(ctx context.Context, t queue.ExecuteTool) error {
	ctx, span := w.tracer.Start(ctx, "tool."+t.ToolName,
		trace.WithAttributes(
			attribute.String("tool.name", t.ToolName),
			attribute.String("conversation.id", t.ConversationID),
		))
	defer span.End()

	start := time.Now()
	var (
		result map[string]any
		m      agent.Manifest
	)
	tool, ok := w.tools.Lookup(t.ToolName)
	if !ok {
		w.logger.Error(ctx, "unknown tool", "tool", t.ToolName, "conversation", t.ConversationID)
		result = state.StatusResult(state.StatusError, fmt.Sprintf("unknown tool %q", t.ToolName))
	} else {
		m = tool.Manifest()
		result = w.run(ctx, tool, m, t)
	}
	latency := time.Since(start)
	status := state.Status(result)
	if status != state.StatusOK {
		span.SetStatus(codes.Error, status)
	}
	w.metrics.RecordTimer("tool_latency", latency, "tool", t.ToolName)
	w.metrics.IncCounter("tool_calls", 1, "tool", t.ToolName, "status", status)

	return w.settle(ctx, t, m, result, status, latency)
}

// run invokes the tool under its manifest TTL. The deadline is hard: a tool
// that ignores its context is abandoned and its eventual return discarded.
func (w *ToolWorker) run(ctx context.Context, tool agent.Tool, m agent.Manifest, t queue.ExecuteTool) map[string]any {
	ttl := m.TTL
	if ttl <= 0 {
		ttl = w.timeout
	}
	cctx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()

	done := make(chan map[string]any, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error(ctx, "tool panicked", "tool", t.ToolName, "panic", r)
				w.metrics.IncCounter("tool_panics", 1, "tool", t.ToolName)
				done <- state.StatusResult(state.StatusError, fmt.Sprintf("tool panicked: %v", r))
			}
		}()
		out, err := tool.Execute(cctx, agent.Invocation{
			Conversation: t.ConversationID,
			Agent:        t.Agent,
			Branch:       t.BranchID,
			Params:       t.Params,
		})
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			done <- state.StatusResult(state.StatusTimeout, fmt.Sprintf("tool %s timed out after %s", t.ToolName, ttl))
		case err != nil:
			done <- state.StatusResult(state.StatusError, err.Error())
		case out == nil:
			done <- state.StatusResult(state.StatusOK, "")
		default:
			done <- out
		}
	}()

	select {
	case out := <-done:
		return out
	case <-cctx.Done():
		w.logger.Warn(ctx, "abandoning tool past its deadline", "tool", t.ToolName, "ttl", ttl.String())
		w.metrics.IncCounter("tool_timeouts", 1, "tool", t.ToolName)
		return state.StatusResult(state.StatusTimeout, fmt.Sprintf("tool %s timed out after %s", t.ToolName, ttl))
	}
}

// settle replaces the caller's Waiting suspension with the result, runs the
// manifest's post effects and wakes the conversation.
func (w *ToolWorker) settle(ctx context.Context, t queue.ExecuteTool, m agent.Manifest, result map[string]any, status string, latency time.Duration) error {
	st := w.stacks.Open(t.ConversationID, t.Agent)
	branch, err := st.CurrentBranch(ctx)
	if err != nil {
		return fmt.Errorf("read current branch: %w", err)
	}
	if t.BranchID != "" && branch != t.BranchID {
		w.logger.Info(ctx, "branch switched under in-flight call, dropping result",
			"conversation", t.ConversationID, "agent", t.Agent,
			"call_branch", t.BranchID, "current", branch)
		w.metrics.IncCounter("tool_results_dropped", 1, "tool", t.ToolName, "reason", "branch_switched")
		return nil
	}
	top, ok, err := st.Current(ctx, "")
	if err != nil {
		return fmt.Errorf("read stack top: %w", err)
	}
	wst, waiting := state.Waiting{}, false
	if ok {
		wst, waiting = top.(state.Waiting)
	}
	if !waiting || wst.WaitKind != state.WaitTool || wst.CorrelationID != t.ToolCallID {
		// Already settled by a prior delivery, or the agent moved on.
		w.logger.Warn(ctx, "stack top no longer waits on this call, dropping result",
			"conversation", t.ConversationID, "agent", t.Agent,
			"tool", t.ToolName, "tool_call_id", t.ToolCallID)
		w.metrics.IncCounter("tool_results_dropped", 1, "tool", t.ToolName, "reason", "stale")
		return nil
	}
	if _, err := st.Pop(ctx, 1); err != nil {
		return fmt.Errorf("pop waiting suspension: %w", err)
	}
	reward := 0.0
	if status == state.StatusOK {
		reward = 1
	}
	res := state.NewToolResult(t.ToolCallID, t.ToolName, result)
	res.Reward = &reward
	if err := st.Push(ctx, "", res); err != nil {
		return fmt.Errorf("push tool result: %w", err)
	}

	if w.post != nil && len(m.PostEffects) > 0 {
		effs := w.post.Run(ctx, m.PostEffects, agentruntime.PostEffectInput{
			Conversation: t.ConversationID,
			Agent:        t.Agent,
			Branch:       branch,
			ToolName:     t.ToolName,
			Stack:        st,
			Params:       t.Params,
			Result:       result,
		})
		if len(effs) > 0 && w.exec != nil {
			w.exec.Execute(ctx, effs)
		}
	}

	w.publishCallMetric(ctx, t, branch, result, status, reward, latency)

	if w.counters != nil {
		if err := w.counters.Reset(ctx, tick.StallKey(t.ConversationID, t.Agent, branch)); err != nil {
			w.logger.Warn(ctx, "reset stall counter failed", "conversation", t.ConversationID, "err", err)
		}
	}
	if err := tick.Enqueue(ctx, w.queues, t.ConversationID); err != nil {
		return fmt.Errorf("wake conversation: %w", err)
	}
	return nil
}

// publishCallMetric records the call on the conversation timeline so
// evaluation can price tool usage per branch.
func (w *ToolWorker) publishCallMetric(ctx context.Context, t queue.ExecuteTool, branch string, result map[string]any, status string, reward float64, latency time.Duration) {
	if w.bus == nil {
		return
	}
	extra := map[string]any{
		"tool":       t.ToolName,
		"status":     status,
		"reward":     reward,
		"latency_ms": latency.Milliseconds(),
	}
	if cs, ok := result["cache_status"].(string); ok && cs != "" {
		extra["cache_status"] = cs
	}
	if cost, ok := result["cost"]; ok {
		extra["cost"] = cost
	}
	if _, err := artifact.PublishMetric(ctx, w.bus, t.ConversationID, t.Agent, branch,
		"tool_call", latency.Seconds(), extra); err != nil {
		w.logger.Warn(ctx, "publish tool call metric failed", "tool", t.ToolName, "err", err)
	}
}
