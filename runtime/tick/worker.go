package tick

import (
	"context"
	"errors"
	"fmt"
	"time"

	agentruntime "goa.design/orchestra/runtime/agent/runtime"
	"goa.design/orchestra/runtime/conversation"
	"goa.design/orchestra/runtime/effect"
	"goa.design/orchestra/runtime/hooks"
	"goa.design/orchestra/runtime/queue"
	"goa.design/orchestra/runtime/stack"
	"goa.design/orchestra/runtime/state"
	"goa.design/orchestra/runtime/telemetry"
)

const (
	// DefaultFenceTTL bounds the per-conversation tick fence; a crashed
	// worker frees the conversation after this long.
	DefaultFenceTTL = 60 * time.Second
	// DefaultMaxRounds caps re-enqueued rounds within one tick and the
	// stall count before an agent is force-finished.
	DefaultMaxRounds = 30

	// stallCounterTTL expires abandoned stall counters.
	stallCounterTTL = 24 * time.Hour
)

type (
	// Worker consumes the ticks queue: it steps live agents for
	// process_session_tick tasks and bridges finished children for
	// bubble_up_delegate tasks.
	Worker struct {
		rt       *agentruntime.Runtime
		exec     *effect.Executor
		reg      conversation.Registry
		stacks   stack.Store
		probe    effect.Prober
		counters Counter
		queues   queue.Producer
		hooks    *hooks.Bus

		logger  telemetry.Logger
		metrics telemetry.Metrics

		fenceTTL  time.Duration
		maxRounds int
	}

	// WorkerOptions configures a Worker. Runtime, Executor, Registry,
	// Stacks, Probe, Counters and Queues are required.
	WorkerOptions struct {
		Runtime  *agentruntime.Runtime
		Executor *effect.Executor
		Registry conversation.Registry
		Stacks   stack.Store
		Probe    effect.Prober
		Counters Counter
		Queues   queue.Producer
		Hooks    *hooks.Bus
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics

		FenceTTL  time.Duration
		MaxRounds int
	}
)

// NewWorker builds a Worker from opts.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Runtime == nil {
		return nil, errors.New("runtime is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Stacks == nil {
		return nil, errors.New("stacks is required")
	}
	if opts.Probe == nil {
		return nil, errors.New("probe is required")
	}
	if opts.Counters == nil {
		return nil, errors.New("counters is required")
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
	if opts.FenceTTL <= 0 {
		opts.FenceTTL = DefaultFenceTTL
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = DefaultMaxRounds
	}
	return &Worker{
		rt:        opts.Runtime,
		exec:      opts.Executor,
		reg:       opts.Registry,
		stacks:    opts.Stacks,
		probe:     opts.Probe,
		counters:  opts.Counters,
		queues:    opts.Queues,
		hooks:     opts.Hooks,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		fenceTTL:  opts.FenceTTL,
		maxRounds: opts.MaxRounds,
	}, nil
}

// Register subscribes the worker to the ticks queue.
func (w *Worker) Register(ctx context.Context, c queue.Consumer) error {
	return c.Subscribe(ctx, queue.Ticks, w.Handle)
}

// Handle dispatches one ticks-queue task.
func (w *Worker) Handle(ctx context.Context, task queue.Task) error {
	switch task.Type {
	case queue.TaskProcessSessionTick:
		var t queue.ProcessSessionTick
		if err := task.Decode(&t); err != nil {
			return err
		}
		return w.processTick(ctx, t)
	case queue.TaskBubbleUpDelegate:
		var t queue.BubbleUpDelegate
		if err := task.Decode(&t); err != nil {
			return err
		}
		return w.bubbleUp(ctx, t)
	default:
		w.logger.Warn(ctx, "unknown ticks task", "type", task.Type)
		return nil
	}
}

// processTick steps every live agent of the conversation once under the
// conversation's tick fence. Progress re-enqueues the next round up to the
// round cap; the driver takes over from there.
func (w *Worker) processTick(ctx context.Context, t queue.ProcessSessionTick) error {
	conv := t.ConversationID
	claimed, err := w.probe.Once(ctx, fenceKey(conv), w.fenceTTL)
	if err != nil {
		return fmt.Errorf("claim tick fence for %s: %w", conv, err)
	}
	if !claimed {
		w.logger.Debug(ctx, "tick fence held, dropping round", "conversation", conv, "round", t.Round)
		w.metrics.IncCounter("tick_fence_drops", 1)
		return nil
	}
	defer func() {
		if err := w.probe.Clear(ctx, fenceKey(conv)); err != nil {
			w.logger.Warn(ctx, "release tick fence failed", "conversation", conv, "err", err)
		}
	}()

	tick, err := w.reg.CurrentTick(ctx, conv)
	if err != nil {
		return fmt.Errorf("read current tick: %w", err)
	}
	live, err := w.reg.LiveAgents(ctx, conv)
	if err != nil {
		return fmt.Errorf("list live agents: %w", err)
	}

	progressed := false
	for _, agentID := range live {
		res, err := w.rt.Step(ctx, conv, agentID)
		if err != nil {
			w.logger.Error(ctx, "step failed", "conversation", conv, "agent", agentID, "err", err)
			w.metrics.IncCounter("step_errors", 1, "agent", agentID)
			continue
		}
		if err := w.reg.ClearWaiting(ctx, conv, tick, agentID); err != nil {
			w.logger.Warn(ctx, "clear waiting failed", "conversation", conv, "agent", agentID, "err", err)
		}
		if len(res.Effects) > 0 {
			w.exec.Execute(ctx, res.Effects)
		}
		if res.Progressed {
			progressed = true
		}
		w.trackStall(ctx, conv, agentID, res.Progressed)
	}

	if progressed && t.Round < w.maxRounds {
		task, err := queue.NewTask(queue.TaskProcessSessionTick, queue.ProcessSessionTick{
			ConversationID: conv,
			Round:          t.Round + 1,
		})
		if err != nil {
			return err
		}
		if err := w.queues.Enqueue(ctx, queue.Ticks, task); err != nil {
			return fmt.Errorf("enqueue next round: %w", err)
		}
	}
	return nil
}

// bubbleUp delivers a finished child's answer to its waiting parent.
func (w *Worker) bubbleUp(ctx context.Context, t queue.BubbleUpDelegate) error {
	w.logger.Info(ctx, "bridging delegate result", "conversation", t.ConversationID,
		"parent", t.Parent, "child", t.Child)
	w.exec.Execute(ctx, []effect.Effect{effect.PushAgentResult{
		Conversation:  t.ConversationID,
		TargetAgent:   t.Parent,
		CorrelationID: t.CorrelationID,
		Result:        map[string]any{"content": t.Text},
		ChildAgent:    t.Child,
	}})
	return nil
}

// trackStall counts consecutive no-progress rounds per branch and
// force-finishes agents that exceed the cap, so a wedged agent cannot spin
// its conversation forever.
func (w *Worker) trackStall(ctx context.Context, conv, agentID string, progressed bool) {
	st := w.stacks.Open(conv, agentID)
	branch, err := st.CurrentBranch(ctx)
	if err != nil {
		w.logger.Warn(ctx, "read current branch failed", "conversation", conv, "agent", agentID, "err", err)
		return
	}
	key := StallKey(conv, agentID, branch)
	if progressed {
		if err := w.counters.Reset(ctx, key); err != nil {
			w.logger.Warn(ctx, "reset stall counter failed", "key", key, "err", err)
		}
		return
	}
	n, err := w.counters.Incr(ctx, key, stallCounterTTL)
	if err != nil {
		w.logger.Warn(ctx, "bump stall counter failed", "key", key, "err", err)
		return
	}
	if n <= int64(w.maxRounds) {
		return
	}
	w.forceFinish(ctx, conv, agentID, branch, int(n))
	if err := w.counters.Reset(ctx, key); err != nil {
		w.logger.Warn(ctx, "reset stall counter failed", "key", key, "err", err)
	}
}

func (w *Worker) forceFinish(ctx context.Context, conv, agentID, branch string, rounds int) {
	w.logger.Warn(ctx, "force-finishing stalled agent", "conversation", conv,
		"agent", agentID, "branch", branch, "rounds", rounds)
	st := w.stacks.Open(conv, agentID)
	if err := st.Push(ctx, "", state.NewFinished()); err != nil {
		w.logger.Error(ctx, "push finished failed", "conversation", conv, "agent", agentID, "err", err)
		return
	}
	if _, err := w.reg.MarkFinished(ctx, conv, agentID); err != nil {
		w.logger.Error(ctx, "mark finished failed", "conversation", conv, "agent", agentID, "err", err)
	}
	w.metrics.IncCounter("stalled_agents_finalised", 1, "agent", agentID)
	if w.hooks != nil {
		if err := w.hooks.Publish(ctx, hooks.NewStalledAgentFinalised(conv, agentID, branch, rounds)); err != nil {
			w.logger.Warn(ctx, "stalled agent hook failed", "agent", agentID, "err", err)
		}
		if err := w.hooks.Publish(ctx, hooks.NewAgentFinished(conv, agentID, branch)); err != nil {
			w.logger.Warn(ctx, "agent finished hook failed", "agent", agentID, "err", err)
		}
	}
}

func fenceKey(conv string) string { return "tick_fence:" + conv }

// StallKey is the stall counter key for one branch. The tool worker resets
// it when a result lands so slow tools do not read as stalls.
func StallKey(conv, agentID, branch string) string {
	return fmt.Sprintf("stall:%s:%s:%s", conv, agentID, branch)
}
