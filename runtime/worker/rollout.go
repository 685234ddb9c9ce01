package worker

import (
	"context"
	"errors"
	"fmt"

	"goa.design/orchestra/runtime/conversation"
	"goa.design/orchestra/runtime/queue"
	"goa.design/orchestra/runtime/stack"
	"goa.design/orchestra/runtime/state"
	"goa.design/orchestra/runtime/telemetry"
	"goa.design/orchestra/runtime/tick"
)

type (
	// RolloutWorker consumes the rollouts queue: each seed task opens a
	// fresh non-interactive conversation with one user message so batch
	// evaluation runs flow through the exact production tick path.
	RolloutWorker struct {
		reg    conversation.Registry
		stacks stack.Store
		queues queue.Producer

		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// RolloutWorkerOptions configures a RolloutWorker. Registry, Stacks
	// and Queues are required.
	RolloutWorkerOptions struct {
		Registry conversation.Registry
		Stacks   stack.Store
		Queues   queue.Producer
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
	}
)

// NewRolloutWorker builds a RolloutWorker from opts.
func NewRolloutWorker(opts RolloutWorkerOptions) (*RolloutWorker, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
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
	return &RolloutWorker{
		reg:     opts.Registry,
		stacks:  opts.Stacks,
		queues:  opts.Queues,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// Register subscribes the worker to the rollouts queue.
func (w *RolloutWorker) Register(ctx context.Context, c queue.Consumer) error {
	return c.Subscribe(ctx, queue.Rollouts, w.Handle)
}

// Handle dispatches one rollouts-queue task.
func (w *RolloutWorker) Handle(ctx context.Context, task queue.Task) error {
	switch task.Type {
	case queue.TaskSeedRollout:
		var t queue.SeedRollout
		if err := task.Decode(&t); err != nil {
			return err
		}
		return w.seed(ctx, t)
	default:
		w.logger.Warn(ctx, "unknown rollouts task", "type", task.Type)
		return nil
	}
}

// seed tags the conversation, plants the opening message and schedules the
// first tick. The push registers the root agent as a side effect.
func (w *RolloutWorker) seed(ctx context.Context, t queue.SeedRollout) error {
	if t.ConversationID == "" || t.Agent == "" {
		w.logger.Error(ctx, "seed rollout missing identity",
			"conversation", t.ConversationID, "agent", t.Agent)
		return nil
	}
	meta := map[string]string{conversation.MetaDelivery: conversation.DeliveryNonInteractive}
	if t.Team != "" {
		meta[conversation.MetaTeam] = t.Team
	}
	if t.Variant != "" {
		meta[conversation.MetaVariant] = t.Variant
	}
	if err := w.reg.SetMeta(ctx, t.ConversationID, meta); err != nil {
		return fmt.Errorf("tag rollout conversation: %w", err)
	}
	st := w.stacks.Open(t.ConversationID, t.Agent)
	if err := st.Push(ctx, "", state.NewUserMessage(t.Message)); err != nil {
		return fmt.Errorf("seed user message: %w", err)
	}
	if err := tick.Enqueue(ctx, w.queues, t.ConversationID); err != nil {
		return fmt.Errorf("schedule first tick: %w", err)
	}
	w.metrics.IncCounter("rollouts_seeded", 1, "agent", t.Agent)
	w.logger.Info(ctx, "rollout seeded", "conversation", t.ConversationID,
		"agent", t.Agent, "team", t.Team, "variant", t.Variant)
	return nil
}
