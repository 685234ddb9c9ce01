// Package effect defines the side-effect commands agent handlers emit and
// the executor that admits and runs them. Handlers never touch queues,
// mailboxes or foreign stacks directly; they return effects and the
// executor applies them, so a step stays a pure function of the stack top.
package effect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/orchestra/runtime/conversation"
	"goa.design/orchestra/runtime/delegate"
	"goa.design/orchestra/runtime/queue"
	"goa.design/orchestra/runtime/stack"
	"goa.design/orchestra/runtime/state"
	"goa.design/orchestra/runtime/telemetry"
)

// Effect kinds.
const (
	KindCallTool           = "call_tool"
	KindPushToAgent        = "push_to_agent"
	KindPushAgentResult    = "push_agent_result"
	KindPublishSystemReply = "publish_system_reply"
)

// SkippedDuplicateMessage is the message recorded on the synthetic
// ToolResult that settles a call rejected by a dedup policy.
const SkippedDuplicateMessage = "Duplicate call skipped by dedup policy"

// dupScanWindow is how many recent entries PushAgentResult inspects for an
// already-delivered result with the same correlation id.
const dupScanWindow = 50

type (
	// Effect is one side-effect command. The concrete types in this
	// package are the only implementations.
	Effect interface {
		// Kind reports the effect's stable name.
		Kind() string
		// DedupKey is a content hash identifying the effect across
		// retries.
		DedupKey() string

		execute(ctx context.Context, d Deps) error
	}

	// CallTool schedules one tool invocation. It is the only effect the
	// executor runs through a dedup policy; when admitted it becomes an
	// execute_tool task for the tool worker.
	CallTool struct {
		Conversation string
		Agent        string
		Branch       string
		ToolName     string
		Parameters   map[string]any
		ToolCallID   string
		// ToolStateEnv is the encoded ToolCall envelope, replayed to
		// the worker so it can verify the stack top it settles.
		ToolStateEnv []byte
	}

	// PushToAgent seeds another agent's stack with a user message. It is
	// the forward half of a delegation: the target starts working on the
	// next tick while the sender waits.
	PushToAgent struct {
		Conversation  string
		TargetAgent   string
		Message       string
		SenderAgent   string
		CorrelationID string
	}

	// PushAgentResult delivers a finished child's result to the parent
	// that delegated to it. Late and duplicate deliveries are dropped.
	PushAgentResult struct {
		Conversation  string
		TargetAgent   string
		CorrelationID string
		Result        map[string]any
		ChildAgent    string
		Score         *float64
	}

	// PublishSystemReply surfaces a final answer to the conversation's
	// reply mailbox. EmittedAtNs keeps every instance unique so replies
	// never deduplicate.
	PublishSystemReply struct {
		Conversation string
		Message      string
		EmittedAtNs  int64
	}

	// Waker wakes a conversation's tick loop after an effect lands new
	// state. The tick driver provides the production implementation.
	Waker interface {
		Wake(ctx context.Context, conversation string) error
	}

	// Deps carries the collaborators effects touch when they run.
	Deps struct {
		Stacks  stack.Store
		Mailbox conversation.Mailbox
		Links   delegate.Links
		Queues  queue.Producer
		Wake    Waker
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		// LinkTTL bounds delegation linkage keys. Zero means
		// delegate.LinkTTL.
		LinkTTL time.Duration
	}
)

func (CallTool) Kind() string           { return KindCallTool }
func (PushToAgent) Kind() string        { return KindPushToAgent }
func (PushAgentResult) Kind() string    { return KindPushAgentResult }
func (PublishSystemReply) Kind() string { return KindPublishSystemReply }

// DedupKey hashes the call's full field set, including the envelope.
func (e CallTool) DedupKey() string {
	return hashFields(map[string]any{
		"kind":           KindCallTool,
		"conversation":   e.Conversation,
		"agent":          e.Agent,
		"branch":         e.Branch,
		"tool_name":      e.ToolName,
		"parameters":     e.Parameters,
		"tool_call_id":   e.ToolCallID,
		"tool_state_env": e.ToolStateEnv,
	})
}

func (e PushToAgent) DedupKey() string {
	return hashFields(map[string]any{
		"kind":           KindPushToAgent,
		"conversation":   e.Conversation,
		"target_agent":   e.TargetAgent,
		"message":        e.Message,
		"sender_agent":   e.SenderAgent,
		"correlation_id": e.CorrelationID,
	})
}

func (e PushAgentResult) DedupKey() string {
	return hashFields(map[string]any{
		"kind":           KindPushAgentResult,
		"conversation":   e.Conversation,
		"target_agent":   e.TargetAgent,
		"correlation_id": e.CorrelationID,
		"result":         e.Result,
		"child_agent":    e.ChildAgent,
		"score":          e.Score,
	})
}

func (e PublishSystemReply) DedupKey() string {
	return hashFields(map[string]any{
		"kind":          KindPublishSystemReply,
		"conversation":  e.Conversation,
		"message":       e.Message,
		"emitted_at_ns": e.EmittedAtNs,
	})
}

// execute on CallTool covers only the admitted path; admission itself is
// the executor's business.
func (e CallTool) execute(ctx context.Context, d Deps) error {
	task, err := queue.NewTask(queue.TaskExecuteTool, queue.ExecuteTool{
		ConversationID: e.Conversation,
		Agent:          e.Agent,
		ToolName:       e.ToolName,
		Params:         e.Parameters,
		ToolCallID:     e.ToolCallID,
		BranchID:       e.Branch,
		ToolStateEnv:   e.ToolStateEnv,
	})
	if err != nil {
		return err
	}
	if err := d.Queues.Enqueue(ctx, queue.Tools, task); err != nil {
		return fmt.Errorf("enqueue tool call %s: %w", e.ToolName, err)
	}
	return nil
}

func (e PushToAgent) execute(ctx context.Context, d Deps) error {
	target := d.Stacks.Open(e.Conversation, e.TargetAgent)
	// Adopt the sender's episode before the push so the seed message and
	// everything after it group with the delegating exchange.
	if e.SenderAgent != "" {
		sender := d.Stacks.Open(e.Conversation, e.SenderAgent)
		ep, err := sender.Episode(ctx, "")
		if err != nil {
			d.Logger.Warn(ctx, "read sender episode",
				"conversation", e.Conversation, "agent", e.SenderAgent, "err", err)
		} else if ep != "" {
			if err := target.SetEpisode(ctx, "", ep); err != nil {
				d.Logger.Warn(ctx, "copy episode to delegate",
					"conversation", e.Conversation, "agent", e.TargetAgent, "err", err)
			}
		}
	}
	if e.SenderAgent != "" && e.CorrelationID != "" {
		ttl := d.LinkTTL
		if ttl <= 0 {
			ttl = delegate.LinkTTL
		}
		if err := d.Links.Link(ctx, e.Conversation, e.TargetAgent, e.SenderAgent, e.CorrelationID, ttl); err != nil {
			return fmt.Errorf("link delegate %s to %s: %w", e.TargetAgent, e.SenderAgent, err)
		}
	}
	if err := target.Push(ctx, "", state.NewUserMessage(e.Message)); err != nil {
		return fmt.Errorf("push message to %s: %w", e.TargetAgent, err)
	}
	if err := d.Wake.Wake(ctx, e.Conversation); err != nil {
		return fmt.Errorf("wake %s: %w", e.Conversation, err)
	}
	return nil
}

func (e PushAgentResult) execute(ctx context.Context, d Deps) error {
	alive, err := d.Links.GuardAlive(ctx, e.Conversation, e.TargetAgent, e.CorrelationID)
	if err != nil {
		return fmt.Errorf("probe result guard: %w", err)
	}
	if !alive {
		d.Logger.Info(ctx, "dropping late agent result",
			"conversation", e.Conversation, "agent", e.TargetAgent,
			"correlation_id", e.CorrelationID)
		d.Metrics.IncCounter("late_agent_results", 1, "agent", e.TargetAgent)
		return nil
	}

	st := d.Stacks.Open(e.Conversation, e.TargetAgent)
	top, ok, err := st.Current(ctx, "")
	if err != nil {
		return fmt.Errorf("read %s top: %w", e.TargetAgent, err)
	}
	if ok {
		if w, waiting := top.(state.Waiting); waiting &&
			w.WaitKind == state.WaitAgent && w.CorrelationID == e.CorrelationID {
			if _, err := st.Pop(ctx, 1); err != nil {
				return fmt.Errorf("pop waiting: %w", err)
			}
		}
	}
	if err := d.Links.DisarmGuard(ctx, e.Conversation, e.TargetAgent, e.CorrelationID); err != nil {
		d.Logger.Warn(ctx, "disarm result guard",
			"conversation", e.Conversation, "agent", e.TargetAgent, "err", err)
	}

	recent, err := st.LastN(ctx, dupScanWindow)
	if err != nil {
		return fmt.Errorf("scan for duplicate result: %w", err)
	}
	for _, s := range recent {
		if ar, isResult := s.(state.AgentResult); isResult && ar.CorrelationID == e.CorrelationID {
			d.Logger.Info(ctx, "dropping duplicate agent result",
				"conversation", e.Conversation, "agent", e.TargetAgent,
				"correlation_id", e.CorrelationID)
			return nil
		}
	}

	res := state.NewAgentResult(e.CorrelationID, e.Result)
	res.Score = e.Score
	if err := st.Push(ctx, "", res); err != nil {
		return fmt.Errorf("push agent result: %w", err)
	}
	if e.ChildAgent != "" {
		if err := d.Links.Unlink(ctx, e.Conversation, e.ChildAgent); err != nil {
			d.Logger.Warn(ctx, "unlink delegate",
				"conversation", e.Conversation, "agent", e.ChildAgent, "err", err)
		}
	}
	if err := d.Wake.Wake(ctx, e.Conversation); err != nil {
		return fmt.Errorf("wake %s: %w", e.Conversation, err)
	}
	return nil
}

func (e PublishSystemReply) execute(ctx context.Context, d Deps) error {
	if err := d.Mailbox.PublishReply(ctx, e.Conversation, e.Message); err != nil {
		return fmt.Errorf("publish reply: %w", err)
	}
	return nil
}

func (d Deps) validate() error {
	if d.Stacks == nil {
		return errors.New("stacks is required")
	}
	if d.Mailbox == nil {
		return errors.New("mailbox is required")
	}
	if d.Links == nil {
		return errors.New("links is required")
	}
	if d.Queues == nil {
		return errors.New("queues is required")
	}
	if d.Wake == nil {
		return errors.New("wake is required")
	}
	return nil
}
