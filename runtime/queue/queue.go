// Package queue defines the task transport contract: named queues carrying
// typed JSON tasks between the engine, the tick driver and the workers.
// Production uses the Pulse-backed transport; tests pump the in-memory one.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
)

// Queue names.
const (
	Ticks    = "ticks"
	Tools    = "tools"
	Rollouts = "rollouts"
	Evals    = "evals"
)

// Task types.
const (
	TaskProcessSessionTick = "process_session_tick"
	TaskBubbleUpDelegate   = "bubble_up_delegate"
	TaskExecuteTool        = "execute_tool"
	TaskSeedRollout        = "seed_rollout"
	TaskRunEval            = "run_eval"
)

type (
	// Task is one unit of queued work.
	Task struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}

	// Producer enqueues tasks onto a named queue.
	Producer interface {
		Enqueue(ctx context.Context, queue string, task Task) error
	}

	// Handler consumes one task. Errors are logged by the transport;
	// delivery is at-least-once so handlers must tolerate replays.
	Handler func(ctx context.Context, task Task) error

	// Consumer registers the handler for a named queue. At most one
	// handler per queue.
	Consumer interface {
		Subscribe(ctx context.Context, queue string, h Handler) error
	}

	// Transport combines both ends of a queue backend.
	Transport interface {
		Producer
		Consumer
		Close(ctx context.Context) error
	}

	// ProcessSessionTick asks the tick worker to step every live agent of
	// the conversation once. Round counts re-enqueues within one tick.
	ProcessSessionTick struct {
		ConversationID string `json:"conversation_id"`
		Round          int    `json:"round"`
	}

	// BubbleUpDelegate carries a finished child's last assistant text to
	// its parent as a PushAgentResult.
	BubbleUpDelegate struct {
		ConversationID string `json:"conversation_id"`
		Parent         string `json:"parent_agent_id"`
		Child          string `json:"child_agent_id"`
		CorrelationID  string `json:"correlation_id"`
		Text           string `json:"text"`
	}

	// ExecuteTool asks the tool worker to run one admitted tool call.
	// ToolStateEnv replays the encoded ToolCall envelope so the worker can
	// verify the stack top it settles.
	ExecuteTool struct {
		ConversationID string         `json:"conversation_id"`
		Agent          string         `json:"agent_id"`
		ToolName       string         `json:"tool_name"`
		Params         map[string]any `json:"params"`
		ToolCallID     string         `json:"tool_call_id"`
		BranchID       string         `json:"branch_id"`
		ToolStateEnv   []byte         `json:"tool_state_env,omitempty"`
	}

	// SeedRollout asks the rollout worker to open a fresh conversation
	// with one user message.
	SeedRollout struct {
		ConversationID string `json:"conversation_id"`
		Agent          string `json:"agent_id"`
		Message        string `json:"message"`
		Team           string `json:"team,omitempty"`
		Variant        string `json:"variant,omitempty"`
	}

	// RunEval asks the judge worker to settle one pending evaluation
	// artifact.
	RunEval struct {
		Ref            string `json:"ref"`
		ConversationID string `json:"conversation_id"`
	}
)

// NewTask marshals a payload into a Task of the given type.
func NewTask(typ string, payload any) (Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Task{Type: typ, Payload: raw}, nil
}

// Decode unmarshals the task payload into the given struct.
func (t Task) Decode(into any) error {
	if err := json.Unmarshal(t.Payload, into); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Type, err)
	}
	return nil
}
