// Package model defines the completion client contract shared by the
// provider adapters. Agents build a Request from their transcript; adapters
// translate it into provider calls and map the answer back into a Response
// the runtime can act on.
package model

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrRateLimited marks provider throttling. Callers may retry after backoff;
// the AIMD middleware keys its shrink step off this sentinel.
var ErrRateLimited = errors.New("model: rate limited")

// Role identifies who produced a transcript turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleTool carries a tool result back to the model. ToolCallID and
	// ToolName link it to the assistant turn that requested the call.
	RoleTool Role = "tool"
)

type (
	// Message is one transcript turn.
	Message struct {
		Role    Role
		Content string

		// ToolUse is set on assistant turns that requested a tool call.
		ToolUse *ToolUse

		// ToolCallID and ToolName are set on RoleTool turns.
		ToolCallID string
		ToolName   string
	}

	// ToolUse is a model-requested tool invocation.
	ToolUse struct {
		ID   string
		Name string
		Args map[string]any
	}

	// ToolDefinition advertises one callable tool to the model.
	ToolDefinition struct {
		Name        string
		Description string
		InputSchema json.RawMessage
	}

	// Request is one completion call.
	Request struct {
		// Model overrides the adapter's default model identifier.
		Model string
		// System is the system prompt, if any.
		System string
		// Messages is the transcript, oldest first. Required.
		Messages []Message
		// Tools the model may call this turn.
		Tools []ToolDefinition
		// MaxTokens caps the completion. Zero uses the adapter default.
		MaxTokens int
		// Temperature, when positive, overrides the adapter default.
		Temperature float64
	}

	// Response is the model's answer. At most one of Text and ToolUse
	// drives the next step; adapters keep both when the model mixed them.
	Response struct {
		Text       string
		ToolUse    *ToolUse
		StopReason string
		Usage      Usage
	}

	// Usage reports token consumption for cost accounting.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// Client issues completions.
	Client interface {
		Complete(ctx context.Context, req Request) (*Response, error)
	}
)

// Validate checks the request invariants common to all adapters.
func (r Request) Validate() error {
	if len(r.Messages) == 0 {
		return errors.New("messages are required")
	}
	for _, m := range r.Messages {
		if m.Role == RoleTool && m.ToolCallID == "" {
			return errors.New("tool message missing tool call id")
		}
	}
	return nil
}
