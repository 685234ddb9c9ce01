// Package state defines the immutable records that make up an interaction
// stack and the versioned codec that moves them through storage. A state is
// one variant of a closed sum type; variants carry a server-assigned
// timestamp and nothing else shared. States are frozen after construction:
// mutation is expressed as a new push, never in place.
package state

import "time"

type (
	// Kind names a state variant on the wire.
	Kind string

	// WaitKind names what a Waiting state is suspended on.
	WaitKind string

	// State is one variant of the state sum type. The concrete types in
	// this package are the only implementations; the codec rejects
	// anything else.
	State interface {
		// Kind reports the variant's wire tag.
		Kind() Kind
		// Timestamp reports the server-assigned creation time in Unix
		// seconds.
		Timestamp() float64
	}

	// Base carries the server-assigned timestamp embedded by every
	// variant. Construct variants through the New functions or Decode so
	// the timestamp is set.
	Base struct {
		ts float64
	}

	// UserMessage is an external or synthetic prompt addressed to an
	// agent.
	UserMessage struct {
		Base
		Text string         `json:"text"`
		Meta map[string]any `json:"meta,omitempty"`
	}

	// ToolUse mirrors a model-issued tool call attached to an assistant
	// turn.
	ToolUse struct {
		ID           string         `json:"id"`
		FunctionName string         `json:"function_name"`
		Arguments    map[string]any `json:"arguments,omitempty"`
	}

	// AssistantMessage is a final or intermediate reply produced by an
	// agent.
	AssistantMessage struct {
		Base
		Content   string         `json:"content"`
		ToolCalls []ToolUse      `json:"tool_calls,omitempty"`
		Meta      map[string]any `json:"meta,omitempty"`
	}

	// ToolCall is the scheduling marker for a tool invocation. Its ID is
	// the stable hash of the tool name and arguments, so identical
	// requests share an ID.
	ToolCall struct {
		Base
		ID           string         `json:"id"`
		FunctionName string         `json:"function_name"`
		Arguments    map[string]any `json:"arguments,omitempty"`
	}

	// ToolResult records the outcome of a tool invocation. Result may
	// carry "status", "data", "message" and "cache_status"; any other
	// keys pass through to the artifact payload untouched.
	ToolResult struct {
		Base
		ToolCallID string         `json:"tool_call_id"`
		ToolName   string         `json:"tool_name"`
		Result     map[string]any `json:"result,omitempty"`
		Reward     *float64       `json:"reward,omitempty"`
	}

	// AgentCall requests a delegation to another agent.
	AgentCall struct {
		Base
		TargetAgentID string `json:"target_agent_id"`
		Message       string `json:"message"`
	}

	// AgentResult records the outcome of a delegation, correlated back to
	// the originating AgentCall.
	AgentResult struct {
		Base
		CorrelationID string         `json:"correlation_id"`
		Result        map[string]any `json:"result,omitempty"`
		Score         *float64       `json:"score,omitempty"`
	}

	// UserInputRequest pauses a conversation pending human input.
	UserInputRequest struct {
		Base
		Text string `json:"text"`
	}

	// UserResponse resumes a conversation after human input.
	UserResponse struct {
		Base
		Text string `json:"text"`
	}

	// Waiting suspends an agent until a result arrives or the deadline
	// passes. Deadline is a Unix-seconds wall clock; zero means no
	// deadline.
	Waiting struct {
		Base
		WaitKind      WaitKind `json:"kind"`
		Deadline      float64  `json:"deadline,omitempty"`
		CorrelationID string   `json:"correlation_id,omitempty"`
	}

	// Finished terminates a branch. It carries no payload; the branch
	// itself is the context.
	Finished struct {
		Base
	}
)

const (
	KindUserMessage      Kind = "user_message"
	KindAssistantMessage Kind = "assistant_message"
	KindToolCall         Kind = "tool_call"
	KindToolResult       Kind = "tool_result"
	KindAgentCall        Kind = "agent_call"
	KindAgentResult      Kind = "agent_result"
	KindUserInputRequest Kind = "user_input_request"
	KindUserResponse     Kind = "user_response"
	KindWaiting          Kind = "waiting"
	KindFinished         Kind = "finished"
)

const (
	WaitLLM       WaitKind = "llm"
	WaitTool      WaitKind = "tool"
	WaitAgent     WaitKind = "agent"
	WaitUserInput WaitKind = "user_input"
)

// Well-known values of the "status" key in result maps.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
	StatusSkipped = "skipped"
)

// Now returns the current wall clock as Unix seconds with fractional part.
func Now() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// NewBase returns a Base stamped with the current server time.
func NewBase() Base { return Base{ts: Now()} }

// Timestamp reports the server-assigned creation time in Unix seconds.
func (b Base) Timestamp() float64 { return b.ts }

// NewUserMessage returns a UserMessage stamped with the current time.
func NewUserMessage(text string) UserMessage {
	return UserMessage{Base: NewBase(), Text: text}
}

// NewAssistantMessage returns an AssistantMessage stamped with the current
// time.
func NewAssistantMessage(content string) AssistantMessage {
	return AssistantMessage{Base: NewBase(), Content: content}
}

// NewToolCall returns a ToolCall stamped with the current time.
func NewToolCall(id, name string, args map[string]any) ToolCall {
	return ToolCall{Base: NewBase(), ID: id, FunctionName: name, Arguments: args}
}

// NewToolResult returns a ToolResult stamped with the current time.
func NewToolResult(callID, name string, result map[string]any) ToolResult {
	return ToolResult{Base: NewBase(), ToolCallID: callID, ToolName: name, Result: result}
}

// NewAgentCall returns an AgentCall stamped with the current time.
func NewAgentCall(target, message string) AgentCall {
	return AgentCall{Base: NewBase(), TargetAgentID: target, Message: message}
}

// NewAgentResult returns an AgentResult stamped with the current time.
func NewAgentResult(corr string, result map[string]any) AgentResult {
	return AgentResult{Base: NewBase(), CorrelationID: corr, Result: result}
}

// NewUserInputRequest returns a UserInputRequest stamped with the current
// time.
func NewUserInputRequest(text string) UserInputRequest {
	return UserInputRequest{Base: NewBase(), Text: text}
}

// NewUserResponse returns a UserResponse stamped with the current time.
func NewUserResponse(text string) UserResponse {
	return UserResponse{Base: NewBase(), Text: text}
}

// NewWaiting returns a Waiting suspension stamped with the current time.
func NewWaiting(kind WaitKind, deadline float64, corr string) Waiting {
	return Waiting{Base: NewBase(), WaitKind: kind, Deadline: deadline, CorrelationID: corr}
}

// NewFinished returns the branch terminator stamped with the current time.
func NewFinished() Finished { return Finished{Base: NewBase()} }

func (UserMessage) Kind() Kind      { return KindUserMessage }
func (AssistantMessage) Kind() Kind { return KindAssistantMessage }
func (ToolCall) Kind() Kind         { return KindToolCall }
func (ToolResult) Kind() Kind       { return KindToolResult }
func (AgentCall) Kind() Kind        { return KindAgentCall }
func (AgentResult) Kind() Kind      { return KindAgentResult }
func (UserInputRequest) Kind() Kind { return KindUserInputRequest }
func (UserResponse) Kind() Kind     { return KindUserResponse }
func (Waiting) Kind() Kind          { return KindWaiting }
func (Finished) Kind() Kind         { return KindFinished }

// Expired reports whether the deadline has passed at the given wall clock.
// A zero deadline never expires.
func (w Waiting) Expired(now float64) bool {
	return w.Deadline > 0 && now > w.Deadline
}

// Status extracts the "status" key of a result map, defaulting to ok when
// absent.
func Status(result map[string]any) string {
	if result == nil {
		return StatusOK
	}
	if s, ok := result["status"].(string); ok && s != "" {
		return s
	}
	return StatusOK
}

// Content extracts the "content" key of a result map, falling back to
// "message". Used to surface a delegated agent's final text to its parent.
func Content(result map[string]any) string {
	if result == nil {
		return ""
	}
	if s, ok := result["content"].(string); ok {
		return s
	}
	if s, ok := result["message"].(string); ok {
		return s
	}
	return ""
}

// StatusResult builds a result map holding just a status, optionally with a
// human-readable message.
func StatusResult(status, message string) map[string]any {
	r := map[string]any{"status": status}
	if message != "" {
		r["message"] = message
	}
	return r
}
