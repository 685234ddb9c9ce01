package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"goa.design/orchestra/runtime/agent"
	"goa.design/orchestra/runtime/state"
)

// transcript renders the tail of the current branch into the message list
// handed to an agent, oldest first.
func (r *Runtime) transcript(ctx context.Context, s *step) ([]agent.Message, error) {
	entries, err := s.stack.LastN(ctx, r.transcriptWindow)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return renderTranscript(entries), nil
}

// renderTranscript maps stack entries to chat turns. Control states
// (Waiting, Finished) carry no conversational content and are dropped; tool
// traffic renders as paired assistant/tool turns so the model sees its own
// calls.
func renderTranscript(entries []state.State) []agent.Message {
	msgs := make([]agent.Message, 0, len(entries))
	for _, e := range entries {
		switch v := e.(type) {
		case state.UserMessage:
			msgs = append(msgs, agent.Message{Role: agent.RoleUser, Content: v.Text})
		case state.UserResponse:
			msgs = append(msgs, agent.Message{Role: agent.RoleUser, Content: v.Text})
		case state.AssistantMessage:
			msgs = append(msgs, agent.Message{Role: agent.RoleAssistant, Content: v.Content})
		case state.UserInputRequest:
			msgs = append(msgs, agent.Message{Role: agent.RoleAssistant, Content: v.Text})
		case state.ToolCall:
			msgs = append(msgs, agent.Message{
				Role:       agent.RoleAssistant,
				Name:       v.FunctionName,
				ToolCallID: v.ID,
				Content:    jsonText(v.Arguments),
			})
		case state.ToolResult:
			msgs = append(msgs, agent.Message{
				Role:       agent.RoleTool,
				Name:       v.ToolName,
				ToolCallID: v.ToolCallID,
				Content:    jsonText(v.Result),
			})
		case state.AgentCall:
			msgs = append(msgs, agent.Message{
				Role:    agent.RoleAssistant,
				Name:    v.TargetAgentID,
				Content: v.Message,
			})
		case state.AgentResult:
			content := state.Content(v.Result)
			if content == "" {
				content = jsonText(v.Result)
			}
			msgs = append(msgs, agent.Message{
				Role:       agent.RoleTool,
				Name:       agent.DelegateToolName,
				ToolCallID: v.CorrelationID,
				Content:    content,
			})
		}
	}
	return msgs
}

func jsonText(v any) string {
	if v == nil {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
