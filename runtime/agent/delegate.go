package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// DelegateToolName is the built-in tool agents call to hand a task to
// another agent.
const DelegateToolName = "delegate"

// delegateTTL bounds one delegation exchange end to end.
const delegateTTL = 300 * time.Second

var delegateSchema = json.RawMessage(`{
	"type": "object",
	"required": ["target", "message"],
	"properties": {
		"target": {"type": "string", "minLength": 1},
		"message": {"type": "string", "minLength": 1}
	}
}`)

type delegateTool struct{}

var _ Tool = delegateTool{}

// NewDelegateTool returns the built-in delegation tool. Executing it does
// nothing by itself; the agent_call post-effect it declares turns the
// recorded result into an AgentCall on the caller's stack, which is where
// the delegation actually starts.
func NewDelegateTool() Tool { return delegateTool{} }

func (delegateTool) Name() string { return DelegateToolName }

func (delegateTool) Manifest() Manifest {
	return Manifest{
		Name:        DelegateToolName,
		Description: "Hand the current task to another agent and wait for its result.",
		TTL:         delegateTTL,
		PostEffects: []string{PostEffectAgentCall},
		InputSchema: delegateSchema,
	}
}

func (d delegateTool) Execute(_ context.Context, inv Invocation) (map[string]any, error) {
	target, _ := inv.Params["target"].(string)
	message, _ := inv.Params["message"].(string)
	if target == "" {
		return nil, errors.New("delegate: target is required")
	}
	if message == "" {
		return nil, errors.New("delegate: message is required")
	}
	if target == inv.Agent {
		return nil, errors.New("delegate: cannot delegate to self")
	}
	return map[string]any{"status": "ok"}, nil
}
