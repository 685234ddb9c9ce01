// Package llm implements agent.Agent on top of a model.Client: the rendered
// transcript becomes a completion request, the toolbox manifests become tool
// declarations, and the model's answer becomes a Reply or FunctionCall.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"goa.design/orchestra/features/model"
	"goa.design/orchestra/runtime/agent"
)

type (
	// Options configures a model-backed agent.
	Options struct {
		// ID is the agent's identifier within the deployment. Required.
		ID string
		// Client produces completions. Required.
		Client model.Client
		// System is the base system prompt. System turns found in the
		// transcript are appended to it.
		System string
		// Model overrides the client's default model identifier.
		Model string
		// MaxTokens caps completions. Zero leaves the cap to the
		// client.
		MaxTokens int
		// Temperature is passed through to the client when positive.
		Temperature float64
		// Tools, when set, declares the registered manifests to the
		// model so it can request invocations.
		Tools *agent.Toolbox
	}

	// Agent is a model-backed agent.
	Agent struct {
		id     string
		client model.Client
		system string
		model  string
		maxTok int
		temp   float64
		tools  *agent.Toolbox
	}
)

var _ agent.Agent = (*Agent)(nil)

// New builds a model-backed agent from the provided options.
func New(opts Options) (*Agent, error) {
	if opts.ID == "" {
		return nil, errors.New("agent id is required")
	}
	if opts.Client == nil {
		return nil, errors.New("model client is required")
	}
	return &Agent{
		id:     opts.ID,
		client: opts.Client,
		system: opts.System,
		model:  opts.Model,
		maxTok: opts.MaxTokens,
		temp:   opts.Temperature,
		tools:  opts.Tools,
	}, nil
}

// ID implements agent.Agent.
func (a *Agent) ID() string { return a.id }

// Run renders the transcript into a completion request and translates the
// model's answer into an action. A completion with neither text nor a tool
// use yields a nil action.
func (a *Agent) Run(ctx context.Context, ask agent.Ask) (agent.Action, error) {
	req, err := a.encodeRequest(ask)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("agent %s: complete: %w", a.id, err)
	}
	if use := resp.ToolUse; use != nil {
		return agent.FunctionCall{FunctionName: use.Name, Arguments: use.Args}, nil
	}
	if resp.Text != "" {
		return agent.Reply{Message: resp.Text}, nil
	}
	return nil, nil
}

func (a *Agent) encodeRequest(ask agent.Ask) (model.Request, error) {
	system := make([]string, 0, 2)
	if a.system != "" {
		system = append(system, a.system)
	}
	messages := make([]model.Message, 0, len(ask.History))
	for _, m := range ask.History {
		switch m.Role {
		case agent.RoleSystem:
			if m.Content != "" {
				system = append(system, m.Content)
			}
		case agent.RoleUser:
			messages = append(messages, model.Message{Role: model.RoleUser, Content: m.Content})
		case agent.RoleAssistant:
			messages = append(messages, encodeAssistant(m))
		case agent.RoleTool:
			messages = append(messages, model.Message{
				Role:       model.RoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
				ToolName:   m.Name,
			})
		default:
			return model.Request{}, fmt.Errorf("agent %s: unsupported transcript role %q", a.id, m.Role)
		}
	}
	req := model.Request{
		Model:       a.model,
		System:      strings.Join(system, "\n\n"),
		Messages:    messages,
		MaxTokens:   a.maxTok,
		Temperature: a.temp,
	}
	if a.tools != nil {
		req.Tools = encodeTools(a.tools.Manifests())
	}
	return req, nil
}

// encodeAssistant distinguishes tool-call turns from plain answers. Tool
// calls carry a correlation ID and serialized arguments; everything else
// (including delegation turns) travels as assistant text.
func encodeAssistant(m agent.Message) model.Message {
	if m.ToolCallID == "" {
		return model.Message{Role: model.RoleAssistant, Content: m.Content}
	}
	use := &model.ToolUse{ID: m.ToolCallID, Name: m.Name}
	if m.Content != "" {
		var args map[string]any
		if err := json.Unmarshal([]byte(m.Content), &args); err == nil {
			use.Args = args
		}
	}
	return model.Message{Role: model.RoleAssistant, ToolUse: use}
}

func encodeTools(manifests []agent.Manifest) []model.ToolDefinition {
	if len(manifests) == 0 {
		return nil
	}
	defs := make([]model.ToolDefinition, 0, len(manifests))
	for _, m := range manifests {
		defs = append(defs, model.ToolDefinition{
			Name:        m.Name,
			Description: m.Description,
			InputSchema: m.InputSchema,
		})
	}
	return defs
}
