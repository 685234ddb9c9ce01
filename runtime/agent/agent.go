// Package agent defines the pluggable collaborators of the orchestration
// runtime: agents that turn conversation transcripts into actions, and tools
// that agents invoke through the scheduler. The runtime owns the stack and
// the scheduling; implementations of Agent and Tool own the reasoning and
// the side effects.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Transcript roles presented to agents.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Built-in post-effect names tools may declare in their manifests. The agent
// runtime maps them to handlers after a tool result lands.
const (
	PostEffectAgentCall    = "agent_call"
	PostEffectSaveArtifact = "save_artifact"
	PostEffectRaiseEvent   = "raise_event"
)

type (
	// Message is one transcript turn rendered for an agent.
	Message struct {
		// Role is one of the Role constants.
		Role string
		// Content is the turn's text, or the serialized arguments or
		// result on tool turns.
		Content string
		// Name is the tool name on tool turns.
		Name string
		// ToolCallID correlates a tool turn with the call that
		// produced it.
		ToolCallID string
	}

	// Ask is one invocation of an agent: the rendered transcript plus
	// the conversation it belongs to.
	Ask struct {
		ConversationID string
		History        []Message
	}

	// Action is the agent's decision for one turn. The concrete types
	// Reply and FunctionCall are the only implementations; a nil Action
	// means the agent chose to do nothing.
	Action interface {
		isAction()
	}

	// Reply is a final or intermediate textual answer.
	Reply struct {
		Message string
	}

	// FunctionCall requests a tool invocation.
	FunctionCall struct {
		FunctionName string
		Arguments    map[string]any
	}

	// Agent turns a transcript into an action. Implementations must be
	// safe for concurrent use; the runtime may step several
	// conversations at once.
	Agent interface {
		// ID is the agent's stable identifier within a deployment.
		ID() string
		// Run produces the agent's next action for the given
		// transcript. Returning a nil Action with a nil error means
		// the agent has nothing to do this turn.
		Run(ctx context.Context, ask Ask) (Action, error)
	}

	// Options tune how the runtime drives an agent beyond its Run
	// method.
	Options struct {
		// SelfReflection makes the runtime push a reflection prompt
		// when the agent finishes, up to the configured reflection
		// budget.
		SelfReflection bool
		// ReflectionPrompt overrides the default self-reflection
		// prompt.
		ReflectionPrompt string
		// ReflectionAgent, when set, delegates the finished
		// transcript to the named agent for critique instead of
		// re-prompting this one.
		ReflectionAgent string
	}

	// Registration pairs an agent with its runtime options.
	Registration struct {
		Agent   Agent
		Options Options
	}

	// Registry is the process-local directory of agents the runtime can
	// step. Safe for concurrent use.
	Registry struct {
		mu     sync.RWMutex
		agents map[string]Registration
	}

	// Invocation carries the context a tool executes under.
	Invocation struct {
		Conversation string
		Agent        string
		Branch       string
		Params       map[string]any
	}

	// Tool executes one invocation. The result map's "status", "data",
	// "message" and "cache_status" keys have runtime meaning; everything
	// else passes through to the recorded result untouched. Returning an
	// error is equivalent to a result with status "error".
	Tool interface {
		Name() string
		Manifest() Manifest
		Execute(ctx context.Context, inv Invocation) (map[string]any, error)
	}

	// Manifest describes a tool to the scheduler: how long a call may
	// run, how duplicates are judged, and what happens after a result
	// lands.
	Manifest struct {
		Name        string
		Description string
		// TTL bounds one invocation; it also sizes the wait deadline
		// and the dedup window. Zero falls back to the runtime
		// defaults.
		TTL time.Duration
		// Reflect makes the runtime prompt the agent to reflect on
		// the tool's result before answering.
		Reflect bool
		// SideEffectFree marks calls that are safe to repeat; the
		// strict dedup policy admits duplicates of such tools.
		SideEffectFree bool
		// PostEffects names the handlers to run after the result is
		// recorded, in order.
		PostEffects []string
		// InputSchema is an optional JSON Schema for the tool's
		// parameters.
		InputSchema json.RawMessage
	}

	// Toolbox is the process-local directory of tools. Safe for
	// concurrent use.
	Toolbox struct {
		mu    sync.RWMutex
		tools map[string]Tool
	}
)

func (Reply) isAction()        {}
func (FunctionCall) isAction() {}

// NewRegistry returns an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Registration)}
}

// Register adds an agent under its ID. Registering a nil agent, an agent
// with an empty ID or a duplicate ID is an error.
func (r *Registry) Register(a Agent, opts Options) error {
	if a == nil {
		return errors.New("agent is required")
	}
	id := a.ID()
	if id == "" {
		return errors.New("agent id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; ok {
		return fmt.Errorf("agent %q already registered", id)
	}
	r.agents[id] = Registration{Agent: a, Options: opts}
	return nil
}

// Lookup returns the registration for the given agent ID.
func (r *Registry) Lookup(id string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.agents[id]
	return reg, ok
}

// IDs returns the registered agent IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NewToolbox returns an empty toolbox.
func NewToolbox() *Toolbox {
	return &Toolbox{tools: make(map[string]Tool)}
}

// Register adds a tool under its name. Registering a nil tool, a tool with
// an empty name or a duplicate name is an error.
func (t *Toolbox) Register(tool Tool) error {
	if tool == nil {
		return errors.New("tool is required")
	}
	name := tool.Name()
	if name == "" {
		return errors.New("tool name is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tools[name]; ok {
		return fmt.Errorf("tool %q already registered", name)
	}
	t.tools[name] = tool
	return nil
}

// Lookup returns the tool registered under name.
func (t *Toolbox) Lookup(name string) (Tool, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tool, ok := t.tools[name]
	return tool, ok
}

// Manifest returns the manifest of the tool registered under name.
func (t *Toolbox) Manifest(name string) (Manifest, bool) {
	tool, ok := t.Lookup(name)
	if !ok {
		return Manifest{}, false
	}
	return tool.Manifest(), true
}

// Names returns the registered tool names in sorted order.
func (t *Toolbox) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.tools))
	for name := range t.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Manifests returns all registered manifests ordered by tool name. Model
// adapters use it to declare the available tools to the model.
func (t *Toolbox) Manifests() []Manifest {
	names := t.Names()
	manifests := make([]Manifest, 0, len(names))
	for _, name := range names {
		if m, ok := t.Manifest(name); ok {
			manifests = append(manifests, m)
		}
	}
	return manifests
}

// ValidateInput checks params against the manifest's input schema. A
// manifest without a schema accepts anything. Params are normalized through
// a JSON round trip so Go-native values validate the same as decoded JSON.
func (m Manifest) ValidateInput(params map[string]any) error {
	if len(m.InputSchema) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(m.InputSchema, &doc); err != nil {
		return fmt.Errorf("unmarshal input schema for %q: %w", m.Name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("input.json", doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("input.json")
	if err != nil {
		return fmt.Errorf("compile input schema for %q: %w", m.Name, err)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("unmarshal params: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("invalid params for %q: %w", m.Name, err)
	}
	return nil
}
