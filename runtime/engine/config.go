package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"goa.design/orchestra/runtime/agent"
)

type (
	// FileConfig is the declarative half of an engine deployment: tool
	// manifests and agent options loaded from YAML. Code still provides
	// the Tool and Agent implementations; the file tunes how the
	// scheduler drives them.
	FileConfig struct {
		Tools  []ToolConfig  `yaml:"tools"`
		Agents []AgentConfig `yaml:"agents"`
	}

	// ToolConfig declares one tool manifest.
	ToolConfig struct {
		Name           string         `yaml:"name"`
		Description    string         `yaml:"description"`
		TTL            Duration       `yaml:"ttl"`
		Reflect        bool           `yaml:"reflect"`
		SideEffectFree bool           `yaml:"side_effect_free"`
		PostEffects    []string       `yaml:"post_effects"`
		InputSchema    map[string]any `yaml:"input_schema"`
	}

	// AgentConfig declares one agent's runtime options.
	AgentConfig struct {
		ID               string `yaml:"id"`
		SelfReflection   bool   `yaml:"self_reflection"`
		ReflectionPrompt string `yaml:"reflection_prompt"`
		ReflectionAgent  string `yaml:"reflection_agent"`
	}

	// Duration decodes YAML strings like "30s" or "5m".
	Duration time.Duration
)

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// LoadConfig reads and validates an engine configuration file. Input
// schemas are compiled here so a malformed schema fails the deployment, not
// the first call.
func LoadConfig(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(raw)
}

// ParseConfig decodes and validates configuration bytes.
func ParseConfig(raw []byte) (*FileConfig, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	seenTools := make(map[string]struct{}, len(cfg.Tools))
	for i, t := range cfg.Tools {
		if t.Name == "" {
			return nil, fmt.Errorf("tools[%d]: name is required", i)
		}
		if _, dup := seenTools[t.Name]; dup {
			return nil, fmt.Errorf("tools[%d]: duplicate tool %q", i, t.Name)
		}
		seenTools[t.Name] = struct{}{}
		if len(t.InputSchema) > 0 {
			if err := compileSchema(t.InputSchema); err != nil {
				return nil, fmt.Errorf("tool %q: invalid input schema: %w", t.Name, err)
			}
		}
	}
	seenAgents := make(map[string]struct{}, len(cfg.Agents))
	for i, a := range cfg.Agents {
		if a.ID == "" {
			return nil, fmt.Errorf("agents[%d]: id is required", i)
		}
		if _, dup := seenAgents[a.ID]; dup {
			return nil, fmt.Errorf("agents[%d]: duplicate agent %q", i, a.ID)
		}
		seenAgents[a.ID] = struct{}{}
	}
	return &cfg, nil
}

// Manifest renders the declaration as a tool manifest.
func (t ToolConfig) Manifest() agent.Manifest {
	m := agent.Manifest{
		Name:           t.Name,
		Description:    t.Description,
		TTL:            time.Duration(t.TTL),
		Reflect:        t.Reflect,
		SideEffectFree: t.SideEffectFree,
		PostEffects:    t.PostEffects,
	}
	if len(t.InputSchema) > 0 {
		// Validated by ParseConfig; a schema that marshalled once
		// marshals again.
		raw, err := json.Marshal(normalizeYAML(t.InputSchema))
		if err == nil {
			m.InputSchema = raw
		}
	}
	return m
}

// Options renders the declaration as agent options.
func (a AgentConfig) Options() agent.Options {
	return agent.Options{
		SelfReflection:   a.SelfReflection,
		ReflectionPrompt: a.ReflectionPrompt,
		ReflectionAgent:  a.ReflectionAgent,
	}
}

// ManifestFor returns the declared manifest for the named tool.
func (c *FileConfig) ManifestFor(name string) (agent.Manifest, bool) {
	for _, t := range c.Tools {
		if t.Name == name {
			return t.Manifest(), true
		}
	}
	return agent.Manifest{}, false
}

// OptionsFor returns the declared options for the named agent.
func (c *FileConfig) OptionsFor(id string) (agent.Options, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a.Options(), true
		}
	}
	return agent.Options{}, false
}

func compileSchema(schema map[string]any) error {
	doc := normalizeYAML(schema)
	c := jsonschema.NewCompiler()
	if err := c.AddResource("input.json", doc); err != nil {
		return err
	}
	_, err := c.Compile("input.json")
	return err
}

// normalizeYAML rewrites YAML's map[any]any nesting into the map[string]any
// shape JSON tooling expects.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}
