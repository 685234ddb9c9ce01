package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
tools:
  - name: search
    description: Full-text search over the knowledge base.
    ttl: 45s
    side_effect_free: true
    input_schema:
      type: object
      properties:
        q:
          type: string
      required: [q]
  - name: deploy
    description: Roll out a release.
    post_effects: [raise_event]
agents:
  - id: planner
    self_reflection: true
    reflection_prompt: Double-check the rollout plan before finishing.
  - id: researcher
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)
	require.Len(t, cfg.Tools, 2)
	require.Len(t, cfg.Agents, 2)

	m, ok := cfg.ManifestFor("search")
	require.True(t, ok)
	assert.Equal(t, 45*time.Second, m.TTL)
	assert.True(t, m.SideEffectFree)
	assert.JSONEq(t, `{
		"type": "object",
		"properties": {"q": {"type": "string"}},
		"required": ["q"]
	}`, string(m.InputSchema))

	m, ok = cfg.ManifestFor("deploy")
	require.True(t, ok)
	assert.Equal(t, []string{"raise_event"}, m.PostEffects)
	assert.Nil(t, m.InputSchema)

	opts, ok := cfg.OptionsFor("planner")
	require.True(t, ok)
	assert.True(t, opts.SelfReflection)
	assert.Equal(t, "Double-check the rollout plan before finishing.", opts.ReflectionPrompt)

	_, ok = cfg.ManifestFor("unknown")
	assert.False(t, ok)
	_, ok = cfg.OptionsFor("unknown")
	assert.False(t, ok)
}

func TestParseConfigRejectsDuplicates(t *testing.T) {
	_, err := ParseConfig([]byte("tools:\n  - name: search\n  - name: search\n"))
	require.EqualError(t, err, `tools[1]: duplicate tool "search"`)

	_, err = ParseConfig([]byte("agents:\n  - id: planner\n  - id: planner\n"))
	require.EqualError(t, err, `agents[1]: duplicate agent "planner"`)
}

func TestParseConfigRejectsMissingNames(t *testing.T) {
	_, err := ParseConfig([]byte("tools:\n  - description: nameless\n"))
	require.EqualError(t, err, "tools[0]: name is required")

	_, err = ParseConfig([]byte("agents:\n  - self_reflection: true\n"))
	require.EqualError(t, err, "agents[0]: id is required")
}

func TestParseConfigRejectsInvalidSchema(t *testing.T) {
	_, err := ParseConfig([]byte(`
tools:
  - name: search
    input_schema:
      type: 12
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `tool "search": invalid input schema`)
}

func TestParseConfigRejectsBadDuration(t *testing.T) {
	_, err := ParseConfig([]byte("tools:\n  - name: search\n    ttl: fast\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `parse duration "fast"`)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Tools, 2)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
