package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/orchestra/runtime/agent"
	"goa.design/orchestra/runtime/state"
)

func TestRenderTranscriptMapsVariants(t *testing.T) {
	entries := []state.State{
		state.NewUserMessage("hi"),
		state.NewUserInputRequest("which region?"),
		state.NewUserResponse("eu-west"),
		state.NewToolCall("call-1", "search", map[string]any{"query": "go"}),
		state.NewToolResult("call-1", "search", map[string]any{"status": "ok"}),
		state.NewAgentCall("researcher", "dig"),
		state.NewAgentResult("corr-1", map[string]any{"content": "found"}),
		state.NewWaiting(state.WaitTool, 0, "call-2"),
		state.NewAssistantMessage("done"),
		state.NewFinished(),
	}

	msgs := renderTranscript(entries)

	require.Len(t, msgs, 8, "control states must be dropped")
	assert.Equal(t, agent.RoleUser, msgs[0].Role)
	assert.Equal(t, agent.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "which region?", msgs[1].Content)
	assert.Equal(t, agent.RoleUser, msgs[2].Role)
	assert.Equal(t, "eu-west", msgs[2].Content)

	call := msgs[3]
	assert.Equal(t, agent.RoleAssistant, call.Role)
	assert.Equal(t, "search", call.Name)
	assert.Equal(t, "call-1", call.ToolCallID)
	assert.JSONEq(t, `{"query":"go"}`, call.Content)

	result := msgs[4]
	assert.Equal(t, agent.RoleTool, result.Role)
	assert.Equal(t, "call-1", result.ToolCallID)
	assert.JSONEq(t, `{"status":"ok"}`, result.Content)

	delegation := msgs[5]
	assert.Equal(t, agent.RoleAssistant, delegation.Role)
	assert.Equal(t, "researcher", delegation.Name)
	assert.Equal(t, "dig", delegation.Content)

	answer := msgs[6]
	assert.Equal(t, agent.RoleTool, answer.Role)
	assert.Equal(t, agent.DelegateToolName, answer.Name)
	assert.Equal(t, "corr-1", answer.ToolCallID)
	assert.Equal(t, "found", answer.Content)

	assert.Equal(t, "done", msgs[7].Content)
}

func TestRenderTranscriptAgentResultFallsBackToJSON(t *testing.T) {
	msgs := renderTranscript([]state.State{
		state.NewAgentResult("corr-1", map[string]any{"status": "timeout"}),
	})

	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"status":"timeout"}`, msgs[0].Content)
}

func TestTranscriptHonoursWindow(t *testing.T) {
	f := newFixture(t)
	f.registerScripted("planner", agent.Options{})
	rt, err := New(Options{
		Agents:           f.agents,
		Tools:            f.tools,
		Stacks:           f.stacks,
		Registry:         f.reg,
		Links:            f.links,
		Probe:            f.probe,
		Queues:           f.queues,
		TranscriptWindow: 2,
	})
	require.NoError(t, err)
	f.push("conv-1", "planner",
		state.NewUserMessage("one"),
		state.NewAssistantMessage("two"),
		state.NewUserMessage("three"))

	reg, _ := f.agents.Lookup("planner")
	s := &step{conv: "conv-1", agentID: "planner", reg: reg, stack: f.stacks.Open("conv-1", "planner")}
	msgs, err := rt.transcript(context.Background(), s)
	require.NoError(t, err)

	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Content)
	assert.Equal(t, "three", msgs[1].Content)
}
