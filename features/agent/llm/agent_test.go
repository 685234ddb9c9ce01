package llm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/orchestra/features/model"
	"goa.design/orchestra/runtime/agent"
)

type stubModel struct {
	lastReq model.Request
	resp    *model.Response
	err     error
}

func (s *stubModel) Complete(_ context.Context, req model.Request) (*model.Response, error) {
	s.lastReq = req
	return s.resp, s.err
}

type manifestTool struct {
	manifest agent.Manifest
}

func (t *manifestTool) Name() string             { return t.manifest.Name }
func (t *manifestTool) Manifest() agent.Manifest { return t.manifest }
func (t *manifestTool) Execute(context.Context, agent.Invocation) (map[string]any, error) {
	return nil, nil
}

func newTestAgent(t *testing.T, stub *stubModel, opts Options) *Agent {
	t.Helper()
	opts.ID = "planner"
	opts.Client = stub
	a, err := New(opts)
	require.NoError(t, err)
	return a
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Client: &stubModel{}})
	require.EqualError(t, err, "agent id is required")

	_, err = New(Options{ID: "planner"})
	require.EqualError(t, err, "model client is required")
}

func TestRunReturnsReply(t *testing.T) {
	stub := &stubModel{resp: &model.Response{Text: "the answer"}}
	a := newTestAgent(t, stub, Options{System: "Be brief."})

	action, err := a.Run(context.Background(), agent.Ask{
		ConversationID: "conv-1",
		History:        []agent.Message{{Role: agent.RoleUser, Content: "question"}},
	})
	require.NoError(t, err)
	require.IsType(t, agent.Reply{}, action)
	assert.Equal(t, "the answer", action.(agent.Reply).Message)

	assert.Equal(t, "Be brief.", stub.lastReq.System)
	require.Len(t, stub.lastReq.Messages, 1)
	assert.Equal(t, model.RoleUser, stub.lastReq.Messages[0].Role)
}

func TestRunReturnsFunctionCall(t *testing.T) {
	stub := &stubModel{resp: &model.Response{
		ToolUse: &model.ToolUse{ID: "call-1", Name: "search", Args: map[string]any{"q": "gophers"}},
	}}
	a := newTestAgent(t, stub, Options{})

	action, err := a.Run(context.Background(), agent.Ask{
		History: []agent.Message{{Role: agent.RoleUser, Content: "look this up"}},
	})
	require.NoError(t, err)
	require.IsType(t, agent.FunctionCall{}, action)
	call := action.(agent.FunctionCall)
	assert.Equal(t, "search", call.FunctionName)
	assert.Equal(t, map[string]any{"q": "gophers"}, call.Arguments)
}

func TestRunReturnsNilActionOnEmptyCompletion(t *testing.T) {
	stub := &stubModel{resp: &model.Response{}}
	a := newTestAgent(t, stub, Options{})

	action, err := a.Run(context.Background(), agent.Ask{
		History: []agent.Message{{Role: agent.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Nil(t, action)
}

func TestRunEncodesToolTranscript(t *testing.T) {
	stub := &stubModel{resp: &model.Response{Text: "done"}}
	a := newTestAgent(t, stub, Options{})

	_, err := a.Run(context.Background(), agent.Ask{
		History: []agent.Message{
			{Role: agent.RoleUser, Content: "look this up"},
			{Role: agent.RoleAssistant, Name: "search", ToolCallID: "call-1", Content: `{"q":"x"}`},
			{Role: agent.RoleTool, Name: "search", ToolCallID: "call-1", Content: `{"status":"ok"}`},
		},
	})
	require.NoError(t, err)
	require.Len(t, stub.lastReq.Messages, 3)

	call := stub.lastReq.Messages[1]
	assert.Equal(t, model.RoleAssistant, call.Role)
	require.NotNil(t, call.ToolUse)
	assert.Equal(t, "call-1", call.ToolUse.ID)
	assert.Equal(t, map[string]any{"q": "x"}, call.ToolUse.Args)

	result := stub.lastReq.Messages[2]
	assert.Equal(t, model.RoleTool, result.Role)
	assert.Equal(t, "call-1", result.ToolCallID)
	assert.Equal(t, "search", result.ToolName)
}

func TestRunFoldsSystemTurnsIntoPrompt(t *testing.T) {
	stub := &stubModel{resp: &model.Response{Text: "ok"}}
	a := newTestAgent(t, stub, Options{System: "Base."})

	_, err := a.Run(context.Background(), agent.Ask{
		History: []agent.Message{
			{Role: agent.RoleSystem, Content: "Extra guidance."},
			{Role: agent.RoleUser, Content: "hi"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Base.\n\nExtra guidance.", stub.lastReq.System)
	require.Len(t, stub.lastReq.Messages, 1)
}

func TestRunDeclaresToolManifests(t *testing.T) {
	tools := agent.NewToolbox()
	require.NoError(t, tools.Register(&manifestTool{manifest: agent.Manifest{
		Name:        "search",
		Description: "Full-text search.",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}}))

	stub := &stubModel{resp: &model.Response{Text: "ok"}}
	a := newTestAgent(t, stub, Options{Tools: tools})

	_, err := a.Run(context.Background(), agent.Ask{
		History: []agent.Message{{Role: agent.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	require.Len(t, stub.lastReq.Tools, 1)
	assert.Equal(t, "search", stub.lastReq.Tools[0].Name)
	assert.JSONEq(t, `{"type":"object"}`, string(stub.lastReq.Tools[0].InputSchema))
}

func TestRunPropagatesClientErrors(t *testing.T) {
	stub := &stubModel{err: model.ErrRateLimited}
	a := newTestAgent(t, stub, Options{})

	_, err := a.Run(context.Background(), agent.Ask{
		History: []agent.Message{{Role: agent.RoleUser, Content: "hi"}},
	})
	require.ErrorIs(t, err, model.ErrRateLimited)
}
