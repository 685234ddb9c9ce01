package anthropic

import (
	"context"
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/orchestra/features/model"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func newTestClient(t *testing.T, stub *stubMessagesClient) *Client {
	t.Helper()
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 128})
	require.NoError(t, err)
	return cl
}

func userRequest(text string) model.Request {
	return model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: text}}}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(nil, Options{DefaultModel: "claude-sonnet-4-5"})
	require.EqualError(t, err, "anthropic client is required")

	_, err = New(&stubMessagesClient{}, Options{})
	require.EqualError(t, err, "default model identifier is required")
}

func TestCompleteTextOnly(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "world"}},
		StopReason: sdk.StopReasonEndTurn,
		Usage:      sdk.Usage{InputTokens: 10, OutputTokens: 5},
	}}
	cl := newTestClient(t, stub)

	resp, err := cl.Complete(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, "world", resp.Text)
	assert.Nil(t, resp.ToolUse)
	assert.Equal(t, string(sdk.StopReasonEndTurn), resp.StopReason)
	assert.Equal(t, model.Usage{InputTokens: 10, OutputTokens: 5}, resp.Usage)
	assert.Equal(t, sdk.Model("claude-sonnet-4-5"), stub.lastParams.Model)
	assert.Equal(t, int64(128), stub.lastParams.MaxTokens)
}

func TestCompleteSystemPrompt(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{}}
	cl := newTestClient(t, stub)

	req := userRequest("hello")
	req.System = "You are terse."
	_, err := cl.Complete(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, stub.lastParams.System, 1)
	assert.Equal(t, "You are terse.", stub.lastParams.System[0].Text)
}

func TestCompleteToolUse(t *testing.T) {
	stub := &stubMessagesClient{}
	cl := newTestClient(t, stub)

	req := userRequest("call the tool")
	req.Tools = []model.ToolDefinition{{
		Name:        "web.search",
		Description: "Search the web.",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}}
	stub.resp = &sdk.Message{
		Content: []sdk.ContentBlockUnion{{
			Type:  "tool_use",
			Name:  "web_search",
			ID:    "call-1",
			Input: json.RawMessage(`{"q":"gophers"}`),
		}},
		StopReason: sdk.StopReasonToolUse,
	}

	resp, err := cl.Complete(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp.ToolUse)
	assert.Equal(t, "web.search", resp.ToolUse.Name, "sanitized names map back to canonical")
	assert.Equal(t, "call-1", resp.ToolUse.ID)
	assert.Equal(t, map[string]any{"q": "gophers"}, resp.ToolUse.Args)
	require.Len(t, stub.lastParams.Tools, 1)
}

func TestCompleteReencodesToolTranscript(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{}}
	cl := newTestClient(t, stub)

	req := model.Request{Messages: []model.Message{
		{Role: model.RoleUser, Content: "look this up"},
		{Role: model.RoleAssistant, ToolUse: &model.ToolUse{ID: "call-1", Name: "search", Args: map[string]any{"q": "x"}}},
		{Role: model.RoleTool, ToolCallID: "call-1", ToolName: "search", Content: `{"status":"ok"}`},
	}}
	_, err := cl.Complete(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, stub.lastParams.Messages, 3)
	assert.Equal(t, sdk.MessageParamRoleUser, stub.lastParams.Messages[0].Role)
	assert.Equal(t, sdk.MessageParamRoleAssistant, stub.lastParams.Messages[1].Role)
	assert.Equal(t, sdk.MessageParamRoleUser, stub.lastParams.Messages[2].Role, "tool results travel as user turns")
}

func TestCompleteRequiresMessages(t *testing.T) {
	cl := newTestClient(t, &stubMessagesClient{})

	_, err := cl.Complete(context.Background(), model.Request{})
	require.EqualError(t, err, "anthropic: messages are required")
}

func TestCompletePassesThroughRateLimit(t *testing.T) {
	stub := &stubMessagesClient{err: model.ErrRateLimited}
	cl := newTestClient(t, stub)

	_, err := cl.Complete(context.Background(), userRequest("hi"))
	require.ErrorIs(t, err, model.ErrRateLimited)
}

func TestSanitizeToolName(t *testing.T) {
	assert.Equal(t, "web_search", sanitizeToolName("web.search"))
	assert.Equal(t, "plain-name", sanitizeToolName("plain-name"))
	assert.Equal(t, "a_b_c", sanitizeToolName("a b/c"))
}
