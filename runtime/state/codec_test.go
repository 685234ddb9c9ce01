package state

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	reward := 1.0
	score := 0.25
	withMeta := NewUserMessage("hi")
	withMeta.Meta = map[string]any{"reflection": "echo"}
	assistant := NewAssistantMessage("done")
	assistant.ToolCalls = []ToolUse{{ID: "abc", FunctionName: "echo", Arguments: map[string]any{"x": 1.0}}}
	toolRes := NewToolResult("abc", "echo", map[string]any{"status": "ok", "data": "pong"})
	toolRes.Reward = &reward
	agentRes := NewAgentResult("corr-1", map[string]any{"content": "done"})
	agentRes.Score = &score

	cases := []struct {
		name string
		s    State
	}{
		{"user message", NewUserMessage("hi")},
		{"user message with meta", withMeta},
		{"assistant message", NewAssistantMessage("hello")},
		{"assistant message with tool calls", assistant},
		{"tool call", NewToolCall("abc", "echo", map[string]any{"x": 1.0, "deep": map[string]any{"y": true}})},
		{"tool result", toolRes},
		{"agent call", NewAgentCall("researcher", "dig into this")},
		{"agent result", agentRes},
		{"user input request", NewUserInputRequest("which one?")},
		{"user response", NewUserResponse("the second")},
		{"waiting on tool", NewWaiting(WaitTool, 1700000000.5, "abc")},
		{"waiting without deadline", NewWaiting(WaitUserInput, 0, "")},
		{"finished", NewFinished()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := Encode(tc.s)
			require.NoError(t, err)
			got, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, tc.s, got)
			assert.Equal(t, tc.s.Kind(), got.Kind())
			assert.Equal(t, tc.s.Timestamp(), got.Timestamp())
		})
	}
}

func TestEncodeCompressesLargePayloads(t *testing.T) {
	msg := NewAssistantMessage(strings.Repeat("orchestra ", 400))
	raw, err := Encode(msg)
	require.NoError(t, err)

	var env struct {
		Compressed bool            `json:"compressed"`
		Data       json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.True(t, env.Compressed)
	assert.True(t, strings.HasPrefix(string(env.Data), `"`), "compressed data should be a base64 string")

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestEncodeSkipsCompressionForSmallPayloads(t *testing.T) {
	raw, err := Encode(NewUserMessage("short"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"compressed"`)
}

func TestDecodeLegacyStringPayload(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want State
	}{
		{
			"user message",
			`{"v":1,"t":"user_message","ts":123.5,"data":"hi there"}`,
			UserMessage{Base: Base{ts: 123.5}, Text: "hi there"},
		},
		{
			"assistant message",
			`{"v":1,"t":"assistant_message","ts":9.25,"data":"done"}`,
			AssistantMessage{Base: Base{ts: 9.25}, Content: "done"},
		},
		{
			"agent call",
			`{"v":1,"t":"agent_call","ts":1.0,"data":"delegate this"}`,
			AgentCall{Base: Base{ts: 1.0}, Message: "delegate this"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode([]byte(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := Decode([]byte(`{"v":2,"t":"tool_result","ts":1.0,"data":"nope"}`))
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"v":1,"t":"telepathy","ts":1.0,"data":{}}`))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecodeRejectsFutureVersion(t *testing.T) {
	_, err := Decode([]byte(`{"v":9,"t":"tool_call","ts":1.0,"data":{}}`))
	require.ErrorIs(t, err, ErrIncompatibleVersion)
	assert.Contains(t, err.Error(), "tool_call")
}

func TestDecodeAcceptsOlderVersion(t *testing.T) {
	got, err := Decode([]byte(`{"v":1,"t":"tool_call","ts":1.0,"data":{"id":"abc","function_name":"echo"}}`))
	require.NoError(t, err)
	tc, ok := got.(ToolCall)
	require.True(t, ok)
	assert.Equal(t, "abc", tc.ID)
	assert.Equal(t, "echo", tc.FunctionName)
	assert.Nil(t, tc.Arguments)
}

func TestDecodeCorruption(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", "][ nope"},
		{"bad base64", `{"v":1,"t":"user_message","ts":1.0,"data":"%%%","compressed":true}`},
		{"bad gzip", `{"v":1,"t":"user_message","ts":1.0,"data":"aGVsbG8=","compressed":true}`},
		{"data shape mismatch", `{"v":2,"t":"waiting","ts":1.0,"data":{"deadline":"soon"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			assert.ErrorIs(t, err, ErrCorrupted)
		})
	}
}

type foreignState struct{ Base }

func (foreignState) Kind() Kind { return Kind("foreign") }

func TestEncodeRejectsForeignState(t *testing.T) {
	_, err := Encode(foreignState{})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestWaitingExpired(t *testing.T) {
	w := NewWaiting(WaitTool, 100, "abc")
	assert.False(t, w.Expired(99))
	assert.False(t, w.Expired(100))
	assert.True(t, w.Expired(101))

	open := NewWaiting(WaitAgent, 0, "xyz")
	assert.False(t, open.Expired(1e12))
}

func TestResultHelpers(t *testing.T) {
	assert.Equal(t, StatusOK, Status(nil))
	assert.Equal(t, StatusOK, Status(map[string]any{"data": 1.0}))
	assert.Equal(t, StatusTimeout, Status(map[string]any{"status": "timeout"}))

	assert.Equal(t, "", Content(nil))
	assert.Equal(t, "done", Content(map[string]any{"content": "done"}))
	assert.Equal(t, "fallback", Content(map[string]any{"message": "fallback"}))

	r := StatusResult(StatusSkipped, "Duplicate call skipped by dedup policy")
	assert.Equal(t, StatusSkipped, r["status"])
	assert.Equal(t, "Duplicate call skipped by dedup policy", r["message"])
	assert.NotContains(t, StatusResult(StatusTimeout, ""), "message")
}
