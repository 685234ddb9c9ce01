package effect_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/orchestra/runtime/agent"
	"goa.design/orchestra/runtime/conversation"
	conversationinmem "goa.design/orchestra/runtime/conversation/inmem"
	delegateinmem "goa.design/orchestra/runtime/delegate/inmem"
	"goa.design/orchestra/runtime/effect"
	effectinmem "goa.design/orchestra/runtime/effect/inmem"
	"goa.design/orchestra/runtime/queue"
	queueinmem "goa.design/orchestra/runtime/queue/inmem"
	stackinmem "goa.design/orchestra/runtime/stack/inmem"
	"goa.design/orchestra/runtime/state"
)

type wakeRecorder struct {
	mu    sync.Mutex
	convs []string
}

func (w *wakeRecorder) Wake(_ context.Context, conversation string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.convs = append(w.convs, conversation)
	return nil
}

func (w *wakeRecorder) woken() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.convs...)
}

type executorFixture struct {
	stacks *stackinmem.Store
	reg    *conversationinmem.Registry
	links  *delegateinmem.Links
	queues *queueinmem.Transport
	probe  *effectinmem.Prober
	wake   *wakeRecorder
	exec   *effect.Executor
}

func newExecutorFixture(t *testing.T, policy effect.Policy, tools *agent.Toolbox) *executorFixture {
	t.Helper()
	f := &executorFixture{
		stacks: stackinmem.New(stackinmem.Options{}),
		reg:    conversationinmem.New(),
		links:  delegateinmem.New(),
		queues: queueinmem.New(nil),
		probe:  effectinmem.New(),
		wake:   &wakeRecorder{},
	}
	var manifests effect.Manifests
	if tools != nil {
		manifests = tools
	}
	exec, err := effect.NewExecutor(effect.ExecutorOptions{
		Deps: effect.Deps{
			Stacks:  f.stacks,
			Mailbox: f.reg,
			Links:   f.links,
			Queues:  f.queues,
			Wake:    f.wake,
		},
		Policy:    policy,
		Manifests: manifests,
	})
	require.NoError(t, err)
	f.exec = exec
	return f
}

func TestExecutorRequiresDeps(t *testing.T) {
	_, err := effect.NewExecutor(effect.ExecutorOptions{})
	assert.EqualError(t, err, "stacks is required")
}

func TestExecutorPublishesSystemReply(t *testing.T) {
	f := newExecutorFixture(t, nil, nil)
	ctx := context.Background()

	f.exec.Execute(ctx, []effect.Effect{effect.PublishSystemReply{
		Conversation: "conv-1",
		Message:      "all done",
		EmittedAtNs:  time.Now().UnixNano(),
	}})

	reply, err := f.reg.LastReply(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "all done", reply)

	_, err = f.reg.LastReply(ctx, "conv-2")
	assert.ErrorIs(t, err, conversation.ErrNoReply)
}

func TestExecutorPushToAgentSeedsTargetAndLinks(t *testing.T) {
	f := newExecutorFixture(t, nil, nil)
	ctx := context.Background()

	// The sender already has an episode going; the delegate must join it.
	parent := f.stacks.Open("conv-1", "planner")
	require.NoError(t, parent.Push(ctx, "", state.NewUserMessage("kick off")))
	parentEpisode, err := parent.Episode(ctx, "")
	require.NoError(t, err)
	require.NotEmpty(t, parentEpisode)

	f.exec.Execute(ctx, []effect.Effect{effect.PushToAgent{
		Conversation:  "conv-1",
		TargetAgent:   "researcher",
		Message:       "dig into this",
		SenderAgent:   "planner",
		CorrelationID: "corr-1",
	}})

	child := f.stacks.Open("conv-1", "researcher")
	top, ok, err := child.Current(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	msg, isMsg := top.(state.UserMessage)
	require.True(t, isMsg)
	assert.Equal(t, "dig into this", msg.Text)

	episode, err := child.Episode(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, parentEpisode, episode)

	linkedParent, ok, err := f.links.Parent(ctx, "conv-1", "researcher")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "planner", linkedParent)

	corr, ok, err := f.links.Correlation(ctx, "conv-1", "researcher")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "corr-1", corr)

	assert.Equal(t, []string{"conv-1"}, f.wake.woken())
}

func TestExecutorDeliversAgentResult(t *testing.T) {
	f := newExecutorFixture(t, nil, nil)
	ctx := context.Background()

	parent := f.stacks.Open("conv-1", "planner")
	require.NoError(t, parent.Push(ctx, "",
		state.NewAgentCall("researcher", "dig"),
		state.NewWaiting(state.WaitAgent, state.Now()+300, "corr-1"),
	))
	require.NoError(t, f.links.ArmGuard(ctx, "conv-1", "planner", "corr-1", time.Minute))
	require.NoError(t, f.links.Link(ctx, "conv-1", "researcher", "planner", "corr-1", time.Minute))

	f.exec.Execute(ctx, []effect.Effect{effect.PushAgentResult{
		Conversation:  "conv-1",
		TargetAgent:   "planner",
		CorrelationID: "corr-1",
		Result:        map[string]any{"content": "findings"},
		ChildAgent:    "researcher",
	}})

	top, ok, err := parent.Current(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	res, isRes := top.(state.AgentResult)
	require.True(t, isRes)
	assert.Equal(t, "corr-1", res.CorrelationID)
	assert.Equal(t, "findings", res.Result["content"])

	// The waiting entry was consumed, not buried.
	entries, err := parent.LastN(ctx, 10)
	require.NoError(t, err)
	for _, s := range entries {
		_, isWaiting := s.(state.Waiting)
		assert.False(t, isWaiting)
	}

	alive, err := f.links.GuardAlive(ctx, "conv-1", "planner", "corr-1")
	require.NoError(t, err)
	assert.False(t, alive)

	_, ok, err = f.links.Parent(ctx, "conv-1", "researcher")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{"conv-1"}, f.wake.woken())
}

func TestExecutorDropsLateAgentResult(t *testing.T) {
	f := newExecutorFixture(t, nil, nil)
	ctx := context.Background()

	// No guard armed: the parent stopped expecting this result.
	f.exec.Execute(ctx, []effect.Effect{effect.PushAgentResult{
		Conversation:  "conv-1",
		TargetAgent:   "planner",
		CorrelationID: "corr-stale",
		Result:        map[string]any{"content": "too late"},
	}})

	parent := f.stacks.Open("conv-1", "planner")
	n, err := parent.Len(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.wake.woken())
}

func TestExecutorDropsDuplicateAgentResult(t *testing.T) {
	f := newExecutorFixture(t, nil, nil)
	ctx := context.Background()

	parent := f.stacks.Open("conv-1", "planner")
	require.NoError(t, parent.Push(ctx, "",
		state.NewWaiting(state.WaitAgent, state.Now()+300, "corr-1")))
	require.NoError(t, f.links.ArmGuard(ctx, "conv-1", "planner", "corr-1", time.Minute))

	deliver := effect.PushAgentResult{
		Conversation:  "conv-1",
		TargetAgent:   "planner",
		CorrelationID: "corr-1",
		Result:        map[string]any{"content": "findings"},
		ChildAgent:    "researcher",
	}
	f.exec.Execute(ctx, []effect.Effect{deliver})

	// A redelivery races the guard back on; the scan still drops it.
	require.NoError(t, f.links.ArmGuard(ctx, "conv-1", "planner", "corr-1", time.Minute))
	f.exec.Execute(ctx, []effect.Effect{deliver})

	entries, err := parent.LastN(ctx, 50)
	require.NoError(t, err)
	results := 0
	for _, s := range entries {
		if _, isRes := s.(state.AgentResult); isRes {
			results++
		}
	}
	assert.Equal(t, 1, results)
}

func TestExecutorEnqueuesAdmittedToolCall(t *testing.T) {
	tools := agent.NewToolbox()
	f := newExecutorFixture(t, nil, tools)
	ctx := context.Background()

	params := map[string]any{"query": "go"}
	call := effect.CallTool{
		Conversation: "conv-1",
		Agent:        "planner",
		Branch:       "main",
		ToolName:     "search",
		Parameters:   params,
		ToolCallID:   effect.ToolHash("search", params),
		ToolStateEnv: []byte(`{"kind":"tool_call"}`),
	}
	f.exec.Execute(ctx, []effect.Effect{call})

	tasks := f.queues.Tasks(queue.Tools)
	require.Len(t, tasks, 1)
	assert.Equal(t, queue.TaskExecuteTool, tasks[0].Type)

	var payload queue.ExecuteTool
	require.NoError(t, tasks[0].Decode(&payload))
	assert.Equal(t, "conv-1", payload.ConversationID)
	assert.Equal(t, "planner", payload.Agent)
	assert.Equal(t, "search", payload.ToolName)
	assert.Equal(t, call.ToolCallID, payload.ToolCallID)
	assert.Equal(t, "main", payload.BranchID)
	assert.JSONEq(t, `{"kind":"tool_call"}`, string(payload.ToolStateEnv))
}

func TestExecutorSettlesRejectedToolCall(t *testing.T) {
	probe := effectinmem.New()
	policy, err := effect.NewStrictPolicy(effect.PolicyOptions{Probe: probe})
	require.NoError(t, err)
	f := newExecutorFixture(t, policy, nil)
	ctx := context.Background()

	params := map[string]any{"query": "go"}
	hash := effect.ToolHash("search", params)
	call := effect.CallTool{
		Conversation: "conv-1",
		Agent:        "planner",
		Branch:       "main",
		ToolName:     "search",
		Parameters:   params,
		ToolCallID:   hash,
	}

	st := f.stacks.Open("conv-1", "planner")
	require.NoError(t, st.Push(ctx, "",
		state.NewToolCall(hash, "search", params),
		state.NewWaiting(state.WaitTool, state.Now()+120, hash),
	))

	// First emission claims the dedup window and reaches the tools queue.
	f.exec.Execute(ctx, []effect.Effect{call})
	require.Len(t, f.queues.Tasks(queue.Tools), 1)

	// The duplicate is settled in place instead of running twice.
	f.exec.Execute(ctx, []effect.Effect{call})
	assert.Len(t, f.queues.Tasks(queue.Tools), 1)

	top, ok, err := st.Current(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	res, isRes := top.(state.ToolResult)
	require.True(t, isRes)
	assert.Equal(t, hash, res.ToolCallID)
	assert.Equal(t, state.StatusSkipped, state.Status(res.Result))
	assert.Equal(t, effect.SkippedDuplicateMessage, res.Result["message"])

	// Only the skip path wakes the tick loop; the admitted call leaves
	// that to the tool worker.
	assert.Equal(t, []string{"conv-1"}, f.wake.woken())
}
