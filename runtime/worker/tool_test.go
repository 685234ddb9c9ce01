package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/orchestra/runtime/agent"
	agentruntime "goa.design/orchestra/runtime/agent/runtime"
	"goa.design/orchestra/runtime/artifact"
	artifactinmem "goa.design/orchestra/runtime/artifact/inmem"
	conversationinmem "goa.design/orchestra/runtime/conversation/inmem"
	delegateinmem "goa.design/orchestra/runtime/delegate/inmem"
	"goa.design/orchestra/runtime/effect"
	"goa.design/orchestra/runtime/queue"
	queueinmem "goa.design/orchestra/runtime/queue/inmem"
	stackinmem "goa.design/orchestra/runtime/stack/inmem"
	"goa.design/orchestra/runtime/state"
	"goa.design/orchestra/runtime/tick"
	tickinmem "goa.design/orchestra/runtime/tick/inmem"
)

type stubTool struct {
	name     string
	manifest agent.Manifest
	fn       func(ctx context.Context, inv agent.Invocation) (map[string]any, error)
}

func (t *stubTool) Name() string { return t.name }

func (t *stubTool) Manifest() agent.Manifest {
	m := t.manifest
	m.Name = t.name
	return m
}

func (t *stubTool) Execute(ctx context.Context, inv agent.Invocation) (map[string]any, error) {
	if t.fn == nil {
		return map[string]any{"status": state.StatusOK, "data": "done"}, nil
	}
	return t.fn(ctx, inv)
}

type toolFixture struct {
	t        *testing.T
	tools    *agent.Toolbox
	stacks   *stackinmem.Store
	bus      *artifactinmem.Bus
	counters *tickinmem.Counter
	queues   *queueinmem.Transport
	worker   *ToolWorker
}

func newToolFixture(t *testing.T) *toolFixture {
	t.Helper()
	reg := conversationinmem.New()
	bus := artifactinmem.New(artifactinmem.Options{})
	stacks := stackinmem.New(stackinmem.Options{Registrar: reg, Publisher: bus})
	tools := agent.NewToolbox()
	queues := queueinmem.New(nil)
	exec, err := effect.NewExecutor(effect.ExecutorOptions{
		Deps: effect.Deps{
			Stacks:  stacks,
			Mailbox: reg,
			Links:   delegateinmem.New(),
			Queues:  queues,
			Wake:    tick.NewWaker(queues),
		},
		Manifests: tools,
	})
	require.NoError(t, err)
	counters := tickinmem.New()
	w, err := NewToolWorker(ToolWorkerOptions{
		Tools:       tools,
		Stacks:      stacks,
		Queues:      queues,
		Executor:    exec,
		PostEffects: agentruntime.NewPostEffects(bus, nil, nil),
		Bus:         bus,
		Counters:    counters,
	})
	require.NoError(t, err)
	return &toolFixture{
		t:        t,
		tools:    tools,
		stacks:   stacks,
		bus:      bus,
		counters: counters,
		queues:   queues,
		worker:   w,
	}
}

func (f *toolFixture) handle(t queue.ExecuteTool) {
	f.t.Helper()
	task, err := queue.NewTask(queue.TaskExecuteTool, t)
	require.NoError(f.t, err)
	require.NoError(f.t, f.worker.Handle(context.Background(), task))
}

// suspend plants the scheduling pair the worker settles: the ToolCall marker
// and the Waiting suspension correlated to it.
func (f *toolFixture) suspend(conv, agentID, callID, tool string, params map[string]any) {
	f.t.Helper()
	require.NoError(f.t, f.stacks.Open(conv, agentID).Push(context.Background(), "",
		state.NewToolCall(callID, tool, params),
		state.NewWaiting(state.WaitTool, 0, callID)))
}

func (f *toolFixture) top(conv, agentID string) state.State {
	f.t.Helper()
	top, ok, err := f.stacks.Open(conv, agentID).Current(context.Background(), "")
	require.NoError(f.t, err)
	require.True(f.t, ok)
	return top
}

func TestNewToolWorkerValidatesOptions(t *testing.T) {
	_, err := NewToolWorker(ToolWorkerOptions{})
	require.EqualError(t, err, "tools is required")
}

func TestToolWorkerSettlesResult(t *testing.T) {
	f := newToolFixture(t)
	require.NoError(t, f.tools.Register(&stubTool{name: "search"}))
	f.suspend("conv-1", "planner", "call-1", "search", nil)

	f.handle(queue.ExecuteTool{
		ConversationID: "conv-1",
		Agent:          "planner",
		ToolName:       "search",
		ToolCallID:     "call-1",
	})

	res := f.top("conv-1", "planner").(state.ToolResult)
	assert.Equal(t, "call-1", res.ToolCallID)
	assert.Equal(t, "search", res.ToolName)
	assert.Equal(t, "done", res.Result["data"])
	require.NotNil(t, res.Reward)
	assert.Equal(t, 1.0, *res.Reward)
	assert.NotEmpty(t, f.queues.Tasks(queue.Ticks), "a settled call must wake the conversation")

	metrics, err := f.bus.ReadLastN(context.Background(), "conv-1", 10, artifact.Filter{Type: artifact.TypeMetric})
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, "search", metrics[0].Meta["tool"])
}

func TestToolWorkerRecordsUnknownTool(t *testing.T) {
	f := newToolFixture(t)
	f.suspend("conv-1", "planner", "call-1", "missing", nil)

	f.handle(queue.ExecuteTool{
		ConversationID: "conv-1",
		Agent:          "planner",
		ToolName:       "missing",
		ToolCallID:     "call-1",
	})

	res := f.top("conv-1", "planner").(state.ToolResult)
	assert.Equal(t, state.StatusError, state.Status(res.Result))
	require.NotNil(t, res.Reward)
	assert.Zero(t, *res.Reward)
}

func TestToolWorkerToolErrorEarnsNoReward(t *testing.T) {
	f := newToolFixture(t)
	require.NoError(t, f.tools.Register(&stubTool{
		name: "flaky",
		fn: func(context.Context, agent.Invocation) (map[string]any, error) {
			return nil, errors.New("upstream exploded")
		},
	}))
	f.suspend("conv-1", "planner", "call-1", "flaky", nil)

	f.handle(queue.ExecuteTool{
		ConversationID: "conv-1",
		Agent:          "planner",
		ToolName:       "flaky",
		ToolCallID:     "call-1",
	})

	res := f.top("conv-1", "planner").(state.ToolResult)
	assert.Equal(t, state.StatusError, state.Status(res.Result))
	assert.Equal(t, "upstream exploded", res.Result["message"])
	require.NotNil(t, res.Reward)
	assert.Zero(t, *res.Reward)
}

func TestToolWorkerRecoversFromPanic(t *testing.T) {
	f := newToolFixture(t)
	require.NoError(t, f.tools.Register(&stubTool{
		name: "bomb",
		fn: func(context.Context, agent.Invocation) (map[string]any, error) {
			panic("boom")
		},
	}))
	f.suspend("conv-1", "planner", "call-1", "bomb", nil)

	f.handle(queue.ExecuteTool{
		ConversationID: "conv-1",
		Agent:          "planner",
		ToolName:       "bomb",
		ToolCallID:     "call-1",
	})

	res := f.top("conv-1", "planner").(state.ToolResult)
	assert.Equal(t, state.StatusError, state.Status(res.Result))
}

func TestToolWorkerEnforcesHardDeadline(t *testing.T) {
	f := newToolFixture(t)
	require.NoError(t, f.tools.Register(&stubTool{
		name:     "glacial",
		manifest: agent.Manifest{TTL: 10 * time.Millisecond},
		fn: func(context.Context, agent.Invocation) (map[string]any, error) {
			// Ignores its context on purpose.
			time.Sleep(500 * time.Millisecond)
			return map[string]any{"status": state.StatusOK}, nil
		},
	}))
	f.suspend("conv-1", "planner", "call-1", "glacial", nil)

	start := time.Now()
	f.handle(queue.ExecuteTool{
		ConversationID: "conv-1",
		Agent:          "planner",
		ToolName:       "glacial",
		ToolCallID:     "call-1",
	})

	assert.Less(t, time.Since(start), 400*time.Millisecond, "the worker must not wait out the tool")
	res := f.top("conv-1", "planner").(state.ToolResult)
	assert.Equal(t, state.StatusTimeout, state.Status(res.Result))
}

func TestToolWorkerDropsStaleResult(t *testing.T) {
	f := newToolFixture(t)
	require.NoError(t, f.tools.Register(&stubTool{name: "search"}))
	// The agent has already moved on: no Waiting on top.
	require.NoError(t, f.stacks.Open("conv-1", "planner").Push(context.Background(), "",
		state.NewAssistantMessage("never mind")))

	f.handle(queue.ExecuteTool{
		ConversationID: "conv-1",
		Agent:          "planner",
		ToolName:       "search",
		ToolCallID:     "call-1",
	})

	assert.Equal(t, state.KindAssistantMessage, f.top("conv-1", "planner").Kind())
	assert.Empty(t, f.queues.Tasks(queue.Ticks))
}

func TestToolWorkerDropsResultAfterBranchSwitch(t *testing.T) {
	f := newToolFixture(t)
	require.NoError(t, f.tools.Register(&stubTool{name: "search"}))
	f.suspend("conv-1", "planner", "call-1", "search", nil)

	f.handle(queue.ExecuteTool{
		ConversationID: "conv-1",
		Agent:          "planner",
		ToolName:       "search",
		ToolCallID:     "call-1",
		BranchID:       "deadbeef",
	})

	assert.Equal(t, state.KindWaiting, f.top("conv-1", "planner").Kind(),
		"a result for a foreign branch must not touch the current one")
}

func TestToolWorkerRunsPostEffects(t *testing.T) {
	f := newToolFixture(t)
	require.NoError(t, f.tools.Register(&stubTool{
		name:     "delegate",
		manifest: agent.Manifest{PostEffects: []string{agent.PostEffectAgentCall}},
		fn: func(_ context.Context, inv agent.Invocation) (map[string]any, error) {
			return map[string]any{"status": state.StatusOK, "message": inv.Params["message"]}, nil
		},
	}))
	f.suspend("conv-1", "planner", "call-1", "delegate", nil)

	f.handle(queue.ExecuteTool{
		ConversationID: "conv-1",
		Agent:          "planner",
		ToolName:       "delegate",
		ToolCallID:     "call-1",
		Params:         map[string]any{"target": "researcher", "message": "dig in"},
	})

	call := f.top("conv-1", "planner").(state.AgentCall)
	assert.Equal(t, "researcher", call.TargetAgentID)
	assert.Equal(t, "dig in", call.Message)
}

func TestToolWorkerResetsStallCounter(t *testing.T) {
	f := newToolFixture(t)
	require.NoError(t, f.tools.Register(&stubTool{name: "search"}))
	f.suspend("conv-1", "planner", "call-1", "search", nil)
	ctx := context.Background()
	key := tick.StallKey("conv-1", "planner", "main")
	_, err := f.counters.Incr(ctx, key, time.Minute)
	require.NoError(t, err)

	f.handle(queue.ExecuteTool{
		ConversationID: "conv-1",
		Agent:          "planner",
		ToolName:       "search",
		ToolCallID:     "call-1",
	})

	n, err := f.counters.Incr(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "a landed result must reset the branch stall counter")
}

func TestToolWorkerIgnoresUnknownTask(t *testing.T) {
	f := newToolFixture(t)

	err := f.worker.Handle(context.Background(), queue.Task{Type: "mystery"})

	require.NoError(t, err)
}
