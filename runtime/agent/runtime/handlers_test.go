package runtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/orchestra/runtime/agent"
	"goa.design/orchestra/runtime/artifact"
	"goa.design/orchestra/runtime/conversation"
	"goa.design/orchestra/runtime/delegate"
	"goa.design/orchestra/runtime/effect"
	"goa.design/orchestra/runtime/hooks"
	"goa.design/orchestra/runtime/queue"
	"goa.design/orchestra/runtime/state"
)

type manifestTool struct {
	m agent.Manifest
}

func (t manifestTool) Name() string { return t.m.Name }

func (t manifestTool) Manifest() agent.Manifest { return t.m }

func (t manifestTool) Execute(context.Context, agent.Invocation) (map[string]any, error) {
	return map[string]any{"status": "ok"}, nil
}

func (f *fixture) registerTool(m agent.Manifest) {
	f.t.Helper()
	require.NoError(f.t, f.tools.Register(manifestTool{m: m}))
}

func TestUserMessageReplyFinishesRootBatchRun(t *testing.T) {
	f := newFixture(t)
	a := f.registerScripted("planner", agent.Options{}, agent.Reply{Message: "hello"})
	f.push("conv-1", "planner", state.NewUserMessage("hi"))

	res := f.step("conv-1", "planner")

	require.Len(t, a.asks, 1)
	require.Len(t, a.asks[0].History, 1)
	assert.Equal(t, agent.RoleUser, a.asks[0].History[0].Role)
	assert.Equal(t, "hi", a.asks[0].History[0].Content)

	tail := f.tail("conv-1", "planner", 3)
	require.Len(t, tail, 3)
	assert.Equal(t, "hello", tail[1].(state.AssistantMessage).Content)
	assert.Equal(t, state.KindFinished, tail[2].Kind())

	require.Len(t, res.Effects, 1)
	reply := res.Effects[0].(effect.PublishSystemReply)
	assert.Equal(t, "hello", reply.Message)
	assert.True(t, res.Progressed)
}

func TestUserMessageReplyStaysOpenWhenInteractive(t *testing.T) {
	f := newFixture(t)
	f.registerScripted("planner", agent.Options{}, agent.Reply{Message: "hello"})
	require.NoError(t, f.reg.SetMeta(context.Background(), "conv-1",
		map[string]string{conversation.MetaInteractive: "true"}))
	f.push("conv-1", "planner", state.NewUserMessage("hi"))

	f.step("conv-1", "planner")

	assert.Equal(t, state.KindAssistantMessage, f.top("conv-1", "planner").Kind())
}

func TestUserMessageFunctionCallInstallsWait(t *testing.T) {
	f := newFixture(t)
	args := map[string]any{"query": "go"}
	f.registerScripted("planner", agent.Options{},
		agent.FunctionCall{FunctionName: "search", Arguments: args})
	f.registerTool(agent.Manifest{Name: "search", TTL: 30 * time.Second})
	f.push("conv-1", "planner", state.NewUserMessage("hi"))

	res := f.step("conv-1", "planner")

	hash := effect.ToolHash("search", args)
	tail := f.tail("conv-1", "planner", 3)
	require.Len(t, tail, 3)
	tc := tail[1].(state.ToolCall)
	assert.Equal(t, hash, tc.ID)
	assert.Equal(t, "search", tc.FunctionName)
	wait := tail[2].(state.Waiting)
	assert.Equal(t, state.WaitTool, wait.WaitKind)
	assert.Equal(t, hash, wait.CorrelationID)
	assert.Greater(t, wait.Deadline, state.Now())

	require.Len(t, res.Effects, 1)
	call := res.Effects[0].(effect.CallTool)
	assert.Equal(t, hash, call.ToolCallID)
	assert.Equal(t, "search", call.ToolName)
	assert.NotEmpty(t, call.ToolStateEnv)
}

func TestMaterializeSwallowsCallAlreadyWaiting(t *testing.T) {
	f := newFixture(t)
	f.registerScripted("planner", agent.Options{})
	args := map[string]any{"query": "go"}
	hash := effect.ToolHash("search", args)
	f.push("conv-1", "planner",
		state.NewUserMessage("hi"),
		state.NewToolCall(hash, "search", args),
		state.NewWaiting(state.WaitTool, state.Now()+60, hash))
	st := f.stacks.Open("conv-1", "planner")
	before, err := st.Len(context.Background(), "")
	require.NoError(t, err)

	reg, _ := f.agents.Lookup("planner")
	s := &step{conv: "conv-1", agentID: "planner", reg: reg, stack: st}
	require.NoError(t, f.rt.materialize(context.Background(), s,
		agent.FunctionCall{FunctionName: "search", Arguments: args}))

	after, err := st.Len(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, s.effects)
}

func TestToolResultReinvokesWithToolTurns(t *testing.T) {
	f := newFixture(t)
	a := f.registerScripted("planner", agent.Options{}, agent.Reply{Message: "found it"})
	args := map[string]any{"query": "go"}
	hash := effect.ToolHash("search", args)
	f.push("conv-1", "planner",
		state.NewUserMessage("hi"),
		state.NewToolCall(hash, "search", args),
		state.NewToolResult(hash, "search", map[string]any{"status": "ok", "data": "42"}))

	f.step("conv-1", "planner")

	require.Len(t, a.asks, 1)
	history := a.asks[0].History
	require.Len(t, history, 3)
	assert.Equal(t, agent.RoleAssistant, history[1].Role)
	assert.Equal(t, hash, history[1].ToolCallID)
	assert.Equal(t, agent.RoleTool, history[2].Role)
	assert.Equal(t, "search", history[2].Name)
	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(history[2].Content), &result))
	assert.Equal(t, "42", result["data"])

	assert.Equal(t, state.KindFinished, f.top("conv-1", "planner").Kind())
}

func TestToolResultDelegateIsInert(t *testing.T) {
	f := newFixture(t)
	a := f.registerScripted("planner", agent.Options{})
	f.push("conv-1", "planner",
		state.NewUserMessage("hi"),
		state.NewToolResult("corr-1", agent.DelegateToolName, map[string]any{"status": "ok"}))

	res := f.step("conv-1", "planner")

	assert.Empty(t, a.asks, "delegate results must not reinvoke the parent")
	assert.Empty(t, res.Effects)
	assert.False(t, res.Progressed)
}

func TestToolResultReflectRequestsCritique(t *testing.T) {
	f := newFixture(t)
	a := f.registerScripted("planner", agent.Options{}, agent.Reply{Message: "revised"})
	f.registerTool(agent.Manifest{Name: "analyze", Reflect: true})
	f.push("conv-1", "planner",
		state.NewUserMessage("hi"),
		state.NewToolResult("corr-1", "analyze", map[string]any{"status": "ok"}))

	f.step("conv-1", "planner")

	require.Len(t, a.asks, 1)
	history := a.asks[0].History
	last := history[len(history)-1]
	assert.Equal(t, agent.RoleUser, last.Role)
	assert.Equal(t, defaultReflectionPrompt, last.Content)

	var prompt state.UserMessage
	for _, e := range f.tail("conv-1", "planner", 10) {
		if um, ok := e.(state.UserMessage); ok && um.Meta != nil {
			prompt = um
		}
	}
	assert.Equal(t, "analyze", prompt.Meta["reflection"])
}

func TestWaitingBeforeDeadlineIsInert(t *testing.T) {
	f := newFixture(t)
	f.registerScripted("planner", agent.Options{})
	f.push("conv-1", "planner",
		state.NewUserMessage("hi"),
		state.NewWaiting(state.WaitTool, state.Now()+300, "corr-1"))

	res := f.step("conv-1", "planner")

	assert.Empty(t, res.Effects)
	assert.False(t, res.Progressed)
	assert.Equal(t, state.KindWaiting, f.top("conv-1", "planner").Kind())
}

func TestWaitingToolTimeoutSynthesisesResult(t *testing.T) {
	f := newFixture(t)
	f.registerScripted("planner", agent.Options{})
	args := map[string]any{"query": "go"}
	hash := effect.ToolHash("search", args)
	f.push("conv-1", "planner",
		state.NewUserMessage("hi"),
		state.NewToolCall(hash, "search", args),
		state.NewWaiting(state.WaitTool, state.Now()-1, hash))
	ctx := context.Background()
	branch, err := f.stacks.Open("conv-1", "planner").CurrentBranch(ctx)
	require.NoError(t, err)
	dedupKey := effect.ProbeKey("conv-1", "planner", branch, hash)
	_, err = f.probe.Once(ctx, dedupKey, time.Minute)
	require.NoError(t, err)

	res := f.step("conv-1", "planner")

	tail := f.tail("conv-1", "planner", 4)
	require.Len(t, tail, 4)
	tr := tail[2].(state.ToolResult)
	assert.Equal(t, hash, tr.ToolCallID)
	assert.Equal(t, "search", tr.ToolName)
	assert.Equal(t, state.StatusTimeout, state.Status(tr.Result))
	assert.Equal(t, state.KindFinished, tail[3].Kind())

	require.Len(t, res.Effects, 1)
	assert.Empty(t, res.Effects[0].(effect.PublishSystemReply).Message)
	assert.NotContains(t, f.probe.Keys(), dedupKey, "dedup claim must be released")
}

func TestWaitingAgentTimeoutKeepsChildOpen(t *testing.T) {
	f := newFixture(t)
	f.registerScripted("planner", agent.Options{})
	// planner is itself a child of coordinator, so a timeout must not
	// close the conversation.
	ctx := context.Background()
	require.NoError(t, f.links.Link(ctx, "conv-1", "planner", "coordinator", "corr-up", delegate.LinkTTL))
	f.push("conv-1", "planner",
		state.NewUserMessage("hi"),
		state.NewWaiting(state.WaitAgent, state.Now()-1, "corr-down"))

	res := f.step("conv-1", "planner")

	top := f.top("conv-1", "planner").(state.AgentResult)
	assert.Equal(t, "corr-down", top.CorrelationID)
	assert.Equal(t, state.StatusTimeout, state.Status(top.Result))
	assert.Empty(t, res.Effects)
}

func TestWaitingAgentGraceWhileGuardAlive(t *testing.T) {
	f := newFixture(t)
	f.registerScripted("planner", agent.Options{})
	ctx := context.Background()
	require.NoError(t, f.links.ArmGuard(ctx, "conv-1", "planner", "corr-1", time.Minute))
	f.push("conv-1", "planner",
		state.NewUserMessage("hi"),
		state.NewWaiting(state.WaitAgent, state.Now()-1, "corr-1"))

	res := f.step("conv-1", "planner")

	assert.Equal(t, state.KindWaiting, f.top("conv-1", "planner").Kind())
	assert.Empty(t, res.Effects)
}

func TestBareToolCallRearmsWait(t *testing.T) {
	f := newFixture(t)
	f.registerScripted("planner", agent.Options{})
	args := map[string]any{"query": "go"}
	hash := effect.ToolHash("search", args)
	f.push("conv-1", "planner",
		state.NewUserMessage("hi"),
		state.NewToolCall(hash, "search", args))

	res := f.step("conv-1", "planner")

	wait := f.top("conv-1", "planner").(state.Waiting)
	assert.Equal(t, state.WaitTool, wait.WaitKind)
	assert.Equal(t, hash, wait.CorrelationID)
	require.Len(t, res.Effects, 1)
	call := res.Effects[0].(effect.CallTool)
	assert.Equal(t, hash, call.ToolCallID)
	assert.True(t, res.Progressed)
}

func TestAgentCallOpensDelegation(t *testing.T) {
	f := newFixture(t)
	f.registerScripted("planner", agent.Options{})
	f.push("conv-1", "planner",
		state.NewUserMessage("hi"),
		state.NewAgentCall("researcher", "dig into this"))

	res := f.step("conv-1", "planner")

	tail := f.tail("conv-1", "planner", 4)
	require.Len(t, tail, 4)
	assert.Equal(t, placeholderReply, tail[2].(state.AssistantMessage).Content)
	wait := tail[3].(state.Waiting)
	assert.Equal(t, state.WaitAgent, wait.WaitKind)
	require.NotEmpty(t, wait.CorrelationID)

	ctx := context.Background()
	parent, ok, err := f.links.Parent(ctx, "conv-1", "researcher")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "planner", parent)
	corr, ok, err := f.links.Correlation(ctx, "conv-1", "researcher")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, wait.CorrelationID, corr)
	alive, err := f.links.GuardAlive(ctx, "conv-1", "planner", corr)
	require.NoError(t, err)
	assert.True(t, alive)

	require.Len(t, res.Effects, 1)
	push := res.Effects[0].(effect.PushToAgent)
	assert.Equal(t, "researcher", push.TargetAgent)
	assert.Equal(t, "dig into this", push.Message)
	assert.Equal(t, "planner", push.SenderAgent)
	assert.Equal(t, wait.CorrelationID, push.CorrelationID)
}

func TestAgentResultWithContentPublishes(t *testing.T) {
	f := newFixture(t)
	f.registerScripted("planner", agent.Options{})
	f.push("conv-1", "planner",
		state.NewUserMessage("hi"),
		state.NewAgentResult("corr-1", map[string]any{"content": "the answer"}))

	res := f.step("conv-1", "planner")

	tail := f.tail("conv-1", "planner", 4)
	require.Len(t, tail, 4)
	assert.Equal(t, "the answer", tail[2].(state.AssistantMessage).Content)
	assert.Equal(t, state.KindFinished, tail[3].Kind())
	require.Len(t, res.Effects, 1)
	assert.Equal(t, "the answer", res.Effects[0].(effect.PublishSystemReply).Message)
}

func TestAgentResultEmptySynthesisesOwnReply(t *testing.T) {
	f := newFixture(t)
	a := f.registerScripted("planner", agent.Options{}, agent.Reply{Message: "synthesised"})
	f.push("conv-1", "planner",
		state.NewUserMessage("hi"),
		state.NewAgentResult("corr-1", map[string]any{"status": "timeout"}))

	res := f.step("conv-1", "planner")

	require.Len(t, a.asks, 1)
	history := a.asks[0].History
	require.Len(t, history, 1, "bare result must be excluded from the transcript")
	assert.Equal(t, agent.RoleUser, history[0].Role)

	tail := f.tail("conv-1", "planner", 4)
	require.Len(t, tail, 4)
	assert.Equal(t, "synthesised", tail[2].(state.AssistantMessage).Content)
	assert.Equal(t, state.KindFinished, tail[3].Kind())
	require.Len(t, res.Effects, 1)
}

func TestFinishedFiresHookOnce(t *testing.T) {
	f := newFixture(t)
	f.registerScripted("planner", agent.Options{})
	var fired []hooks.Event
	_, err := f.events.Register(hooks.SubscriberFunc(func(_ context.Context, ev hooks.Event) error {
		fired = append(fired, ev)
		return nil
	}))
	require.NoError(t, err)
	f.push("conv-1", "planner",
		state.NewUserMessage("hi"),
		state.NewAssistantMessage("done"),
		state.NewFinished())

	f.step("conv-1", "planner")
	f.step("conv-1", "planner")

	require.Len(t, fired, 1)
	assert.Equal(t, hooks.AgentFinished, fired[0].Type())
	finished, err := f.reg.IsFinished(context.Background(), "conv-1", "planner")
	require.NoError(t, err)
	assert.True(t, finished)
}

func TestFinishedBridgesResultToParent(t *testing.T) {
	f := newFixture(t)
	f.registerScripted("researcher", agent.Options{})
	ctx := context.Background()
	require.NoError(t, f.links.Link(ctx, "conv-1", "researcher", "planner", "corr-1", delegate.LinkTTL))
	f.push("conv-1", "researcher",
		state.NewUserMessage("dig into this"),
		state.NewAssistantMessage("dug deep, found gold"),
		state.NewFinished())

	f.step("conv-1", "researcher")

	tasks := drainTasks(t, f.queues, queue.Ticks)
	require.Len(t, tasks, 1)
	assert.Equal(t, queue.TaskBubbleUpDelegate, tasks[0].Type)
	var bridge queue.BubbleUpDelegate
	require.NoError(t, tasks[0].Decode(&bridge))
	assert.Equal(t, "planner", bridge.Parent)
	assert.Equal(t, "researcher", bridge.Child)
	assert.Equal(t, "corr-1", bridge.CorrelationID)
	assert.Equal(t, "dug deep, found gold", bridge.Text)
}

func TestFinishedSchedulesAutoEvaluation(t *testing.T) {
	f := newFixture(t)
	f.registerScripted("planner", agent.Options{})
	rt, err := New(Options{
		Agents:       f.agents,
		Tools:        f.tools,
		Stacks:       f.stacks,
		Registry:     f.reg,
		Links:        f.links,
		Probe:        f.probe,
		Bus:          f.bus,
		Hooks:        f.events,
		Queues:       f.queues,
		Evaluator:    "judge",
		JudgeVersion: "v1",
	})
	require.NoError(t, err)
	f.rt = rt
	f.push("conv-1", "planner",
		state.NewUserMessage("hi"),
		state.NewAssistantMessage("done"),
		state.NewFinished())

	f.step("conv-1", "planner")

	ctx := context.Background()
	evals, err := f.bus.ReadLastN(ctx, "conv-1", 10, artifact.Filter{Type: artifact.TypeEvaluation})
	require.NoError(t, err)
	require.Len(t, evals, 1)
	assert.Equal(t, artifact.EvalPending, evals[0].Meta["status"])
	assert.Equal(t, "judge", evals[0].Meta["evaluator"])
	require.Len(t, evals[0].Parents, 1)

	tasks := drainTasks(t, f.queues, queue.Evals)
	require.Len(t, tasks, 1)
	assert.Equal(t, queue.TaskRunEval, tasks[0].Type)
}

func TestFinishedSelfReflectionDefersFinish(t *testing.T) {
	f := newFixture(t)
	f.registerScripted("planner", agent.Options{SelfReflection: true},
		agent.Reply{Message: "better"}, agent.Reply{Message: "best"})
	f.push("conv-1", "planner",
		state.NewUserMessage("hi"),
		state.NewAssistantMessage("draft"),
		state.NewFinished())
	ctx := context.Background()

	f.step("conv-1", "planner")

	prompt := f.top("conv-1", "planner").(state.UserMessage)
	assert.Equal(t, "self", prompt.Meta["reflection"])
	finished, err := f.reg.IsFinished(ctx, "conv-1", "planner")
	require.NoError(t, err)
	assert.False(t, finished, "reflection must defer the finish")

	// Answer the prompt, finish, reflect once more, answer, finish: the
	// second finish after the cap must be terminal.
	f.step("conv-1", "planner") // reply "better" + Finished
	f.step("conv-1", "planner") // second reflection prompt
	f.step("conv-1", "planner") // reply "best" + Finished
	f.step("conv-1", "planner") // cap reached, terminal

	finished, err = f.reg.IsFinished(ctx, "conv-1", "planner")
	require.NoError(t, err)
	assert.True(t, finished)

	n := 0
	for _, e := range f.tail("conv-1", "planner", 20) {
		if um, ok := e.(state.UserMessage); ok && um.Meta["reflection"] == "self" {
			n++
		}
	}
	assert.Equal(t, 2, n)
}

func TestFinishedCritiqueDelegatesOnce(t *testing.T) {
	f := newFixture(t)
	f.registerScripted("planner", agent.Options{ReflectionAgent: "critic"})
	f.push("conv-1", "planner",
		state.NewUserMessage("hi"),
		state.NewAssistantMessage("my answer"),
		state.NewFinished())
	ctx := context.Background()

	res := f.step("conv-1", "planner")

	wait := f.top("conv-1", "planner").(state.Waiting)
	assert.Equal(t, state.WaitAgent, wait.WaitKind)
	require.Len(t, res.Effects, 1)
	push := res.Effects[0].(effect.PushToAgent)
	assert.Equal(t, "critic", push.TargetAgent)
	assert.Contains(t, push.Message, "my answer")
	finished, err := f.reg.IsFinished(ctx, "conv-1", "planner")
	require.NoError(t, err)
	assert.False(t, finished)

	// The critic's verdict lands as an AgentResult; the follow-up finish
	// must be terminal, not another critique round.
	st := f.stacks.Open("conv-1", "planner")
	_, err = st.Pop(ctx, 1)
	require.NoError(t, err)
	f.push("conv-1", "planner",
		state.NewAgentResult(wait.CorrelationID, map[string]any{"content": "ship it"}))
	f.step("conv-1", "planner")
	require.Equal(t, state.KindFinished, f.top("conv-1", "planner").Kind())
	res = f.step("conv-1", "planner")

	assert.Empty(t, res.Effects)
	finished, err = f.reg.IsFinished(ctx, "conv-1", "planner")
	require.NoError(t, err)
	assert.True(t, finished)
}
