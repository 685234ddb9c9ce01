package tick

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/orchestra/runtime/agent"
	agentruntime "goa.design/orchestra/runtime/agent/runtime"
	artifactinmem "goa.design/orchestra/runtime/artifact/inmem"
	conversationinmem "goa.design/orchestra/runtime/conversation/inmem"
	"goa.design/orchestra/runtime/delegate"
	delegateinmem "goa.design/orchestra/runtime/delegate/inmem"
	"goa.design/orchestra/runtime/effect"
	effectinmem "goa.design/orchestra/runtime/effect/inmem"
	"goa.design/orchestra/runtime/hooks"
	"goa.design/orchestra/runtime/queue"
	queueinmem "goa.design/orchestra/runtime/queue/inmem"
	stackinmem "goa.design/orchestra/runtime/stack/inmem"
	"goa.design/orchestra/runtime/state"
	tickinmem "goa.design/orchestra/runtime/tick/inmem"
)

type scriptedAgent struct {
	id      string
	actions []agent.Action
	asks    int
}

func (a *scriptedAgent) ID() string { return a.id }

func (a *scriptedAgent) Run(context.Context, agent.Ask) (agent.Action, error) {
	a.asks++
	if len(a.actions) == 0 {
		return nil, nil
	}
	next := a.actions[0]
	a.actions = a.actions[1:]
	return next, nil
}

type workerFixture struct {
	t        *testing.T
	agents   *agent.Registry
	reg      *conversationinmem.Registry
	links    *delegateinmem.Links
	probe    *effectinmem.Prober
	counters *tickinmem.Counter
	queues   *queueinmem.Transport
	stacks   *stackinmem.Store
	events   *hooks.Bus
	rec      *eventRecorder
	worker   *Worker
}

func newWorkerFixture(t *testing.T, maxRounds int) *workerFixture {
	t.Helper()
	f := &workerFixture{
		t:        t,
		agents:   agent.NewRegistry(),
		reg:      conversationinmem.New(),
		links:    delegateinmem.New(),
		probe:    effectinmem.New(),
		counters: tickinmem.New(),
		queues:   queueinmem.New(nil),
		events:   hooks.NewBus(),
		rec:      &eventRecorder{},
	}
	_, err := f.events.Register(hooks.SubscriberFunc(f.rec.Handle))
	require.NoError(t, err)
	bus := artifactinmem.New(artifactinmem.Options{})
	f.stacks = stackinmem.New(stackinmem.Options{Registrar: f.reg, Publisher: bus})

	tools := agent.NewToolbox()
	rt, err := agentruntime.New(agentruntime.Options{
		Agents:   f.agents,
		Tools:    tools,
		Stacks:   f.stacks,
		Registry: f.reg,
		Links:    f.links,
		Probe:    f.probe,
		Bus:      bus,
		Hooks:    f.events,
		Queues:   f.queues,
	})
	require.NoError(t, err)
	exec, err := effect.NewExecutor(effect.ExecutorOptions{
		Deps: effect.Deps{
			Stacks:  f.stacks,
			Mailbox: f.reg,
			Links:   f.links,
			Queues:  f.queues,
			Wake:    NewWaker(f.queues),
		},
		Manifests: tools,
	})
	require.NoError(t, err)
	w, err := NewWorker(WorkerOptions{
		Runtime:   rt,
		Executor:  exec,
		Registry:  f.reg,
		Stacks:    f.stacks,
		Probe:     f.probe,
		Counters:  f.counters,
		Queues:    f.queues,
		Hooks:     f.events,
		MaxRounds: maxRounds,
	})
	require.NoError(t, err)
	f.worker = w
	return f
}

func (f *workerFixture) register(id string, actions ...agent.Action) *scriptedAgent {
	f.t.Helper()
	a := &scriptedAgent{id: id, actions: actions}
	require.NoError(f.t, f.agents.Register(a, agent.Options{}))
	return a
}

func (f *workerFixture) push(conv, agentID string, states ...state.State) {
	f.t.Helper()
	require.NoError(f.t, f.stacks.Open(conv, agentID).Push(context.Background(), "", states...))
}

func (f *workerFixture) handleTick(conv string, round int) {
	f.t.Helper()
	task, err := queue.NewTask(queue.TaskProcessSessionTick, queue.ProcessSessionTick{
		ConversationID: conv,
		Round:          round,
	})
	require.NoError(f.t, err)
	require.NoError(f.t, f.worker.Handle(context.Background(), task))
}

func TestNewWorkerRequiresRuntime(t *testing.T) {
	_, err := NewWorker(WorkerOptions{})
	require.EqualError(t, err, "runtime is required")
}

func TestWorkerStepsAgentsAndExecutesEffects(t *testing.T) {
	f := newWorkerFixture(t, DefaultMaxRounds)
	f.register("planner", agent.Reply{Message: "hello"})
	f.push("conv-1", "planner", state.NewUserMessage("hi"))

	f.handleTick("conv-1", 0)

	reply, err := f.reg.LastReply(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", reply)

	tasks := f.queues.Tasks(queue.Ticks)
	require.Len(t, tasks, 1, "progress must schedule the next round")
	var next queue.ProcessSessionTick
	require.NoError(t, tasks[0].Decode(&next))
	assert.Equal(t, 1, next.Round)
}

func TestWorkerStopsReenqueueingAtRoundCap(t *testing.T) {
	f := newWorkerFixture(t, 3)
	f.register("planner", agent.Reply{Message: "hello"})
	f.push("conv-1", "planner", state.NewUserMessage("hi"))

	f.handleTick("conv-1", 3)

	assert.Empty(t, f.queues.Tasks(queue.Ticks))
}

func TestWorkerDropsRoundWhileFenceHeld(t *testing.T) {
	f := newWorkerFixture(t, DefaultMaxRounds)
	a := f.register("planner", agent.Reply{Message: "hello"})
	f.push("conv-1", "planner", state.NewUserMessage("hi"))
	ctx := context.Background()
	claimed, err := f.probe.Once(ctx, fenceKey("conv-1"), time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	f.handleTick("conv-1", 0)

	assert.Zero(t, a.asks, "a held fence must skip the round")
	assert.Empty(t, f.queues.Tasks(queue.Ticks))
}

func TestWorkerReleasesFenceAfterRound(t *testing.T) {
	f := newWorkerFixture(t, DefaultMaxRounds)
	f.register("planner", agent.Reply{Message: "hello"})
	f.push("conv-1", "planner", state.NewUserMessage("hi"))

	f.handleTick("conv-1", 0)

	assert.NotContains(t, f.probe.Keys(), fenceKey("conv-1"))
}

func TestWorkerForceFinishesStalledAgent(t *testing.T) {
	f := newWorkerFixture(t, 2)
	// No scripted action: the agent keeps returning nothing, so the
	// stack never grows and no effects flow.
	f.register("planner")
	f.push("conv-1", "planner", state.NewUserMessage("hi"))
	ctx := context.Background()

	f.handleTick("conv-1", 0)
	f.handleTick("conv-1", 0)
	finished, err := f.reg.IsFinished(ctx, "conv-1", "planner")
	require.NoError(t, err)
	require.False(t, finished, "two stalled rounds stay under the cap")

	f.handleTick("conv-1", 0)

	finished, err = f.reg.IsFinished(ctx, "conv-1", "planner")
	require.NoError(t, err)
	assert.True(t, finished)
	top, ok, err := f.stacks.Open("conv-1", "planner").Current(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, state.KindFinished, top.Kind())
	require.Len(t, f.rec.ofType(hooks.StalledAgentFinalised), 1)
	require.Len(t, f.rec.ofType(hooks.AgentFinished), 1)
}

func TestWorkerBubbleUpDeliversToParent(t *testing.T) {
	f := newWorkerFixture(t, DefaultMaxRounds)
	f.register("planner")
	ctx := context.Background()
	f.push("conv-1", "planner",
		state.NewUserMessage("hi"),
		state.NewWaiting(state.WaitAgent, state.Now()+300, "corr-1"))
	require.NoError(t, f.links.Link(ctx, "conv-1", "researcher", "planner", "corr-1", delegate.LinkTTL))
	require.NoError(t, f.links.ArmGuard(ctx, "conv-1", "planner", "corr-1", time.Minute))

	task, err := queue.NewTask(queue.TaskBubbleUpDelegate, queue.BubbleUpDelegate{
		ConversationID: "conv-1",
		Parent:         "planner",
		Child:          "researcher",
		CorrelationID:  "corr-1",
		Text:           "found gold",
	})
	require.NoError(t, err)
	require.NoError(t, f.worker.Handle(ctx, task))

	top, ok, err := f.stacks.Open("conv-1", "planner").Current(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	ar := top.(state.AgentResult)
	assert.Equal(t, "corr-1", ar.CorrelationID)
	assert.Equal(t, "found gold", state.Content(ar.Result))

	_, linked, err := f.links.Parent(ctx, "conv-1", "researcher")
	require.NoError(t, err)
	assert.False(t, linked, "delivery must unlink the child")
	assert.NotEmpty(t, f.queues.Tasks(queue.Ticks), "delivery must wake the conversation")
}

func TestWorkerIgnoresUnknownTask(t *testing.T) {
	f := newWorkerFixture(t, DefaultMaxRounds)

	err := f.worker.Handle(context.Background(), queue.Task{Type: "mystery"})

	require.NoError(t, err)
}
