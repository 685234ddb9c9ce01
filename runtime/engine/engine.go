// Package engine assembles the orchestration runtime into one context: the
// stores, the artifact bus, the effect executor, the agent runtime, the tick
// driver and the queue workers, wired over Redis in production or process
// memory in tests. The engine owns no policy of its own; it is the
// composition root plus the external entry points.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/orchestra/runtime/agent"
	agentruntime "goa.design/orchestra/runtime/agent/runtime"
	"goa.design/orchestra/runtime/artifact"
	"goa.design/orchestra/runtime/artifact/blob"
	blobinmem "goa.design/orchestra/runtime/artifact/blob/inmem"
	artifactinmem "goa.design/orchestra/runtime/artifact/inmem"
	artifactredis "goa.design/orchestra/runtime/artifact/redis"
	"goa.design/orchestra/runtime/conversation"
	conversationinmem "goa.design/orchestra/runtime/conversation/inmem"
	conversationredis "goa.design/orchestra/runtime/conversation/redis"
	"goa.design/orchestra/runtime/delegate"
	delegateinmem "goa.design/orchestra/runtime/delegate/inmem"
	delegateredis "goa.design/orchestra/runtime/delegate/redis"
	"goa.design/orchestra/runtime/effect"
	effectinmem "goa.design/orchestra/runtime/effect/inmem"
	effectredis "goa.design/orchestra/runtime/effect/redis"
	"goa.design/orchestra/runtime/hooks"
	"goa.design/orchestra/runtime/queue"
	queueinmem "goa.design/orchestra/runtime/queue/inmem"
	"goa.design/orchestra/runtime/stack"
	stackinmem "goa.design/orchestra/runtime/stack/inmem"
	stackredis "goa.design/orchestra/runtime/stack/redis"
	"goa.design/orchestra/runtime/state"
	"goa.design/orchestra/runtime/telemetry"
	"goa.design/orchestra/runtime/tick"
	tickinmem "goa.design/orchestra/runtime/tick/inmem"
	tickredis "goa.design/orchestra/runtime/tick/redis"
	"goa.design/orchestra/runtime/worker"
)

// Default tunables. Each mirrors the corresponding sub-package default so a
// zero Config reads as the documented production configuration.
const (
	DefaultToolTTL          = 120 * time.Second
	DefaultToolTimeout      = 120 * time.Second
	DefaultTickTimeout      = 60 * time.Second
	DefaultFenceTTL         = 60 * time.Second
	DefaultDriverPoll       = 2 * time.Second
	DefaultStackTTL         = 24 * time.Hour
	DefaultLinkTTL          = 24 * time.Hour
	DefaultDedupTTL         = 24 * time.Hour
	DefaultMaxRounds        = 30
	DefaultMaxStackLen      = 2000
	DefaultTranscriptWindow = 40
	DefaultMaxReflections   = 2
	DefaultMaxArtifacts     = 100000
)

// ErrNoPendingCall is returned by SubmitToolResult when the agent's stack no
// longer waits on the submitted call.
var ErrNoPendingCall = errors.New("no pending tool call")

type (
	// Config configures an Engine. The zero value is a complete
	// in-memory engine with empty agent and tool directories.
	Config struct {
		// Redis selects the Redis-backed stores; nil runs every store
		// in process memory.
		Redis *redis.Client
		// Blobs stores artifact payloads. Defaults to the in-memory
		// blob driver.
		Blobs blob.Store
		// Queues transports tasks between the engine and its workers.
		// Defaults to the in-memory transport; the engine owns and
		// closes whichever it uses.
		Queues queue.Transport
		// Policy guards tool calls. Defaults to the strict dedup
		// policy over the engine's probe and bus.
		Policy effect.Policy
		// Agents and Tools default to fresh directories; register
		// through Agents()/Tools() after New.
		Agents *agent.Registry
		Tools  *agent.Toolbox
		// Judge settles pending evaluations. Optional; without it the
		// evals queue has no consumer.
		Judge worker.Judge
		// Evaluator names the agent whose finished replies are
		// auto-scored; empty disables auto-evaluation.
		Evaluator    string
		JudgeVersion string

		Hooks   *hooks.Bus
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer

		// ToolTTL bounds tool waits for manifests without a TTL;
		// ToolTimeout bounds the worker-side execution.
		ToolTTL     time.Duration
		ToolTimeout time.Duration
		TickTimeout time.Duration
		FenceTTL    time.Duration
		DriverPoll  time.Duration
		StackTTL    time.Duration
		LinkTTL     time.Duration
		DedupTTL    time.Duration

		MaxRounds        int
		MaxStackLen      int
		TranscriptWindow int
		MaxReflections   int
		MaxArtifacts     int
	}

	// Engine is one fully wired orchestration runtime.
	Engine struct {
		cfg Config

		reg      conversation.Registry
		mail     conversation.Mailbox
		stacks   stack.Store
		links    delegate.Links
		probe    effect.Prober
		counters tick.Counter
		bus      artifact.Bus
		queues   queue.Transport
		events   *hooks.Bus

		exec    *effect.Executor
		runtime *agentruntime.Runtime
		driver  *tick.Driver

		logger telemetry.Logger
	}
)

// Validate fills defaults in place and rejects contradictory settings.
func (c *Config) Validate() error {
	if c.Agents == nil {
		c.Agents = agent.NewRegistry()
	}
	if c.Tools == nil {
		c.Tools = agent.NewToolbox()
	}
	if c.Hooks == nil {
		c.Hooks = hooks.NewBus()
	}
	if c.Logger == nil {
		c.Logger = telemetry.NewNoopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = telemetry.NewNoopMetrics()
	}
	if c.Tracer == nil {
		c.Tracer = telemetry.NewNoopTracer()
	}
	if c.ToolTTL <= 0 {
		c.ToolTTL = DefaultToolTTL
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = DefaultToolTimeout
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = DefaultTickTimeout
	}
	if c.FenceTTL <= 0 {
		c.FenceTTL = DefaultFenceTTL
	}
	if c.DriverPoll <= 0 {
		c.DriverPoll = DefaultDriverPoll
	}
	if c.StackTTL <= 0 {
		c.StackTTL = DefaultStackTTL
	}
	if c.LinkTTL <= 0 {
		c.LinkTTL = DefaultLinkTTL
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = DefaultDedupTTL
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.MaxStackLen <= 0 {
		c.MaxStackLen = DefaultMaxStackLen
	}
	if c.TranscriptWindow <= 0 {
		c.TranscriptWindow = DefaultTranscriptWindow
	}
	if c.MaxReflections <= 0 {
		c.MaxReflections = DefaultMaxReflections
	}
	if c.MaxArtifacts <= 0 {
		c.MaxArtifacts = DefaultMaxArtifacts
	}
	if c.Evaluator != "" && c.Judge == nil {
		return errors.New("evaluator set without a judge")
	}
	return nil
}

// New wires a complete engine and subscribes its workers to the queues.
// The driver does not run yet; call Run.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg, events: cfg.Hooks, logger: cfg.Logger}

	if cfg.Queues == nil {
		cfg.Queues = queueinmem.New(cfg.Logger)
	}
	e.queues = cfg.Queues

	if err := e.buildStores(cfg); err != nil {
		return nil, err
	}

	policy := cfg.Policy
	if policy == nil {
		strict, err := effect.NewStrictPolicy(effect.PolicyOptions{
			Probe:  e.probe,
			Bus:    e.bus,
			Logger: cfg.Logger,
			TTL:    cfg.DedupTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("build dedup policy: %w", err)
		}
		policy = strict
	}

	// The built-in delegate tool is part of the contract; register it
	// unless the application brought its own.
	if _, ok := cfg.Tools.Lookup(agent.DelegateToolName); !ok {
		if err := cfg.Tools.Register(agent.NewDelegateTool()); err != nil {
			return nil, fmt.Errorf("register delegate tool: %w", err)
		}
	}

	exec, err := effect.NewExecutor(effect.ExecutorOptions{
		Deps: effect.Deps{
			Stacks:  e.stacks,
			Mailbox: e.mail,
			Links:   e.links,
			Queues:  e.queues,
			Wake:    tick.NewWaker(e.queues),
			Logger:  cfg.Logger,
			Metrics: cfg.Metrics,
			LinkTTL: cfg.LinkTTL,
		},
		Policy:    policy,
		Manifests: cfg.Tools,
		Tracer:    cfg.Tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("build executor: %w", err)
	}
	e.exec = exec

	rt, err := agentruntime.New(agentruntime.Options{
		Agents:           cfg.Agents,
		Tools:            cfg.Tools,
		Stacks:           e.stacks,
		Registry:         e.reg,
		Links:            e.links,
		Probe:            e.probe,
		Bus:              e.bus,
		Hooks:            e.events,
		Queues:           e.queues,
		Logger:           cfg.Logger,
		Metrics:          cfg.Metrics,
		Tracer:           cfg.Tracer,
		ToolTTL:          cfg.ToolTTL,
		TranscriptWindow: cfg.TranscriptWindow,
		MaxReflections:   cfg.MaxReflections,
		Evaluator:        cfg.Evaluator,
		JudgeVersion:     cfg.JudgeVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("build runtime: %w", err)
	}
	e.runtime = rt

	driver, err := tick.NewDriver(tick.DriverOptions{
		Registry:    e.reg,
		Queues:      e.queues,
		Probe:       e.probe,
		Hooks:       e.events,
		Logger:      cfg.Logger,
		Metrics:     cfg.Metrics,
		Poll:        cfg.DriverPoll,
		TickTimeout: cfg.TickTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("build driver: %w", err)
	}
	e.driver = driver

	if err := e.subscribeWorkers(ctx, cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// buildStores picks the Redis or in-memory drivers for every store. The
// artifact bus is built first so the stack store can publish into it.
func (e *Engine) buildStores(cfg Config) error {
	blobs := cfg.Blobs
	if blobs == nil {
		blobs = blobinmem.New()
	}

	if cfg.Redis == nil {
		reg := conversationinmem.New()
		e.reg, e.mail = reg, reg
		e.bus = artifactinmem.New(artifactinmem.Options{
			Blobs:         blobs,
			Evals:         e.queues,
			Logger:        cfg.Logger,
			MaxPerSession: cfg.MaxArtifacts,
		})
		e.stacks = stackinmem.New(stackinmem.Options{
			Publisher: e.bus,
			Registrar: e.reg,
			Logger:    cfg.Logger,
			MaxLen:    cfg.MaxStackLen,
		})
		e.links = delegateinmem.New()
		e.probe = effectinmem.New()
		e.counters = tickinmem.New()
		return nil
	}

	reg, err := conversationredis.New(conversationredis.Options{
		Redis: cfg.Redis,
		TTL:   cfg.StackTTL,
	})
	if err != nil {
		return fmt.Errorf("build session registry: %w", err)
	}
	e.reg, e.mail = reg, reg
	bus, err := artifactredis.New(artifactredis.Options{
		Redis:         cfg.Redis,
		Blobs:         blobs,
		Evals:         e.queues,
		Logger:        cfg.Logger,
		MaxPerSession: cfg.MaxArtifacts,
		StreamMaxLen:  cfg.MaxArtifacts,
	})
	if err != nil {
		return fmt.Errorf("build artifact bus: %w", err)
	}
	e.bus = bus
	stacks, err := stackredis.New(stackredis.Options{
		Redis:     cfg.Redis,
		Publisher: e.bus,
		Registrar: e.reg,
		Logger:    cfg.Logger,
		MaxLen:    cfg.MaxStackLen,
		TTL:       cfg.StackTTL,
	})
	if err != nil {
		return fmt.Errorf("build stack store: %w", err)
	}
	e.stacks = stacks
	links, err := delegateredis.New(cfg.Redis)
	if err != nil {
		return fmt.Errorf("build delegation links: %w", err)
	}
	e.links = links
	probe, err := effectredis.New(cfg.Redis)
	if err != nil {
		return fmt.Errorf("build dedup probe: %w", err)
	}
	e.probe = probe
	counters, err := tickredis.NewCounter(cfg.Redis)
	if err != nil {
		return fmt.Errorf("build stall counters: %w", err)
	}
	e.counters = counters
	return nil
}

// subscribeWorkers builds the queue consumers and registers each on its
// queue. Parallelism is the transport's business.
func (e *Engine) subscribeWorkers(ctx context.Context, cfg Config) error {
	tickWorker, err := tick.NewWorker(tick.WorkerOptions{
		Runtime:   e.runtime,
		Executor:  e.exec,
		Registry:  e.reg,
		Stacks:    e.stacks,
		Probe:     e.probe,
		Counters:  e.counters,
		Queues:    e.queues,
		Hooks:     e.events,
		Logger:    cfg.Logger,
		Metrics:   cfg.Metrics,
		FenceTTL:  cfg.FenceTTL,
		MaxRounds: cfg.MaxRounds,
	})
	if err != nil {
		return fmt.Errorf("build tick worker: %w", err)
	}
	if err := tickWorker.Register(ctx, e.queues); err != nil {
		return fmt.Errorf("subscribe tick worker: %w", err)
	}

	toolWorker, err := worker.NewToolWorker(worker.ToolWorkerOptions{
		Tools:       cfg.Tools,
		Stacks:      e.stacks,
		Queues:      e.queues,
		Executor:    e.exec,
		PostEffects: agentruntime.NewPostEffects(e.bus, e.events, cfg.Logger),
		Bus:         e.bus,
		Counters:    e.counters,
		Logger:      cfg.Logger,
		Metrics:     cfg.Metrics,
		Tracer:      cfg.Tracer,
		Timeout:     cfg.ToolTimeout,
	})
	if err != nil {
		return fmt.Errorf("build tool worker: %w", err)
	}
	if err := toolWorker.Register(ctx, e.queues); err != nil {
		return fmt.Errorf("subscribe tool worker: %w", err)
	}

	rollout, err := worker.NewRolloutWorker(worker.RolloutWorkerOptions{
		Registry: e.reg,
		Stacks:   e.stacks,
		Queues:   e.queues,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("build rollout worker: %w", err)
	}
	if err := rollout.Register(ctx, e.queues); err != nil {
		return fmt.Errorf("subscribe rollout worker: %w", err)
	}

	if cfg.Judge != nil {
		evalWorker, err := worker.NewEvalWorker(worker.EvalWorkerOptions{
			Bus:     e.bus,
			Judge:   cfg.Judge,
			Logger:  cfg.Logger,
			Metrics: cfg.Metrics,
		})
		if err != nil {
			return fmt.Errorf("build eval worker: %w", err)
		}
		if err := evalWorker.Register(ctx, e.queues); err != nil {
			return fmt.Errorf("subscribe eval worker: %w", err)
		}
	}
	return nil
}

// Run drives the tick barrier until ctx ends.
func (e *Engine) Run(ctx context.Context) error { return e.driver.Run(ctx) }

// Close releases the queue transport. Stores hold no connections of their
// own; the Redis client belongs to the caller.
func (e *Engine) Close(ctx context.Context) error { return e.queues.Close(ctx) }

// PushUserMessage plants a user message on the agent's stack and wakes the
// conversation.
func (e *Engine) PushUserMessage(ctx context.Context, conversationID, agentID, text string) error {
	return e.push(ctx, conversationID, agentID, state.NewUserMessage(text))
}

// PushUserResponse resumes a conversation paused on a user input request.
func (e *Engine) PushUserResponse(ctx context.Context, conversationID, agentID, text string) error {
	return e.push(ctx, conversationID, agentID, state.NewUserResponse(text))
}

// RequestUserInput pauses the agent pending human input and surfaces the
// prompt through the reply mailbox.
func (e *Engine) RequestUserInput(ctx context.Context, conversationID, agentID, prompt string) error {
	if err := e.validateIdentity(conversationID, agentID); err != nil {
		return err
	}
	st := e.stacks.Open(conversationID, agentID)
	if err := st.Push(ctx, "", state.NewUserInputRequest(prompt)); err != nil {
		return fmt.Errorf("push input request: %w", err)
	}
	if err := e.mail.PublishReply(ctx, conversationID, prompt); err != nil {
		return fmt.Errorf("surface input request: %w", err)
	}
	return nil
}

// SubmitToolResult settles a pending tool call from an external executor: it
// walks the same assert/pop/push path as the tool worker. ErrNoPendingCall
// is returned when the stack no longer waits on the call.
func (e *Engine) SubmitToolResult(ctx context.Context, conversationID, agentID, toolCallID, toolName string, result map[string]any) error {
	if err := e.validateIdentity(conversationID, agentID); err != nil {
		return err
	}
	st := e.stacks.Open(conversationID, agentID)
	top, ok, err := st.Current(ctx, "")
	if err != nil {
		return fmt.Errorf("read stack top: %w", err)
	}
	if !ok {
		return ErrNoPendingCall
	}
	w, waiting := top.(state.Waiting)
	if !waiting || w.WaitKind != state.WaitTool || w.CorrelationID != toolCallID {
		return ErrNoPendingCall
	}
	if _, err := st.Pop(ctx, 1); err != nil {
		return fmt.Errorf("pop waiting suspension: %w", err)
	}
	reward := 0.0
	if state.Status(result) == state.StatusOK {
		reward = 1
	}
	res := state.NewToolResult(toolCallID, toolName, result)
	res.Reward = &reward
	if err := st.Push(ctx, "", res); err != nil {
		return fmt.Errorf("push tool result: %w", err)
	}
	return tick.Enqueue(ctx, e.queues, conversationID)
}

// SeedRollout schedules a fresh non-interactive conversation rooted at the
// agent and returns its id.
func (e *Engine) SeedRollout(ctx context.Context, agentID, message, team, variant string) (string, error) {
	if agentID == "" {
		return "", errors.New("agent is required")
	}
	conversationID := "rollout-" + artifact.ShortID()
	task, err := queue.NewTask(queue.TaskSeedRollout, queue.SeedRollout{
		ConversationID: conversationID,
		Agent:          agentID,
		Message:        message,
		Team:           team,
		Variant:        variant,
	})
	if err != nil {
		return "", err
	}
	if err := e.queues.Enqueue(ctx, queue.Rollouts, task); err != nil {
		return "", fmt.Errorf("enqueue rollout seed: %w", err)
	}
	return conversationID, nil
}

// LastReply reads the conversation's most recent system reply.
// conversation.ErrNoReply means none is pending.
func (e *Engine) LastReply(ctx context.Context, conversationID string) (string, error) {
	return e.mail.LastReply(ctx, conversationID)
}

// Stack opens the interaction stack for one (conversation, agent) pair.
func (e *Engine) Stack(conversationID, agentID string) stack.Stack {
	return e.stacks.Open(conversationID, agentID)
}

// Agents is the mutable agent directory the runtime steps.
func (e *Engine) Agents() *agent.Registry { return e.cfg.Agents }

// Tools is the mutable tool directory the workers execute from.
func (e *Engine) Tools() *agent.Toolbox { return e.cfg.Tools }

// Sessions is the conversation registry.
func (e *Engine) Sessions() conversation.Registry { return e.reg }

// Bus is the artifact bus.
func (e *Engine) Bus() artifact.Bus { return e.bus }

// Hooks is the engine's lifecycle event bus.
func (e *Engine) Hooks() *hooks.Bus { return e.events }

// Queues is the task transport the engine was wired over.
func (e *Engine) Queues() queue.Transport { return e.queues }

func (e *Engine) push(ctx context.Context, conversationID, agentID string, s state.State) error {
	if err := e.validateIdentity(conversationID, agentID); err != nil {
		return err
	}
	if err := e.stacks.Open(conversationID, agentID).Push(ctx, "", s); err != nil {
		return fmt.Errorf("push %s: %w", s.Kind(), err)
	}
	return tick.Enqueue(ctx, e.queues, conversationID)
}

func (e *Engine) validateIdentity(conversationID, agentID string) error {
	if conversationID == "" {
		return errors.New("conversation is required")
	}
	if agentID == "" {
		return errors.New("agent is required")
	}
	return nil
}
