package tick

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/orchestra/runtime/conversation"
	"goa.design/orchestra/runtime/effect"
	"goa.design/orchestra/runtime/hooks"
	"goa.design/orchestra/runtime/queue"
	"goa.design/orchestra/runtime/state"
	"goa.design/orchestra/runtime/telemetry"
)

const (
	// DefaultPoll is how often the driver sweeps active conversations.
	DefaultPoll = 2 * time.Second
	// DefaultTickTimeout is how long a tick may stay open before the
	// driver flags it as stalled.
	DefaultTickTimeout = 60 * time.Second

	// stallWarnTTL dedups the stalled-tick warning across driver
	// replicas.
	stallWarnTTL = 30 * time.Second
)

type (
	// Driver advances the tick barrier for every active conversation.
	// Multiple replicas may run; AdvanceTick's optimistic concurrency
	// ensures only one wins each round.
	Driver struct {
		reg    conversation.Registry
		queues queue.Producer
		probe  effect.Prober
		hooks  *hooks.Bus

		logger  telemetry.Logger
		metrics telemetry.Metrics

		poll        time.Duration
		tickTimeout time.Duration
	}

	// DriverOptions configures a Driver. Registry, Queues and Probe are
	// required.
	DriverOptions struct {
		Registry conversation.Registry
		Queues   queue.Producer
		Probe    effect.Prober
		Hooks    *hooks.Bus
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics

		Poll        time.Duration
		TickTimeout time.Duration
	}
)

// NewDriver builds a Driver from opts.
func NewDriver(opts DriverOptions) (*Driver, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Queues == nil {
		return nil, errors.New("queues is required")
	}
	if opts.Probe == nil {
		return nil, errors.New("probe is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Poll <= 0 {
		opts.Poll = DefaultPoll
	}
	if opts.TickTimeout <= 0 {
		opts.TickTimeout = DefaultTickTimeout
	}
	return &Driver{
		reg:         opts.Registry,
		queues:      opts.Queues,
		probe:       opts.Probe,
		hooks:       opts.Hooks,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		poll:        opts.Poll,
		tickTimeout: opts.TickTimeout,
	}, nil
}

// Run sweeps until ctx ends.
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()
	d.logger.Info(ctx, "tick driver started", "poll", d.poll.String())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep advances every active conversation once.
func (d *Driver) Sweep(ctx context.Context) {
	sessions, err := d.reg.ActiveSessions(ctx)
	if err != nil {
		d.logger.Error(ctx, "list active conversations failed", "err", err)
		return
	}
	for _, conv := range sessions {
		d.advance(ctx, conv)
	}
}

func (d *Driver) advance(ctx context.Context, conv string) {
	d.warnIfStalled(ctx, conv)

	adv, err := d.reg.AdvanceTick(ctx, conv)
	if err != nil {
		d.logger.Error(ctx, "advance tick failed", "conversation", conv, "err", err)
		return
	}
	for _, agentID := range adv.GCed {
		d.metrics.IncCounter("agents_gced", 1, "conversation", conv)
		d.publish(ctx, hooks.NewAgentGC(conv, agentID, adv.Tick))
	}
	switch {
	case adv.Retired:
		d.logger.Info(ctx, "conversation retired", "conversation", conv, "tick", adv.Tick)
		d.metrics.IncCounter("sessions_retired", 1)
		d.publish(ctx, hooks.NewSessionFinished(conv, adv.GCed))
	case adv.Advanced:
		d.metrics.IncCounter("ticks_advanced", 1)
		if err := Enqueue(ctx, d.queues, conv); err != nil {
			d.logger.Error(ctx, "schedule tick failed", "conversation", conv, "err", err)
		}
	case adv.Conflict:
		d.logger.Debug(ctx, "tick advanced by peer", "conversation", conv)
	case adv.Blocked:
		d.logger.Debug(ctx, "tick blocked on waiting agents",
			"conversation", conv, "tick", adv.Tick, "waiting", adv.Waiting)
	}
}

// warnIfStalled flags ticks open past the timeout. The warning is deduped
// across replicas so each stall logs once per window.
func (d *Driver) warnIfStalled(ctx context.Context, conv string) {
	tick, err := d.reg.CurrentTick(ctx, conv)
	if err != nil || tick == 0 {
		return
	}
	start, err := d.reg.TickStart(ctx, conv, tick)
	if err != nil || start == 0 {
		return
	}
	age := state.Now() - start
	if age <= d.tickTimeout.Seconds() {
		return
	}
	first, err := d.probe.Once(ctx, stallWarnKey(conv, tick), stallWarnTTL)
	if err != nil || !first {
		return
	}
	waiting, err := d.reg.WaitingSet(ctx, conv, tick)
	if err != nil {
		waiting = nil
	}
	d.metrics.IncCounter("stalled_ticks", 1)
	d.logger.Warn(ctx, "tick stalled", "conversation", conv, "tick", tick,
		"age_s", age, "waiting", waiting)
}

func (d *Driver) publish(ctx context.Context, ev hooks.Event) {
	if d.hooks == nil {
		return
	}
	if err := d.hooks.Publish(ctx, ev); err != nil {
		d.logger.Warn(ctx, "hook publish failed", "event", ev.Type(), "err", err)
	}
}

func stallWarnKey(conv string, tick int64) string {
	return fmt.Sprintf("tick_stall_warn:%s:%d", conv, tick)
}
