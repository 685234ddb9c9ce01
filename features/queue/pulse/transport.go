// Package pulse implements the queue transport over goa.design/pulse
// streams. Each queue maps to one stream, each subscriber to one consumer
// group, so delivery is at-least-once: a task whose handler fails or whose
// consumer dies stays pending and is redelivered after the grace period.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"goa.design/pulse/streaming"

	clientspulse "goa.design/orchestra/features/queue/pulse/clients/pulse"
	"goa.design/orchestra/runtime/queue"
	"goa.design/orchestra/runtime/telemetry"
)

const (
	// DefaultGroup names the consumer group when Options.Group is empty.
	// Every process sharing a group shares the work.
	DefaultGroup = "orchestra"

	// streamPrefix namespaces the task streams in Redis.
	streamPrefix = "tasks"
)

type (
	// Options configures the transport.
	Options struct {
		// Client opens the underlying Pulse streams. Required.
		Client clientspulse.Client
		// Group is the consumer group name. Defaults to DefaultGroup.
		Group string
		// Logger receives handler and decode failures.
		Logger telemetry.Logger
		// Metrics counts deliveries and failures.
		Metrics telemetry.Metrics
	}

	// Transport implements queue.Transport on Pulse streams.
	Transport struct {
		client  clientspulse.Client
		group   string
		logger  telemetry.Logger
		metrics telemetry.Metrics

		ctx    context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup

		mu      sync.Mutex
		streams map[string]clientspulse.Stream
		sinks   map[string]clientspulse.Sink
		closed  bool
	}
)

var _ queue.Transport = (*Transport)(nil)

// New builds a Pulse-backed transport.
func New(opts Options) (*Transport, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	group := opts.Group
	if group == "" {
		group = DefaultGroup
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		client:  opts.Client,
		group:   group,
		logger:  logger,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[string]clientspulse.Stream),
		sinks:   make(map[string]clientspulse.Sink),
	}, nil
}

// Enqueue publishes the task onto the queue's stream. The event name carries
// the task type so streams are inspectable with plain Redis tooling.
func (t *Transport) Enqueue(ctx context.Context, name string, task queue.Task) error {
	str, err := t.stream(name)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if _, err := str.Add(ctx, task.Type, payload); err != nil {
		return fmt.Errorf("enqueue %s on %s: %w", task.Type, name, err)
	}
	t.metrics.IncCounter("queue_enqueued", 1, "queue", name, "task", task.Type)
	return nil
}

// Subscribe attaches the handler to the queue's consumer group and starts
// consuming. At most one handler per queue per transport.
func (t *Transport) Subscribe(ctx context.Context, name string, h queue.Handler) error {
	str, err := t.stream(name)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("subscribe on closed transport")
	}
	if _, ok := t.sinks[name]; ok {
		t.mu.Unlock()
		return fmt.Errorf("queue %s already subscribed", name)
	}
	t.mu.Unlock()

	sink, err := str.NewSink(ctx, t.group)
	if err != nil {
		return fmt.Errorf("open sink on %s: %w", name, err)
	}
	t.mu.Lock()
	t.sinks[name] = sink
	t.mu.Unlock()

	t.wg.Add(1)
	go t.consume(name, sink, h)
	return nil
}

// consume drains the sink until the transport closes. Tasks that fail to
// decode are acked and dropped: redelivering them cannot help. Tasks whose
// handler errors are not acked, so the grace period redelivers them.
func (t *Transport) consume(name string, sink clientspulse.Sink, h queue.Handler) {
	defer t.wg.Done()
	ch := sink.Subscribe()
	for {
		select {
		case <-t.ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			t.deliver(name, sink, evt, h)
		}
	}
}

func (t *Transport) deliver(name string, sink clientspulse.Sink, evt *streaming.Event, h queue.Handler) {
	var task queue.Task
	if err := json.Unmarshal(evt.Payload, &task); err != nil {
		t.logger.Error(t.ctx, "dropping undecodable task", "queue", name, "event", evt.ID, "error", err)
		t.metrics.IncCounter("queue_decode_failures", 1, "queue", name)
		t.ack(name, sink, evt)
		return
	}
	if err := h(t.ctx, task); err != nil {
		t.logger.Error(t.ctx, "task handler failed", "queue", name, "task", task.Type, "error", err)
		t.metrics.IncCounter("queue_handler_failures", 1, "queue", name, "task", task.Type)
		return
	}
	t.metrics.IncCounter("queue_delivered", 1, "queue", name, "task", task.Type)
	t.ack(name, sink, evt)
}

func (t *Transport) ack(name string, sink clientspulse.Sink, evt *streaming.Event) {
	if err := sink.Ack(t.ctx, evt); err != nil {
		t.logger.Warn(t.ctx, "ack failed", "queue", name, "event", evt.ID, "error", err)
	}
}

// Close stops all consumers and releases the client.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sinks := make([]clientspulse.Sink, 0, len(t.sinks))
	for _, s := range t.sinks {
		sinks = append(sinks, s)
	}
	t.mu.Unlock()

	t.cancel()
	for _, s := range sinks {
		s.Close(ctx)
	}
	t.wg.Wait()
	return t.client.Close(ctx)
}

// stream returns the cached stream handle for the queue, opening it on first
// use.
func (t *Transport) stream(name string) (clientspulse.Stream, error) {
	if name == "" {
		return nil, errors.New("queue name is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if str, ok := t.streams[name]; ok {
		return str, nil
	}
	str, err := t.client.Stream(streamPrefix + "/" + name)
	if err != nil {
		return nil, err
	}
	t.streams[name] = str
	return str, nil
}
