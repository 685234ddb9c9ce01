// Package inmem implements the queue transport in process memory. Tasks
// buffer until Pump drains them, which keeps test scenarios deterministic:
// handlers that enqueue follow-up work extend the same pump run.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"goa.design/orchestra/runtime/queue"
	"goa.design/orchestra/runtime/telemetry"
)

// Transport implements queue.Transport with explicit draining.
type Transport struct {
	mu       sync.Mutex
	logger   telemetry.Logger
	buffers  map[string][]queue.Task
	handlers map[string]queue.Handler
	closed   bool
}

var _ queue.Transport = (*Transport)(nil)

// New builds an empty in-memory transport.
func New(logger telemetry.Logger) *Transport {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Transport{
		logger:   logger,
		buffers:  make(map[string][]queue.Task),
		handlers: make(map[string]queue.Handler),
	}
}

// Enqueue buffers the task for the named queue.
func (t *Transport) Enqueue(_ context.Context, name string, task queue.Task) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("enqueue on closed transport")
	}
	t.buffers[name] = append(t.buffers[name], task)
	return nil
}

// Subscribe registers the handler for the named queue.
func (t *Transport) Subscribe(_ context.Context, name string, h queue.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.handlers[name]; ok {
		return fmt.Errorf("queue %s already subscribed", name)
	}
	t.handlers[name] = h
	return nil
}

// Pump delivers buffered tasks in FIFO order until every queue is empty or
// the context is done. Tasks enqueued by handlers during the run are
// delivered in the same run. Queues without a handler keep their tasks.
// It reports how many tasks were delivered.
func (t *Transport) Pump(ctx context.Context) (int, error) {
	delivered := 0
	for {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		name, task, h, ok := t.next()
		if !ok {
			return delivered, nil
		}
		if err := h(ctx, task); err != nil {
			t.logger.Error(ctx, "task handler failed", "queue", name, "task", task.Type, "error", err)
		}
		delivered++
	}
}

// next pops the first deliverable task across queues, in stable queue-name
// order so runs are reproducible.
func (t *Transport) next() (string, queue.Task, queue.Handler, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, name := range []string{queue.Ticks, queue.Tools, queue.Rollouts, queue.Evals} {
		h, ok := t.handlers[name]
		if !ok || len(t.buffers[name]) == 0 {
			continue
		}
		task := t.buffers[name][0]
		t.buffers[name] = t.buffers[name][1:]
		return name, task, h, true
	}
	// Queues outside the well-known set.
	for name, buf := range t.buffers {
		h, ok := t.handlers[name]
		if !ok || len(buf) == 0 {
			continue
		}
		task := buf[0]
		t.buffers[name] = buf[1:]
		return name, task, h, true
	}
	return "", queue.Task{}, nil, false
}

// Len reports how many tasks are buffered for the queue.
func (t *Transport) Len(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buffers[name])
}

// Tasks returns a copy of the buffered tasks for the queue. Test helper.
func (t *Transport) Tasks(name string) []queue.Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]queue.Task, len(t.buffers[name]))
	copy(out, t.buffers[name])
	return out
}

// Close marks the transport closed; further enqueues fail.
func (t *Transport) Close(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
