// Package tick runs the conversation clock. The driver polls active
// conversations and advances the shared tick barrier; the worker consumes
// tick tasks and steps every live agent once per round. Everything that
// needs a conversation re-examined funnels through Enqueue, which is the
// single wake-up path.
package tick

import (
	"context"
	"fmt"
	"time"

	"goa.design/orchestra/runtime/queue"
)

type (
	// Counter is the bounded stall counter the worker keeps per
	// (conversation, agent, branch). Incr returns the value after the
	// increment.
	Counter interface {
		Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
		Reset(ctx context.Context, key string) error
	}

	// Waker wakes a conversation by scheduling a fresh tick round. It
	// satisfies the effect executor's wake seam.
	Waker struct {
		queues queue.Producer
	}
)

// NewWaker builds a Waker over the given producer.
func NewWaker(queues queue.Producer) *Waker {
	return &Waker{queues: queues}
}

// Wake schedules a round-zero tick for the conversation.
func (w *Waker) Wake(ctx context.Context, conversation string) error {
	return Enqueue(ctx, w.queues, conversation)
}

// Enqueue schedules a round-zero tick task for the conversation.
func Enqueue(ctx context.Context, queues queue.Producer, conversation string) error {
	task, err := queue.NewTask(queue.TaskProcessSessionTick, queue.ProcessSessionTick{
		ConversationID: conversation,
	})
	if err != nil {
		return err
	}
	if err := queues.Enqueue(ctx, queue.Ticks, task); err != nil {
		return fmt.Errorf("enqueue tick for %s: %w", conversation, err)
	}
	return nil
}
