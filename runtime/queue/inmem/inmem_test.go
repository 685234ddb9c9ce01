package inmem

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/orchestra/runtime/queue"
)

type tickPayload struct {
	Conversation string `json:"conversation"`
}

func mustTask(t *testing.T, taskType string, payload any) queue.Task {
	t.Helper()
	task, err := queue.NewTask(taskType, payload)
	require.NoError(t, err)
	return task
}

func TestPumpDeliversInPriorityOrder(t *testing.T) {
	ctx := context.Background()
	tr := New(nil)

	var order []string
	record := func(name string) queue.Handler {
		return func(context.Context, queue.Task) error {
			order = append(order, name)
			return nil
		}
	}
	require.NoError(t, tr.Subscribe(ctx, queue.Ticks, record("tick")))
	require.NoError(t, tr.Subscribe(ctx, queue.Tools, record("tool")))
	require.NoError(t, tr.Subscribe(ctx, queue.Evals, record("eval")))

	require.NoError(t, tr.Enqueue(ctx, queue.Evals, mustTask(t, queue.TaskRunEval, nil)))
	require.NoError(t, tr.Enqueue(ctx, queue.Tools, mustTask(t, queue.TaskExecuteTool, nil)))
	require.NoError(t, tr.Enqueue(ctx, queue.Ticks, mustTask(t, queue.TaskProcessSessionTick, nil)))

	n, err := tr.Pump(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"tick", "tool", "eval"}, order)
}

func TestPumpDeliversFollowUpWork(t *testing.T) {
	ctx := context.Background()
	tr := New(nil)

	var tools int
	require.NoError(t, tr.Subscribe(ctx, queue.Ticks, func(ctx context.Context, _ queue.Task) error {
		return tr.Enqueue(ctx, queue.Tools, mustTask(t, queue.TaskExecuteTool, nil))
	}))
	require.NoError(t, tr.Subscribe(ctx, queue.Tools, func(context.Context, queue.Task) error {
		tools++
		return nil
	}))

	require.NoError(t, tr.Enqueue(ctx, queue.Ticks, mustTask(t, queue.TaskProcessSessionTick, nil)))
	n, err := tr.Pump(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "handler-enqueued task drains in the same run")
	assert.Equal(t, 1, tools)
}

func TestPumpKeepsUnsubscribedTasks(t *testing.T) {
	ctx := context.Background()
	tr := New(nil)

	require.NoError(t, tr.Enqueue(ctx, queue.Rollouts, mustTask(t, queue.TaskSeedRollout, nil)))
	n, err := tr.Pump(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, tr.Len(queue.Rollouts))
}

func TestPumpContinuesPastHandlerErrors(t *testing.T) {
	ctx := context.Background()
	tr := New(nil)

	var calls int
	require.NoError(t, tr.Subscribe(ctx, queue.Ticks, func(context.Context, queue.Task) error {
		calls++
		return errors.New("boom")
	}))
	require.NoError(t, tr.Enqueue(ctx, queue.Ticks, mustTask(t, queue.TaskProcessSessionTick, nil)))
	require.NoError(t, tr.Enqueue(ctx, queue.Ticks, mustTask(t, queue.TaskProcessSessionTick, nil)))

	n, err := tr.Pump(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, calls)
}

func TestTaskRoundTrip(t *testing.T) {
	ctx := context.Background()
	tr := New(nil)

	task := mustTask(t, queue.TaskProcessSessionTick, tickPayload{Conversation: "conv-1"})
	require.NoError(t, tr.Enqueue(ctx, queue.Ticks, task))

	buffered := tr.Tasks(queue.Ticks)
	require.Len(t, buffered, 1)
	var decoded tickPayload
	require.NoError(t, buffered[0].Decode(&decoded))
	assert.Equal(t, "conv-1", decoded.Conversation)
}

func TestSubscribeRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	tr := New(nil)
	h := func(context.Context, queue.Task) error { return nil }

	require.NoError(t, tr.Subscribe(ctx, queue.Ticks, h))
	require.Error(t, tr.Subscribe(ctx, queue.Ticks, h))
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	ctx := context.Background()
	tr := New(nil)
	require.NoError(t, tr.Close(ctx))
	require.Error(t, tr.Enqueue(ctx, queue.Ticks, mustTask(t, queue.TaskProcessSessionTick, nil)))
}
