package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/orchestra/runtime/artifact"
	artifactinmem "goa.design/orchestra/runtime/artifact/inmem"
	"goa.design/orchestra/runtime/queue"
	queueinmem "goa.design/orchestra/runtime/queue/inmem"
)

type countingJudge struct {
	score     float64
	rationale string
	err       error
	calls     int
}

func (j *countingJudge) Score(context.Context, artifact.Artifact) (float64, string, error) {
	j.calls++
	return j.score, j.rationale, j.err
}

type evalFixture struct {
	t      *testing.T
	bus    *artifactinmem.Bus
	queues *queueinmem.Transport
	judge  *countingJudge
	worker *EvalWorker
}

func newEvalFixture(t *testing.T, judge *countingJudge) *evalFixture {
	t.Helper()
	queues := queueinmem.New(nil)
	bus := artifactinmem.New(artifactinmem.Options{Evals: queues})
	w, err := NewEvalWorker(EvalWorkerOptions{Bus: bus, Judge: judge})
	require.NoError(t, err)
	return &evalFixture{t: t, bus: bus, queues: queues, judge: judge, worker: w}
}

// pending publishes a target artifact and a pending evaluation for it,
// returning both refs.
func (f *evalFixture) pending() (target, eval string) {
	f.t.Helper()
	ctx := context.Background()
	published, err := f.bus.Publish(ctx, artifact.Header{
		Conversation: "conv-1",
		Agent:        "planner",
		Type:         "assistant_message",
	}, []byte(`{"content":"the answer is 42"}`))
	require.NoError(f.t, err)
	ev, err := f.bus.CreateEvaluationFor(ctx, published.Ref, "critic", "v1", nil)
	require.NoError(f.t, err)
	return published.Ref, ev.Ref
}

func (f *evalFixture) handle(ref string) {
	f.t.Helper()
	task, err := queue.NewTask(queue.TaskRunEval, queue.RunEval{Ref: ref, ConversationID: "conv-1"})
	require.NoError(f.t, err)
	require.NoError(f.t, f.worker.Handle(context.Background(), task))
}

func TestNewEvalWorkerValidatesOptions(t *testing.T) {
	_, err := NewEvalWorker(EvalWorkerOptions{})
	require.EqualError(t, err, "bus is required")

	_, err = NewEvalWorker(EvalWorkerOptions{Bus: artifactinmem.New(artifactinmem.Options{})})
	require.EqualError(t, err, "judge is required")
}

func TestEvalWorkerSettlesPendingEvaluation(t *testing.T) {
	f := newEvalFixture(t, &countingJudge{score: 0.9, rationale: "grounded and complete"})
	_, evalRef := f.pending()

	// CreateEvaluationFor schedules the run_eval task itself.
	tasks := f.queues.Tasks(queue.Evals)
	require.Len(t, tasks, 1)
	var scheduled queue.RunEval
	require.NoError(t, tasks[0].Decode(&scheduled))
	assert.Equal(t, evalRef, scheduled.Ref)

	f.handle(evalRef)

	got, err := f.bus.Get(context.Background(), evalRef)
	require.NoError(t, err)
	assert.Equal(t, artifact.EvalDone, got.Meta["status"])
	assert.Equal(t, "grounded and complete", got.Meta["rationale"])
	require.NotNil(t, got.Score)
	assert.Equal(t, 0.9, *got.Score)
}

func TestEvalWorkerRecordsJudgeFailure(t *testing.T) {
	f := newEvalFixture(t, &countingJudge{err: errors.New("model unavailable")})
	_, evalRef := f.pending()

	f.handle(evalRef)

	got, err := f.bus.Get(context.Background(), evalRef)
	require.NoError(t, err)
	assert.Equal(t, artifact.EvalError, got.Meta["status"])
	assert.Equal(t, "model unavailable", got.Meta["error"])
	assert.Nil(t, got.Score)
}

func TestEvalWorkerIgnoresSettledEvaluation(t *testing.T) {
	f := newEvalFixture(t, &countingJudge{score: 0.5})
	_, evalRef := f.pending()

	f.handle(evalRef)
	f.handle(evalRef)

	assert.Equal(t, 1, f.judge.calls, "redelivery must not re-judge a settled evaluation")
}

func TestEvalWorkerDropsVanishedEvaluation(t *testing.T) {
	f := newEvalFixture(t, &countingJudge{})

	f.handle(artifact.NewRef())

	assert.Zero(t, f.judge.calls)
}

func TestEvalWorkerIgnoresUnknownTask(t *testing.T) {
	f := newEvalFixture(t, &countingJudge{})

	err := f.worker.Handle(context.Background(), queue.Task{Type: "mystery"})

	require.NoError(t, err)
}
