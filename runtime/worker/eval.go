package worker

import (
	"context"
	"errors"
	"fmt"

	"goa.design/orchestra/runtime/artifact"
	"goa.design/orchestra/runtime/queue"
	"goa.design/orchestra/runtime/telemetry"
)

type (
	// Judge scores one target artifact. Implementations are typically
	// model-backed; Score returns the numeric grade and a short rationale
	// recorded on the evaluation.
	Judge interface {
		Score(ctx context.Context, target artifact.Artifact) (score float64, rationale string, err error)
	}

	// JudgeFunc adapts a function to the Judge interface.
	JudgeFunc func(ctx context.Context, target artifact.Artifact) (float64, string, error)

	// EvalWorker consumes the evals queue and settles pending evaluation
	// artifacts: it loads the target, asks the judge for a grade and
	// patches the evaluation in place.
	EvalWorker struct {
		bus   artifact.Bus
		judge Judge

		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// EvalWorkerOptions configures an EvalWorker. Bus and Judge are
	// required.
	EvalWorkerOptions struct {
		Bus     artifact.Bus
		Judge   Judge
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}
)

// Score implements Judge.
func (f JudgeFunc) Score(ctx context.Context, target artifact.Artifact) (float64, string, error) {
	return f(ctx, target)
}

// NewEvalWorker builds an EvalWorker from opts.
func NewEvalWorker(opts EvalWorkerOptions) (*EvalWorker, error) {
	if opts.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if opts.Judge == nil {
		return nil, errors.New("judge is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &EvalWorker{
		bus:     opts.Bus,
		judge:   opts.Judge,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// Register subscribes the worker to the evals queue.
func (w *EvalWorker) Register(ctx context.Context, c queue.Consumer) error {
	return c.Subscribe(ctx, queue.Evals, w.Handle)
}

// Handle dispatches one evals-queue task.
func (w *EvalWorker) Handle(ctx context.Context, task queue.Task) error {
	switch task.Type {
	case queue.TaskRunEval:
		var t queue.RunEval
		if err := task.Decode(&t); err != nil {
			return err
		}
		return w.run(ctx, t)
	default:
		w.logger.Warn(ctx, "unknown evals task", "type", task.Type)
		return nil
	}
}

// run settles one evaluation. A vanished evaluation or target is terminal:
// the task is acked rather than retried, since the timeline has moved on.
func (w *EvalWorker) run(ctx context.Context, t queue.RunEval) error {
	ev, err := w.bus.Get(ctx, t.Ref)
	if errors.Is(err, artifact.ErrNotFound) || errors.Is(err, artifact.ErrStalePointer) {
		w.logger.Warn(ctx, "evaluation artifact gone, dropping task", "ref", t.Ref)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load evaluation %s: %w", t.Ref, err)
	}
	if status, _ := ev.Meta["status"].(string); status != artifact.EvalPending {
		w.logger.Debug(ctx, "evaluation already settled", "ref", t.Ref, "status", status)
		return nil
	}
	if len(ev.Parents) == 0 {
		return w.fail(ctx, t.Ref, "evaluation has no target")
	}
	targetRef := ev.Parents[0]
	target, err := w.bus.Get(ctx, targetRef)
	if errors.Is(err, artifact.ErrNotFound) || errors.Is(err, artifact.ErrStalePointer) {
		return w.fail(ctx, t.Ref, fmt.Sprintf("target %s gone: %s", targetRef, err))
	}
	if err != nil {
		return fmt.Errorf("load target %s: %w", targetRef, err)
	}

	score, rationale, err := w.judge.Score(ctx, target)
	if err != nil {
		w.logger.Error(ctx, "judge failed", "ref", t.Ref, "target", targetRef, "err", err)
		return w.fail(ctx, t.Ref, err.Error())
	}
	meta := map[string]any{"status": artifact.EvalDone}
	if rationale != "" {
		meta["rationale"] = rationale
	}
	if _, err := w.bus.Patch(ctx, t.Ref, meta, &score, nil); err != nil {
		return fmt.Errorf("patch evaluation %s: %w", t.Ref, err)
	}
	w.metrics.IncCounter("evaluations_settled", 1, "status", artifact.EvalDone)
	w.logger.Info(ctx, "evaluation settled", "ref", t.Ref, "target", targetRef, "score", score)
	return nil
}

// fail marks the evaluation errored. The patch error, if any, surfaces so
// the transport retries; the judge error itself never does.
func (w *EvalWorker) fail(ctx context.Context, ref, reason string) error {
	if _, err := w.bus.Patch(ctx, ref, map[string]any{
		"status": artifact.EvalError,
		"error":  reason,
	}, nil, nil); err != nil {
		return fmt.Errorf("patch evaluation %s: %w", ref, err)
	}
	w.metrics.IncCounter("evaluations_settled", 1, "status", artifact.EvalError)
	return nil
}
