package macrostep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jward/macrostep/internal/metrics"
)

// run drives steps until enumeration ends, the context is cancelled or an
// unrecoverable error occurs. Cancellation is checked between steps and
// between batches; it is a clean stop, not an error.
func (e *Engine) run(ctx context.Context, t *Task) (res Result, err error) {
	start := time.Now()
	res.RunID = uuid.NewString()
	logger := e.logger.With("run_id", res.RunID)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "macrostep.Run",
		trace.WithAttributes(attribute.String("run.id", res.RunID)))
	defer func() {
		res.Duration = time.Since(start)
		status := metrics.StatusDone
		switch {
		case err != nil:
			res.State = StateFailed
			status = metrics.StatusFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error("run failed", "error", err, "steps", res.Steps)
		case res.Cancelled:
			res.State = StateDone
			status = metrics.StatusCancelled
			logger.Info("run cancelled", "steps", res.Steps, "batches", res.Batches)
		default:
			res.State = StateDone
			logger.Info("run finished",
				"steps", res.Steps,
				"units", res.Units,
				"expanded", res.Expanded,
				"failed", res.Failed,
				"invalidated", res.Invalidated,
				"duration", res.Duration,
			)
		}
		metrics.ObserveRun(status, res.Duration)
		span.SetAttributes(
			attribute.Int("run.steps", res.Steps),
			attribute.Int("run.units", res.Units),
			attribute.Bool("run.cancelled", res.Cancelled),
		)
		span.End()

		p := t.Snapshot()
		p.State = res.State
		e.publish(t, p)
	}()

	logger.Info("run started")
	en := e.newEnumerator(logger)
	for {
		if ctx.Err() != nil {
			res.Cancelled = true
			return res, nil
		}

		e.guard.RLock()
		st, ok, err := en.next(ctx)
		e.guard.RUnlock()
		if err != nil {
			if ctx.Err() != nil {
				res.Cancelled = true
				return res, nil
			}
			return res, err
		}
		if !ok {
			return res, nil
		}

		res.Steps++
		stopped, err := e.runStep(ctx, logger, t, st, &res)
		if err != nil {
			return res, err
		}
		if stopped {
			res.Cancelled = true
			return res, nil
		}
		if st.last {
			return res, nil
		}
	}
}

// runStep executes one step: stage 1 across all units, then stages 2 and 3
// batch by batch. It reports whether cancellation cut the step short.
func (e *Engine) runStep(ctx context.Context, logger *slog.Logger, t *Task, st step, res *Result) (stopped bool, err error) {
	logger = logger.With("step", st.depth)
	ctx, span := otel.Tracer(tracerName).Start(ctx, "macrostep.step",
		trace.WithAttributes(
			attribute.Int("step.depth", st.depth),
			attribute.Int("step.units", len(st.units)),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if len(st.violations) > 0 {
		return false, e.markInvalid(ctx, logger, st.violations)
	}

	tr := newTracker(st.depth, len(st.units), func(p Progress) { e.publish(t, p) })
	defer tr.close()

	logger.Debug("step started", "units", len(st.units), "invocations", st.invocations)
	results, err := e.execute(ctx, st.units, tr)
	if err != nil {
		if ctx.Err() != nil {
			return true, nil
		}
		return false, err
	}

	var pending []pendingWrite
	var violations []string
	for _, r := range results {
		if r.violation {
			violations = append(violations, r.unit.id())
			continue
		}
		res.count(r)
		if r.cause != nil {
			logger.Debug("expansion skipped", "invocation", r.unit.id(), "error", r.cause)
		}
		if r.needsWrite() {
			pending = append(pending, planWrite(r))
		}
	}
	res.Units += len(st.units)

	tr.state(StateDraining)
	batches, stopped, err := e.commit(ctx, logger, pending, tr)
	res.Batches += batches
	if err != nil {
		return false, err
	}
	if len(violations) > 0 {
		return false, e.markInvalid(ctx, logger, violations)
	}
	logger.Debug("step finished", "writes", len(pending), "batches", batches)
	return stopped, nil
}

// markInvalid flags records whose blob is missing so the next run treats
// them as absent, then fails the run.
func (e *Engine) markInvalid(ctx context.Context, logger *slog.Logger, ids []string) error {
	ctx = context.WithoutCancel(ctx)
	e.guard.Lock()
	defer e.guard.Unlock()

	for _, id := range ids {
		logger.Error("index references missing content", "invocation", id)
		metrics.ConsistencyViolations.Inc()
		if err := e.index.MarkInvalid(ctx, id); err != nil {
			return fmt.Errorf("mark invalid %s: %w", id, err)
		}
	}
	return fmt.Errorf("%w: %d record(s)", ErrConsistency, len(ids))
}

func (e *Engine) publish(t *Task, p Progress) {
	t.setProgress(p)
	if e.observer != nil {
		e.observer(p)
	}
}

// count tallies a stage-1 result.
func (r *Result) count(res stageResult) {
	outcome := res.outcome()
	metrics.UnitsTotal.WithLabelValues(outcome).Inc()
	switch outcome {
	case metrics.OutcomeExpanded:
		r.Expanded++
	case metrics.OutcomeRefreshed:
		r.Refreshed++
	case metrics.OutcomeFailed:
		r.Failed++
	case metrics.OutcomeInvalidate:
		r.Invalidated++
	default:
		r.Unchanged++
	}
}
