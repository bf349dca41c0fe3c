package macrostep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jward/macrostep/internal/metrics"
)

const tracerName = "github.com/jward/macrostep"

// commit writes pending in batches of e.batchSize, one at a time. It
// stops before the next batch once ctx is cancelled and reports whether
// it did. A batch that has begun always runs to completion.
func (e *Engine) commit(ctx context.Context, logger *slog.Logger, pending []pendingWrite, tr *tracker) (batches int, stopped bool, err error) {
	for start := 0; start < len(pending); start += e.batchSize {
		if ctx.Err() != nil {
			return batches, true, nil
		}
		end := min(start+e.batchSize, len(pending))
		if err := e.commitBatch(ctx, logger, pending[start:end], tr); err != nil {
			return batches, false, err
		}
		batches++
	}
	return batches, false, nil
}

// commitBatch applies one batch, publishes it and saves its index entries,
// all under the write guard.
func (e *Engine) commitBatch(ctx context.Context, logger *slog.Logger, batch []pendingWrite, tr *tracker) (err error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := otel.Tracer(tracerName).Start(ctx, "macrostep.batch",
		trace.WithAttributes(attribute.Int("batch.size", len(batch))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if errors.Is(err, ErrTransaction) {
			metrics.BatchesTotal.WithLabelValues("failed").Inc()
		}
		span.End()
	}()

	e.guard.Lock()
	defer e.guard.Unlock()

	tx, err := e.content.BeginBatch(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrTransaction, err)
	}
	defer tx.Discard()
	span.SetAttributes(attribute.String("batch.id", tx.ID()))
	logger = logger.With("batch", tx.ID())

	for i := range batch {
		if err := batch[i].apply(tx); err != nil {
			return fmt.Errorf("%w: %s %s: %w", ErrTransaction, batch[i].op, batch[i].result.unit.id(), err)
		}
	}
	if err := tx.Publish(); err != nil {
		return fmt.Errorf("%w: publish: %w", ErrTransaction, err)
	}
	metrics.BatchesTotal.WithLabelValues("published").Inc()
	for i := range batch {
		if op := batch[i].op; op != opNone {
			metrics.StoreWritesTotal.WithLabelValues(op.String()).Inc()
		}
	}
	tr.advanced(len(batch))

	// From here on the content is published. A failure leaves the journal
	// entry in place for Recover.
	for i := range batch {
		if err := batch[i].save(ctx, e.index); err != nil {
			return fmt.Errorf("save %s: %w", batch[i].result.unit.id(), err)
		}
	}
	tr.advanced(len(batch))

	if err := tx.Settle(ctx); err != nil {
		return fmt.Errorf("settle batch %s: %w", tx.ID(), err)
	}
	logger.Debug("batch committed", "size", len(batch))
	return nil
}
