package macrostep

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// execute runs stage 1 for every unit of a step on up to e.workers
// goroutines. Results are returned in unit order. The first unrecoverable
// error, or cancellation of ctx, stops the remaining units.
func (e *Engine) execute(ctx context.Context, units []workUnit, tr *tracker) ([]stageResult, error) {
	results := make([]stageResult, len(units))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := range units {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			e.guard.RLock()
			res, err := e.resolveAndExpand(gctx, units[i])
			e.guard.RUnlock()
			if err != nil {
				return err
			}
			results[i] = res
			tr.resolved(!res.needsWrite())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
