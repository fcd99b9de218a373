package worker

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Runner manages a set of workers, cancelling all on first error.
type Runner struct {
	workers []Worker
	log     *slog.Logger
}

// NewRunner creates a Runner with the given workers.
func NewRunner(log *slog.Logger, workers ...Worker) *Runner {
	return &Runner{workers: workers, log: log}
}

// Run starts all workers in parallel. It blocks until all workers finish.
// If any worker returns a non-nil error, the context is cancelled and
// the first error is returned.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		r.log.LogAttrs(ctx, slog.LevelInfo, "worker started",
			slog.String("worker", w.Name()),
		)
		g.Go(func() error {
			return w.Run(ctx)
		})
	}
	return g.Wait()
}
