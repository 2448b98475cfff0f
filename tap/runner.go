package tap

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxParallelStreams bounds concurrent stream syncs.
const DefaultMaxParallelStreams = 4

// Runner syncs several streams that share one emitter and one bookmark
// store. Each stream writes its SCHEMA before syncing.
type Runner struct {
	streams     []*Stream
	parallelism int
	logger      *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithParallelism bounds concurrent syncs. Values below one mean one.
func WithParallelism(n int) RunnerOption {
	return func(r *Runner) {
		if n < 1 {
			n = 1
		}
		r.parallelism = n
	}
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner creates a Runner for streams.
func NewRunner(streams []*Stream, opts ...RunnerOption) *Runner {
	r := &Runner{
		streams:     streams,
		parallelism: DefaultMaxParallelStreams,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "runner")
	return r
}

// Run syncs every stream. The first failure cancels the streams still
// running and is returned.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("starting sync", "streams", len(r.streams), "parallelism", r.parallelism)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for _, s := range r.streams {
		s := s
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := s.WriteSchema(); err != nil {
				return err
			}
			if s.cfg.Batch != nil {
				return s.SyncBatch(gctx)
			}
			return s.Sync(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	r.logger.Info("sync complete", "streams", len(r.streams))
	return nil
}
