package worker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/synapse-kb/synapse/internal/config"
	"github.com/synapse-kb/synapse/internal/observability"
	"github.com/synapse-kb/synapse/internal/storage"
)

// Poller runs a fixed pool of workers, each claiming and executing one
// detection job at a time.
type Poller struct {
	jobs    JobStore
	handler *Handler
	cfg     config.WorkerConfig
	logger  *observability.Logger
}

// NewPoller creates a job poller.
func NewPoller(jobs JobStore, handler *Handler, cfg config.WorkerConfig, logger *observability.Logger) *Poller {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Poller{jobs: jobs, handler: handler, cfg: cfg, logger: logger}
}

// Run blocks until the context is cancelled. Each worker loops: claim one
// pending job, run it to a terminal status, move on. An empty queue backs
// off by the poll interval.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info().
		Int("concurrency", p.cfg.Concurrency).
		Dur("poll_interval", p.cfg.PollInterval).
		Msg("Worker pool starting")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		worker := i
		g.Go(func() error {
			return p.workerLoop(gctx, worker)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Poller) workerLoop(ctx context.Context, worker int) error {
	logger := p.logger.With().Int("worker", worker).Logger()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := p.jobs.ClaimPending(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			if !sleep(ctx, p.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}
		if err != nil {
			logger.Error().Err(err).Msg("Claim failed")
			if !sleep(ctx, p.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		logger.Info().Str("job_id", job.ID.String()).Msg("Claimed job")
		if err := p.handler.Handle(ctx, job); err != nil {
			// Terminal status is already recorded; the loop continues.
			logger.Error().Str("job_id", job.ID.String()).Err(err).Msg("Job failed")
		}
	}
}

// sleep waits for d or until the context ends; it reports whether the full
// wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
