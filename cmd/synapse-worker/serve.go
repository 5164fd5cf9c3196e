package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/synapse-kb/synapse/internal/storage"
	"github.com/synapse-kb/synapse/internal/worker"
)

// newServeCmd creates the serve subcommand: the long-running polling worker.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the polling worker pool",
		Long: `Serve starts a pool of workers that claim pending detection jobs from
the background queue and run them to completion. The pool drains on
SIGINT/SIGTERM; the job currently running is marked failed as cancelled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDatabase()
			if err != nil {
				return err
			}
			defer db.Close()

			orchestrator, err := buildOrchestrator(db)
			if err != nil {
				return err
			}

			jobRepo := storage.NewJobRepository(db)
			handler := worker.NewHandler(jobRepo, orchestrator, cfg.Worker.HeartbeatInterval, logger)
			poller := worker.NewPoller(jobRepo, handler, cfg.Worker, logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return poller.Run(ctx)
		},
	}
}
