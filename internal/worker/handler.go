// Package worker consumes detection jobs from the background queue and
// drives the orchestrator.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/synapse-kb/synapse/internal/engine"
	"github.com/synapse-kb/synapse/internal/metrics"
	"github.com/synapse-kb/synapse/internal/observability"
	"github.com/synapse-kb/synapse/internal/storage"
)

// terminalWriteTimeout bounds the detached writes that record a job outcome
// after the job's own context is gone.
const terminalWriteTimeout = 5 * time.Second

// JobStore is the job lifecycle surface the handler writes to.
type JobStore interface {
	ClaimPending(ctx context.Context) (*storage.DetectionJob, error)
	MarkProcessing(ctx context.Context, jobID uuid.UUID) error
	UpdateProgress(ctx context.Context, jobID uuid.UUID, percent int, stage, message string) error
	Heartbeat(ctx context.Context, jobID uuid.UUID) error
	Complete(ctx context.Context, jobID uuid.UUID, output storage.JobOutput) error
	Fail(ctx context.Context, jobID uuid.UUID, output storage.JobOutput, lastError string) error
}

// Processor runs detection for one document.
type Processor interface {
	ProcessDocument(ctx context.Context, documentID uuid.UUID, opts engine.Options, progress engine.ProgressFunc) (*engine.Result, error)
}

// Handler executes one claimed job end to end: lifecycle writes, heartbeats,
// orchestration, and terminal status.
type Handler struct {
	jobs              JobStore
	processor         Processor
	heartbeatInterval time.Duration
	logger            *observability.Logger
}

// NewHandler creates a job handler.
func NewHandler(jobs JobStore, processor Processor, heartbeatInterval time.Duration, logger *observability.Logger) *Handler {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 15 * time.Second
	}
	return &Handler{jobs: jobs, processor: processor, heartbeatInterval: heartbeatInterval, logger: logger}
}

// Handle runs one job to a terminal status. The returned error re-raises the
// failure so the caller's queue accounting sees it; a nil return means the
// job completed.
func (h *Handler) Handle(ctx context.Context, job *storage.DetectionJob) error {
	logger := h.logger.WithContext(observability.ContextWithJobID(ctx, job.ID.String()))

	input, err := job.Input()
	if err != nil {
		logger.Error().Err(err).Msg("Job input rejected")
		h.fail(job.ID, uuid.Nil, err)
		return err
	}

	logger = logger.WithDocument(input.DocumentID.String())

	if job.Status == storage.JobStatusPending {
		if err := h.jobs.MarkProcessing(ctx, job.ID); err != nil {
			logger.Error().Err(err).Msg("Could not mark job processing")
			return err
		}
	}

	stopHeartbeat := h.startHeartbeat(ctx, job.ID, logger)
	defer stopHeartbeat()

	progress := func(percent int, message string) {
		if err := h.jobs.UpdateProgress(ctx, job.ID, percent, "detect", message); err != nil {
			logger.Warn().Err(err).Msg("Progress update failed")
		}
	}

	result, err := h.processor.ProcessDocument(ctx, input.DocumentID, engine.Options{
		UserID:         input.UserID,
		SourceChunkIDs: input.ChunkIDs,
	}, progress)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			logger.Warn().Msg("Job cancelled")
			h.fail(job.ID, input.DocumentID, errors.New("cancelled"))
			metrics.JobsProcessed.WithLabelValues(string(storage.JobStatusFailed)).Inc()
			return err
		}

		logger.Error().Err(err).Msg("Detection failed")
		h.fail(job.ID, input.DocumentID, err)
		metrics.JobsProcessed.WithLabelValues(string(storage.JobStatusFailed)).Inc()
		return err
	}

	output := storage.JobOutput{
		Success:          true,
		DocumentID:       input.DocumentID,
		TotalConnections: result.TotalConnections,
		ByEngine:         result.ByEngine,
		ExecutionTime:    result.ExecutionTimeMS,
	}
	if err := h.jobs.Complete(ctx, job.ID, output); err != nil {
		logger.Error().Err(err).Msg("Could not record job completion")
		return err
	}

	metrics.JobsProcessed.WithLabelValues(string(storage.JobStatusCompleted)).Inc()
	logger.Info().
		Int("total_connections", result.TotalConnections).
		Int64("execution_time_ms", result.ExecutionTimeMS).
		Msg("Job completed")
	return nil
}

// fail records the terminal failure on a detached context so a cancelled job
// still reaches the failed state.
func (h *Handler) fail(jobID, documentID uuid.UUID, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()

	output := storage.JobOutput{
		Success:    false,
		DocumentID: documentID,
		Error:      cause.Error(),
	}
	if err := h.jobs.Fail(ctx, jobID, output, cause.Error()); err != nil {
		h.logger.Error().
			Str("job_id", jobID.String()).
			Err(err).
			Msg("Could not record job failure")
	}
}

// startHeartbeat refreshes last_heartbeat on a ticker until stopped. The
// interval stays well under the 30 s watchdog window.
func (h *Handler) startHeartbeat(ctx context.Context, jobID uuid.UUID, logger *observability.Logger) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(h.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := h.jobs.Heartbeat(ctx, jobID); err != nil {
					logger.Warn().Err(err).Msg("Heartbeat failed")
				}
			}
		}
	}()
	return func() { close(done) }
}
