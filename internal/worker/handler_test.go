package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synapse-kb/synapse/internal/engine"
	"github.com/synapse-kb/synapse/internal/observability"
	"github.com/synapse-kb/synapse/internal/storage"
)

type progressCall struct {
	percent int
	stage   string
	message string
}

// fakeJobs records every lifecycle write the handler makes. Heartbeats arrive
// from the handler's ticker goroutine, so that counter is guarded.
type fakeJobs struct {
	mu               sync.Mutex
	markedProcessing []uuid.UUID
	progress         []progressCall
	heartbeats       int
	completed        map[uuid.UUID]storage.JobOutput
	failed           map[uuid.UUID]string
	failedOutput     map[uuid.UUID]storage.JobOutput
	completeErr      error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		completed:    make(map[uuid.UUID]storage.JobOutput),
		failed:       make(map[uuid.UUID]string),
		failedOutput: make(map[uuid.UUID]storage.JobOutput),
	}
}

func (f *fakeJobs) ClaimPending(context.Context) (*storage.DetectionJob, error) {
	return nil, storage.ErrNotFound
}

func (f *fakeJobs) MarkProcessing(_ context.Context, jobID uuid.UUID) error {
	f.markedProcessing = append(f.markedProcessing, jobID)
	return nil
}

func (f *fakeJobs) UpdateProgress(_ context.Context, _ uuid.UUID, percent int, stage, message string) error {
	f.progress = append(f.progress, progressCall{percent, stage, message})
	return nil
}

func (f *fakeJobs) Heartbeat(context.Context, uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeJobs) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats
}

func (f *fakeJobs) Complete(_ context.Context, jobID uuid.UUID, output storage.JobOutput) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completed[jobID] = output
	return nil
}

func (f *fakeJobs) Fail(_ context.Context, jobID uuid.UUID, output storage.JobOutput, lastError string) error {
	f.failed[jobID] = lastError
	f.failedOutput[jobID] = output
	return nil
}

// fakeProcessor returns a canned result, optionally reporting progress first.
type fakeProcessor struct {
	result  *engine.Result
	err     error
	seen    []engine.Options
	percent int
}

func (f *fakeProcessor) ProcessDocument(_ context.Context, _ uuid.UUID, opts engine.Options, progress engine.ProgressFunc) (*engine.Result, error) {
	f.seen = append(f.seen, opts)
	if progress != nil && f.percent > 0 {
		progress(f.percent, "working")
	}
	return f.result, f.err
}

func pendingJob(t *testing.T, input storage.JobInput) *storage.DetectionJob {
	t.Helper()
	raw, err := json.Marshal(input)
	require.NoError(t, err)
	return &storage.DetectionJob{
		ID:        uuid.New(),
		Status:    storage.JobStatusPending,
		InputData: raw,
	}
}

func TestHandler_CompletesJob(t *testing.T) {
	docID := uuid.New()
	userID := uuid.New()
	job := pendingJob(t, storage.JobInput{DocumentID: docID, UserID: userID})

	jobs := newFakeJobs()
	processor := &fakeProcessor{
		result: &engine.Result{
			TotalConnections: 7,
			ByEngine:         map[string]int{"semantic_similarity": 5, "contradiction_detection": 2},
			ExecutionTimeMS:  1234,
		},
		percent: 40,
	}

	h := NewHandler(jobs, processor, time.Minute, observability.NopLogger())
	require.NoError(t, h.Handle(context.Background(), job))

	assert.Equal(t, []uuid.UUID{job.ID}, jobs.markedProcessing)

	output, ok := jobs.completed[job.ID]
	require.True(t, ok)
	assert.True(t, output.Success)
	assert.Equal(t, docID, output.DocumentID)
	assert.Equal(t, 7, output.TotalConnections)
	assert.Equal(t, int64(1234), output.ExecutionTime)
	assert.Equal(t, 5, output.ByEngine["semantic_similarity"])

	// Orchestrator progress flows through as the "detect" stage.
	require.Len(t, jobs.progress, 1)
	assert.Equal(t, progressCall{40, "detect", "working"}, jobs.progress[0])

	// Scope carried from the job input.
	require.Len(t, processor.seen, 1)
	assert.Equal(t, userID, processor.seen[0].UserID)
}

func TestHandler_PerChunkInputForwarded(t *testing.T) {
	chunkID := uuid.New()
	job := pendingJob(t, storage.JobInput{
		DocumentID: uuid.New(),
		UserID:     uuid.New(),
		ChunkIDs:   []uuid.UUID{chunkID},
	})

	jobs := newFakeJobs()
	processor := &fakeProcessor{result: &engine.Result{}}

	h := NewHandler(jobs, processor, time.Minute, observability.NopLogger())
	require.NoError(t, h.Handle(context.Background(), job))

	require.Len(t, processor.seen, 1)
	assert.Equal(t, []uuid.UUID{chunkID}, processor.seen[0].SourceChunkIDs)
}

func TestHandler_ProcessingJobNotMarkedAgain(t *testing.T) {
	job := pendingJob(t, storage.JobInput{DocumentID: uuid.New(), UserID: uuid.New()})
	job.Status = storage.JobStatusProcessing

	jobs := newFakeJobs()
	h := NewHandler(jobs, &fakeProcessor{result: &engine.Result{}}, time.Minute, observability.NopLogger())
	require.NoError(t, h.Handle(context.Background(), job))

	assert.Empty(t, jobs.markedProcessing)
}

func TestHandler_FailureIsRecordedAndReRaised(t *testing.T) {
	job := pendingJob(t, storage.JobInput{DocumentID: uuid.New(), UserID: uuid.New()})

	jobs := newFakeJobs()
	cause := errors.New("vector index unavailable")
	h := NewHandler(jobs, &fakeProcessor{err: cause}, time.Minute, observability.NopLogger())

	err := h.Handle(context.Background(), job)
	assert.ErrorIs(t, err, cause)

	assert.Equal(t, "vector index unavailable", jobs.failed[job.ID])
	assert.False(t, jobs.failedOutput[job.ID].Success)
	assert.Empty(t, jobs.completed)
}

func TestHandler_CancellationFailsJobAndReRaises(t *testing.T) {
	job := pendingJob(t, storage.JobInput{DocumentID: uuid.New(), UserID: uuid.New()})

	jobs := newFakeJobs()
	h := NewHandler(jobs, &fakeProcessor{err: context.Canceled}, time.Minute, observability.NopLogger())

	err := h.Handle(context.Background(), job)
	assert.ErrorIs(t, err, context.Canceled)

	// The terminal write happens even though the run context is gone.
	assert.Equal(t, "cancelled", jobs.failed[job.ID])
}

func TestHandler_MalformedInputFailsJob(t *testing.T) {
	job := &storage.DetectionJob{
		ID:        uuid.New(),
		Status:    storage.JobStatusPending,
		InputData: json.RawMessage(`{"document_id": "not-a-uuid"}`),
	}

	jobs := newFakeJobs()
	h := NewHandler(jobs, &fakeProcessor{result: &engine.Result{}}, time.Minute, observability.NopLogger())

	err := h.Handle(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, jobs.failed, job.ID)
	assert.Empty(t, jobs.markedProcessing)
}

func TestHandler_CompleteWriteFailureSurfaces(t *testing.T) {
	job := pendingJob(t, storage.JobInput{DocumentID: uuid.New(), UserID: uuid.New()})

	jobs := newFakeJobs()
	jobs.completeErr = fmt.Errorf("connection reset")
	h := NewHandler(jobs, &fakeProcessor{result: &engine.Result{}}, time.Minute, observability.NopLogger())

	err := h.Handle(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestHandler_HeartbeatTicks(t *testing.T) {
	job := pendingJob(t, storage.JobInput{DocumentID: uuid.New(), UserID: uuid.New()})

	jobs := newFakeJobs()
	slow := &slowProcessor{delay: 80 * time.Millisecond}
	h := NewHandler(jobs, slow, 20*time.Millisecond, observability.NopLogger())

	require.NoError(t, h.Handle(context.Background(), job))
	assert.GreaterOrEqual(t, jobs.heartbeatCount(), 2)
}

type slowProcessor struct{ delay time.Duration }

func (s *slowProcessor) ProcessDocument(ctx context.Context, _ uuid.UUID, _ engine.Options, _ engine.ProgressFunc) (*engine.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.delay):
	}
	return &engine.Result{}, nil
}
