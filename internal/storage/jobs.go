package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobRepository handles detection job lifecycle updates. The queue itself is
// external; this repository only claims and mutates job records.
type JobRepository struct {
	db TxDB
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db TxDB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `
	id, status, progress_percent, progress_stage, progress_message,
	last_heartbeat, input_data, output_data, last_error, completed_at`

// GetByID retrieves a job record.
func (r *JobRepository) GetByID(ctx context.Context, jobID uuid.UUID) (*DetectionJob, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM background_jobs WHERE id = $1", jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// ClaimPending atomically claims one pending detect-connections job and
// transitions it to processing. Returns ErrNotFound when the queue is empty.
func (r *JobRepository) ClaimPending(ctx context.Context) (*DetectionJob, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim job: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM background_jobs
		WHERE status = $1 AND job_type = 'detect_connections'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, JobStatusPending)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE background_jobs
		SET status = $1, last_heartbeat = $2, progress_percent = 0,
			progress_stage = 'starting', progress_message = ''
		WHERE id = $3
	`, JobStatusProcessing, now, job.ID); err != nil {
		return nil, fmt.Errorf("mark job processing: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim job: %w", err)
	}

	job.Status = JobStatusProcessing
	job.LastHeartbeat = &now
	return job, nil
}

// MarkProcessing transitions a job to processing.
func (r *JobRepository) MarkProcessing(ctx context.Context, jobID uuid.UUID) error {
	return r.exec(ctx, `
		UPDATE background_jobs
		SET status = $1, last_heartbeat = $2, progress_percent = 0,
			progress_stage = 'starting', progress_message = ''
		WHERE id = $3
	`, JobStatusProcessing, time.Now(), jobID)
}

// UpdateProgress writes the progress fields of a running job.
func (r *JobRepository) UpdateProgress(ctx context.Context, jobID uuid.UUID, percent int, stage, message string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return r.exec(ctx, `
		UPDATE background_jobs
		SET progress_percent = $1, progress_stage = $2, progress_message = $3,
			last_heartbeat = $4
		WHERE id = $5
	`, percent, stage, message, time.Now(), jobID)
}

// Heartbeat refreshes last_heartbeat so external watchdogs keep the worker
// alive during long bridge-engine runs.
func (r *JobRepository) Heartbeat(ctx context.Context, jobID uuid.UUID) error {
	return r.exec(ctx, `
		UPDATE background_jobs SET last_heartbeat = $1 WHERE id = $2
	`, time.Now(), jobID)
}

// Complete marks a job completed with its output payload.
func (r *JobRepository) Complete(ctx context.Context, jobID uuid.UUID, output JobOutput) error {
	payload, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("marshal job output: %w", err)
	}
	return r.exec(ctx, `
		UPDATE background_jobs
		SET status = $1, progress_percent = 100, progress_stage = 'done',
			output_data = $2, completed_at = $3, last_heartbeat = $3
		WHERE id = $4
	`, JobStatusCompleted, payload, time.Now(), jobID)
}

// Fail marks a job failed with its error payload.
func (r *JobRepository) Fail(ctx context.Context, jobID uuid.UUID, output JobOutput, lastError string) error {
	payload, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("marshal job output: %w", err)
	}
	return r.exec(ctx, `
		UPDATE background_jobs
		SET status = $1, output_data = $2, last_error = $3, completed_at = $4
		WHERE id = $5
	`, JobStatusFailed, payload, lastError, time.Now(), jobID)
}

// Enqueue inserts a pending detect-connections job. Used by the admin API;
// production jobs normally arrive through the external queue.
func (r *JobRepository) Enqueue(ctx context.Context, input JobInput) (uuid.UUID, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal job input: %w", err)
	}

	jobID := uuid.New()
	err = r.exec(ctx, `
		INSERT INTO background_jobs
			(id, job_type, status, progress_percent, progress_stage,
			 progress_message, input_data, created_at)
		VALUES ($1, 'detect_connections', $2, 0, 'queued', '', $3, $4)
	`, jobID, JobStatusPending, payload, time.Now())
	if err != nil {
		return uuid.Nil, err
	}
	return jobID, nil
}

// Input parses the job's input_data payload.
func (j *DetectionJob) Input() (JobInput, error) {
	var input JobInput
	if err := json.Unmarshal(j.InputData, &input); err != nil {
		return JobInput{}, fmt.Errorf("parse job input: %w", err)
	}
	if input.DocumentID == uuid.Nil {
		return JobInput{}, errors.New("job input missing document_id")
	}
	return input, nil
}

func (r *JobRepository) exec(ctx context.Context, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*DetectionJob, error) {
	job := &DetectionJob{}
	if err := row.Scan(
		&job.ID, &job.Status, &job.ProgressPercent, &job.ProgressStage,
		&job.ProgressMessage, &job.LastHeartbeat, &job.InputData,
		&job.OutputData, &job.LastError, &job.CompletedAt,
	); err != nil {
		return nil, err
	}
	return job, nil
}
