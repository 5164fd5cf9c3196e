// Package handlers provides HTTP handlers for the connection engine API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/synapse-kb/synapse/internal/observability"
	"github.com/synapse-kb/synapse/internal/storage"
)

// JobStore is the queue surface the API writes to and reads from.
type JobStore interface {
	Enqueue(ctx context.Context, input storage.JobInput) (uuid.UUID, error)
	GetByID(ctx context.Context, jobID uuid.UUID) (*storage.DetectionJob, error)
}

// DocumentStore resolves documents for request validation.
type DocumentStore interface {
	GetDocument(ctx context.Context, documentID uuid.UUID) (*storage.Document, error)
}

// JobHandler handles detection job requests.
type JobHandler struct {
	logger    *observability.Logger
	jobs      JobStore
	documents DocumentStore
}

// NewJobHandler creates a new job handler.
func NewJobHandler(logger *observability.Logger, jobs JobStore, documents DocumentStore) *JobHandler {
	return &JobHandler{logger: logger, jobs: jobs, documents: documents}
}

// DetectRequestDTO is the optional request body for triggering detection.
type DetectRequestDTO struct {
	ChunkIDs []uuid.UUID `json:"chunkIds,omitempty"`
	Trigger  string      `json:"trigger,omitempty"`
}

// DetectResponseDTO acknowledges an enqueued detection job.
type DetectResponseDTO struct {
	JobID      string `json:"jobId"`
	DocumentID string `json:"documentId"`
	Status     string `json:"status"`
}

// JobStatusDTO is the job status response.
type JobStatusDTO struct {
	JobID           string          `json:"jobId"`
	Status          string          `json:"status"`
	ProgressPercent int             `json:"progressPercent"`
	ProgressStage   string          `json:"progressStage"`
	ProgressMessage string          `json:"progressMessage,omitempty"`
	LastHeartbeat   *time.Time      `json:"lastHeartbeat,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	LastError       string          `json:"lastError,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
}

// EnqueueDetection validates the document and enqueues a detection job.
func (h *JobHandler) EnqueueDetection(w http.ResponseWriter, r *http.Request) {
	documentID, err := uuid.Parse(chi.URLParam(r, "documentId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}

	var req DetectRequestDTO
	if body, err := io.ReadAll(r.Body); err == nil && len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	doc, err := h.documents.GetDocument(r.Context(), documentID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("Document lookup failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	trigger := req.Trigger
	if trigger == "" {
		trigger = "api"
	}

	jobID, err := h.jobs.Enqueue(r.Context(), storage.JobInput{
		DocumentID: documentID,
		UserID:     doc.UserID,
		ChunkIDs:   req.ChunkIDs,
		Trigger:    trigger,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Enqueue failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusAccepted, DetectResponseDTO{
		JobID:      jobID.String(),
		DocumentID: documentID.String(),
		Status:     string(storage.JobStatusPending),
	})
}

// GetStatus returns the lifecycle state of one job.
func (h *JobHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := h.jobs.GetByID(r.Context(), jobID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("Job lookup failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	dto := JobStatusDTO{
		JobID:           job.ID.String(),
		Status:          string(job.Status),
		ProgressPercent: job.ProgressPercent,
		ProgressStage:   job.ProgressStage,
		ProgressMessage: job.ProgressMessage,
		LastHeartbeat:   job.LastHeartbeat,
		Output:          job.OutputData,
		CompletedAt:     job.CompletedAt,
	}
	if job.LastError != nil {
		dto.LastError = *job.LastError
	}

	writeJSON(w, http.StatusOK, dto)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
