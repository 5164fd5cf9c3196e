package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synapse-kb/synapse/internal/cache"
	"github.com/synapse-kb/synapse/internal/observability"
	"github.com/synapse-kb/synapse/internal/storage"
)

type fakeJobStore struct {
	enqueued   []storage.JobInput
	enqueueErr error
	jobs       map[uuid.UUID]*storage.DetectionJob
	nextID     uuid.UUID
}

func (s *fakeJobStore) Enqueue(_ context.Context, input storage.JobInput) (uuid.UUID, error) {
	if s.enqueueErr != nil {
		return uuid.Nil, s.enqueueErr
	}
	s.enqueued = append(s.enqueued, input)
	return s.nextID, nil
}

func (s *fakeJobStore) GetByID(_ context.Context, jobID uuid.UUID) (*storage.DetectionJob, error) {
	if job, ok := s.jobs[jobID]; ok {
		return job, nil
	}
	return nil, storage.ErrNotFound
}

type fakeDocStore struct {
	doc *storage.Document
	err error
}

func (s *fakeDocStore) GetDocument(_ context.Context, documentID uuid.UUID) (*storage.Document, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.doc != nil && s.doc.ID == documentID {
		return s.doc, nil
	}
	return nil, storage.ErrNotFound
}

type fakeConnStore struct {
	connections []*storage.Connection
	err         error

	documentCalls int
	lastLimit     int
	sourceCalls   int
}

func (s *fakeConnStore) ListByDocument(_ context.Context, _ uuid.UUID, limit int) ([]*storage.Connection, error) {
	s.documentCalls++
	s.lastLimit = limit
	return s.connections, s.err
}

func (s *fakeConnStore) ListBySource(_ context.Context, _ uuid.UUID) ([]*storage.Connection, error) {
	s.sourceCalls++
	return s.connections, s.err
}

func newJobRouter(jobs *fakeJobStore, docs *fakeDocStore) http.Handler {
	h := NewJobHandler(observability.NopLogger(), jobs, docs)
	r := chi.NewRouter()
	r.Post("/api/v1/documents/{documentId}/detect", h.EnqueueDetection)
	r.Get("/api/v1/jobs/{jobId}", h.GetStatus)
	return r
}

func newConnectionRouter(store *fakeConnStore, cacheClient cache.Client) http.Handler {
	h := NewConnectionHandler(observability.NopLogger(), store, cacheClient, time.Minute)
	r := chi.NewRouter()
	r.Get("/api/v1/documents/{documentId}/connections", h.ListByDocument)
	r.Get("/api/v1/chunks/{chunkId}/connections", h.ListBySource)
	return r
}

func TestEnqueueDetection_AcceptsAndForwardsInput(t *testing.T) {
	docID := uuid.New()
	userID := uuid.New()
	chunkID := uuid.New()
	jobID := uuid.New()

	jobs := &fakeJobStore{nextID: jobID}
	docs := &fakeDocStore{doc: &storage.Document{ID: docID, UserID: userID, Title: "Notes"}}
	router := newJobRouter(jobs, docs)

	body, err := json.Marshal(DetectRequestDTO{ChunkIDs: []uuid.UUID{chunkID}, Trigger: "reprocessing"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/documents/"+docID.String()+"/detect", bytes.NewReader(body)))

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp DetectResponseDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, jobID.String(), resp.JobID)
	assert.Equal(t, docID.String(), resp.DocumentID)
	assert.Equal(t, "pending", resp.Status)

	require.Len(t, jobs.enqueued, 1)
	input := jobs.enqueued[0]
	assert.Equal(t, docID, input.DocumentID)
	assert.Equal(t, userID, input.UserID)
	assert.Equal(t, []uuid.UUID{chunkID}, input.ChunkIDs)
	assert.Equal(t, "reprocessing", input.Trigger)
}

func TestEnqueueDetection_EmptyBodyDefaultsTrigger(t *testing.T) {
	docID := uuid.New()
	jobs := &fakeJobStore{nextID: uuid.New()}
	docs := &fakeDocStore{doc: &storage.Document{ID: docID, UserID: uuid.New()}}
	router := newJobRouter(jobs, docs)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/documents/"+docID.String()+"/detect", nil))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, jobs.enqueued, 1)
	assert.Equal(t, "api", jobs.enqueued[0].Trigger)
	assert.Empty(t, jobs.enqueued[0].ChunkIDs)
}

func TestEnqueueDetection_UnknownDocument(t *testing.T) {
	router := newJobRouter(&fakeJobStore{}, &fakeDocStore{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/documents/"+uuid.NewString()+"/detect", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "document not found")
}

func TestEnqueueDetection_InvalidDocumentID(t *testing.T) {
	router := newJobRouter(&fakeJobStore{}, &fakeDocStore{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/documents/not-a-uuid/detect", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueDetection_MalformedBody(t *testing.T) {
	docID := uuid.New()
	jobs := &fakeJobStore{}
	docs := &fakeDocStore{doc: &storage.Document{ID: docID}}
	router := newJobRouter(jobs, docs)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/documents/"+docID.String()+"/detect", bytes.NewReader([]byte("{nope"))))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, jobs.enqueued)
}

func TestEnqueueDetection_EnqueueFailure(t *testing.T) {
	docID := uuid.New()
	jobs := &fakeJobStore{enqueueErr: errors.New("queue down")}
	docs := &fakeDocStore{doc: &storage.Document{ID: docID}}
	router := newJobRouter(jobs, docs)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/documents/"+docID.String()+"/detect", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetStatus_ReturnsJob(t *testing.T) {
	jobID := uuid.New()
	completedAt := time.Now().UTC().Truncate(time.Second)
	lastErr := "bridge engine timed out"
	job := &storage.DetectionJob{
		ID:              jobID,
		Status:          storage.JobStatusCompleted,
		ProgressPercent: 100,
		ProgressStage:   "detect",
		ProgressMessage: "done",
		OutputData:      json.RawMessage(`{"success":true,"totalConnections":4}`),
		LastError:       &lastErr,
		CompletedAt:     &completedAt,
	}
	router := newJobRouter(&fakeJobStore{jobs: map[uuid.UUID]*storage.DetectionJob{jobID: job}}, &fakeDocStore{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+jobID.String(), nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var dto JobStatusDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, jobID.String(), dto.JobID)
	assert.Equal(t, "completed", dto.Status)
	assert.Equal(t, 100, dto.ProgressPercent)
	assert.Equal(t, "detect", dto.ProgressStage)
	assert.Equal(t, lastErr, dto.LastError)
	assert.JSONEq(t, `{"success":true,"totalConnections":4}`, string(dto.Output))
	require.NotNil(t, dto.CompletedAt)
	assert.True(t, dto.CompletedAt.Equal(completedAt))
}

func TestGetStatus_NotFound(t *testing.T) {
	router := newJobRouter(&fakeJobStore{}, &fakeDocStore{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetStatus_InvalidJobID(t *testing.T) {
	router := newJobRouter(&fakeJobStore{}, &fakeDocStore{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/nope", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func sampleConnection() *storage.Connection {
	sim := 0.91
	return &storage.Connection{
		SourceChunkID: uuid.New(),
		TargetChunkID: uuid.New(),
		Type:          storage.ConnectionSemanticSimilarity,
		Strength:      0.91,
		AutoDetected:  true,
		DiscoveredAt:  time.Now().UTC(),
		Metadata: storage.ConnectionMetadata{
			Explanation:         "Semantically similar passage",
			TargetDocumentTitle: "Other doc",
			Similarity:          &sim,
		},
	}
}

func TestListByDocument_ReturnsConnections(t *testing.T) {
	conn := sampleConnection()
	store := &fakeConnStore{connections: []*storage.Connection{conn}}
	router := newConnectionRouter(store, cache.NewMemoryClient(16))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+uuid.NewString()+"/connections", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var dto ConnectionListDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	require.Equal(t, 1, dto.Count)
	assert.Equal(t, conn.SourceChunkID.String(), dto.Connections[0].SourceChunkID)
	assert.Equal(t, string(storage.ConnectionSemanticSimilarity), dto.Connections[0].Type)
	assert.InDelta(t, 0.91, dto.Connections[0].Strength, 1e-9)
	assert.Equal(t, "Semantically similar passage", dto.Connections[0].Metadata.Explanation)
}

func TestListByDocument_SecondRequestIsServedFromCache(t *testing.T) {
	store := &fakeConnStore{connections: []*storage.Connection{sampleConnection()}}
	router := newConnectionRouter(store, cache.NewMemoryClient(16))
	url := "/api/v1/documents/" + uuid.NewString() + "/connections"

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, url, nil))
	require.Equal(t, http.StatusOK, first.Code)
	assert.Empty(t, first.Header().Get("X-Cache"))

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodGet, url, nil))
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "hit", second.Header().Get("X-Cache"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	assert.Equal(t, 1, store.documentCalls)
}

func TestListByDocument_LimitBypassesCache(t *testing.T) {
	store := &fakeConnStore{connections: []*storage.Connection{sampleConnection()}}
	router := newConnectionRouter(store, cache.NewMemoryClient(16))
	url := "/api/v1/documents/" + uuid.NewString() + "/connections?limit=5"

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-Cache"))
	}

	assert.Equal(t, 2, store.documentCalls)
	assert.Equal(t, 5, store.lastLimit)
}

func TestListByDocument_InvalidLimit(t *testing.T) {
	router := newConnectionRouter(&fakeConnStore{}, cache.NewMemoryClient(16))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+uuid.NewString()+"/connections?limit=-1", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListByDocument_StoreFailure(t *testing.T) {
	store := &fakeConnStore{err: errors.New("db down")}
	router := newConnectionRouter(store, cache.NewMemoryClient(16))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+uuid.NewString()+"/connections", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestListBySource_ReturnsConnections(t *testing.T) {
	store := &fakeConnStore{connections: []*storage.Connection{sampleConnection()}}
	router := newConnectionRouter(store, cache.NewMemoryClient(16))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/chunks/"+uuid.NewString()+"/connections", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var dto ConnectionListDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, 1, dto.Count)
	assert.Equal(t, 1, store.sourceCalls)
}

func TestListBySource_EmptyListingHasEmptyArray(t *testing.T) {
	router := newConnectionRouter(&fakeConnStore{}, cache.NewMemoryClient(16))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/chunks/"+uuid.NewString()+"/connections", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"connections":[],"count":0}`, rec.Body.String())
}
