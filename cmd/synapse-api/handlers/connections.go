package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/synapse-kb/synapse/internal/cache"
	"github.com/synapse-kb/synapse/internal/observability"
	"github.com/synapse-kb/synapse/internal/storage"
)

// ConnectionStore is the read surface for persisted connections.
type ConnectionStore interface {
	ListByDocument(ctx context.Context, documentID uuid.UUID, limit int) ([]*storage.Connection, error)
	ListBySource(ctx context.Context, sourceChunkID uuid.UUID) ([]*storage.Connection, error)
}

// ConnectionHandler serves connection listings. Document listings are cached
// because the UI polls them while a detection job runs.
type ConnectionHandler struct {
	logger   *observability.Logger
	store    ConnectionStore
	cache    cache.Client
	cacheTTL time.Duration
}

// NewConnectionHandler creates a new connection handler.
func NewConnectionHandler(logger *observability.Logger, store ConnectionStore, cacheClient cache.Client, cacheTTL time.Duration) *ConnectionHandler {
	return &ConnectionHandler{logger: logger, store: store, cache: cacheClient, cacheTTL: cacheTTL}
}

// ConnectionDTO is one connection in a listing response.
type ConnectionDTO struct {
	SourceChunkID string                     `json:"sourceChunkId"`
	TargetChunkID string                     `json:"targetChunkId"`
	Type          string                     `json:"connectionType"`
	Strength      float64                    `json:"strength"`
	AutoDetected  bool                       `json:"autoDetected"`
	DiscoveredAt  time.Time                  `json:"discoveredAt"`
	Metadata      storage.ConnectionMetadata `json:"metadata"`
}

// ConnectionListDTO is the listing response.
type ConnectionListDTO struct {
	Connections []ConnectionDTO `json:"connections"`
	Count       int             `json:"count"`
}

// ListByDocument returns connections whose source chunk belongs to the
// document, newest first. Default-shaped requests are served from cache.
func (h *ConnectionHandler) ListByDocument(w http.ResponseWriter, r *http.Request) {
	documentID, err := uuid.Parse(chi.URLParam(r, "documentId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	// Only the default listing shape is cacheable.
	cacheKey := ""
	if limit == 0 {
		cacheKey = cache.ConnectionsKey(documentID.String())
		if payload, err := h.cache.Get(r.Context(), cacheKey); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Cache", "hit")
			w.Write(payload)
			return
		}
	}

	connections, err := h.store.ListByDocument(r.Context(), documentID, limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Connection listing failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	dto := toListDTO(connections)
	if cacheKey != "" {
		if payload, err := json.Marshal(dto); err == nil {
			if err := h.cache.Set(r.Context(), cacheKey, payload, h.cacheTTL); err != nil {
				h.logger.Warn().Err(err).Msg("Cache write failed")
			}
		}
	}

	writeJSON(w, http.StatusOK, dto)
}

// ListBySource returns connections emitted from one chunk, strongest first.
func (h *ConnectionHandler) ListBySource(w http.ResponseWriter, r *http.Request) {
	chunkID, err := uuid.Parse(chi.URLParam(r, "chunkId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chunk id")
		return
	}

	connections, err := h.store.ListBySource(r.Context(), chunkID)
	if err != nil {
		h.logger.Error().Err(err).Msg("Connection listing failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, toListDTO(connections))
}

func toListDTO(connections []*storage.Connection) ConnectionListDTO {
	dto := ConnectionListDTO{Connections: make([]ConnectionDTO, 0, len(connections))}
	for _, c := range connections {
		dto.Connections = append(dto.Connections, ConnectionDTO{
			SourceChunkID: c.SourceChunkID.String(),
			TargetChunkID: c.TargetChunkID.String(),
			Type:          string(c.Type),
			Strength:      c.Strength,
			AutoDetected:  c.AutoDetected,
			DiscoveredAt:  c.DiscoveredAt,
			Metadata:      c.Metadata,
		})
	}
	dto.Count = len(dto.Connections)
	return dto
}
