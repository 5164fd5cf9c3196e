// Package main provides the API router setup.
package main

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/synapse-kb/synapse/cmd/synapse-api/handlers"
	"github.com/synapse-kb/synapse/internal/cache"
	"github.com/synapse-kb/synapse/internal/config"
	"github.com/synapse-kb/synapse/internal/observability"
	"github.com/synapse-kb/synapse/internal/storage"
)

// NewRouter creates the main API router with all routes configured.
func NewRouter(logger *observability.Logger, cfg *config.Config, db *sql.DB, cacheClient cache.Client) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(cfg.Server.ReadTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"synapse"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := db.PingContext(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Handle("/metrics", promhttp.Handler())

	jobRepo := storage.NewJobRepository(db)
	connRepo := storage.NewConnectionRepository(db)
	chunkRepo := storage.NewChunkRepository(db)

	jobHandler := handlers.NewJobHandler(logger, jobRepo, chunkRepo)
	connectionHandler := handlers.NewConnectionHandler(logger, connRepo, cacheClient, cfg.Cache.TTL)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/documents/{documentId}", func(r chi.Router) {
			r.Post("/detect", jobHandler.EnqueueDetection)
			r.Get("/connections", connectionHandler.ListByDocument)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/{jobId}", jobHandler.GetStatus)
		})

		r.Route("/chunks/{chunkId}", func(r chi.Router) {
			r.Get("/connections", connectionHandler.ListBySource)
		})
	})

	return r
}
