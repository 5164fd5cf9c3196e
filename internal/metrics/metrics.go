// Package metrics provides Prometheus collectors for the connection engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AICalls counts LLM calls issued by the thematic-bridge engine.
	AICalls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "synapse",
		Subsystem: "bridge",
		Name:      "ai_calls_total",
		Help:      "Total LLM calls issued by the thematic-bridge engine.",
	})

	// ParseFailures counts LLM responses that could not be parsed even after repair.
	ParseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "synapse",
		Subsystem: "bridge",
		Name:      "parse_failures_total",
		Help:      "LLM responses dropped after the JSON repair pass failed.",
	})

	// ConnectionsDetected counts emitted connections by engine type.
	ConnectionsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "synapse",
		Name:      "connections_detected_total",
		Help:      "Connections emitted by detection engines before deduplication.",
	}, []string{"engine"})

	// EngineErrors counts engine-level failures recorded by the orchestrator.
	EngineErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "synapse",
		Name:      "engine_errors_total",
		Help:      "Engine runs that returned an error to the orchestrator.",
	}, []string{"engine"})

	// JobsProcessed counts detection jobs by terminal status.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "synapse",
		Subsystem: "worker",
		Name:      "jobs_processed_total",
		Help:      "Detection jobs processed, by terminal status.",
	}, []string{"status"})

	// DetectionDuration observes end-to-end orchestrator run time per document.
	DetectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "synapse",
		Name:      "detection_duration_seconds",
		Help:      "Wall-clock duration of one orchestrated detection run.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)
