package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/synapse-kb/synapse/internal/metrics"
	"github.com/synapse-kb/synapse/internal/observability"
	"github.com/synapse-kb/synapse/internal/storage"
)

// ErrAllEnginesFailed is returned when every enabled engine errored and
// nothing could be detected.
var ErrAllEnginesFailed = errors.New("all detection engines failed")

// saveRetryDelay is the pause before the single save retry.
const saveRetryDelay = 500 * time.Millisecond

// Options configures one orchestrator run.
type Options struct {
	// EnabledEngines selects which engines run; empty means all three.
	EnabledEngines []storage.ConnectionType
	// UserID scopes candidate reads. When zero it is resolved from the
	// document's owner.
	UserID uuid.UUID
	// SourceChunkIDs switches every engine to per-chunk mode.
	SourceChunkIDs []uuid.UUID
	// TargetDocumentIDs restricts candidates to specific documents. This is
	// the main lever for keeping bridge AI calls bounded.
	TargetDocumentIDs []uuid.UUID
	// ReprocessingBatch selects a chunk version batch instead of is_current.
	ReprocessingBatch *string
}

// Result summarizes one orchestrator run.
type Result struct {
	TotalConnections int
	ByEngine         map[string]int
	ExecutionTimeMS  int64
	// EngineErrors records per-engine failures that did not fail the run.
	EngineErrors map[string]string
}

// progressBand maps an engine's 0..100 progress into a slice of the overall
// run. The three engines are weighted by their typical cost.
type progressBand struct{ lo, hi int }

var engineBands = map[storage.ConnectionType]progressBand{
	storage.ConnectionSemanticSimilarity: {0, 40},
	storage.ConnectionContradiction:      {40, 55},
	storage.ConnectionThematicBridge:     {55, 100},
}

// Orchestrator runs the enabled engines sequentially over one document,
// deduplicates their output, and persists the batch.
type Orchestrator struct {
	store   ChunkStore
	saver   ConnectionSaver
	engines map[storage.ConnectionType]Engine
	logger  *observability.Logger
}

// NewOrchestrator wires the orchestrator. A nil bridge engine is allowed as
// long as runs never enable thematic_bridge.
func NewOrchestrator(store ChunkStore, saver ConnectionSaver, semantic, contradiction, bridge Engine, logger *observability.Logger) *Orchestrator {
	engines := map[storage.ConnectionType]Engine{
		storage.ConnectionSemanticSimilarity: semantic,
		storage.ConnectionContradiction:      contradiction,
	}
	if bridge != nil {
		engines[storage.ConnectionThematicBridge] = bridge
	}
	return &Orchestrator{store: store, saver: saver, engines: engines, logger: logger}
}

// defaultEngineOrder is the fixed execution order.
var defaultEngineOrder = []storage.ConnectionType{
	storage.ConnectionSemanticSimilarity,
	storage.ConnectionContradiction,
	storage.ConnectionThematicBridge,
}

// ProcessDocument runs detection for one document and saves the surviving
// connections. An engine failure is recorded and skipped; the run fails only
// on configuration errors, cancellation, a save failure, or when every
// enabled engine errored.
func (o *Orchestrator) ProcessDocument(ctx context.Context, documentID uuid.UUID, opts Options, progress ProgressFunc) (*Result, error) {
	start := time.Now()

	enabled, err := o.resolveEngines(opts.EnabledEngines)
	if err != nil {
		return nil, err
	}

	userID := opts.UserID
	if userID == uuid.Nil {
		doc, err := o.store.GetDocument(ctx, documentID)
		if err != nil {
			return nil, fmt.Errorf("resolve document owner: %w", err)
		}
		userID = doc.UserID
	}

	req := Request{
		DocumentID:        documentID,
		UserID:            userID,
		SourceChunkIDs:    opts.SourceChunkIDs,
		TargetDocumentIDs: opts.TargetDocumentIDs,
		ReprocessingBatch: opts.ReprocessingBatch,
	}

	logger := o.logger.WithDocument(documentID.String())

	result := &Result{
		ByEngine:     make(map[string]int),
		EngineErrors: make(map[string]string),
	}

	var connections []*storage.Connection
	for _, name := range enabled {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		band := engineBands[name]
		engineProgress := func(percent int, message string) {
			progress.report(band.lo+percent*(band.hi-band.lo)/100, message)
		}

		conns, err := o.engines[name].Detect(ctx, req, engineProgress)
		// A partial result still counts; the error only marks the engine.
		connections = append(connections, conns...)
		result.ByEngine[string(name)] = len(conns)

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return result, err
			}
			result.EngineErrors[string(name)] = err.Error()
			metrics.EngineErrors.WithLabelValues(string(name)).Inc()
			logger.Error().
				Str("engine", string(name)).
				Err(err).
				Msg("Engine failed, continuing with remaining engines")
		}
		progress.report(band.hi, fmt.Sprintf("%s done", name))
	}

	if len(result.EngineErrors) == len(enabled) && len(enabled) > 0 {
		return result, ErrAllEnginesFailed
	}

	connections = dedupe(connections)
	result.TotalConnections = len(connections)

	if len(connections) > 0 {
		if err := o.saveWithRetry(ctx, connections); err != nil {
			return result, fmt.Errorf("save connections: %w", err)
		}
	}

	result.ExecutionTimeMS = time.Since(start).Milliseconds()
	metrics.DetectionDuration.Observe(time.Since(start).Seconds())

	logger.Info().
		Int("total_connections", result.TotalConnections).
		Interface("by_engine", result.ByEngine).
		Int64("execution_time_ms", result.ExecutionTimeMS).
		Msg("Detection complete")

	progress.report(100, "done")
	return result, nil
}

// resolveEngines validates the requested engine names and returns them in the
// fixed execution order.
func (o *Orchestrator) resolveEngines(requested []storage.ConnectionType) ([]storage.ConnectionType, error) {
	want := make(map[storage.ConnectionType]bool, len(requested))
	if len(requested) == 0 {
		for _, name := range defaultEngineOrder {
			if _, ok := o.engines[name]; ok {
				want[name] = true
			}
		}
	} else {
		for _, name := range requested {
			switch name {
			case storage.ConnectionSemanticSimilarity, storage.ConnectionContradiction, storage.ConnectionThematicBridge:
				want[name] = true
			default:
				return nil, fmt.Errorf("unknown engine: %s", name)
			}
		}
	}

	var enabled []storage.ConnectionType
	for _, name := range defaultEngineOrder {
		if !want[name] {
			continue
		}
		if _, ok := o.engines[name]; !ok {
			return nil, fmt.Errorf("engine %s is not configured", name)
		}
		enabled = append(enabled, name)
	}
	return enabled, nil
}

// dedupe keeps the highest-strength record per (source, target, type),
// preserving its metadata verbatim. First-seen wins on exact strength ties so
// re-runs are stable.
func dedupe(connections []*storage.Connection) []*storage.Connection {
	type key struct {
		source uuid.UUID
		target uuid.UUID
		typ    storage.ConnectionType
	}

	best := make(map[key]int, len(connections))
	var out []*storage.Connection
	for _, conn := range connections {
		k := key{conn.SourceChunkID, conn.TargetChunkID, conn.Type}
		if i, seen := best[k]; seen {
			if conn.Strength > out[i].Strength {
				out[i] = conn
			}
			continue
		}
		best[k] = len(out)
		out = append(out, conn)
	}
	return out
}

func (o *Orchestrator) saveWithRetry(ctx context.Context, connections []*storage.Connection) error {
	err := o.saver.SaveBatch(ctx, connections)
	if err == nil {
		return nil
	}

	o.logger.Warn().Err(err).Msg("Save failed, retrying once")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(saveRetryDelay):
	}
	return o.saver.SaveBatch(ctx, connections)
}
