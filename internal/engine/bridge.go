package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"

	"github.com/synapse-kb/synapse/internal/config"
	"github.com/synapse-kb/synapse/internal/llm"
	"github.com/synapse-kb/synapse/internal/metrics"
	"github.com/synapse-kb/synapse/internal/observability"
	"github.com/synapse-kb/synapse/internal/storage"
)

// validBridgeTypes is the closed set a model response may use.
var validBridgeTypes = map[string]struct{}{
	"conceptual":    {},
	"causal":        {},
	"temporal":      {},
	"argumentative": {},
	"metaphorical":  {},
	"contextual":    {},
}

// BridgeEngine finds cross-domain analogical, causal, and argumentative
// links. It is the only engine that spends model calls, so it filters
// aggressively before prompting.
type BridgeEngine struct {
	store  ChunkStore
	gen    llm.Generator
	cfg    config.BridgeConfig
	logger *observability.Logger
}

// NewBridgeEngine creates the thematic-bridge engine.
func NewBridgeEngine(store ChunkStore, gen llm.Generator, cfg config.BridgeConfig, logger *observability.Logger) *BridgeEngine {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &BridgeEngine{store: store, gen: gen, cfg: cfg, logger: logger.WithEngine(string(storage.ConnectionThematicBridge))}
}

// Name implements Engine.
func (e *BridgeEngine) Name() storage.ConnectionType {
	return storage.ConnectionThematicBridge
}

// bridgeList is the expected shape of a model response.
type bridgeList struct {
	Bridges []bridgeItem `json:"bridges"`
}

type bridgeItem struct {
	TargetIndex    int      `json:"targetIndex"`
	BridgeType     string   `json:"bridgeType"`
	Strength       float64  `json:"strength"`
	Explanation    string   `json:"explanation"`
	BridgeConcepts []string `json:"bridgeConcepts"`
}

// Detect runs the pre-filter, batches candidates per source, and asks the
// model to judge each batch. A failed batch is logged and skipped; it never
// fails the engine.
func (e *BridgeEngine) Detect(ctx context.Context, req Request, progress ProgressFunc) ([]*storage.Connection, error) {
	sources, err := e.loadSources(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		progress.report(100, "no eligible source chunks")
		return nil, nil
	}

	e.logger.Debug().
		Int("source_chunks", len(sources)).
		Float64("min_importance", e.cfg.MinImportance).
		Msg("Starting bridge detection")

	var connections []*storage.Connection
	var aiCalls atomic.Int64

	for i, source := range sources {
		if err := ctx.Err(); err != nil {
			return connections, err
		}

		notify := func(done, total int) {
			progress.report((i*100+done*100/total)/len(sources),
				fmt.Sprintf("source %d/%d, batch %d/%d, %d AI calls", i+1, len(sources), done, total, aiCalls.Load()))
		}

		conns, batches, err := e.detectForSource(ctx, req, source, &aiCalls, notify)
		if err != nil {
			return connections, err
		}
		connections = append(connections, conns...)

		progress.report((i+1)*100/len(sources),
			fmt.Sprintf("source %d/%d, %d batches, %d AI calls", i+1, len(sources), batches, aiCalls.Load()))
	}

	metrics.ConnectionsDetected.WithLabelValues(string(e.Name())).Add(float64(len(connections)))
	e.logger.Info().
		Int("source_chunks", len(sources)).
		Int64("ai_calls", aiCalls.Load()).
		Int("connections", len(connections)).
		Msg("Bridge detection complete")

	return connections, nil
}

// loadSources applies the mandatory pre-filter. Explicit chunk ids bypass the
// importance gate; the content-layer filter always applies.
func (e *BridgeEngine) loadSources(ctx context.Context, req Request) ([]*storage.Chunk, error) {
	opts := storage.SourceChunkOptions{
		ChunkIDs:          req.SourceChunkIDs,
		RequireDomain:     true,
		ReprocessingBatch: req.ReprocessingBatch,
	}
	if len(req.SourceChunkIDs) == 0 {
		threshold := e.cfg.MinImportance
		opts.ImportanceThreshold = &threshold
		opts.OrderByImportance = true
		opts.Limit = e.cfg.MaxSourceChunks
	}

	chunks, err := e.store.FetchSourceChunks(ctx, req.DocumentID, opts)
	if err != nil {
		return nil, fmt.Errorf("bridge: load source chunks: %w", err)
	}

	clean := chunks[:0]
	for _, chunk := range chunks {
		if chunk.IsCleanBody() {
			clean = append(clean, chunk)
		}
	}
	return clean, nil
}

func (e *BridgeEngine) detectForSource(ctx context.Context, req Request, source *storage.Chunk, aiCalls *atomic.Int64, notify func(done, total int)) ([]*storage.Connection, int, error) {
	sourceDomain, ok := source.PrimaryDomain()
	if !ok {
		return nil, 0, nil
	}

	threshold := e.cfg.MinImportance
	candidates, err := e.store.FetchCandidateChunks(ctx, storage.CandidateFilter{
		UserID:              req.UserID,
		ExcludeDocumentID:   &source.DocumentID,
		ImportanceGTE:       &threshold,
		RequireDomain:       true,
		DifferentDomainThan: &sourceDomain,
		InDocuments:         req.TargetDocumentIDs,
		OrderByImportance:   true,
		Limit:               e.cfg.MaxCandidatesPerSource,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("bridge: load candidates for chunk %s: %w", source.ID, err)
	}

	clean := candidates[:0]
	for _, c := range candidates {
		if c.IsCleanBody() {
			clean = append(clean, c)
		}
	}
	if len(clean) == 0 {
		return nil, 0, nil
	}

	batches := partition(clean, e.cfg.BatchSize)
	perBatch := make([][]*storage.Connection, len(batches))
	var mu sync.Mutex
	var batchesDone atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for i, batch := range batches {
		i, batch := i, batch
		g.Go(func() error {
			conns := e.analyzeBatch(gctx, source, sourceDomain, batch, aiCalls)
			mu.Lock()
			perBatch[i] = conns
			mu.Unlock()
			notify(int(batchesDone.Add(1)), len(batches))
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, len(batches), err
	}

	var connections []*storage.Connection
	for _, conns := range perBatch {
		connections = append(connections, conns...)
	}
	return connections, len(batches), nil
}

// analyzeBatch issues one model call for a batch and converts the accepted
// bridges into connections. All failures are local to the batch.
func (e *BridgeEngine) analyzeBatch(ctx context.Context, source *storage.Chunk, sourceDomain string, batch []*storage.Chunk, aiCalls *atomic.Int64) []*storage.Connection {
	logDuplicateCandidates(e.logger, source.ID, batch)

	prompt := buildBridgePrompt(source, sourceDomain, batch, e.cfg.MinStrength)

	aiCalls.Add(1)
	raw, err := e.gen.Generate(ctx, prompt)
	if err != nil {
		e.logger.Warn().
			Str("source_chunk", source.ID.String()).
			Err(err).
			Msg("Bridge batch call failed, skipping batch")
		return nil
	}

	var parsed bridgeList
	if err := llm.ParseJSONTolerant(raw, &parsed); err != nil {
		e.logger.Warn().
			Str("source_chunk", source.ID.String()).
			Err(err).
			Msg("Bridge response unparseable, skipping batch")
		return nil
	}

	var connections []*storage.Connection
	for _, bridge := range parsed.Bridges {
		if bridge.TargetIndex < 0 || bridge.TargetIndex >= len(batch) {
			e.logger.Warn().
				Str("source_chunk", source.ID.String()).
				Int("target_index", bridge.TargetIndex).
				Msg("Bridge target index out of bounds, skipping")
			continue
		}
		if _, ok := validBridgeTypes[bridge.BridgeType]; !ok {
			e.logger.Warn().
				Str("source_chunk", source.ID.String()).
				Str("bridge_type", bridge.BridgeType).
				Msg("Unknown bridge type, skipping")
			continue
		}
		if bridge.Strength < e.cfg.MinStrength {
			continue
		}

		target := batch[bridge.TargetIndex]
		targetDomain, _ := target.PrimaryDomain()

		connections = append(connections, &storage.Connection{
			SourceChunkID: source.ID,
			TargetChunkID: target.ID,
			Type:          storage.ConnectionThematicBridge,
			Strength:      clip01(bridge.Strength),
			AutoDetected:  true,
			Metadata: storage.ConnectionMetadata{
				Explanation:         bridge.Explanation,
				TargetDocumentTitle: target.DocumentTitle,
				TargetSnippet:       target.Snippet(snippetLen),
				BridgeType:          bridge.BridgeType,
				BridgeConcepts:      bridge.BridgeConcepts,
				SourceDomain:        sourceDomain,
				TargetDomain:        targetDomain,
			},
		})
	}
	return connections
}

// logDuplicateCandidates flags a target appearing twice in one batch. The
// duplicate is kept; the orchestrator's save-time dedup resolves it.
func logDuplicateCandidates(logger *observability.Logger, sourceID uuid.UUID, batch []*storage.Chunk) {
	seen := make(map[uuid.UUID]struct{}, len(batch))
	for _, c := range batch {
		if _, dup := seen[c.ID]; dup {
			logger.Warn().
				Str("source_chunk", sourceID.String()).
				Str("candidate_chunk", c.ID.String()).
				Msg("Duplicate candidate in bridge batch")
			continue
		}
		seen[c.ID] = struct{}{}
	}
}

func partition(chunks []*storage.Chunk, size int) [][]*storage.Chunk {
	var batches [][]*storage.Chunk
	for start := 0; start < len(chunks); start += size {
		end := start + size
		if end > len(chunks) {
			end = len(chunks)
		}
		batches = append(batches, chunks[start:end])
	}
	return batches
}

var _ Engine = (*BridgeEngine)(nil)
