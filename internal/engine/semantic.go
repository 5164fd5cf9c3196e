package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/synapse-kb/synapse/internal/config"
	"github.com/synapse-kb/synapse/internal/metrics"
	"github.com/synapse-kb/synapse/internal/observability"
	"github.com/synapse-kb/synapse/internal/storage"
)

// searchRetryDelay is the pause before the single neighbor-search retry.
const searchRetryDelay = 200 * time.Millisecond

// SemanticEngine finds near-duplicate and near-paraphrase chunks across
// documents by cosine similarity of their embeddings.
type SemanticEngine struct {
	store    ChunkStore
	searcher storage.Searcher
	cfg      config.SemanticConfig
	logger   *observability.Logger
}

// NewSemanticEngine creates the semantic-similarity engine.
func NewSemanticEngine(store ChunkStore, searcher storage.Searcher, cfg config.SemanticConfig, logger *observability.Logger) *SemanticEngine {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &SemanticEngine{store: store, searcher: searcher, cfg: cfg, logger: logger.WithEngine(string(storage.ConnectionSemanticSimilarity))}
}

// Name implements Engine.
func (e *SemanticEngine) Name() storage.ConnectionType {
	return storage.ConnectionSemanticSimilarity
}

// Detect loads the document's embedded chunks and emits one connection per
// neighbor above the similarity threshold. Source chunks fan out with bounded
// concurrency; the result order is by source chunk position, so a run is
// deterministic for a fixed corpus.
func (e *SemanticEngine) Detect(ctx context.Context, req Request, progress ProgressFunc) ([]*storage.Connection, error) {
	sources, err := e.store.FetchSourceChunks(ctx, req.DocumentID, storage.SourceChunkOptions{
		ChunkIDs:          req.SourceChunkIDs,
		RequireEmbedding:  true,
		ReprocessingBatch: req.ReprocessingBatch,
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: load source chunks: %w", err)
	}
	if len(sources) == 0 {
		progress.report(100, "no embedded chunks")
		return nil, nil
	}

	e.logger.Debug().
		Int("source_chunks", len(sources)).
		Float64("threshold", e.cfg.SimilarityThreshold).
		Msg("Starting semantic detection")

	perSource := make([][]*storage.Connection, len(sources))
	var done atomic.Int64
	var mu sync.Mutex
	var skipped []error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for i, source := range sources {
		i, source := i, source
		g.Go(func() error {
			conns, err := e.detectForSourceWithRetry(gctx, req, source)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				// A source failing twice loses only its own neighbors.
				e.logger.Warn().
					Str("source_chunk", source.ID.String()).
					Err(err).
					Msg("Neighbor search failed twice, skipping chunk")
				mu.Lock()
				skipped = append(skipped, err)
				mu.Unlock()
			} else {
				mu.Lock()
				perSource[i] = conns
				mu.Unlock()
			}

			n := done.Add(1)
			progress.report(int(n*100/int64(len(sources))), fmt.Sprintf("chunk %d/%d", n, len(sources)))
			return nil
		})
	}

	waitErr := g.Wait()

	var connections []*storage.Connection
	for _, conns := range perSource {
		connections = append(connections, conns...)
	}
	if waitErr != nil {
		return connections, waitErr
	}

	metrics.ConnectionsDetected.WithLabelValues(string(e.Name())).Add(float64(len(connections)))
	e.logger.Info().
		Int("source_chunks", len(sources)).
		Int("skipped_chunks", len(skipped)).
		Int("connections", len(connections)).
		Msg("Semantic detection complete")

	if len(skipped) > 0 {
		return connections, fmt.Errorf("semantic: skipped %d of %d source chunks: %w",
			len(skipped), len(sources), skipped[0])
	}
	return connections, nil
}

// detectForSourceWithRetry retries one transient search failure per source
// after a short pause.
func (e *SemanticEngine) detectForSourceWithRetry(ctx context.Context, req Request, source *storage.Chunk) ([]*storage.Connection, error) {
	conns, err := e.detectForSource(ctx, req, source)
	if err == nil || ctx.Err() != nil {
		return conns, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(searchRetryDelay):
	}
	return e.detectForSource(ctx, req, source)
}

func (e *SemanticEngine) detectForSource(ctx context.Context, req Request, source *storage.Chunk) ([]*storage.Connection, error) {
	filter := storage.CandidateFilter{
		UserID:         req.UserID,
		ExcludeChunkID: &source.ID,
		InDocuments:    req.TargetDocumentIDs,
	}
	if e.cfg.CrossDocumentOnly {
		filter.ExcludeDocumentID = &source.DocumentID
	}

	neighbors, err := e.searcher.Neighbors(ctx, source.Embedding, filter, e.cfg.MaxResultsPerChunk, e.cfg.SimilarityThreshold)
	if err != nil {
		return nil, fmt.Errorf("semantic: neighbors for chunk %s: %w", source.ID, err)
	}

	connections := make([]*storage.Connection, 0, len(neighbors))
	for _, n := range neighbors {
		sim := n.Similarity
		connections = append(connections, &storage.Connection{
			SourceChunkID: source.ID,
			TargetChunkID: n.Chunk.ID,
			Type:          storage.ConnectionSemanticSimilarity,
			Strength:      sim,
			AutoDetected:  true,
			Metadata: storage.ConnectionMetadata{
				Explanation:         fmt.Sprintf("Near-paraphrase match (cosine %.2f)", sim),
				TargetDocumentTitle: n.Chunk.DocumentTitle,
				TargetSnippet:       n.Chunk.Snippet(snippetLen),
				Similarity:          &sim,
			},
		})
	}
	return connections, nil
}

var _ Engine = (*SemanticEngine)(nil)
