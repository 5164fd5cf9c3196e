package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/synapse-kb/synapse/internal/config"
	"github.com/synapse-kb/synapse/internal/metrics"
	"github.com/synapse-kb/synapse/internal/observability"
	"github.com/synapse-kb/synapse/internal/storage"
)

// neutralPolarityBand is the band around zero inside which a chunk carries
// no usable stance.
const neutralPolarityBand = 0.1

// ContradictionEngine finds chunks discussing the same topics with opposing
// emotional stances. It works on stored metadata only and never calls a model.
type ContradictionEngine struct {
	store  ChunkStore
	cfg    config.ContradictionConfig
	logger *observability.Logger
}

// NewContradictionEngine creates the contradiction engine.
func NewContradictionEngine(store ChunkStore, cfg config.ContradictionConfig, logger *observability.Logger) *ContradictionEngine {
	return &ContradictionEngine{store: store, cfg: cfg, logger: logger.WithEngine(string(storage.ConnectionContradiction))}
}

// Name implements Engine.
func (e *ContradictionEngine) Name() storage.ConnectionType {
	return storage.ConnectionContradiction
}

// Detect compares every opinionated source chunk against the user's corpus.
// The candidate set is fetched once and compared in memory; both score paths
// emit contradiction_detection connections, with the metadata path taking
// precedence when both fire on the same pair.
func (e *ContradictionEngine) Detect(ctx context.Context, req Request, progress ProgressFunc) ([]*storage.Connection, error) {
	sources, err := e.store.FetchSourceChunks(ctx, req.DocumentID, storage.SourceChunkOptions{
		ChunkIDs:                   req.SourceChunkIDs,
		RequireConceptsAndPolarity: true,
		ReprocessingBatch:          req.ReprocessingBatch,
	})
	if err != nil {
		return nil, fmt.Errorf("contradiction: load source chunks: %w", err)
	}
	if len(sources) == 0 {
		progress.report(100, "no opinionated chunks")
		return nil, nil
	}

	filter := storage.CandidateFilter{
		UserID:                     req.UserID,
		RequireConceptsAndPolarity: true,
		InDocuments:                req.TargetDocumentIDs,
	}
	if e.cfg.CrossDocumentOnly {
		filter.ExcludeDocumentID = &req.DocumentID
	}

	candidates, err := e.store.FetchCandidateChunks(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("contradiction: load candidates: %w", err)
	}

	e.logger.Debug().
		Int("source_chunks", len(sources)).
		Int("candidates", len(candidates)).
		Msg("Starting contradiction detection")

	var connections []*storage.Connection
	for i, source := range sources {
		if err := ctx.Err(); err != nil {
			return connections, err
		}
		connections = append(connections, e.detectForSource(source, candidates)...)
		progress.report((i+1)*100/len(sources), fmt.Sprintf("chunk %d/%d", i+1, len(sources)))
	}

	metrics.ConnectionsDetected.WithLabelValues(string(e.Name())).Add(float64(len(connections)))
	e.logger.Info().
		Int("source_chunks", len(sources)).
		Int("connections", len(connections)).
		Msg("Contradiction detection complete")

	return connections, nil
}

func (e *ContradictionEngine) detectForSource(source *storage.Chunk, candidates []*storage.Chunk) []*storage.Connection {
	sourcePolarity, ok := source.Polarity()
	if !ok || math.Abs(sourcePolarity) < neutralPolarityBand {
		return nil
	}

	sourceTerms := termSet(source.ConceptTerms())
	if len(sourceTerms) == 0 {
		return nil
	}

	var group []*storage.Connection
	emitted := make(map[uuid.UUID]struct{})

	for _, candidate := range candidates {
		// In within-document mode the source itself is in the candidate set.
		if candidate.ID == source.ID {
			continue
		}

		targetPolarity, ok := candidate.Polarity()
		if !ok {
			continue
		}

		shared, overlap := jaccard(sourceTerms, candidate.ConceptTerms())
		if overlap < e.cfg.MinConceptOverlap {
			continue
		}

		// Opposite sign required; an exactly-zero polarity makes the
		// sign test vacuous and the pair is skipped.
		if sourcePolarity*targetPolarity >= 0 {
			continue
		}

		distance := math.Abs(sourcePolarity - targetPolarity)
		if distance < e.cfg.PolarityThreshold {
			continue
		}

		strength := clip01(
			0.4*overlap +
				0.4*(distance/2) +
				0.2*(source.Importance()+candidate.Importance())/2)

		sp, tp, ov, dist := sourcePolarity, targetPolarity, overlap, distance
		group = append(group, &storage.Connection{
			SourceChunkID: source.ID,
			TargetChunkID: candidate.ID,
			Type:          storage.ConnectionContradiction,
			Strength:      strength,
			AutoDetected:  true,
			Metadata: storage.ConnectionMetadata{
				Explanation:         contradictionExplanation(shared, distance),
				TargetDocumentTitle: candidate.DocumentTitle,
				TargetSnippet:       candidate.Snippet(snippetLen),
				ConceptOverlap:      &ov,
				PolarityDistance:    &dist,
				SourcePolarity:      &sp,
				TargetPolarity:      &tp,
				SharedConcepts:      capStrings(shared, 10),
			},
		})
		emitted[candidate.ID] = struct{}{}
	}

	if e.cfg.DetectNegation {
		group = append(group, e.detectNegations(source, candidates, emitted)...)
	}

	sort.SliceStable(group, func(i, j int) bool {
		if group[i].Strength != group[j].Strength {
			return group[i].Strength > group[j].Strength
		}
		return group[i].TargetChunkID.String() < group[j].TargetChunkID.String()
	})
	if e.cfg.MaxResultsPerChunk > 0 && len(group) > e.cfg.MaxResultsPerChunk {
		group = group[:e.cfg.MaxResultsPerChunk]
	}
	return group
}

func contradictionExplanation(shared []string, distance float64) string {
	return fmt.Sprintf("Discussing %s with opposing stances (polarity difference %.2f)",
		strings.Join(capStrings(shared, 3), ", "), distance)
}

// termSet builds a membership set preserving nothing but presence.
func termSet(terms []string) map[string]struct{} {
	set := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		set[t] = struct{}{}
	}
	return set
}

// jaccard returns the shared terms (in the candidate's order) and the Jaccard
// index of the two term sets.
func jaccard(sourceTerms map[string]struct{}, candidateTerms []string) ([]string, float64) {
	seen := make(map[string]struct{}, len(candidateTerms))
	var shared []string
	for _, t := range candidateTerms {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := sourceTerms[t]; ok {
			shared = append(shared, t)
		}
	}

	union := len(sourceTerms) + len(seen) - len(shared)
	if union == 0 {
		return nil, 0
	}
	return shared, float64(len(shared)) / float64(union)
}

func capStrings(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

var _ Engine = (*ContradictionEngine)(nil)
