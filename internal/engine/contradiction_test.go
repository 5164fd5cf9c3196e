package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synapse-kb/synapse/internal/config"
	"github.com/synapse-kb/synapse/internal/observability"
	"github.com/synapse-kb/synapse/internal/storage"
)

func contradictionConfig() config.ContradictionConfig {
	return config.ContradictionConfig{
		MinConceptOverlap:  0.5,
		PolarityThreshold:  0.3,
		MaxResultsPerChunk: 20,
		CrossDocumentOnly:  true,
	}
}

func opinionChunk(docID uuid.UUID, polarity float64, importance *float64, terms ...string) *storage.Chunk {
	concepts := make([]storage.Concept, len(terms))
	for i, term := range terms {
		concepts[i] = storage.Concept{Term: term, Importance: 0.5}
	}
	return &storage.Chunk{
		ID:              uuid.New(),
		DocumentID:      docID,
		Content:         "about " + terms[0],
		IsCurrent:       true,
		ImportanceScore: importance,
		Conceptual:      storage.ConceptualMetadata{Concepts: concepts},
		Emotional:       storage.EmotionalMetadata{Polarity: &polarity},
	}
}

func TestContradictionEngine_OpposingStances(t *testing.T) {
	doc1 := uuid.New()
	doc2 := uuid.New()

	source := opinionChunk(doc1, 0.8, fptr(0.5), "privacy", "state")
	target := opinionChunk(doc2, -0.7, fptr(0.5), "privacy", "state", "trust")

	store := &fakeStore{chunks: []*storage.Chunk{source, target}}
	eng := NewContradictionEngine(store, contradictionConfig(), observability.NopLogger())

	conns, err := eng.Detect(context.Background(), Request{DocumentID: doc1, UserID: uuid.New()}, nil)
	require.NoError(t, err)
	require.Len(t, conns, 1)

	conn := conns[0]
	assert.Equal(t, storage.ConnectionContradiction, conn.Type)
	// Jaccard = 2/3, distance = 1.5, mean importance = 0.5:
	// 0.4*(2/3) + 0.4*(1.5/2) + 0.2*0.5 = 0.2667 + 0.3 + 0.1 = 0.6667
	assert.InDelta(t, 0.6667, conn.Strength, 1e-3)
	assert.InDelta(t, 2.0/3.0, *conn.Metadata.ConceptOverlap, 1e-9)
	assert.InDelta(t, 1.5, *conn.Metadata.PolarityDistance, 1e-9)
	assert.InDelta(t, 0.8, *conn.Metadata.SourcePolarity, 1e-9)
	assert.InDelta(t, -0.7, *conn.Metadata.TargetPolarity, 1e-9)
	assert.ElementsMatch(t, []string{"privacy", "state"}, conn.Metadata.SharedConcepts)
	assert.Empty(t, conn.Metadata.ContradictionType)
}

func TestContradictionEngine_MissingImportanceCountsAsZero(t *testing.T) {
	doc1 := uuid.New()
	doc2 := uuid.New()

	source := opinionChunk(doc1, 0.8, nil, "privacy", "state")
	target := opinionChunk(doc2, -0.7, nil, "privacy", "state", "trust")

	store := &fakeStore{chunks: []*storage.Chunk{source, target}}
	eng := NewContradictionEngine(store, contradictionConfig(), observability.NopLogger())

	conns, err := eng.Detect(context.Background(), Request{DocumentID: doc1, UserID: uuid.New()}, nil)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	// 0.4*(2/3) + 0.4*(1.5/2) + 0.2*0 = 0.5667
	assert.InDelta(t, 0.5667, conns[0].Strength, 1e-3)
}

func TestContradictionEngine_SameSignSkipped(t *testing.T) {
	doc1 := uuid.New()
	doc2 := uuid.New()

	source := opinionChunk(doc1, 0.8, fptr(0.5), "privacy", "state")
	target := opinionChunk(doc2, 0.6, fptr(0.5), "privacy", "state")

	store := &fakeStore{chunks: []*storage.Chunk{source, target}}
	eng := NewContradictionEngine(store, contradictionConfig(), observability.NopLogger())

	conns, err := eng.Detect(context.Background(), Request{DocumentID: doc1, UserID: uuid.New()}, nil)
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func TestContradictionEngine_ZeroPolarityTargetSkipped(t *testing.T) {
	doc1 := uuid.New()
	doc2 := uuid.New()

	source := opinionChunk(doc1, 0.8, fptr(0.5), "privacy", "state")
	target := opinionChunk(doc2, 0.0, fptr(0.5), "privacy", "state")

	store := &fakeStore{chunks: []*storage.Chunk{source, target}}
	eng := NewContradictionEngine(store, contradictionConfig(), observability.NopLogger())

	conns, err := eng.Detect(context.Background(), Request{DocumentID: doc1, UserID: uuid.New()}, nil)
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func TestContradictionEngine_NeutralSourceSkipped(t *testing.T) {
	doc1 := uuid.New()
	doc2 := uuid.New()

	source := opinionChunk(doc1, 0.05, fptr(0.5), "privacy", "state")
	target := opinionChunk(doc2, -0.9, fptr(0.5), "privacy", "state")

	store := &fakeStore{chunks: []*storage.Chunk{source, target}}
	eng := NewContradictionEngine(store, contradictionConfig(), observability.NopLogger())

	conns, err := eng.Detect(context.Background(), Request{DocumentID: doc1, UserID: uuid.New()}, nil)
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func TestContradictionEngine_LowOverlapSkipped(t *testing.T) {
	doc1 := uuid.New()
	doc2 := uuid.New()

	source := opinionChunk(doc1, 0.8, fptr(0.5), "privacy", "state", "power")
	// Jaccard = 1/5 = 0.2 < 0.5.
	target := opinionChunk(doc2, -0.7, fptr(0.5), "privacy", "markets", "growth")

	store := &fakeStore{chunks: []*storage.Chunk{source, target}}
	eng := NewContradictionEngine(store, contradictionConfig(), observability.NopLogger())

	conns, err := eng.Detect(context.Background(), Request{DocumentID: doc1, UserID: uuid.New()}, nil)
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func TestContradictionEngine_ConceptNormalization(t *testing.T) {
	doc1 := uuid.New()
	doc2 := uuid.New()

	source := opinionChunk(doc1, 0.8, fptr(0.5), "Data  Privacy", "state")
	target := opinionChunk(doc2, -0.7, fptr(0.5), "data privacy", "STATE")

	store := &fakeStore{chunks: []*storage.Chunk{source, target}}
	eng := NewContradictionEngine(store, contradictionConfig(), observability.NopLogger())

	conns, err := eng.Detect(context.Background(), Request{DocumentID: doc1, UserID: uuid.New()}, nil)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	// Case and whitespace normalize away: Jaccard = 2/2 = 1.
	assert.InDelta(t, 1.0, *conns[0].Metadata.ConceptOverlap, 1e-9)
}

func TestContradictionEngine_TopNPerSource(t *testing.T) {
	doc1 := uuid.New()
	doc2 := uuid.New()

	source := opinionChunk(doc1, 0.8, fptr(0.5), "privacy", "state")

	chunks := []*storage.Chunk{source}
	for i := 0; i < 5; i++ {
		chunks = append(chunks, opinionChunk(doc2, -0.4-0.1*float64(i), fptr(0.5), "privacy", "state"))
	}

	cfg := contradictionConfig()
	cfg.MaxResultsPerChunk = 3
	eng := NewContradictionEngine(&fakeStore{chunks: chunks}, cfg, observability.NopLogger())

	conns, err := eng.Detect(context.Background(), Request{DocumentID: doc1, UserID: uuid.New()}, nil)
	require.NoError(t, err)
	require.Len(t, conns, 3)
	// Strongest first: larger polarity distance scores higher.
	for i := 1; i < len(conns); i++ {
		assert.GreaterOrEqual(t, conns[i-1].Strength, conns[i].Strength,
			fmt.Sprintf("connections out of order at %d", i))
	}
}

func TestContradictionEngine_WithinDocumentPairsWhenConfigured(t *testing.T) {
	doc1 := uuid.New()

	source := opinionChunk(doc1, 0.8, fptr(0.5), "privacy", "state")
	target := opinionChunk(doc1, -0.7, fptr(0.5), "privacy", "state", "trust")
	store := &fakeStore{chunks: []*storage.Chunk{source, target}}

	// Cross-document only: the sibling chunk is never a candidate.
	eng := NewContradictionEngine(store, contradictionConfig(), observability.NopLogger())
	conns, err := eng.Detect(context.Background(), Request{DocumentID: doc1, UserID: uuid.New()}, nil)
	require.NoError(t, err)
	assert.Empty(t, conns)

	cfg := contradictionConfig()
	cfg.CrossDocumentOnly = false
	eng = NewContradictionEngine(store, cfg, observability.NopLogger())
	conns, err = eng.Detect(context.Background(), Request{
		DocumentID:     doc1,
		UserID:         uuid.New(),
		SourceChunkIDs: []uuid.UUID{source.ID},
	}, nil)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, source.ID, conns[0].SourceChunkID)
	assert.Equal(t, target.ID, conns[0].TargetChunkID)
}

func TestContradictionEngine_DirectNegationPath(t *testing.T) {
	doc1 := uuid.New()
	doc2 := uuid.New()

	// Same-sign polarities, so the metadata path stays silent; only the
	// negation text signal can fire.
	source := opinionChunk(doc1, 0.5, fptr(0.5), "free will")
	source.Content = "Humans clearly possess free will in their daily choices."
	target := opinionChunk(doc2, 0.4, fptr(0.5), "free will")
	target.Content = "Neuroscience shows there is not any free will behind decisions."

	cfg := contradictionConfig()
	cfg.DetectNegation = true
	eng := NewContradictionEngine(&fakeStore{chunks: []*storage.Chunk{source, target}}, cfg, observability.NopLogger())

	conns, err := eng.Detect(context.Background(), Request{DocumentID: doc1, UserID: uuid.New()}, nil)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, "direct_negation", conns[0].Metadata.ContradictionType)
	assert.Equal(t, storage.ConnectionContradiction, conns[0].Type)
}

func TestContradictionEngine_MetadataPathWinsOverNegation(t *testing.T) {
	doc1 := uuid.New()
	doc2 := uuid.New()

	source := opinionChunk(doc1, 0.8, fptr(0.5), "free will")
	source.Content = "Humans clearly possess free will."
	target := opinionChunk(doc2, -0.7, fptr(0.5), "free will")
	target.Content = "There is not any free will behind decisions."

	cfg := contradictionConfig()
	cfg.DetectNegation = true
	eng := NewContradictionEngine(&fakeStore{chunks: []*storage.Chunk{source, target}}, cfg, observability.NopLogger())

	conns, err := eng.Detect(context.Background(), Request{DocumentID: doc1, UserID: uuid.New()}, nil)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	// The metadata signal produced the record; no duplicate negation record.
	assert.Empty(t, conns[0].Metadata.ContradictionType)
	assert.NotNil(t, conns[0].Metadata.ConceptOverlap)
}
