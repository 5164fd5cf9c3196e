package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Neighbor is one ANN search hit.
type Neighbor struct {
	Chunk      *Chunk
	Similarity float64
}

// Searcher finds the nearest chunks to an embedding under a candidate
// filter. Similarity is cosine on L2-normalized vectors, in [0, 1].
type Searcher interface {
	Neighbors(ctx context.Context, embedding []float32, filter CandidateFilter, k int, threshold float64) ([]Neighbor, error)
}

// PGVectorSearcher implements Searcher over the pgvector extension. All
// predicates are pushed into the query so at most k rows materialize.
type PGVectorSearcher struct {
	db DB
}

// NewPGVectorSearcher creates a pgvector-backed searcher.
func NewPGVectorSearcher(db DB) *PGVectorSearcher {
	return &PGVectorSearcher{db: db}
}

// Neighbors returns up to k chunks with similarity >= threshold, sorted by
// descending similarity with ties broken by chunk id ascending.
func (s *PGVectorSearcher) Neighbors(ctx context.Context, embedding []float32, filter CandidateFilter, k int, threshold float64) ([]Neighbor, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("neighbors: empty query embedding")
	}
	if k <= 0 {
		return nil, nil
	}

	query := pgvector.NewVector(embedding)

	var b strings.Builder
	b.WriteString("SELECT " + chunkColumns + `,
		1 - (c.embedding <=> $1) AS similarity
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.user_id = $2 AND c.is_current = TRUE AND c.embedding IS NOT NULL`)

	args := []interface{}{query, filter.UserID}

	if filter.ExcludeDocumentID != nil {
		args = append(args, *filter.ExcludeDocumentID)
		fmt.Fprintf(&b, " AND c.document_id <> $%d", len(args))
	}

	if filter.ExcludeChunkID != nil {
		args = append(args, *filter.ExcludeChunkID)
		fmt.Fprintf(&b, " AND c.id <> $%d", len(args))
	}

	if len(filter.InDocuments) > 0 {
		args = append(args, uuidArray(filter.InDocuments))
		fmt.Fprintf(&b, " AND c.document_id = ANY($%d::uuid[])", len(args))
	}

	args = append(args, threshold)
	fmt.Fprintf(&b, " AND 1 - (c.embedding <=> $1) >= $%d", len(args))

	b.WriteString(" ORDER BY c.embedding <=> $1, c.id")

	args = append(args, k)
	fmt.Fprintf(&b, " LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("neighbors query: %w", err)
	}
	defer rows.Close()

	var neighbors []Neighbor
	for rows.Next() {
		neighbor, err := scanNeighbor(rows)
		if err != nil {
			return nil, err
		}
		neighbors = append(neighbors, neighbor)
	}
	return neighbors, rows.Err()
}

func scanNeighbor(rows *sql.Rows) (Neighbor, error) {
	chunk := &Chunk{}
	var (
		embedding  sql.NullString
		conceptual json.RawMessage
		emotional  json.RawMessage
		domain     json.RawMessage
		similarity float64
	)

	if err := rows.Scan(
		&chunk.ID, &chunk.DocumentID, &chunk.ChunkIndex, &chunk.Content, &chunk.Summary,
		&embedding, &chunk.ImportanceScore,
		&conceptual, &emotional, &domain,
		&chunk.ContentLayer, &chunk.ContentLabel, &chunk.IsCurrent, &chunk.ReprocessingBatch,
		&chunk.DocumentTitle,
		&similarity,
	); err != nil {
		return Neighbor{}, fmt.Errorf("scan neighbor: %w", err)
	}

	if embedding.Valid {
		chunk.Embedding = decodeVector(embedding.String)
	}
	_ = json.Unmarshal(conceptual, &chunk.Conceptual)
	_ = json.Unmarshal(emotional, &chunk.Emotional)
	_ = json.Unmarshal(domain, &chunk.Domain)

	return Neighbor{Chunk: chunk, Similarity: similarity}, nil
}

// MemorySearcher implements Searcher over an in-process chunk set. Used in
// tests and development where Postgres is unavailable.
type MemorySearcher struct {
	mu     sync.RWMutex
	chunks []*Chunk
	owners map[uuid.UUID]uuid.UUID // document_id -> user_id
}

// NewMemorySearcher creates an empty in-memory searcher.
func NewMemorySearcher() *MemorySearcher {
	return &MemorySearcher{owners: make(map[uuid.UUID]uuid.UUID)}
}

// Add indexes chunks for an owning user.
func (s *MemorySearcher) Add(userID uuid.UUID, chunks ...*Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, chunk := range chunks {
		s.chunks = append(s.chunks, chunk)
		s.owners[chunk.DocumentID] = userID
	}
}

// Neighbors mirrors the pgvector semantics: cosine similarity on normalized
// vectors, inclusive threshold, ties broken by chunk id ascending.
func (s *MemorySearcher) Neighbors(ctx context.Context, embedding []float32, filter CandidateFilter, k int, threshold float64) ([]Neighbor, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("neighbors: empty query embedding")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var neighbors []Neighbor
	for _, chunk := range s.chunks {
		if !s.matches(chunk, filter) {
			continue
		}
		if len(chunk.Embedding) != len(embedding) {
			continue
		}

		sim := cosineSimilarity(embedding, chunk.Embedding)
		if sim < threshold {
			continue
		}
		neighbors = append(neighbors, Neighbor{Chunk: chunk, Similarity: sim})
	}

	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].Similarity != neighbors[j].Similarity {
			return neighbors[i].Similarity > neighbors[j].Similarity
		}
		return neighbors[i].Chunk.ID.String() < neighbors[j].Chunk.ID.String()
	})

	if k > 0 && len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
}

func (s *MemorySearcher) matches(chunk *Chunk, filter CandidateFilter) bool {
	if !chunk.IsCurrent {
		return false
	}
	if len(chunk.Embedding) == 0 {
		return false
	}
	if owner, ok := s.owners[chunk.DocumentID]; !ok || owner != filter.UserID {
		return false
	}
	if filter.ExcludeDocumentID != nil && chunk.DocumentID == *filter.ExcludeDocumentID {
		return false
	}
	if filter.ExcludeChunkID != nil && chunk.ID == *filter.ExcludeChunkID {
		return false
	}
	if len(filter.InDocuments) > 0 {
		found := false
		for _, id := range filter.InDocuments {
			if chunk.DocumentID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// cosineSimilarity returns the dot product of two vectors, clamped to [0, 1].
// Embeddings are L2-normalized by their producers, so the dot product is the
// cosine; negative cosines floor at zero to match the stored similarity range.
func cosineSimilarity(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	if math.IsNaN(dot) || dot < 0 {
		return 0
	}
	if dot > 1 {
		return 1
	}
	return dot
}

// Ensure implementations satisfy interface.
var (
	_ Searcher = (*PGVectorSearcher)(nil)
	_ Searcher = (*MemorySearcher)(nil)
)
