package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
)

// DB represents a database connection interface.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// TxDB is a DB that can open transactions.
type TxDB interface {
	DB
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// chunkColumns is the shared select list for chunk reads. Every read joins
// documents so the title and user scope come from the owning document.
const chunkColumns = `
	c.id, c.document_id, c.chunk_index, c.content, c.summary,
	c.embedding::text, c.importance_score,
	COALESCE(c.conceptual_metadata, '{}'::jsonb),
	COALESCE(c.emotional_metadata, '{}'::jsonb),
	COALESCE(c.domain_metadata, '{}'::jsonb),
	c.content_layer, c.content_label, c.is_current, c.reprocessing_batch,
	d.title`

// ChunkRepository handles chunk and document reads.
type ChunkRepository struct {
	db DB
}

// NewChunkRepository creates a new chunk repository.
func NewChunkRepository(db DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

// SourceChunkOptions scopes a source-chunk fetch for one document.
type SourceChunkOptions struct {
	// ChunkIDs restricts to an explicit set (per-chunk mode).
	ChunkIDs []uuid.UUID
	// ImportanceThreshold keeps only chunks with importance_score >= value.
	ImportanceThreshold *float64
	// RequireConceptsAndPolarity keeps only chunks with a non-empty concept
	// list and a non-null polarity.
	RequireConceptsAndPolarity bool
	// RequireDomain keeps only chunks with a non-null primaryDomain.
	RequireDomain bool
	// RequireEmbedding keeps only chunks with a non-null embedding.
	RequireEmbedding bool
	// OrderByImportance orders descending by importance_score instead of
	// the default chunk_index order.
	OrderByImportance bool
	// Limit caps the result set when positive.
	Limit int
	// ReprocessingBatch selects a reprocessing batch instead of the
	// is_current=true versions.
	ReprocessingBatch *string
}

// FetchSourceChunks returns the chunks of one document matching opts,
// ordered by chunk_index unless OrderByImportance is set.
func (r *ChunkRepository) FetchSourceChunks(ctx context.Context, documentID uuid.UUID, opts SourceChunkOptions) ([]*Chunk, error) {
	var b strings.Builder
	b.WriteString("SELECT " + chunkColumns + `
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.document_id = $1`)

	args := []interface{}{documentID}

	if opts.ReprocessingBatch != nil {
		args = append(args, *opts.ReprocessingBatch)
		fmt.Fprintf(&b, " AND c.reprocessing_batch = $%d", len(args))
	} else {
		b.WriteString(" AND c.is_current = TRUE")
	}

	if len(opts.ChunkIDs) > 0 {
		args = append(args, uuidArray(opts.ChunkIDs))
		fmt.Fprintf(&b, " AND c.id = ANY($%d::uuid[])", len(args))
	}

	if opts.ImportanceThreshold != nil {
		args = append(args, *opts.ImportanceThreshold)
		fmt.Fprintf(&b, " AND c.importance_score >= $%d", len(args))
	}

	if opts.RequireConceptsAndPolarity {
		b.WriteString(chunkHasConceptsAndPolarity)
	}

	if opts.RequireDomain {
		b.WriteString(chunkHasDomain)
	}

	if opts.RequireEmbedding {
		b.WriteString(" AND c.embedding IS NOT NULL")
	}

	if opts.OrderByImportance {
		b.WriteString(" ORDER BY c.importance_score DESC NULLS LAST, c.id")
	} else {
		b.WriteString(" ORDER BY c.chunk_index")
	}

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("fetch source chunks: %w", err)
	}
	defer rows.Close()

	return scanChunks(rows)
}

// CandidateFilter scopes a candidate-chunk fetch across the user's corpus.
// User scoping always goes through documents.user_id, never a chunk column.
type CandidateFilter struct {
	UserID uuid.UUID
	// ExcludeDocumentID drops chunks of the given document (cross-document
	// only detection).
	ExcludeDocumentID *uuid.UUID
	// ExcludeChunkID drops a single chunk (the source itself).
	ExcludeChunkID *uuid.UUID
	// ImportanceGTE keeps only chunks with importance_score >= value.
	ImportanceGTE *float64
	// RequireConceptsAndPolarity, RequireDomain, RequireEmbedding mirror
	// SourceChunkOptions.
	RequireConceptsAndPolarity bool
	RequireDomain              bool
	RequireEmbedding           bool
	// DifferentDomainThan keeps only chunks whose primaryDomain differs.
	DifferentDomainThan *string
	// InDocuments restricts candidates to the given documents.
	InDocuments []uuid.UUID
	// OrderByImportance orders descending by importance_score.
	OrderByImportance bool
	// Limit caps the result set when positive.
	Limit int
}

// FetchCandidateChunks returns current chunks matching the filter, with the
// owning document title joined in.
func (r *ChunkRepository) FetchCandidateChunks(ctx context.Context, filter CandidateFilter) ([]*Chunk, error) {
	var b strings.Builder
	b.WriteString("SELECT " + chunkColumns + `
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.user_id = $1 AND c.is_current = TRUE`)

	args := []interface{}{filter.UserID}

	if filter.ExcludeDocumentID != nil {
		args = append(args, *filter.ExcludeDocumentID)
		fmt.Fprintf(&b, " AND c.document_id <> $%d", len(args))
	}

	if filter.ExcludeChunkID != nil {
		args = append(args, *filter.ExcludeChunkID)
		fmt.Fprintf(&b, " AND c.id <> $%d", len(args))
	}

	if filter.ImportanceGTE != nil {
		args = append(args, *filter.ImportanceGTE)
		fmt.Fprintf(&b, " AND c.importance_score >= $%d", len(args))
	}

	if filter.RequireConceptsAndPolarity {
		b.WriteString(chunkHasConceptsAndPolarity)
	}

	if filter.RequireDomain {
		b.WriteString(chunkHasDomain)
	}

	if filter.RequireEmbedding {
		b.WriteString(" AND c.embedding IS NOT NULL")
	}

	if filter.DifferentDomainThan != nil {
		args = append(args, *filter.DifferentDomainThan)
		fmt.Fprintf(&b, " AND c.domain_metadata->>'primaryDomain' <> $%d", len(args))
	}

	if len(filter.InDocuments) > 0 {
		args = append(args, uuidArray(filter.InDocuments))
		fmt.Fprintf(&b, " AND c.document_id = ANY($%d::uuid[])", len(args))
	}

	if filter.OrderByImportance {
		b.WriteString(" ORDER BY c.importance_score DESC NULLS LAST, c.id")
	} else {
		b.WriteString(" ORDER BY c.document_id, c.chunk_index")
	}

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("fetch candidate chunks: %w", err)
	}
	defer rows.Close()

	return scanChunks(rows)
}

// GetDocument retrieves a document by ID.
func (r *ChunkRepository) GetDocument(ctx context.Context, documentID uuid.UUID) (*Document, error) {
	doc := &Document{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, title FROM documents WHERE id = $1`, documentID,
	).Scan(&doc.ID, &doc.UserID, &doc.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return doc, err
}

// JSONB predicates shared by both fetch paths. Polarity must be an actual
// value, not a JSON null; concepts must be a non-empty array.
const (
	chunkHasConceptsAndPolarity = `
		AND jsonb_array_length(COALESCE(c.conceptual_metadata->'concepts', '[]'::jsonb)) > 0
		AND c.emotional_metadata->>'polarity' IS NOT NULL`
	chunkHasDomain = `
		AND c.domain_metadata->>'primaryDomain' IS NOT NULL`
)

// scanChunks reads chunk rows produced by the chunkColumns select list.
func scanChunks(rows *sql.Rows) ([]*Chunk, error) {
	var chunks []*Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

func scanChunk(rows *sql.Rows) (*Chunk, error) {
	chunk := &Chunk{}
	var (
		embedding  sql.NullString
		conceptual json.RawMessage
		emotional  json.RawMessage
		domain     json.RawMessage
	)

	if err := rows.Scan(
		&chunk.ID, &chunk.DocumentID, &chunk.ChunkIndex, &chunk.Content, &chunk.Summary,
		&embedding, &chunk.ImportanceScore,
		&conceptual, &emotional, &domain,
		&chunk.ContentLayer, &chunk.ContentLabel, &chunk.IsCurrent, &chunk.ReprocessingBatch,
		&chunk.DocumentTitle,
	); err != nil {
		return nil, fmt.Errorf("scan chunk: %w", err)
	}

	if embedding.Valid {
		chunk.Embedding = decodeVector(embedding.String)
	}

	// Tolerant parses: mis-typed metadata regions null out, they never
	// fail the load.
	_ = json.Unmarshal(conceptual, &chunk.Conceptual)
	_ = json.Unmarshal(emotional, &chunk.Emotional)
	_ = json.Unmarshal(domain, &chunk.Domain)

	return chunk, nil
}

// decodeVector parses the pgvector text format "[x,y,...]".
func decodeVector(s string) []float32 {
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil
	}

	parts := strings.Split(s, ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil
		}
		vec[i] = float32(f)
	}
	return vec
}

// uuidArray converts UUIDs to a pq array usable with = ANY($n::uuid[]).
func uuidArray(ids []uuid.UUID) interface{} {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	return pq.Array(strs)
}
