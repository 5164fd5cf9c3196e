// Package engine implements the connection detection engines and the
// orchestrator that runs them over one document.
package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/synapse-kb/synapse/internal/storage"
)

// ChunkStore is the chunk read surface the engines depend on.
type ChunkStore interface {
	FetchSourceChunks(ctx context.Context, documentID uuid.UUID, opts storage.SourceChunkOptions) ([]*storage.Chunk, error)
	FetchCandidateChunks(ctx context.Context, filter storage.CandidateFilter) ([]*storage.Chunk, error)
	GetDocument(ctx context.Context, documentID uuid.UUID) (*storage.Document, error)
}

// ConnectionSaver persists a batch of connections transactionally.
type ConnectionSaver interface {
	SaveBatch(ctx context.Context, connections []*storage.Connection) error
}

// Request scopes one engine run. SourceChunkIDs selects per-chunk mode;
// TargetDocumentIDs restricts candidates to specific documents;
// ReprocessingBatch selects a batch of chunk versions instead of the
// current ones.
type Request struct {
	DocumentID        uuid.UUID
	UserID            uuid.UUID
	SourceChunkIDs    []uuid.UUID
	TargetDocumentIDs []uuid.UUID
	ReprocessingBatch *string
}

// ProgressFunc receives engine progress as a percentage in [0, 100] with a
// human-readable message.
type ProgressFunc func(percent int, message string)

// report is the nil-safe invoke used by engines.
func (f ProgressFunc) report(percent int, message string) {
	if f != nil {
		f(percent, message)
	}
}

// Engine proposes connections of a single type for one document.
type Engine interface {
	Name() storage.ConnectionType
	Detect(ctx context.Context, req Request, progress ProgressFunc) ([]*storage.Connection, error)
}

// clip01 clamps a score to [0, 1].
func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

const snippetLen = 200
