package engine

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/synapse-kb/synapse/internal/storage"
)

// fakeStore serves chunks from memory, applying the same predicates the SQL
// repository would.
type fakeStore struct {
	chunks []*storage.Chunk
	doc    *storage.Document

	sourceErr    error
	candidateErr error

	candidateCalls []storage.CandidateFilter
}

func (s *fakeStore) FetchSourceChunks(_ context.Context, documentID uuid.UUID, opts storage.SourceChunkOptions) ([]*storage.Chunk, error) {
	if s.sourceErr != nil {
		return nil, s.sourceErr
	}

	wanted := make(map[uuid.UUID]bool, len(opts.ChunkIDs))
	for _, id := range opts.ChunkIDs {
		wanted[id] = true
	}

	var out []*storage.Chunk
	for _, c := range s.chunks {
		if c.DocumentID != documentID || !c.IsCurrent {
			continue
		}
		if len(opts.ChunkIDs) > 0 && !wanted[c.ID] {
			continue
		}
		if opts.ImportanceThreshold != nil && c.Importance() < *opts.ImportanceThreshold {
			continue
		}
		if opts.RequireEmbedding && len(c.Embedding) == 0 {
			continue
		}
		if opts.RequireConceptsAndPolarity {
			if _, ok := c.Polarity(); !ok || len(c.ConceptTerms()) == 0 {
				continue
			}
		}
		if opts.RequireDomain {
			if _, ok := c.PrimaryDomain(); !ok {
				continue
			}
		}
		out = append(out, c)
	}

	if opts.OrderByImportance {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Importance() > out[j].Importance() })
	} else {
		sort.SliceStable(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *fakeStore) FetchCandidateChunks(_ context.Context, filter storage.CandidateFilter) ([]*storage.Chunk, error) {
	s.candidateCalls = append(s.candidateCalls, filter)
	if s.candidateErr != nil {
		return nil, s.candidateErr
	}

	inDocs := make(map[uuid.UUID]bool, len(filter.InDocuments))
	for _, id := range filter.InDocuments {
		inDocs[id] = true
	}

	var out []*storage.Chunk
	for _, c := range s.chunks {
		if !c.IsCurrent {
			continue
		}
		if filter.ExcludeDocumentID != nil && c.DocumentID == *filter.ExcludeDocumentID {
			continue
		}
		if filter.ExcludeChunkID != nil && c.ID == *filter.ExcludeChunkID {
			continue
		}
		if filter.ImportanceGTE != nil && c.Importance() < *filter.ImportanceGTE {
			continue
		}
		if filter.RequireConceptsAndPolarity {
			if _, ok := c.Polarity(); !ok || len(c.ConceptTerms()) == 0 {
				continue
			}
		}
		if filter.RequireDomain {
			if _, ok := c.PrimaryDomain(); !ok {
				continue
			}
		}
		if filter.DifferentDomainThan != nil {
			domain, ok := c.PrimaryDomain()
			if !ok || domain == *filter.DifferentDomainThan {
				continue
			}
		}
		if len(filter.InDocuments) > 0 && !inDocs[c.DocumentID] {
			continue
		}
		out = append(out, c)
	}

	if filter.OrderByImportance {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Importance() > out[j].Importance() })
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *fakeStore) GetDocument(_ context.Context, documentID uuid.UUID) (*storage.Document, error) {
	if s.doc != nil && s.doc.ID == documentID {
		return s.doc, nil
	}
	return nil, storage.ErrNotFound
}

// fakeSaver records saved batches and can fail a set number of times.
type fakeSaver struct {
	saved    [][]*storage.Connection
	failures int
}

func (s *fakeSaver) SaveBatch(_ context.Context, connections []*storage.Connection) error {
	if s.failures > 0 {
		s.failures--
		return errSaveFailed
	}
	s.saved = append(s.saved, connections)
	return nil
}

// fakeGenerator replays canned responses in call order.
type fakeGenerator struct {
	responses []string
	err       error
	calls     int
	prompts   []string
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.calls++
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return "", g.err
	}
	if len(g.responses) == 0 {
		return `{"bridges":[]}`, nil
	}
	resp := g.responses[0]
	if len(g.responses) > 1 {
		g.responses = g.responses[1:]
	}
	return resp, nil
}

func fptr(v float64) *float64 { return &v }
func sptr(v string) *string   { return &v }
