package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/synapse-kb/synapse/internal/storage"
)

// negationMarkers matches common sentence-level negation cues.
var negationMarkers = regexp.MustCompile(`(?i)\b(not|never|no longer|nobody|nothing|cannot|can't|won't|isn't|aren't|wasn't|weren't|doesn't|don't|didn't|without|false|untrue|refutes?|denies|denied|rejects?|disproves?)\b`)

// negationWindow is the character distance within which a negation marker
// counts as applying to a concept term.
const negationWindow = 80

// detectNegations is the sentence-level contradiction path. A pair fires when
// the chunks share at least one concept term and exactly one side negates a
// shared term in its text. Pairs already produced by the metadata path are
// skipped; the metadata signal takes precedence.
func (e *ContradictionEngine) detectNegations(source *storage.Chunk, candidates []*storage.Chunk, emitted map[uuid.UUID]struct{}) []*storage.Connection {
	sourceTerms := termSet(source.ConceptTerms())
	if len(sourceTerms) == 0 {
		return nil
	}
	sourceText := strings.ToLower(source.Content)

	var connections []*storage.Connection
	for _, candidate := range candidates {
		if candidate.ID == source.ID {
			continue
		}
		if _, done := emitted[candidate.ID]; done {
			continue
		}

		shared, _ := jaccard(sourceTerms, candidate.ConceptTerms())
		if len(shared) == 0 {
			continue
		}

		candidateText := strings.ToLower(candidate.Content)
		negated := negatedTerms(sourceText, candidateText, shared)
		if len(negated) == 0 {
			continue
		}

		connections = append(connections, &storage.Connection{
			SourceChunkID: source.ID,
			TargetChunkID: candidate.ID,
			Type:          storage.ConnectionContradiction,
			Strength:      clip01(0.5 + 0.1*float64(len(negated))),
			AutoDetected:  true,
			Metadata: storage.ConnectionMetadata{
				Explanation:         fmt.Sprintf("One side directly negates %s", strings.Join(capStrings(negated, 3), ", ")),
				TargetDocumentTitle: candidate.DocumentTitle,
				TargetSnippet:       candidate.Snippet(snippetLen),
				SharedConcepts:      capStrings(shared, 10),
				ContradictionType:   "direct_negation",
			},
		})
	}
	return connections
}

// negatedTerms returns the shared terms that exactly one of the two texts
// negates. Terms negated on both sides agree with each other and do not
// count.
func negatedTerms(sourceText, candidateText string, shared []string) []string {
	var terms []string
	for _, term := range shared {
		sourceNeg := termIsNegated(sourceText, term)
		candidateNeg := termIsNegated(candidateText, term)
		if sourceNeg != candidateNeg {
			terms = append(terms, term)
		}
	}
	return terms
}

// termIsNegated reports whether a negation marker appears within
// negationWindow characters before an occurrence of term.
func termIsNegated(text, term string) bool {
	offset := 0
	for {
		i := strings.Index(text[offset:], term)
		if i < 0 {
			return false
		}
		pos := offset + i

		start := pos - negationWindow
		if start < 0 {
			start = 0
		}
		if negationMarkers.MatchString(text[start:pos]) {
			return true
		}
		offset = pos + len(term)
	}
}
