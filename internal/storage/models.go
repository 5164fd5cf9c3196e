// Package storage provides database models and repositories for the connection engine.
package storage

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConnectionType identifies which engine produced a connection.
type ConnectionType string

const (
	ConnectionSemanticSimilarity ConnectionType = "semantic_similarity"
	ConnectionContradiction      ConnectionType = "contradiction_detection"
	ConnectionThematicBridge     ConnectionType = "thematic_bridge"
)

// JobStatus represents detection job status.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// ContentLayerBody is the only layer eligible for bridge analysis.
// A null content_layer is treated as body.
const ContentLayerBody = "BODY"

// Content labels excluded from bridge analysis.
var excludedContentLabels = map[string]struct{}{
	"PAGE_HEADER": {},
	"PAGE_FOOTER": {},
	"FOOTNOTE":    {},
	"REFERENCE":   {},
}

// Concept is a single key concept attached to a chunk.
type Concept struct {
	Term       string  `json:"term"`
	Importance float64 `json:"importance"`
}

// ConceptualMetadata is the conceptual_metadata JSONB region of a chunk.
type ConceptualMetadata struct {
	Concepts []Concept `json:"concepts"`
}

// UnmarshalJSON tolerates mis-typed concept entries: entries that are not
// objects with a string term are dropped rather than failing the chunk load.
func (m *ConceptualMetadata) UnmarshalJSON(data []byte) error {
	var raw struct {
		Concepts []json.RawMessage `json:"concepts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		*m = ConceptualMetadata{}
		return nil
	}
	for _, entry := range raw.Concepts {
		var c Concept
		if err := json.Unmarshal(entry, &c); err != nil || c.Term == "" {
			continue
		}
		m.Concepts = append(m.Concepts, c)
	}
	return nil
}

// EmotionalMetadata is the emotional_metadata JSONB region of a chunk.
type EmotionalMetadata struct {
	Polarity *float64 `json:"polarity"`
}

// UnmarshalJSON nulls out a mis-typed polarity instead of failing.
func (m *EmotionalMetadata) UnmarshalJSON(data []byte) error {
	var raw struct {
		Polarity json.RawMessage `json:"polarity"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		*m = EmotionalMetadata{}
		return nil
	}
	var p float64
	if raw.Polarity != nil && json.Unmarshal(raw.Polarity, &p) == nil {
		m.Polarity = &p
	}
	return nil
}

// DomainMetadata is the domain_metadata JSONB region of a chunk.
type DomainMetadata struct {
	PrimaryDomain *string `json:"primaryDomain"`
}

// UnmarshalJSON nulls out a mis-typed domain instead of failing.
func (m *DomainMetadata) UnmarshalJSON(data []byte) error {
	var raw struct {
		PrimaryDomain json.RawMessage `json:"primaryDomain"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		*m = DomainMetadata{}
		return nil
	}
	var d string
	if raw.PrimaryDomain != nil && json.Unmarshal(raw.PrimaryDomain, &d) == nil && d != "" {
		m.PrimaryDomain = &d
	}
	return nil
}

// Chunk represents a positioned text segment of a document with semantic
// metadata. Rows are loaded with the owning document title joined in.
type Chunk struct {
	ID                uuid.UUID          `json:"id" db:"id"`
	DocumentID        uuid.UUID          `json:"document_id" db:"document_id"`
	ChunkIndex        int                `json:"chunk_index" db:"chunk_index"`
	Content           string             `json:"content" db:"content"`
	Summary           *string            `json:"summary,omitempty" db:"summary"`
	Embedding         []float32          `json:"embedding,omitempty" db:"embedding"`
	ImportanceScore   *float64           `json:"importance_score,omitempty" db:"importance_score"`
	Conceptual        ConceptualMetadata `json:"conceptual_metadata" db:"conceptual_metadata"`
	Emotional         EmotionalMetadata  `json:"emotional_metadata" db:"emotional_metadata"`
	Domain            DomainMetadata     `json:"domain_metadata" db:"domain_metadata"`
	ContentLayer      *string            `json:"content_layer,omitempty" db:"content_layer"`
	ContentLabel      *string            `json:"content_label,omitempty" db:"content_label"`
	IsCurrent         bool               `json:"is_current" db:"is_current"`
	ReprocessingBatch *string            `json:"reprocessing_batch,omitempty" db:"reprocessing_batch"`

	// DocumentTitle is joined from documents on every read.
	DocumentTitle string `json:"document_title" db:"document_title"`
}

// Polarity returns the chunk's emotional polarity if present.
func (c *Chunk) Polarity() (float64, bool) {
	if c.Emotional.Polarity == nil {
		return 0, false
	}
	return *c.Emotional.Polarity, true
}

// PrimaryDomain returns the chunk's thematic domain if present.
func (c *Chunk) PrimaryDomain() (string, bool) {
	if c.Domain.PrimaryDomain == nil {
		return "", false
	}
	return *c.Domain.PrimaryDomain, true
}

// Importance returns importance_score, or 0 when missing.
func (c *Chunk) Importance() float64 {
	if c.ImportanceScore == nil {
		return 0
	}
	return *c.ImportanceScore
}

// ConceptTerms returns the chunk's concept terms lowercased and
// whitespace-normalized, suitable for Jaccard comparison.
func (c *Chunk) ConceptTerms() []string {
	terms := make([]string, 0, len(c.Conceptual.Concepts))
	for _, concept := range c.Conceptual.Concepts {
		term := strings.ToLower(strings.Join(strings.Fields(concept.Term), " "))
		if term != "" {
			terms = append(terms, term)
		}
	}
	return terms
}

// Snippet returns up to maxLen characters of display text, preferring the
// summary when the content is empty.
func (c *Chunk) Snippet(maxLen int) string {
	text := c.Content
	if text == "" && c.Summary != nil {
		text = *c.Summary
	}
	runes := []rune(text)
	if len(runes) > maxLen {
		return string(runes[:maxLen])
	}
	return text
}

// IsCleanBody reports whether the chunk is body prose eligible for
// bridge analysis: a null content_layer is treated as body, and page
// furniture labels are excluded.
func (c *Chunk) IsCleanBody() bool {
	if c.ContentLayer != nil && *c.ContentLayer != ContentLayerBody {
		return false
	}
	if c.ContentLabel != nil {
		if _, excluded := excludedContentLabels[*c.ContentLabel]; excluded {
			return false
		}
	}
	return true
}

// Document represents an owned document. The engine only reads it as a
// scope predicate and title source.
type Document struct {
	ID     uuid.UUID `json:"id" db:"id"`
	UserID uuid.UUID `json:"user_id" db:"user_id"`
	Title  string    `json:"title" db:"title"`
}

// ConnectionMetadata is the engine-specific metadata record persisted with
// each connection. Fields not produced by the emitting engine stay unset.
type ConnectionMetadata struct {
	Explanation         string `json:"explanation"`
	TargetDocumentTitle string `json:"target_document_title"`
	TargetSnippet       string `json:"target_snippet"`

	// Semantic engine.
	Similarity *float64 `json:"similarity,omitempty"`

	// Contradiction engine.
	ConceptOverlap    *float64 `json:"concept_overlap,omitempty"`
	PolarityDistance  *float64 `json:"polarity_distance,omitempty"`
	SourcePolarity    *float64 `json:"source_polarity,omitempty"`
	TargetPolarity    *float64 `json:"target_polarity,omitempty"`
	SharedConcepts    []string `json:"shared_concepts,omitempty"`
	ContradictionType string   `json:"contradictionType,omitempty"`

	// Thematic-bridge engine.
	BridgeType     string   `json:"bridge_type,omitempty"`
	BridgeConcepts []string `json:"bridge_concepts,omitempty"`
	SourceDomain   string   `json:"source_domain,omitempty"`
	TargetDomain   string   `json:"target_domain,omitempty"`
}

// Connection is a typed, scored, directed edge between two chunks.
type Connection struct {
	SourceChunkID uuid.UUID          `json:"source_chunk_id" db:"source_chunk_id"`
	TargetChunkID uuid.UUID          `json:"target_chunk_id" db:"target_chunk_id"`
	Type          ConnectionType     `json:"connection_type" db:"connection_type"`
	Strength      float64            `json:"strength" db:"strength"`
	AutoDetected  bool               `json:"auto_detected" db:"auto_detected"`
	DiscoveredAt  time.Time          `json:"discovered_at" db:"discovered_at"`
	Metadata      ConnectionMetadata `json:"metadata" db:"metadata"`
}

// DetectionJob is one record of the external background job queue. The
// engine consumes it and writes lifecycle fields; it does not define the
// queue itself.
type DetectionJob struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	Status          JobStatus       `json:"status" db:"status"`
	ProgressPercent int             `json:"progress_percent" db:"progress_percent"`
	ProgressStage   string          `json:"progress_stage" db:"progress_stage"`
	ProgressMessage string          `json:"progress_message" db:"progress_message"`
	LastHeartbeat   *time.Time      `json:"last_heartbeat,omitempty" db:"last_heartbeat"`
	InputData       json.RawMessage `json:"input_data" db:"input_data"`
	OutputData      json.RawMessage `json:"output_data,omitempty" db:"output_data"`
	LastError       *string         `json:"last_error,omitempty" db:"last_error"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// JobInput is the parsed input_data payload of a detection job.
type JobInput struct {
	DocumentID uuid.UUID   `json:"document_id"`
	UserID     uuid.UUID   `json:"user_id"`
	ChunkIDs   []uuid.UUID `json:"chunk_ids,omitempty"`
	Trigger    string      `json:"trigger,omitempty"`
}

// JobOutput is the output_data payload written on job completion.
type JobOutput struct {
	Success          bool           `json:"success"`
	DocumentID       uuid.UUID      `json:"document_id"`
	TotalConnections int            `json:"totalConnections"`
	ByEngine         map[string]int `json:"byEngine"`
	ExecutionTime    int64          `json:"executionTime"`
	Error            string         `json:"error,omitempty"`
}
