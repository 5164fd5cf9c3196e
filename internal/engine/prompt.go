package engine

import (
	"fmt"
	"strings"

	"github.com/synapse-kb/synapse/internal/storage"
)

// buildBridgePrompt renders one batch-analysis prompt. The model sees the
// source passage and a numbered candidate list, and must answer with a single
// JSON object keyed by "bridges". The minimum strength goes into the
// instruction so the model filters weak links itself.
func buildBridgePrompt(source *storage.Chunk, sourceDomain string, batch []*storage.Chunk, minStrength float64) string {
	var b strings.Builder

	b.WriteString("You are analyzing a personal knowledge base for thematic bridges: ")
	b.WriteString("non-obvious connections between passages from DIFFERENT knowledge domains.\n\n")

	b.WriteString("SOURCE PASSAGE")
	fmt.Fprintf(&b, " (domain: %s)\n", sourceDomain)
	writeChunkEntry(&b, source)

	b.WriteString("\nCANDIDATE PASSAGES\n")
	for i, candidate := range batch {
		domain, _ := candidate.PrimaryDomain()
		fmt.Fprintf(&b, "\n[%d] (domain: %s)\n", i, domain)
		writeChunkEntry(&b, candidate)
	}

	fmt.Fprintf(&b, `
TASK
For each candidate, decide whether a genuine thematic bridge connects it to the source passage.
A bridge must be one of: "conceptual", "causal", "temporal", "argumentative", "metaphorical", "contextual".

Rules:
- Only report bridges with strength >= %.2f. Omit weaker candidates entirely.
- strength is a real number in [0, 1] reflecting how substantive the bridge is.
- In explanations, refer to passages by their summary as if it were a title.
- bridgeConcepts lists the shared ideas carrying the bridge.

Respond with ONLY a JSON object of this exact form, no prose before or after:
{"bridges":[{"targetIndex":0,"bridgeType":"conceptual","strength":0.8,"explanation":"...","bridgeConcepts":["...","..."]}]}

If no candidate qualifies, respond with {"bridges":[]}.
`, minStrength)

	return b.String()
}

func writeChunkEntry(b *strings.Builder, chunk *storage.Chunk) {
	if chunk.Summary != nil && *chunk.Summary != "" {
		fmt.Fprintf(b, "Summary: %s\n", *chunk.Summary)
	}
	fmt.Fprintf(b, "Excerpt: %s\n", chunk.Snippet(snippetLen))
}
