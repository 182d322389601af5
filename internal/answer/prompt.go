package answer

import (
	"fmt"
	"strings"

	"github.com/kalambet/notebook/internal/engine"
	"github.com/kalambet/notebook/internal/retrieval"
)

const systemTemplate = `Use only the provided context to answer the user's question.
For every fact you reference, add an inline citation in the format [source:<number>].
Below are examples of good in-place citations:
- "According to the findings stated in the first bullet [source:1]..."
- "Furthermore, the data in the second bullet [source:2] indicates..."
If you don't know the answer, just say you don't know; don't make it up.

----------------
`

// buildContext numbers results from 1 and renders them as the context block.
// The returned map resolves each number to its reference.
func buildContext(results []retrieval.SearchResult) (string, map[int]Reference) {
	sources := make(map[int]Reference, len(results))
	var sb strings.Builder
	for i, r := range results {
		n := i + 1
		m := r.Metadata
		sources[n] = ReferenceFor(m)
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "Source [%d]: (File ID: %s, Page: %d, Lines: %d-%d)\n%s",
			n, m.SourceID, m.Page, m.LineFrom, m.LineTo, r.Text)
	}
	return sb.String(), sources
}

// buildMessages returns the system prompt carrying the context followed by
// the question.
func buildMessages(question, context string) []engine.Message {
	return []engine.Message{
		{Role: "system", Content: systemTemplate + context},
		{Role: "user", Content: question},
	}
}
