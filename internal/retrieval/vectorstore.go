package retrieval

import (
	"context"
	"errors"

	"github.com/kalambet/notebook/internal/chunker"
)

// ErrDimensionMismatch is returned when a vector's length differs from the
// store dimension.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// VectorStore is the contract the ingestion pipeline and answering engine
// depend on. MemoryStore is the brute-force implementation; an approximate
// index can replace it without changing callers.
type VectorStore interface {
	// AddDocuments embeds and appends chunks, skipping any source that is
	// already present. It returns the number of records added.
	AddDocuments(ctx context.Context, chunks []chunker.Chunk) (int, error)

	// SimilaritySearch returns at most k matches for query, best first.
	SimilaritySearch(ctx context.Context, query string, k int, filter Filter) ([]SearchResult, error)

	// RemoveSource deletes every record of a source and returns how many were removed.
	RemoveSource(ctx context.Context, sourceID string) (int, error)

	HasSource(sourceID string) bool
	Len() int

	Persist(ctx context.Context) error
	Restore(ctx context.Context) error
}

// TextEmbedder turns texts into vectors, one per text, in order.
type TextEmbedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Record is one embedded chunk.
type Record struct {
	ID        string           `json:"id"`
	Embedding []float32        `json:"embedding"`
	Text      string           `json:"text"`
	Metadata  chunker.Metadata `json:"metadata"`
}

// SearchResult is a record matched by SimilaritySearch.
type SearchResult struct {
	Text     string           `json:"text"`
	Metadata chunker.Metadata `json:"metadata"`
	Score    float32          `json:"score"`
}

// Filter selects records by metadata. A nil Filter matches everything.
type Filter func(chunker.Metadata) bool

// SourceFilter matches records whose SourceID is in ids. An empty ids
// matches nothing.
func SourceFilter(ids []string) Filter {
	allowed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		allowed[id] = struct{}{}
	}
	return func(m chunker.Metadata) bool {
		_, ok := allowed[m.SourceID]
		return ok
	}
}
