package retrieval

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/kalambet/notebook/internal/apperr"
	"github.com/kalambet/notebook/internal/chunker"
)

// Compile-time check that MemoryStore implements VectorStore.
var _ VectorStore = (*MemoryStore)(nil)

// MemoryStore keeps every record in memory and answers queries with a
// brute-force cosine scan. Readers share mu; AddDocuments and RemoveSource
// take it exclusively, so a scan never observes a half-appended batch.
// Snapshot writes are serialized by persistMu.
type MemoryStore struct {
	embedder TextEmbedder
	snap     Snapshotter
	logger   *slog.Logger

	mu      sync.RWMutex
	dim     int
	records []Record
	sources map[string]int // record count per source

	persistMu sync.Mutex
}

// NewMemoryStore creates an empty store. dim fixes the embedding dimension;
// 0 adopts the dimension of the first records added or restored. snap may be
// nil to disable persistence.
func NewMemoryStore(embedder TextEmbedder, snap Snapshotter, dim int) *MemoryStore {
	return &MemoryStore{
		embedder: embedder,
		snap:     snap,
		logger:   slog.Default(),
		dim:      dim,
		sources:  make(map[string]int),
	}
}

// Len returns the number of records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Dimension returns the embedding dimension, or 0 if not yet known.
func (s *MemoryStore) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

// HasSource reports whether any record belongs to sourceID.
func (s *MemoryStore) HasSource(sourceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sources[sourceID] > 0
}

// AddDocuments embeds chunks of sources not yet in the store and appends
// them in chunk order, then persists. A persist failure rolls the append
// back and persists again so a failed ingestion leaves no vectors behind,
// in memory or in a snapshot written meanwhile by another call. If that
// second persist fails too, the snapshot may still hold the records until
// the next successful persist.
func (s *MemoryStore) AddDocuments(ctx context.Context, chunks []chunker.Chunk) (int, error) {
	pending := s.newChunks(chunks)
	if len(pending) == 0 {
		return 0, nil
	}

	texts := make([]string, len(pending))
	for i, c := range pending {
		texts[i] = c.Text
	}
	vecs, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, err
	}
	if len(vecs) != len(pending) {
		return 0, fmt.Errorf("got %d embeddings for %d chunks: %w", len(vecs), len(pending), apperr.ErrEmbeddingService)
	}

	s.mu.Lock()
	dim := s.dim
	if dim == 0 && len(s.records) == 0 {
		dim = len(vecs[0])
	}
	// A concurrent job may have added the same source while we were embedding.
	skip := make(map[string]bool)
	added := make([]string, 0)
	var batch []Record
	for i, c := range pending {
		id := c.Metadata.SourceID
		if _, seen := skip[id]; !seen {
			skip[id] = s.sources[id] > 0
			if !skip[id] {
				added = append(added, id)
			}
		}
		if skip[id] {
			continue
		}
		if len(vecs[i]) != dim {
			s.mu.Unlock()
			return 0, fmt.Errorf("chunk %d has %d dimensions, store has %d: %w", i, len(vecs[i]), dim, ErrDimensionMismatch)
		}
		batch = append(batch, Record{
			ID:        uuid.New().String(),
			Embedding: vecs[i],
			Text:      c.Text,
			Metadata:  c.Metadata,
		})
	}
	if len(batch) > 0 {
		s.dim = dim
	}
	s.records = append(s.records, batch...)
	for _, r := range batch {
		s.sources[r.Metadata.SourceID]++
	}
	s.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	if err := s.Persist(ctx); err != nil {
		s.mu.Lock()
		for _, id := range added {
			s.removeLocked(id)
		}
		s.mu.Unlock()
		// A concurrent persist may already have written the rolled-back records.
		if perr := s.Persist(ctx); perr != nil {
			s.logger.Warn("re-persisting vector store after rollback", "error", perr)
		}
		return 0, fmt.Errorf("persisting vector store: %w", err)
	}
	return len(batch), nil
}

// newChunks drops chunks whose source already has records.
func (s *MemoryStore) newChunks(chunks []chunker.Chunk) []chunker.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []chunker.Chunk
	for _, c := range chunks {
		if s.sources[c.Metadata.SourceID] > 0 {
			continue
		}
		out = append(out, c)
	}
	return out
}

// SimilaritySearch embeds query and returns the k records with the highest
// cosine similarity among those accepted by filter. Equal scores keep
// insertion order. k larger than the number of matches returns all matches.
func (s *MemoryStore) SimilaritySearch(ctx context.Context, query string, k int, filter Filter) ([]SearchResult, error) {
	if k <= 0 || !s.anyMatch(filter) {
		return []SearchResult{}, nil
	}

	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("got %d embeddings for query: %w", len(vecs), apperr.ErrEmbeddingService)
	}
	q := vecs[0]

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.dim != 0 && len(q) != s.dim {
		return nil, fmt.Errorf("query has %d dimensions, store has %d: %w", len(q), s.dim, ErrDimensionMismatch)
	}

	qNorm := norm(q)
	h := &candidateHeap{}
	for i, r := range s.records {
		if filter != nil && !filter(r.Metadata) {
			continue
		}
		c := candidate{index: i, score: cosine(q, r.Embedding, qNorm)}
		if h.Len() < k {
			heap.Push(h, c)
		} else if c.better((*h)[0]) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}

	ranked := []candidate(*h)
	slices.SortFunc(ranked, func(a, b candidate) int {
		switch {
		case a.better(b):
			return -1
		case b.better(a):
			return 1
		}
		return 0
	})

	out := make([]SearchResult, len(ranked))
	for i, c := range ranked {
		r := s.records[c.index]
		out[i] = SearchResult{Text: r.Text, Metadata: r.Metadata, Score: c.score}
	}
	return out, nil
}

func (s *MemoryStore) anyMatch(filter Filter) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if filter == nil {
		return len(s.records) > 0
	}
	for _, r := range s.records {
		if filter(r.Metadata) {
			return true
		}
	}
	return false
}

// RemoveSource filters the source's records out of the store in O(n) and
// re-persists when anything was removed.
func (s *MemoryStore) RemoveSource(ctx context.Context, sourceID string) (int, error) {
	s.mu.Lock()
	removed := s.removeLocked(sourceID)
	s.mu.Unlock()

	if removed == 0 {
		return 0, nil
	}
	if err := s.Persist(ctx); err != nil {
		return removed, fmt.Errorf("persisting vector store: %w", err)
	}
	return removed, nil
}

func (s *MemoryStore) removeLocked(sourceID string) int {
	n := s.sources[sourceID]
	if n == 0 {
		return 0
	}
	kept := make([]Record, 0, len(s.records)-n)
	for _, r := range s.records {
		if r.Metadata.SourceID != sourceID {
			kept = append(kept, r)
		}
	}
	s.records = kept
	delete(s.sources, sourceID)
	return n
}

// Persist writes the full record set through the snapshotter.
func (s *MemoryStore) Persist(ctx context.Context) error {
	if s.snap == nil {
		return nil
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	snap := Snapshot{Dimension: s.dim, Records: s.records[:len(s.records):len(s.records)]}
	s.mu.RUnlock()

	if err := s.snap.Save(ctx, snap); err != nil {
		return err
	}
	s.logger.Debug("vector store persisted", "records", len(snap.Records))
	return nil
}

// Restore replaces the store contents with the persisted snapshot. A missing
// snapshot leaves the store empty and is not an error. An unreadable or
// incompatible snapshot also leaves it empty and returns an error wrapping
// apperr.ErrStoreCorruption.
func (s *MemoryStore) Restore(ctx context.Context) error {
	if s.snap == nil {
		return nil
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	snap, err := s.snap.Load(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	s.sources = make(map[string]int)

	if err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrStoreCorruption, err)
	}
	if err := s.checkSnapshot(snap); err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrStoreCorruption, err)
	}

	if s.dim == 0 {
		s.dim = snap.Dimension
	}
	s.records = snap.Records
	for _, r := range snap.Records {
		s.sources[r.Metadata.SourceID]++
	}
	s.logger.Info("vector store restored", "records", len(s.records), "dimension", s.dim)
	return nil
}

func (s *MemoryStore) checkSnapshot(snap Snapshot) error {
	if len(snap.Records) == 0 {
		return nil
	}
	if snap.Dimension <= 0 {
		return fmt.Errorf("snapshot has %d records but no dimension", len(snap.Records))
	}
	if s.dim != 0 && snap.Dimension != s.dim {
		return fmt.Errorf("snapshot dimension %d, configured %d: %w", snap.Dimension, s.dim, ErrDimensionMismatch)
	}
	for i, r := range snap.Records {
		if len(r.Embedding) != snap.Dimension {
			return fmt.Errorf("record %d has %d dimensions, snapshot declares %d: %w", i, len(r.Embedding), snap.Dimension, ErrDimensionMismatch)
		}
		if r.Metadata.SourceID == "" {
			return fmt.Errorf("record %d has no source id", i)
		}
	}
	return nil
}
