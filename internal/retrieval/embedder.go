package retrieval

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kalambet/notebook/internal/apperr"
	"github.com/kalambet/notebook/internal/engine"
)

const (
	defaultBatchSize    = 64
	defaultEmbedTimeout = 60 * time.Second
)

// EmbedderConfig tunes batching and pacing of embedding calls.
type EmbedderConfig struct {
	BatchSize int           // texts per upstream call; <= 0 means 64
	RateLimit float64       // upstream calls per second; <= 0 means unlimited
	Timeout   time.Duration // per upstream call; <= 0 means 60s
}

// Embedder wraps an Engine to generate text embeddings. It does not retry:
// every failure is returned wrapped with apperr.ErrEmbeddingService.
type Embedder struct {
	engine    engine.Engine
	model     string
	batchSize int
	limiter   *rate.Limiter
	timeout   time.Duration
}

// NewEmbedder creates an Embedder using the given Engine and model name.
func NewEmbedder(e engine.Engine, model string, cfg EmbedderConfig) *Embedder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultEmbedTimeout
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &Embedder{
		engine:    e,
		model:     model,
		batchSize: cfg.BatchSize,
		limiter:   rate.NewLimiter(limit, 1),
		timeout:   cfg.Timeout,
	}
}

// Embed returns one vector per text, in input order.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the engine.

	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		g.Go(func() error {
			return e.embedBatch(gCtx, texts[start:end], results[start:end])
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Embedder) embedBatch(ctx context.Context, texts []string, out [][]float32) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w: %w", apperr.ErrEmbeddingService, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	vecs, err := e.engine.Embed(callCtx, e.model, texts)
	if err != nil {
		return fmt.Errorf("embedding %d texts: %w: %w", len(texts), apperr.ErrEmbeddingService, err)
	}
	if len(vecs) != len(texts) {
		return fmt.Errorf("embedding returned %d vectors for %d texts: %w", len(vecs), len(texts), apperr.ErrEmbeddingService)
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return fmt.Errorf("embedding %d is empty: %w", i, apperr.ErrEmbeddingService)
		}
	}
	copy(out, vecs)
	return nil
}
