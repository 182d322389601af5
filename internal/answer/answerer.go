// Package answer produces cited answers from the chunks of the sources a
// user selected.
package answer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/notebook/internal/apperr"
	"github.com/kalambet/notebook/internal/engine"
	"github.com/kalambet/notebook/internal/retrieval"
)

const (
	DefaultTopK    = 20
	defaultTimeout = 2 * time.Minute
)

// Searcher finds chunks similar to a query.
type Searcher interface {
	SimilaritySearch(ctx context.Context, query string, k int, filter retrieval.Filter) ([]retrieval.SearchResult, error)
}

// Chatter sends a conversation to a language model.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message) (string, error)
}

// Config tunes the Answerer.
type Config struct {
	Model   string
	TopK    int           // <= 0 means 20
	Timeout time.Duration // bounds the model call; <= 0 means 2m
}

// Answer is the model's reply with citations rewritten as links.
type Answer struct {
	Text    string      `json:"text"`
	Sources []Reference `json:"sources"`
}

// Answerer answers questions from the selected sources only.
type Answerer struct {
	search  Searcher
	chat    Chatter
	model   string
	topK    int
	timeout time.Duration
	logger  *slog.Logger
}

// New creates an Answerer that searches with search and answers with chat.
// Zero Config fields take their defaults.
func New(search Searcher, chat Chatter, cfg Config) *Answerer {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Answerer{
		search:  search,
		chat:    chat,
		model:   cfg.Model,
		topK:    cfg.TopK,
		timeout: cfg.Timeout,
		logger:  slog.Default(),
	}
}

// Ask retrieves context restricted to allowed source IDs and asks the model.
// An empty allowed list means no context, never an unfiltered search.
// Retrieval and model failures wrap apperr.ErrAnswerGeneration.
func (a *Answerer) Ask(ctx context.Context, question string, allowed []string) (Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, fmt.Errorf("question is required: %w", apperr.ErrInvalidInput)
	}

	results, err := a.search.SimilaritySearch(ctx, question, a.topK, retrieval.SourceFilter(allowed))
	if err != nil {
		return Answer{}, fmt.Errorf("retrieving context: %w: %w", apperr.ErrAnswerGeneration, err)
	}
	contextBlock, sources := buildContext(results)

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	raw, err := a.chat.Chat(callCtx, a.model, buildMessages(question, contextBlock))
	if err != nil {
		return Answer{}, fmt.Errorf("asking %s: %w: %w", a.model, apperr.ErrAnswerGeneration, err)
	}
	a.logger.Debug("answer generated", "model", a.model, "sources", len(results), "duration", time.Since(start))

	return Answer{
		Text:    RewriteCitations(raw, sources),
		Sources: orderedSources(sources),
	}, nil
}

func orderedSources(sources map[int]Reference) []Reference {
	keys := make([]int, 0, len(sources))
	for n := range sources {
		keys = append(keys, n)
	}
	sort.Ints(keys)
	out := make([]Reference, len(keys))
	for i, n := range keys {
		out[i] = sources[n]
	}
	return out
}
