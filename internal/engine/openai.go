package engine

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/kalambet/notebook/internal/openai"
)

// ErrPullUnsupported is returned by engines whose models are managed remotely.
var ErrPullUnsupported = errors.New("model pull not supported by this engine")

// OpenAIEngine adapts internal/openai.Client to the Engine interface.
type OpenAIEngine struct {
	client *openai.Client
}

// NewOpenAIEngine creates an engine for an OpenAI-compatible API.
func NewOpenAIEngine(baseURL, apiKey string) *OpenAIEngine {
	return &OpenAIEngine{client: openai.New(baseURL, apiKey)}
}

func (e *OpenAIEngine) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	msgs := make([]openai.Message, len(messages))
	for i, m := range messages {
		msgs[i] = openai.Message{Role: m.Role, Content: m.Content}
	}
	return e.client.Chat(ctx, model, msgs)
}

func (e *OpenAIEngine) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	return e.client.Embed(ctx, model, texts)
}

// IsRunning reports whether the model list endpoint answers within a short deadline.
func (e *OpenAIEngine) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := e.client.ListModels(ctx)
	return err == nil
}

func (e *OpenAIEngine) ListModels(ctx context.Context) ([]string, error) {
	return e.client.ListModels(ctx)
}

func (e *OpenAIEngine) HasModel(ctx context.Context, name string) bool {
	models, err := e.client.ListModels(ctx)
	if err != nil {
		return false
	}
	return slices.Contains(models, name)
}

func (e *OpenAIEngine) PullModel(_ context.Context, _ string, _ func(PullProgress)) error {
	return ErrPullUnsupported
}
