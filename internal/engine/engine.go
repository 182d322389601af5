package engine

import "context"

// Engine abstracts an inference backend (a local Ollama server or an
// OpenAI-compatible API). The embedder and the answering engine depend on
// this interface instead of a concrete client.
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's response.
	Chat(ctx context.Context, model string, messages []Message) (string, error)

	// Embed returns one embedding vector per text, in input order.
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
