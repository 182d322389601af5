package engine

import "fmt"

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	Provider      string
	OllamaBaseURL string
	OpenAIBaseURL string
	OpenAIAPIKey  string
}

// Detect returns the Engine for the configured provider. An empty provider
// selects Ollama.
func Detect(cfg DetectConfig) (Engine, error) {
	switch cfg.Provider {
	case "", ProviderOllama:
		return NewOllamaEngine(cfg.OllamaBaseURL), nil
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key (NOTEBOOK_OPENAI_API_KEY)")
		}
		return NewOpenAIEngine(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey), nil
	default:
		return nil, fmt.Errorf("unknown engine provider %q", cfg.Provider)
	}
}
