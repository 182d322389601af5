package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Storage   StorageConfig
	Engine    EngineConfig
	Ollama    OllamaConfig
	OpenAI    OpenAIConfig
	Embedding EmbeddingConfig
	Answer    AnswerConfig
	Chunker   ChunkerConfig
	Ingest    IngestConfig
	Store     StoreConfig
}

type ServerConfig struct {
	Port  int
	Token string // optional bearer token for the HTTP API
}

// Address returns the HTTP listen address.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("127.0.0.1:%d", c.Port)
}

type LogConfig struct {
	Level string
}

// SlogLevel maps Level to a slog.Level, defaulting to info.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type StorageConfig struct {
	DataDir string
}

// UploadsDir is where raw uploads are kept.
func (c StorageConfig) UploadsDir() string { return filepath.Join(c.DataDir, "uploads") }

// SnapshotPath is the vector snapshot file used by the file snapshotter.
func (c StorageConfig) SnapshotPath() string { return filepath.Join(c.DataDir, "vectors.json") }

type EngineConfig struct {
	Provider string
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	ChatModel  string
	EmbedModel string
}

type EmbeddingConfig struct {
	Dimension int // 0 adopts the dimension of the first embedding
	BatchSize int
	RateLimit float64 // calls per second; 0 is unlimited
	Timeout   time.Duration
}

type AnswerConfig struct {
	TopK    int
	Timeout time.Duration
}

type ChunkerConfig struct {
	Size    int
	Overlap int
}

type IngestConfig struct {
	Concurrency   int
	WatchInterval time.Duration
	WatchTimeout  time.Duration
	InboxDir      string
	MaxUploadMB   int
}

// MaxUploadBytes is the per-file upload limit.
func (c IngestConfig) MaxUploadBytes() int64 { return int64(c.MaxUploadMB) << 20 }

type StoreConfig struct {
	Snapshot string
}

const (
	SnapshotFile   = "file"
	SnapshotSQLite = "sqlite"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{Port: 4100},
		Log:    LogConfig{Level: "info"},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Engine: EngineConfig{Provider: "ollama"},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "mistral-nemo",
			EmbedModel: "nomic-embed-text",
		},
		OpenAI: OpenAIConfig{
			BaseURL:    "https://api.openai.com/v1",
			ChatModel:  "gpt-4o-mini",
			EmbedModel: "text-embedding-3-large",
		},
		Embedding: EmbeddingConfig{
			BatchSize: 64,
			Timeout:   60 * time.Second,
		},
		Answer: AnswerConfig{
			TopK:    20,
			Timeout: 2 * time.Minute,
		},
		Chunker: ChunkerConfig{
			Size:    1000,
			Overlap: 200,
		},
		Ingest: IngestConfig{
			Concurrency:   2,
			WatchInterval: time.Second,
			WatchTimeout:  10 * time.Minute,
			MaxUploadMB:   50,
		},
		Store: StoreConfig{Snapshot: SnapshotFile},
	}
}

// ChatModel returns the chat model of the selected provider.
func (c Config) ChatModel() string {
	if c.Engine.Provider == "openai" {
		return c.OpenAI.ChatModel
	}
	return c.Ollama.ChatModel
}

// EmbedModel returns the embedding model of the selected provider.
func (c Config) EmbedModel() string {
	if c.Engine.Provider == "openai" {
		return c.OpenAI.EmbedModel
	}
	return c.Ollama.EmbedModel
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	err := validation.Errors{
		"server.port":          validation.Validate(c.Server.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		"log.level":            validation.Validate(strings.ToLower(c.Log.Level), validation.In("debug", "info", "warn", "error")),
		"storage.data_dir":     validation.Validate(c.Storage.DataDir, validation.Required),
		"engine.provider":      validation.Validate(c.Engine.Provider, validation.Required, validation.In("ollama", "openai")),
		"embedding.dimension":  validation.Validate(c.Embedding.Dimension, validation.Min(0)),
		"embedding.rate_limit": validation.Validate(c.Embedding.RateLimit, validation.Min(0.0)),
		"answer.top_k":         validation.Validate(c.Answer.TopK, validation.Required, validation.Min(1)),
		"chunker.size":         validation.Validate(c.Chunker.Size, validation.Required, validation.Min(1)),
		"chunker.overlap":      validation.Validate(c.Chunker.Overlap, validation.Min(0), validation.Max(c.Chunker.Size-1)),
		"ingest.concurrency":   validation.Validate(c.Ingest.Concurrency, validation.Required, validation.Min(1)),
		"ingest.max_upload_mb": validation.Validate(c.Ingest.MaxUploadMB, validation.Required, validation.Min(1)),
		"store.snapshot":       validation.Validate(c.Store.Snapshot, validation.Required, validation.In(SnapshotFile, SnapshotSQLite)),
	}.Filter()
	if err != nil {
		return err
	}
	if c.Engine.Provider == "openai" && c.OpenAI.APIKey == "" {
		return fmt.Errorf("missing required config: OpenAI API key. Set it via environment variable NOTEBOOK_OPENAI_API_KEY")
	}
	return nil
}

// Load reads configuration from the YAML file at FilePath, then applies
// NOTEBOOK_* environment overrides, then validates.
func Load() (Config, error) {
	b, err := newYAMLBackend(FilePath())
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
