package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
)

// keySpec binds a dotted config key to its environment variable and its
// field in Config. Secret keys are read from the environment only.
type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "NOTEBOOK_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "NOTEBOOK_SERVER_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "log.level", typ: kString, env: "NOTEBOOK_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.data_dir", typ: kString, env: "NOTEBOOK_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "engine.provider", typ: kString, env: "NOTEBOOK_ENGINE_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Engine.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.Provider },
	},
	{
		key: "ollama.base_url", typ: kString, env: "NOTEBOOK_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "NOTEBOOK_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "NOTEBOOK_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "openai.base_url", typ: kString, env: "NOTEBOOK_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openai.api_key", typ: kString, env: "NOTEBOOK_OPENAI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.chat_model", typ: kString, env: "NOTEBOOK_OPENAI_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.ChatModel },
	},
	{
		key: "openai.embed_model", typ: kString, env: "NOTEBOOK_OPENAI_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.EmbedModel },
	},
	{
		key: "embedding.dimension", typ: kInt, env: "NOTEBOOK_EMBEDDING_DIMENSION",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Dimension = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Dimension },
	},
	{
		key: "embedding.batch_size", typ: kInt, env: "NOTEBOOK_EMBEDDING_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.BatchSize },
	},
	{
		key: "embedding.rate_limit", typ: kFloat, env: "NOTEBOOK_EMBEDDING_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Embedding.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.Embedding.RateLimit },
	},
	{
		key: "embedding.timeout", typ: kDuration, env: "NOTEBOOK_EMBEDDING_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Embedding.Timeout },
	},
	{
		key: "answer.top_k", typ: kInt, env: "NOTEBOOK_ANSWER_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Answer.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Answer.TopK },
	},
	{
		key: "answer.timeout", typ: kDuration, env: "NOTEBOOK_ANSWER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Answer.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Answer.Timeout },
	},
	{
		key: "chunker.size", typ: kInt, env: "NOTEBOOK_CHUNKER_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Chunker.Size = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunker.Size },
	},
	{
		key: "chunker.overlap", typ: kInt, env: "NOTEBOOK_CHUNKER_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Chunker.Overlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunker.Overlap },
	},
	{
		key: "ingest.concurrency", typ: kInt, env: "NOTEBOOK_INGEST_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.Concurrency },
	},
	{
		key: "ingest.watch_interval", typ: kDuration, env: "NOTEBOOK_INGEST_WATCH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Ingest.WatchInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.WatchInterval },
	},
	{
		key: "ingest.watch_timeout", typ: kDuration, env: "NOTEBOOK_INGEST_WATCH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Ingest.WatchTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.WatchTimeout },
	},
	{
		key: "ingest.inbox_dir", typ: kString, env: "NOTEBOOK_INGEST_INBOX_DIR",
		apply:   func(cfg *Config, v any) { cfg.Ingest.InboxDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.InboxDir },
	},
	{
		key: "ingest.max_upload_mb", typ: kInt, env: "NOTEBOOK_INGEST_MAX_UPLOAD_MB",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxUploadMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxUploadMB },
	},
	{
		key: "store.snapshot", typ: kString, env: "NOTEBOOK_STORE_SNAPSHOT",
		apply:   func(cfg *Config, v any) { cfg.Store.Snapshot = v.(string) },
		extract: func(cfg Config) any { return cfg.Store.Snapshot },
	},
}

// parse converts a raw string to the key's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", s.key, err)
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using configured value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
