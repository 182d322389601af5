package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func loadFromPath(t *testing.T, path string) (Config, error) {
	t.Helper()
	b, err := newYAMLBackend(path)
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

// TestDefaults verifies all default values are applied when the config file is missing.
func TestDefaults(t *testing.T) {
	cfg, err := loadFromPath(t, filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Engine.Provider != "ollama" {
		t.Errorf("Engine.Provider = %q, want ollama", cfg.Engine.Provider)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q, want %q", cfg.Ollama.BaseURL, "http://localhost:11434")
	}
	if cfg.OpenAI.ChatModel != "gpt-4o-mini" {
		t.Errorf("OpenAI.ChatModel = %q, want gpt-4o-mini", cfg.OpenAI.ChatModel)
	}
	if cfg.OpenAI.EmbedModel != "text-embedding-3-large" {
		t.Errorf("OpenAI.EmbedModel = %q, want text-embedding-3-large", cfg.OpenAI.EmbedModel)
	}
	if cfg.Answer.TopK != 20 {
		t.Errorf("Answer.TopK = %d, want 20", cfg.Answer.TopK)
	}
	if cfg.Chunker.Size != 1000 || cfg.Chunker.Overlap != 200 {
		t.Errorf("Chunker = %+v, want 1000/200", cfg.Chunker)
	}
	if cfg.Ingest.WatchInterval != time.Second || cfg.Ingest.WatchTimeout != 10*time.Minute {
		t.Errorf("Ingest watch = %v/%v, want 1s/10m", cfg.Ingest.WatchInterval, cfg.Ingest.WatchTimeout)
	}
	if cfg.Store.Snapshot != SnapshotFile {
		t.Errorf("Store.Snapshot = %q, want %q", cfg.Store.Snapshot, SnapshotFile)
	}
	if cfg.Storage.DataDir == "" {
		t.Error("Storage.DataDir is empty")
	}
}

func TestYAMLFile(t *testing.T) {
	t.Setenv("NOTEBOOK_TEST_DATA", "/srv/notebook")
	path := writeTempConfig(t, `
server.port: 9000
log.level: debug
storage.data_dir: ${NOTEBOOK_TEST_DATA}/data
ollama.chat_model: llama3.1
embedding.rate_limit: 2.5
answer.timeout: 45s
store.snapshot: sqlite
`)

	cfg, err := loadFromPath(t, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Log.SlogLevel() != slog.LevelDebug {
		t.Errorf("Log.SlogLevel() = %v, want debug", cfg.Log.SlogLevel())
	}
	if cfg.Storage.DataDir != "/srv/notebook/data" {
		t.Errorf("Storage.DataDir = %q, want /srv/notebook/data", cfg.Storage.DataDir)
	}
	if cfg.ChatModel() != "llama3.1" {
		t.Errorf("ChatModel() = %q, want llama3.1", cfg.ChatModel())
	}
	if cfg.Embedding.RateLimit != 2.5 {
		t.Errorf("Embedding.RateLimit = %v, want 2.5", cfg.Embedding.RateLimit)
	}
	if cfg.Answer.Timeout != 45*time.Second {
		t.Errorf("Answer.Timeout = %v, want 45s", cfg.Answer.Timeout)
	}
	if cfg.Store.Snapshot != SnapshotSQLite {
		t.Errorf("Store.Snapshot = %q, want sqlite", cfg.Store.Snapshot)
	}
}

func TestYAMLFile_Malformed(t *testing.T) {
	path := writeTempConfig(t, "server.port: [unclosed\n")
	if _, err := loadFromPath(t, path); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

func TestYAMLFile_BadDuration(t *testing.T) {
	path := writeTempConfig(t, "answer.timeout: soon\n")
	_, err := loadFromPath(t, path)
	if err == nil || !strings.Contains(err.Error(), "answer.timeout") {
		t.Fatalf("err = %v, want error naming answer.timeout", err)
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, "server.port: 9000\nchunker.size: 500\n")

	t.Setenv("NOTEBOOK_SERVER_PORT", "9100")
	t.Setenv("NOTEBOOK_INGEST_WATCH_TIMEOUT", "30s")
	t.Setenv("NOTEBOOK_CHUNKER_OVERLAP", "not-a-number")

	cfg, err := loadFromPath(t, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Chunker.Size != 500 {
		t.Errorf("Chunker.Size = %d, want 500", cfg.Chunker.Size)
	}
	if cfg.Chunker.Overlap != 200 {
		t.Errorf("Chunker.Overlap = %d, want 200 (unparsable env ignored)", cfg.Chunker.Overlap)
	}
	if cfg.Ingest.WatchTimeout != 30*time.Second {
		t.Errorf("Ingest.WatchTimeout = %v, want 30s", cfg.Ingest.WatchTimeout)
	}
}

func TestSecretFromEnvOnly(t *testing.T) {
	path := writeTempConfig(t, "engine.provider: openai\nopenai.api_key: from-file\n")
	t.Setenv("NOTEBOOK_OPENAI_API_KEY", "")

	if _, err := loadFromPath(t, path); err == nil {
		t.Fatal("expected missing API key error when only the file sets it")
	}

	t.Setenv("NOTEBOOK_OPENAI_API_KEY", "sk-env")
	cfg, err := loadFromPath(t, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OpenAI.APIKey != "sk-env" {
		t.Errorf("OpenAI.APIKey = %q, want sk-env", cfg.OpenAI.APIKey)
	}
	if cfg.ChatModel() != "gpt-4o-mini" || cfg.EmbedModel() != "text-embedding-3-large" {
		t.Errorf("models = %q/%q, want the OpenAI defaults", cfg.ChatModel(), cfg.EmbedModel())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"unknown level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"unknown provider", func(c *Config) { c.Engine.Provider = "mlx" }, "engine.provider"},
		{"overlap not below size", func(c *Config) { c.Chunker.Overlap = 1000 }, "chunker.overlap"},
		{"zero concurrency", func(c *Config) { c.Ingest.Concurrency = 0 }, "ingest.concurrency"},
		{"unknown snapshot", func(c *Config) { c.Store.Snapshot = "s3" }, "store.snapshot"},
		{"negative dimension", func(c *Config) { c.Embedding.Dimension = -1 }, "embedding.dimension"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.modify(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not mention %s", err, tt.field)
			}
		})
	}

	cfg := defaults()
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestSetKey(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if err := SetKey("ollama.chat_model", "llama3.1"); err != nil {
		t.Fatalf("SetKey(string): %v", err)
	}
	if err := SetKey("server.port", "9200"); err != nil {
		t.Fatalf("SetKey(int): %v", err)
	}
	if err := SetKey("answer.timeout", "90s"); err != nil {
		t.Fatalf("SetKey(duration): %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ollama.ChatModel != "llama3.1" {
		t.Errorf("Ollama.ChatModel = %q, want llama3.1", cfg.Ollama.ChatModel)
	}
	if cfg.Server.Port != 9200 {
		t.Errorf("Server.Port = %d, want 9200", cfg.Server.Port)
	}
	if cfg.Answer.Timeout != 90*time.Second {
		t.Errorf("Answer.Timeout = %v, want 90s", cfg.Answer.Timeout)
	}
}

func TestSetKey_Rejected(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	tests := []struct {
		name, key, value string
	}{
		{"unknown key", "nope.key", "x"},
		{"secret", "openai.api_key", "sk-123"},
		{"bad int", "server.port", "abc"},
		{"bad duration", "answer.timeout", "later"},
		{"out of range", "server.port", "0"},
		{"bad enum", "store.snapshot", "redis"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := SetKey(tt.key, tt.value); err == nil {
				t.Errorf("SetKey(%q, %q) succeeded, want error", tt.key, tt.value)
			}
		})
	}

	if _, err := os.Stat(FilePath()); !os.IsNotExist(err) {
		t.Errorf("config file written after rejected sets: %v", err)
	}
}

func TestSetKey_ProviderWithoutKeyAllowed(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if err := SetKey("engine.provider", "openai"); err != nil {
		t.Errorf("SetKey(engine.provider, openai) = %v, want nil", err)
	}
}

func TestShowAll_HidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.OpenAI.APIKey = "sk-secret"
	cfg.Server.Token = "tok"

	for _, info := range ShowAll(cfg) {
		if info.Key == "openai.api_key" || info.Key == "server.token" {
			t.Errorf("ShowAll includes secret %s", info.Key)
		}
		if info.Value == "sk-secret" || info.Value == "tok" {
			t.Errorf("ShowAll leaks a secret value under %s", info.Key)
		}
	}

	keys := ValidKeys()
	if len(keys) != len(ShowAll(cfg)) {
		t.Errorf("len(ValidKeys()) = %d, want %d", len(keys), len(ShowAll(cfg)))
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range tests {
		if got := (LogConfig{Level: in}).SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
