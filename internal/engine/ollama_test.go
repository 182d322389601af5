package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func tagsJSON(names ...string) []byte {
	type entry struct {
		Name string `json:"name"`
	}
	type resp struct {
		Models []entry `json:"models"`
	}
	r := resp{}
	for _, n := range names {
		r.Models = append(r.Models, entry{Name: n})
	}
	b, _ := json.Marshal(r)
	return b
}

func TestOllamaEngine_ChatSendsSystemAndUser(t *testing.T) {
	var got struct {
		Model    string    `json:"model"`
		Messages []Message `json:"messages"`
		Stream   bool      `json:"stream"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": "It is 42 [source:1]."},
		})
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL)
	result, err := e.Chat(context.Background(), "mistral-nemo", []Message{
		{Role: "system", Content: "Answer from the context."},
		{Role: "user", Content: "what is it?"},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if result != "It is 42 [source:1]." {
		t.Errorf("Chat = %q, want %q", result, "It is 42 [source:1].")
	}
	if got.Model != "mistral-nemo" || got.Stream {
		t.Errorf("request model = %q stream = %v, want mistral-nemo without streaming", got.Model, got.Stream)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "what is it?" {
		t.Errorf("request messages = %+v", got.Messages)
	}
}

// embedServer answers /api/embed with one vector per input whose first
// component is the input's position. extra adds that many surplus vectors.
func embedServer(t *testing.T, extra int, inputs *[]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if inputs != nil {
			*inputs = req.Input
		}
		vecs := make([][]float32, 0, len(req.Input)+extra)
		for i := range len(req.Input) + extra {
			vecs = append(vecs, []float32{float32(i), 1, 0})
		}
		json.NewEncoder(w).Encode(map[string]any{"embeddings": vecs})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaEngine_EmbedBatchKeepsOrder(t *testing.T) {
	var sent []string
	srv := embedServer(t, 0, &sent)

	texts := []string{"alpha", "beta", "gamma", "delta"}
	vecs, err := NewOllamaEngine(srv.URL).Embed(context.Background(), "nomic-embed-text", texts)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	if len(sent) != len(texts) {
		t.Fatalf("server received %d inputs in one call, want %d", len(sent), len(texts))
	}
	if len(vecs) != len(texts) {
		t.Fatalf("got %d vectors, want %d", len(vecs), len(texts))
	}
	for i, v := range vecs {
		if sent[i] != texts[i] {
			t.Errorf("input %d = %q, want %q", i, sent[i], texts[i])
		}
		if v[0] != float32(i) {
			t.Errorf("vector %d belongs to input %v", i, v[0])
		}
	}
}

func TestOllamaEngine_EmbedCountMismatch(t *testing.T) {
	srv := embedServer(t, 1, nil)

	_, err := NewOllamaEngine(srv.URL).Embed(context.Background(), "nomic-embed-text", []string{"a", "b"})
	if err == nil {
		t.Fatal("expected error for surplus embeddings")
	}
	if !strings.Contains(err.Error(), "got 3 embeddings for 2 inputs") {
		t.Errorf("error = %q, want it to report the count mismatch", err)
	}
}

func TestOllamaEngine_EmbedUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model \"nomic-embed-text\" not found, try pulling it first"}`))
	}))
	defer srv.Close()

	_, err := NewOllamaEngine(srv.URL).Embed(context.Background(), "nomic-embed-text", []string{"a"})
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "try pulling it first") {
		t.Errorf("error = %q, want Ollama's message", err)
	}
}

func TestOllamaEngine_IsRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("nomic-embed-text:latest"))
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL)
	if !e.IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}
}

func TestOllamaEngine_IsRunning_Down(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	e := NewOllamaEngine(srv.URL)
	if e.IsRunning(context.Background()) {
		t.Error("IsRunning() = true, want false")
	}
}

func TestOllamaEngine_HasModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("nomic-embed-text:latest", "mistral-nemo:12b"))
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL)
	tests := []struct {
		name string
		want bool
	}{
		{"nomic-embed-text", true},
		{"mistral-nemo:12b", true},
		{"mistral", false},
		{"text-embedding-3-large", false},
	}
	for _, tt := range tests {
		if got := e.HasModel(context.Background(), tt.name); got != tt.want {
			t.Errorf("HasModel(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestOllamaEngine_PullModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pull" {
			http.NotFound(w, r)
			return
		}
		enc := json.NewEncoder(w)
		enc.Encode(map[string]any{"status": "downloading", "total": 1000, "completed": 500})
		enc.Encode(map[string]any{"status": "downloading", "total": 1000, "completed": 1000})
		enc.Encode(map[string]any{"status": "success"})
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL)
	var progressCount int
	err := e.PullModel(context.Background(), "nomic-embed-text", func(p PullProgress) {
		progressCount++
	})
	if err != nil {
		t.Fatalf("PullModel: %v", err)
	}
	if progressCount != 3 {
		t.Errorf("received %d progress updates, want 3", progressCount)
	}
}
