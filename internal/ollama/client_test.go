package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// tagsJSON builds a /api/tags response with the given model names.
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

func TestIsRunning_Up(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.2:latest"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	if !c.IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}
}

func TestIsRunning_Down(t *testing.T) {
	// Point at a closed server to simulate connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := New(srv.URL)
	if c.IsRunning(context.Background()) {
		t.Error("IsRunning() = true, want false")
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.2:latest", "mistral-nemo:latest", "nomic-embed-text:latest"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}

	if len(models) != 3 {
		t.Fatalf("got %d models, want 3", len(models))
	}

	want := []string{"llama3.2:latest", "mistral-nemo:latest", "nomic-embed-text:latest"}
	for i, w := range want {
		if models[i] != w {
			t.Errorf("models[%d] = %q, want %q", i, models[i], w)
		}
	}
}

func TestHasModel_Present(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.2:latest", "mistral-nemo:latest"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	if !c.HasModel(context.Background(), "llama3.2") {
		t.Error("HasModel(llama3.2) = false, want true")
	}
}

func TestHasModel_Absent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("mistral-nemo:latest"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	if c.HasModel(context.Background(), "llama3.2") {
		t.Error("HasModel(llama3.2) = true, want false")
	}
}

func TestChat_PlainText(t *testing.T) {
	var captured chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&captured)
		resp := chatResponse{
			Message: Message{Role: "assistant", Content: "The report covers Q3 [source:1]."},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL)
	result, err := c.Chat(context.Background(), "llama3.2", []Message{
		{Role: "system", Content: "context"},
		{Role: "user", Content: "What does the report cover?"},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if result != "The report covers Q3 [source:1]." {
		t.Errorf("result = %q", result)
	}
	if captured.Stream {
		t.Error("Stream = true, want false")
	}
	if len(captured.Messages) != 2 || captured.Messages[0].Role != "system" {
		t.Errorf("messages = %+v, want system then user", captured.Messages)
	}
	if captured.Options == nil || captured.Options.Temperature != 0 {
		t.Errorf("options = %+v, want temperature 0", captured.Options)
	}
}

func TestChat_ErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model \"missing\" not found"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Chat(context.Background(), "missing", []Message{{Role: "user", Content: "hi"}})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), `model "missing" not found`) {
		t.Errorf("error = %q, want upstream message", err)
	}
}

func TestEmbed(t *testing.T) {
	var captured embedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&captured)
		resp := embedResponse{
			Embeddings: [][]float32{{0.1, 0.2, 0.3}, {0.4, 0.5, 0.6}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL)
	vecs, err := c.Embed(context.Background(), "nomic-embed-text", []string{"hello", "world"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	if len(captured.Input) != 2 || captured.Input[1] != "world" {
		t.Errorf("input = %q, want [hello world]", captured.Input)
	}
	if len(vecs) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vecs))
	}
	want := []float32{0.4, 0.5, 0.6}
	for i, w := range want {
		if vecs[1][i] != w {
			t.Errorf("vecs[1][%d] = %f, want %f", i, vecs[1][i], w)
		}
	}
}

func TestEmbed_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0.1}}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	if _, err := c.Embed(context.Background(), "m", []string{"a", "b"}); err == nil {
		t.Fatal("expected error for count mismatch, got nil")
	}
}

func TestPullModel_Progress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pull" {
			http.NotFound(w, r)
			return
		}

		var reqBody pullRequest
		json.NewDecoder(r.Body).Decode(&reqBody)
		if reqBody.Name != "nomic-embed-text" {
			t.Errorf("pull model = %q, want %q", reqBody.Name, "nomic-embed-text")
		}

		// Stream progress lines as newline-delimited JSON.
		enc := json.NewEncoder(w)
		enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 500})
		enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 1000})
		enc.Encode(PullProgress{Status: "success"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	var progressCount int
	err := c.PullModel(context.Background(), "nomic-embed-text", func(p PullProgress) {
		progressCount++
	})
	if err != nil {
		t.Fatalf("PullModel: %v", err)
	}

	if progressCount != 3 {
		t.Errorf("received %d progress updates, want 3", progressCount)
	}
}
