// Package api exposes the notebook over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/notebook/internal/answer"
	"github.com/kalambet/notebook/internal/ingest"
	"github.com/kalambet/notebook/internal/storage"
)

const (
	maxRequestBodySize    = 1 << 20  // 1MB
	defaultMaxUploadBytes = 50 << 20 // 50MB per request
	multipartMemory       = 32 << 20
)

// Ingester accepts uploads and removes sources.
type Ingester interface {
	Upload(ctx context.Context, name string, data []byte) (ingest.UploadResult, error)
	UploadMany(ctx context.Context, files []ingest.File) []ingest.UploadResult
	RemoveSource(ctx context.Context, id string) error
}

// Asker answers questions against a set of sources.
type Asker interface {
	Ask(ctx context.Context, question string, allowed []string) (answer.Answer, error)
}

// IndexStats reports the size of the vector index.
type IndexStats interface {
	Len() int
	Dimension() int
}

type Deps struct {
	Store    *storage.Store
	Ingester Ingester
	Answerer Asker
	Index    IndexStats   // optional; omitted from /status when nil
	Events   http.Handler // optional; mounted at GET /events
	Token    string       // optional bearer token

	// MaxUploadBytes bounds a whole upload request; <= 0 means 50MB.
	MaxUploadBytes int64
}

// NewHandler returns the notebook REST API.
func NewHandler(deps Deps) http.Handler {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = defaultMaxUploadBytes
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/status", handleStatus(deps))
		r.Post("/upload", handleUpload(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Get("/sources", handleListSources(deps))
		r.Delete("/sources/{id}", handleDeleteSource(deps))
		r.Get("/document", handleDocument(deps))
		r.Post("/chat", handleChat(deps))
		if deps.Events != nil {
			r.Get("/events", deps.Events.ServeHTTP)
		}
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// Status is the body of GET /status.
type Status struct {
	Jobs      map[storage.JobState]int `json:"jobs"`
	Sources   int                      `json:"sources"`
	Vectors   int                      `json:"vectors"`
	Dimension int                      `json:"dimension"`
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Store.CountJobs()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count jobs: %v", err)
			return
		}
		sources, err := deps.Store.ListSources()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list sources: %v", err)
			return
		}

		st := Status{Jobs: counts, Sources: len(sources)}
		if deps.Index != nil {
			st.Vectors = deps.Index.Len()
			st.Dimension = deps.Index.Dimension()
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
