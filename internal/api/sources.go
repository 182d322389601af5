package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/notebook/internal/ingest"
	"github.com/kalambet/notebook/internal/storage"
)

// UploadedFile is one entry of the upload response. JobID is null when the
// file was already known.
type UploadedFile struct {
	Name    string  `json:"name"`
	FileID  string  `json:"fileId,omitempty"`
	JobID   *string `json:"jobId"`
	Message string  `json:"message"`
	Error   string  `json:"error,omitempty"`
}

func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxUploadBytes)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		headers := r.MultipartForm.File["files"]
		if len(headers) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no files uploaded")
			return
		}

		files := make([]ingest.File, 0, len(headers))
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "failed to open %s: %v", fh.Filename, err)
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "failed to read %s: %v", fh.Filename, err)
				return
			}
			files = append(files, ingest.File{Name: fh.Filename, Data: data})
		}

		results := deps.Ingester.UploadMany(r.Context(), files)
		jobs := make([]UploadedFile, len(results))
		for i, res := range results {
			jobs[i] = UploadedFile{
				Name:    res.Name,
				FileID:  res.SourceID,
				Message: res.Message,
				Error:   res.Error,
			}
			if res.JobID != "" {
				id := res.JobID
				jobs[i].JobID = &id
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		job, err := deps.Store.GetJob(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, job)
	}
}

func handleListSources(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sources, err := deps.Store.ListSources()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list sources: %v", err)
			return
		}
		if sources == nil {
			sources = []storage.Source{}
		}

		writeJSON(w, http.StatusOK, sources)
	}
}

func handleDeleteSource(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Ingester.RemoveSource(r.Context(), id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "source not found")
			return
		case errors.Is(err, ingest.ErrSourceBusy):
			httpError(w, http.StatusConflict, "conflict", "source is still being ingested")
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete source: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("fileId")
		if id == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "fileId is required")
			return
		}

		chunks, err := deps.Store.GetChunks(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "Document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load document: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"content": chunks})
	}
}
