package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kalambet/notebook/internal/answer"
	"github.com/kalambet/notebook/internal/apperr"
)

// ChatMessage is one turn of the conversation sent to POST /chat.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /chat. Only the last message is answered.
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
	FileIDs  []string      `json:"fileIds"`
}

// ChatResponse carries the answer with its citation links.
type ChatResponse struct {
	Message string             `json:"message"`
	Sources []answer.Reference `json:"sources"`
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Messages) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "messages is required and must be non-empty")
			return
		}

		question := req.Messages[len(req.Messages)-1].Content
		ans, err := deps.Answerer.Ask(r.Context(), question, req.FileIDs)
		if errors.Is(err, apperr.ErrInvalidInput) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "last message has no content")
			return
		}
		if err != nil {
			slog.Warn("chat failed", "sources", len(req.FileIDs), "error", err)
			httpError(w, http.StatusBadGateway, "answer_generation_error", "Failed to fetch response")
			return
		}

		if ans.Sources == nil {
			ans.Sources = []answer.Reference{}
		}
		writeJSON(w, http.StatusOK, ChatResponse{Message: ans.Text, Sources: ans.Sources})
	}
}
