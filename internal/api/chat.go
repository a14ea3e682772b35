package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/propbot/propbot/internal/chat"
)

// maxChatBodyBytes bounds chat request bodies.
const maxChatBodyBytes = 64 << 10

// ChatService answers chat turns; *chat.Service satisfies it.
type ChatService interface {
	Answer(ctx context.Context, req chat.Request) (chat.Response, error)
}

// chatHandler serves the chat endpoint.
type chatHandler struct {
	chat   ChatService
	logger *slog.Logger
}

// send serves POST /api/v1/chat.
func (h *chatHandler) send(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBodyBytes)

	var req chat.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be valid JSON")
		return
	}
	if req.Satisfaction != nil && (*req.Satisfaction < 0 || *req.Satisfaction > 1) {
		writeError(w, http.StatusBadRequest, "invalid_satisfaction", "satisfaction must be in [0,1]")
		return
	}

	resp, err := h.chat.Answer(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, chat.ErrEmptyQuery):
		writeError(w, http.StatusBadRequest, "empty_query", "query must not be empty")
	case errors.Is(err, chat.ErrGenerationFailed):
		h.logger.Error("chat generation failed", "error", err)
		writeError(w, http.StatusBadGateway, "generation_failed", "answer generation failed")
	default:
		h.logger.Error("chat request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "chat_failed", "failed to answer query")
	}
}
