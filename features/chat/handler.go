package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"pdfchat/backend/internal/middleware"
	"pdfchat/backend/internal/retrieval"
)

type Answerer interface {
	Answer(ctx context.Context, question string) (*retrieval.Answer, error)
}

type Handler struct {
	service Answerer
}

func NewHandler(s Answerer) *Handler {
	return &Handler{service: s}
}

type chatRequest struct {
	Query string `json:"query"`
}

// Post answers {"query": "..."}.
func (h *Handler) Post(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(r.Context(), w, "BAD_REQUEST", "Invalid JSON", http.StatusBadRequest)
		return
	}
	h.answer(w, r, req.Query)
}

// Get answers ?message=... for simple clients.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	h.answer(w, r, r.URL.Query().Get("message"))
}

func (h *Handler) answer(w http.ResponseWriter, r *http.Request, question string) {
	ctx := r.Context()

	answer, err := h.service.Answer(ctx, question)
	if err != nil {
		if errors.Is(err, retrieval.ErrEmptyQuestion) {
			h.writeError(ctx, w, "BAD_REQUEST", "Query is required", http.StatusBadRequest)
			return
		}
		slog.ErrorContext(ctx, "chat request failed", "error", err)
		h.writeError(ctx, w, "UPSTREAM_ERROR", "Failed to generate a response", http.StatusBadGateway)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": answer})
}

func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	h.writeJSON(ctx, w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	})
}
