package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"pdfchat/backend/features/job"
	"pdfchat/backend/internal/middleware"
)

type IndexStats interface {
	HasData(ctx context.Context) bool
	Count(ctx context.Context) (int, error)
}

type JobCounter interface {
	Counts(ctx context.Context) (map[job.State]int, error)
}

type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// testSentence is embedded by TestEmbeddings.
const testSentence = "This is a test sentence for the embedding model."

type Handler struct {
	index    IndexStats
	jobs     JobCounter
	embedder Embedder
}

func NewHandler(index IndexStats, jobs JobCounter, embedder Embedder) *Handler {
	return &Handler{index: index, jobs: jobs, embedder: embedder}
}

type StatsResponse struct {
	Records       int `json:"records"`
	WaitingJobs   int `json:"waiting_jobs"`
	ActiveJobs    int `json:"active_jobs"`
	CompletedJobs int `json:"completed_jobs"`
	FailedJobs    int `json:"failed_jobs"`
}

// CheckData reports whether anything has been indexed yet.
func (h *Handler) CheckData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hasData := h.index.HasData(ctx)
	slog.InfoContext(ctx, "checked index data", "has_data", hasData)
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"data": map[string]bool{"hasData": hasData},
	})
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	slog.InfoContext(ctx, "getting stats")

	records, err := h.index.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count records", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count records", http.StatusInternalServerError)
		return
	}

	counts, err := h.jobs.Counts(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count jobs", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count jobs", http.StatusInternalServerError)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": StatsResponse{
		Records:       records,
		WaitingJobs:   counts[job.StateWaiting],
		ActiveJobs:    counts[job.StateActive],
		CompletedJobs: counts[job.StateCompleted],
		FailedJobs:    counts[job.StateFailed],
	}})
}

// TestEmbeddings loads the embedding model and embeds a fixed sentence.
func (h *Handler) TestEmbeddings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	vec, err := h.embedder.EmbedQuery(ctx, testSentence)
	if err != nil {
		slog.ErrorContext(ctx, "embedding test failed", "error", err)
		h.writeError(ctx, w, "EMBEDDING_ERROR", err.Error(), http.StatusBadGateway)
		return
	}

	slog.InfoContext(ctx, "embedding test succeeded", "length", len(vec))
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": map[string]interface{}{
		"success":           true,
		"embeddingLength":   len(vec),
		"expectedDimension": h.embedder.Dimension(),
		"embeddingSample":   vec[:min(5, len(vec))],
	}})
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
