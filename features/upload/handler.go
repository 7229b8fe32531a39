package upload

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"pdfchat/backend/features/job"
	"pdfchat/backend/internal/document"
	"pdfchat/backend/internal/middleware"
)

// DefaultMaxBytes caps an upload at 50 MB.
const DefaultMaxBytes int64 = 50 << 20

// Destination is recorded on every job so workers know where the file lives.
const Destination = "uploads"

// formFields are tried in order; "pdf" is what the upload form sends.
var formFields = []string{"pdf", "file"}

type Enqueuer interface {
	Enqueue(ctx context.Context, fileName, destination, path string) (*job.Job, error)
}

type Handler struct {
	jobs     Enqueuer
	dir      string
	maxBytes int64
}

func NewHandler(jobs Enqueuer, dir string, maxBytes int64) *Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Handler{jobs: jobs, dir: dir, maxBytes: maxBytes}
}

// Upload saves the multipart file under the upload dir and enqueues an
// ingestion job for it.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)

	if err := r.ParseMultipartForm(h.maxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(ctx, w, "PAYLOAD_TOO_LARGE", "File too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.writeError(ctx, w, "BAD_REQUEST", "Invalid multipart form", http.StatusBadRequest)
		return
	}

	file, header, err := formFile(r)
	if err != nil {
		h.writeError(ctx, w, "BAD_REQUEST", "No file uploaded", http.StatusBadRequest)
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if !document.Supported(filepath.Ext(name)) {
		h.writeError(ctx, w, "BAD_REQUEST", "Unsupported file type", http.StatusBadRequest)
		return
	}

	path, sum, err := h.save(file, name)
	if err != nil {
		slog.ErrorContext(ctx, "failed to save upload", "error", err, "file", name)
		h.writeError(ctx, w, "INTERNAL_ERROR", "Failed to save file", http.StatusInternalServerError)
		return
	}
	slog.InfoContext(ctx, "file uploaded", "file", name, "path", path, "sha256", sum, "size", header.Size)

	j, err := h.jobs.Enqueue(ctx, name, Destination, path)
	if err != nil {
		slog.ErrorContext(ctx, "failed to enqueue ingestion job", "error", err, "file", name)
		if removeErr := os.Remove(path); removeErr != nil { // #nosec G703 -- path is UUID-based, not raw user input
			slog.WarnContext(ctx, "failed to clean up uploaded file", "error", removeErr, "path", path)
		}
		h.writeError(ctx, w, "INTERNAL_ERROR", "Failed to enqueue file", http.StatusInternalServerError)
		return
	}

	h.writeJSON(ctx, w, http.StatusAccepted, map[string]interface{}{
		"data": map[string]string{
			"jobId":    j.ID,
			"fileName": name,
			"message":  "File uploaded and queued for processing",
		},
	})
}

func formFile(r *http.Request) (multipart.File, *multipart.FileHeader, error) {
	var lastErr error
	for _, field := range formFields {
		f, h, err := r.FormFile(field)
		if err == nil {
			return f, h, nil
		}
		lastErr = err
	}
	return nil, nil, lastErr
}

// save copies src to a unique file under the upload dir and returns its path
// and sha256.
func (h *Handler) save(src io.Reader, name string) (string, string, error) {
	if err := os.MkdirAll(h.dir, 0o750); err != nil {
		return "", "", fmt.Errorf("create upload directory: %w", err)
	}

	path := filepath.Clean(filepath.Join(h.dir, fmt.Sprintf("%s_%s", uuid.New().String(), name)))
	dst, err := os.Create(path) // #nosec G304 -- path is constructed from UUID + sanitized basename, not user-controlled
	if err != nil {
		return "", "", err
	}
	defer dst.Close()

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(dst, hash), src); err != nil {
		_ = os.Remove(path)
		return "", "", err
	}
	return path, fmt.Sprintf("%x", hash.Sum(nil)), nil
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
