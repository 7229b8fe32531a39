package worker

import (
	"context"
	"time"

	"pdfchat/backend/features/job"
	"pdfchat/backend/internal/document"
	"pdfchat/backend/internal/embedding"
)

// JobStore is the part of job.Repository the worker drives.
type JobStore interface {
	Get(ctx context.Context, id string) (*job.Job, error)
	Start(ctx context.Context, id string, leaseUntil time.Time) (bool, error)
	Advance(ctx context.Context, id string, stage job.Stage, progress int) error
	RenewLease(ctx context.Context, id string, leaseUntil time.Time) error
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, reason string) error
}

type DocumentLoader interface {
	Load(ctx context.Context, path string) ([]document.Page, error)
}

type Embedder interface {
	Init(ctx context.Context) (embedding.Model, error)
	EmbedBatch(ctx context.Context, texts []string) (*embedding.Batch, error)
	Dimension() int
}
