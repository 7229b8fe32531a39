package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nsqio/go-nsq"

	"pdfchat/backend/features/job"
	"pdfchat/backend/internal/document"
	"pdfchat/backend/internal/embedding"
	"pdfchat/backend/internal/middleware"
	"pdfchat/backend/internal/text"
	"pdfchat/backend/internal/vector"
)

const (
	reasonNoChunksIndexed = "no chunks could be indexed"
	reasonMaxAttempts     = "exceeded maximum delivery attempts"
)

type Options struct {
	Collection      string
	Metric          vector.Metric
	ChunkSize       int
	ChunkOverlap    int
	PageBatchSize   int
	SplitPause      time.Duration
	IndexBatchSize  int
	IndexBatchPause time.Duration
	LeaseDuration   time.Duration
	LeaseRenew      time.Duration
}

func (o *Options) defaults() {
	if o.Metric == "" {
		o.Metric = vector.MetricCosine
	}
	if o.PageBatchSize <= 0 {
		o.PageBatchSize = 5
	}
	if o.IndexBatchSize <= 0 {
		o.IndexBatchSize = 2
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 5 * time.Minute
	}
	if o.LeaseRenew <= 0 || o.LeaseRenew >= o.LeaseDuration {
		o.LeaseRenew = o.LeaseDuration / 2
	}
}

// IngestConsumer runs one uploaded document through load, split, embed and
// index, recording each checkpoint on the job.
type IngestConsumer struct {
	jobs     JobStore
	loader   DocumentLoader
	embedder Embedder
	index    vector.Index
	opts     Options
}

func NewIngestConsumer(jobs JobStore, loader DocumentLoader, embedder Embedder, index vector.Index, opts Options) *IngestConsumer {
	opts.defaults()
	return &IngestConsumer{
		jobs:     jobs,
		loader:   loader,
		embedder: embedder,
		index:    index,
		opts:     opts,
	}
}

// failure is a job-level error: the job is marked failed with reason.
type failure struct {
	reason string
}

func (f *failure) Error() string { return f.reason }

func fail(format string, args ...interface{}) error {
	return &failure{reason: fmt.Sprintf(format, args...)}
}

func decode(m *nsq.Message) (job.Message, context.Context, error) {
	var payload job.Message
	ctx := context.Background()
	if err := json.Unmarshal(m.Body, &payload); err != nil {
		return payload, ctx, err
	}
	if payload.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, payload.CorrelationID)
	}
	if payload.JobID == "" {
		return payload, ctx, errors.New("missing job_id")
	}
	return payload, middleware.WithJobID(ctx, payload.JobID), nil
}

func (c *IngestConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	payload, ctx, err := decode(m)
	if err != nil {
		// Poison Pill: don't retry
		slog.ErrorContext(ctx, "poison pill: invalid ingest message", "error", err)
		return nil
	}

	j, err := c.jobs.Get(ctx, payload.JobID)
	if errors.Is(err, job.ErrNotFound) {
		slog.WarnContext(ctx, "job no longer exists, dropping message")
		return nil
	}
	if err != nil {
		return err // Retry
	}
	if j.State.Terminal() {
		slog.InfoContext(ctx, "job already finished, skipping", "state", j.State)
		return nil
	}

	started, err := c.jobs.Start(ctx, payload.JobID, time.Now().Add(c.opts.LeaseDuration))
	if err != nil {
		return err // Retry
	}
	if !started {
		slog.InfoContext(ctx, "job changed state before start, skipping")
		return nil
	}

	slog.InfoContext(ctx, "ingestion started", "file", payload.FileName, "attempt", m.Attempts)

	stop := heartbeat(ctx, m, c.jobs, payload.JobID, c.opts.LeaseDuration, c.opts.LeaseRenew)
	err = c.run(ctx, payload)
	stop()

	var f *failure
	switch {
	case err == nil:
		if err := c.jobs.MarkCompleted(ctx, payload.JobID); err != nil {
			return err // Retry
		}
		slog.InfoContext(ctx, "ingestion completed", "file", payload.FileName)
		return nil
	case errors.As(err, &f):
		slog.ErrorContext(ctx, "ingestion failed", "file", payload.FileName, "error", f.reason)
		if err := c.jobs.MarkFailed(ctx, payload.JobID, f.reason); err != nil {
			return err // Retry
		}
		return nil
	default:
		slog.ErrorContext(ctx, "ingestion interrupted, requeueing", "error", err)
		return err
	}
}

// LogFailedMessage is called by go-nsq once a message exceeds MaxAttempts.
func (c *IngestConsumer) LogFailedMessage(m *nsq.Message) {
	payload, ctx, err := decode(m)
	if err != nil {
		slog.ErrorContext(ctx, "dropping undeliverable message", "error", err)
		return
	}
	slog.ErrorContext(ctx, "job exceeded delivery attempts", "attempts", m.Attempts)
	if err := c.jobs.MarkFailed(ctx, payload.JobID, reasonMaxAttempts); err != nil {
		slog.ErrorContext(ctx, "failed to mark job failed", "error", err)
	}
}

func (c *IngestConsumer) run(ctx context.Context, payload job.Message) error {
	t := &tracker{jobs: c.jobs, id: payload.JobID}

	// Loading
	if err := t.advance(ctx, job.StageLoading, 20); err != nil {
		return err
	}
	pages, err := c.loader.Load(ctx, payload.Path)
	if err != nil {
		return fail("failed to load document: %v", err)
	}
	if err := t.advance(ctx, job.StageLoading, 30); err != nil {
		return err
	}

	// Splitting
	chunks, err := c.split(ctx, t, payload.JobID, pages)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "document split", "pages", len(pages), "chunks", len(chunks))

	// Embedding
	if err := t.advance(ctx, job.StageEmbedding, 60); err != nil {
		return err
	}
	if _, err := c.embedder.Init(ctx); err != nil {
		return fail("embedding model unavailable: %v", err)
	}
	if err := t.advance(ctx, job.StageEmbedding, 65); err != nil {
		return err
	}
	embedded, err := c.embed(ctx, chunks)
	if err != nil {
		return err
	}

	// Indexing
	if err := c.index.EnsureFreshCollection(ctx, c.opts.Collection, c.embedder.Dimension(), c.opts.Metric); err != nil {
		return fail("failed to prepare collection: %v", err)
	}
	if err := t.advance(ctx, job.StageIndexing, 70); err != nil {
		return err
	}
	if len(chunks) == 0 {
		slog.WarnContext(ctx, "document produced no chunks")
		return t.advance(ctx, job.StageIndexing, 95)
	}

	return c.indexChunks(ctx, t, payload, chunks, embedded)
}

// embed runs every chunk through the embedding service, which applies its
// own batch size and pause. Zero vectors stand in for failed items; a
// document where nothing embeds fails before the collection is touched.
func (c *IngestConsumer) embed(ctx context.Context, chunks []text.Chunk) (*embedding.Batch, error) {
	if len(chunks) == 0 {
		return &embedding.Batch{}, nil
	}
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}

	batch, err := c.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fail("embedding failed: %v", err)
	}
	if n := batch.Embedded(); n < len(chunks) {
		slog.WarnContext(ctx, "some chunks fell back to zero vectors", "embedded", n, "total_chunks", len(chunks))
	}
	return batch, nil
}

func (c *IngestConsumer) split(ctx context.Context, t *tracker, sourceID string, pages []document.Page) ([]text.Chunk, error) {
	var chunks []text.Chunk
	size := c.opts.PageBatchSize
	for start := 0; start < len(pages); start += size {
		end := min(start+size, len(pages))
		chunks = append(chunks, text.ChunkPages(sourceID, pages[start:end], c.opts.ChunkSize, c.opts.ChunkOverlap, len(chunks))...)

		if err := t.advance(ctx, job.StageSplitting, splitProgress(end, len(pages))); err != nil {
			return nil, err
		}
		if end < len(pages) {
			if err := pause(ctx, c.opts.SplitPause); err != nil {
				return nil, err
			}
		}
	}
	if err := t.advance(ctx, job.StageSplitting, 50); err != nil {
		return nil, err
	}
	return chunks, nil
}

func (c *IngestConsumer) indexChunks(ctx context.Context, t *tracker, payload job.Message, chunks []text.Chunk, embedded *embedding.Batch) error {
	size := c.opts.IndexBatchSize
	indexed, failed := 0, 0

	for start := 0; start < len(chunks); start += size {
		if start > 0 {
			if err := pause(ctx, c.opts.IndexBatchPause); err != nil {
				return err
			}
		}
		end := min(start+size, len(chunks))

		records := make([]vector.Record, 0, end-start)
		usable := 0
		for i := start; i < end; i++ {
			ch := chunks[i]
			records = append(records, vector.Record{
				ID:     vector.RecordID(ch.SourceID, ch.Ordinal),
				Vector: embedded.Vectors[i],
				Payload: vector.Payload{
					Text:       ch.Text,
					SourceID:   ch.SourceID,
					FileName:   payload.FileName,
					Ordinal:    ch.Ordinal,
					PageNumber: ch.PageNumber,
				},
			})
			if !embedded.FellBack[i] {
				usable++
			}
		}

		if err := c.index.UpsertBatch(ctx, c.opts.Collection, records); err != nil {
			failed++
			slog.WarnContext(ctx, "index batch failed, skipping", "batch", start/size, "error", err)
		} else {
			indexed += usable
		}

		progress := indexProgress(end, len(chunks))
		if start == 0 {
			progress = 75
		}
		if err := t.advance(ctx, job.StageIndexing, progress); err != nil {
			return err
		}
	}

	// Zero vectors alone are not a usable index.
	if indexed == 0 {
		return fail(reasonNoChunksIndexed)
	}
	if failed > 0 {
		slog.WarnContext(ctx, "some index batches failed", "failed_batches", failed, "indexed_chunks", indexed, "total_chunks", len(chunks))
	}
	return t.advance(ctx, job.StageIndexing, 95)
}
