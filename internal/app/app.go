package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nsqio/go-nsq"

	"pdfchat/backend/features/chat"
	"pdfchat/backend/features/job"
	"pdfchat/backend/features/mcp"
	"pdfchat/backend/features/stats"
	"pdfchat/backend/features/upload"
	"pdfchat/backend/internal/config"
	"pdfchat/backend/internal/document"
	"pdfchat/backend/internal/embedding"
	"pdfchat/backend/internal/middleware"
	"pdfchat/backend/internal/retrieval"
	"pdfchat/backend/internal/vector"
	"pdfchat/backend/internal/worker"
)

// janitorInterval is how often finished jobs past retention are purged.
const janitorInterval = 10 * time.Minute

type App struct {
	Handler http.Handler
	Jobs    *job.Service
	Ingest  *worker.IngestConsumer

	cfg      *config.Config
	queryLog *retrieval.QueryLogger
}

func New(
	cfg *config.Config,
	db *sql.DB,
	index vector.Index,
	pub job.EventPublisher,
	embedder *embedding.Service,
	completer retrieval.Completer,
) (*App, error) {
	metric, err := vector.ParseMetric(cfg.VectorMetric)
	if err != nil {
		return nil, err
	}

	// Feature: Job
	jobRepo := job.NewPostgresRepo(db)
	jobService := job.NewService(jobRepo, pub, job.WithAssumeCompleted(cfg.JobStatusAssumeCompleted))
	jobHandler := job.NewHandler(jobService)

	// Feature: Upload
	uploadHandler := upload.NewHandler(jobService, cfg.UploadDir, cfg.MaxUploadSizeMB<<20)

	// Feature: Retrieval & Chat
	queryLog, err := retrieval.OpenQueryLogger(cfg.QueryLogPath)
	if err != nil {
		slog.Warn("failed to open query log file, logging to stdout only", "error", err)
		queryLog, _ = retrieval.OpenQueryLogger("")
	}
	retrievalService := retrieval.NewService(embedder, index, completer, cfg.VectorCollection, cfg.RetrievalTopK, queryLog)
	chatHandler := chat.NewHandler(retrievalService)

	// Feature: MCP tools
	mcpHandler := mcp.NewHandler(retrievalService, jobService)

	// Feature: Stats
	statsHandler := stats.NewHandler(retrievalService, jobService, embedder)

	// Worker
	ingest := worker.NewIngestConsumer(jobRepo, document.NewLoader(), embedder, index, worker.Options{
		Collection:      cfg.VectorCollection,
		Metric:          metric,
		ChunkSize:       cfg.ChunkSize,
		ChunkOverlap:    cfg.ChunkOverlap,
		PageBatchSize:   cfg.PageBatchSize,
		SplitPause:      cfg.SplitPause,
		IndexBatchSize:  cfg.IndexBatchSize,
		IndexBatchPause: cfg.IndexBatchPause,
		LeaseDuration:   cfg.JobLeaseDuration,
		LeaseRenew:      cfg.JobLeaseRenew,
	})

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+middleware.HeaderCorrelationID)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}
	route := func(h http.HandlerFunc) http.Handler {
		return middleware.CorrelationID(enableCORS(h))
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("POST /upload/pdf", route(uploadHandler.Upload))

	mux.Handle("GET /job-status/{id}", route(jobHandler.Status))
	mux.Handle("GET /jobs/failed", route(jobHandler.ListFailed))
	mux.Handle("POST /jobs/{id}/retry", route(jobHandler.Retry))

	mux.Handle("POST /chat", route(chatHandler.Post))
	mux.Handle("GET /chat", route(chatHandler.Get))

	mux.Handle("GET /check-data", route(statsHandler.CheckData))
	mux.Handle("GET /stats", route(statsHandler.GetStats))
	mux.Handle("GET /test-embeddings", route(statsHandler.TestEmbeddings))

	mux.Handle("POST /mcp", middleware.CorrelationID(mcpHandler))
	mux.Handle("GET /mcp/sse", route(mcpHandler.HandleSSE))
	mux.Handle("POST /mcp/messages", route(mcpHandler.HandleMessage))

	// Preflight for every route.
	mux.Handle("OPTIONS /", route(func(w http.ResponseWriter, r *http.Request) {}))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return &App{
		Handler:  mux,
		Jobs:     jobService,
		Ingest:   ingest,
		cfg:      cfg,
		queryLog: queryLog,
	}, nil
}

// Run starts the enabled roles and blocks until ctx is done or the server
// fails.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		if err := a.queryLog.Close(); err != nil {
			slog.Warn("failed to close query log", "error", err)
		}
	}()

	go a.Jobs.RunJanitor(ctx, a.cfg.JobRetention, janitorInterval)

	if a.cfg.EnableIngestWorker {
		consumer, err := worker.StartIngestConsumer(worker.ConsumerConfig{
			Topic:       config.TopicIngestFile,
			Channel:     config.ChannelIngestWorker,
			Lookupd:     a.cfg.NSQLookupd,
			Lease:       a.cfg.JobLeaseDuration,
			MaxAttempts: a.cfg.JobMaxAttempts,
		}, a.Ingest)
		if err != nil {
			return err
		}
		defer stopConsumer(consumer)
	}

	if !a.cfg.EnableAPI {
		slog.Info("api disabled, running worker only")
		<-ctx.Done()
		return nil
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.ServerPort),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.cfg.ServerPort)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func stopConsumer(c *nsq.Consumer) {
	c.Stop()
	select {
	case <-c.StopChan:
	case <-time.After(30 * time.Second):
		slog.Warn("timed out waiting for ingest consumer to stop")
	}
}
