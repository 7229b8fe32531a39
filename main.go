package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"pdfchat/backend/internal/app"
	"pdfchat/backend/internal/config"
	"pdfchat/backend/internal/logger"
)

func main() {
	// Initialize structured logger
	slog.SetDefault(slog.New(logger.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil))))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("app exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	application, err := app.New(cfg, deps.DB, deps.Index, deps.NSQProducer, deps.Embedder, deps.Completer)
	if err != nil {
		return err
	}

	slog.Info("starting", "api", cfg.EnableAPI, "ingest_worker", cfg.EnableIngestWorker, "vector_backend", cfg.VectorBackend)
	return application.Run(ctx)
}
