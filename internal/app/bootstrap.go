package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"pdfchat/backend/internal/adapter/gemini"
	"pdfchat/backend/internal/adapter/openai"
	"pdfchat/backend/internal/adapter/qdrant"
	wstore "pdfchat/backend/internal/adapter/weaviate"
	"pdfchat/backend/internal/config"
	"pdfchat/backend/internal/embedding"
	"pdfchat/backend/internal/retrieval"
	"pdfchat/backend/internal/vector"
)

type Dependencies struct {
	DB          *sql.DB
	Index       vector.Index
	NSQProducer *nsq.Producer
	Embedder    *embedding.Service
	Completer   retrieval.Completer
}

func (d *Dependencies) Close() {
	if d.NSQProducer != nil {
		d.NSQProducer.Stop()
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			slog.Warn("failed to close db", "error", err)
		}
	}
}

func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
	attempts := max(cfg.BootstrapRetryAttempts, 1)

	// Database
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := Retry(ctx, attempts, retryDelay, "db ping", db.PingContext); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	// Migrations
	if err := runMigrations(db, cfg.MigrationPath); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Vector index
	index, err := NewIndex(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	probe := func(ctx context.Context) error {
		_, err := index.Exists(ctx, cfg.VectorCollection)
		return err
	}
	if err := Retry(ctx, attempts, retryDelay, cfg.VectorBackend+" probe", probe); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("vector index unavailable: %w", err)
	}

	// Models. The embedding model is created lazily on first use.
	factory, err := NewModelFactory(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	embedder := embedding.NewService(factory, embedding.Options{
		Dimension:  cfg.VectorDimension,
		MaxChars:   cfg.EmbeddingMaxChars,
		MaxTokens:  cfg.EmbeddingMaxTokens,
		BatchSize:  cfg.EmbeddingBatchSize,
		BatchPause: cfg.EmbeddingBatchPause,
	})

	completer, err := NewCompleter(ctx, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	// NSQ Producer
	producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("nsq producer error: %w", err)
	}

	createTopics(cfg.NSQDHTTP)

	return &Dependencies{
		DB:          db,
		Index:       index,
		NSQProducer: producer,
		Embedder:    embedder,
		Completer:   completer,
	}, nil
}

func runMigrations(db *sql.DB, path string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(path, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up error: %w", err)
	}
	slog.Info("migrations applied")
	return nil
}

// NewIndex builds the configured vector backend.
func NewIndex(cfg *config.Config) (vector.Index, error) {
	switch cfg.VectorBackend {
	case config.BackendQdrant:
		return qdrant.NewStore(qdrant.Config{URL: cfg.QdrantURL, APIKey: cfg.QdrantAPIKey}), nil
	case config.BackendWeaviate, "":
		client, err := weaviate.NewClient(weaviate.Config{Host: cfg.WeaviateHost, Scheme: cfg.WeaviateScheme})
		if err != nil {
			return nil, fmt.Errorf("weaviate client error: %w", err)
		}
		return wstore.NewStore(client), nil
	default:
		return nil, fmt.Errorf("%w: unknown VECTOR_BACKEND %q", config.ErrInvalid, cfg.VectorBackend)
	}
}

// NewModelFactory returns a factory for the configured embedding provider.
func NewModelFactory(cfg *config.Config) (embedding.ModelFactory, error) {
	switch cfg.EmbeddingProvider {
	case config.ProviderGemini:
		key := cfg.EmbeddingAPIKey
		if key == "" {
			key = cfg.GeminiAPIKey
		}
		model := cfg.EmbeddingModel
		return func(ctx context.Context) (embedding.Model, error) {
			e, err := gemini.NewEmbedder(ctx, key, model)
			if err != nil {
				return nil, err
			}
			return e, nil
		}, nil
	case config.ProviderOpenAI, "":
		oc := openai.Config{BaseURL: cfg.EmbeddingBaseURL, APIKey: cfg.EmbeddingAPIKey, Model: cfg.EmbeddingModel}
		return func(ctx context.Context) (embedding.Model, error) {
			e, err := openai.NewEmbedder(oc)
			if err != nil {
				return nil, err
			}
			return e, nil
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown EMBEDDING_PROVIDER %q", config.ErrInvalid, cfg.EmbeddingProvider)
	}
}

// NewCompleter builds the configured chat completion client.
func NewCompleter(ctx context.Context, cfg *config.Config) (retrieval.Completer, error) {
	switch cfg.CompletionProvider {
	case config.ProviderGemini:
		key := cfg.CompletionAPIKey
		if key == "" {
			key = cfg.GeminiAPIKey
		}
		c, err := gemini.NewCompleter(ctx, key, cfg.CompletionModel, cfg.CompletionMaxTokens)
		if err != nil {
			return nil, fmt.Errorf("gemini completer error: %w", err)
		}
		return c, nil
	case config.ProviderOpenAI, "":
		c, err := openai.NewCompleter(openai.Config{
			BaseURL:   cfg.CompletionBaseURL,
			APIKey:    cfg.CompletionAPIKey,
			Model:     cfg.CompletionModel,
			MaxTokens: cfg.CompletionMaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("openai completer error: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: unknown COMPLETION_PROVIDER %q", config.ErrInvalid, cfg.CompletionProvider)
	}
}

func createTopics(nsqdHTTP string) {
	if nsqdHTTP == "" {
		return
	}
	go func() {
		time.Sleep(2 * time.Second)
		url := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, config.TopicIngestFile)
		resp, err := http.Post(url, "application/json", nil) // #nosec G107 -- URL is built from internal NSQ config, not user input
		if err != nil {
			slog.Warn("failed to create NSQ topic", "topic", config.TopicIngestFile, "error", err)
			return
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close NSQ topic creation response body", "error", closeErr)
		}
	}()
}

// Retry calls fn until it succeeds, attempts run out, or ctx is done.
func Retry(ctx context.Context, attempts int, delay time.Duration, what string, fn func(context.Context) error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i < attempts-1 {
			slog.Warn("dependency not ready, retrying", "dependency", what, "attempt", i+1, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return err
}
