package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalid         = errors.New("invalid configuration")
)

const (
	BackendWeaviate = "weaviate"
	BackendQdrant   = "qdrant"

	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"pdfchat"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"pdfchat"`

	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Queue
	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	// Jobs. The lease must outlast the slowest batch; the worker touches the
	// message every JobLeaseRenew while a job runs.
	JobLeaseDuration         time.Duration `envconfig:"JOB_LEASE_DURATION" default:"5m"`
	JobLeaseRenew            time.Duration `envconfig:"JOB_LEASE_RENEW" default:"150s"`
	JobMaxAttempts           uint16        `envconfig:"JOB_MAX_ATTEMPTS" default:"3"`
	JobRetention             time.Duration `envconfig:"JOB_RETENTION" default:"24h"`
	JobStatusAssumeCompleted bool          `envconfig:"JOB_STATUS_ASSUME_COMPLETED" default:"false"`

	// Vector index
	VectorBackend    string `envconfig:"VECTOR_BACKEND" default:"weaviate"`
	WeaviateHost     string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme   string `envconfig:"WEAVIATE_SCHEME" default:"http"`
	QdrantURL        string `envconfig:"QDRANT_URL" default:"http://localhost:6333"`
	QdrantAPIKey     string `envconfig:"QDRANT_API_KEY"`
	VectorCollection string `envconfig:"VECTOR_COLLECTION" default:"DocumentChunk"`
	VectorDimension  int    `envconfig:"VECTOR_DIMENSION" default:"384"`
	VectorMetric     string `envconfig:"VECTOR_METRIC" default:"cosine"`

	// Embedding
	EmbeddingProvider   string        `envconfig:"EMBEDDING_PROVIDER" default:"openai"`
	EmbeddingBaseURL    string        `envconfig:"EMBEDDING_BASE_URL" default:"http://localhost:8000/v1"`
	EmbeddingAPIKey     string        `envconfig:"EMBEDDING_API_KEY"`
	EmbeddingModel      string        `envconfig:"EMBEDDING_MODEL" default:"sentence-transformers/all-MiniLM-L6-v2"`
	EmbeddingMaxChars   int           `envconfig:"EMBEDDING_MAX_CHARS" default:"8192"`
	EmbeddingMaxTokens  int           `envconfig:"EMBEDDING_MAX_TOKENS" default:"512"`
	EmbeddingBatchSize  int           `envconfig:"EMBEDDING_BATCH_SIZE" default:"5"`
	EmbeddingBatchPause time.Duration `envconfig:"EMBEDDING_BATCH_PAUSE" default:"500ms"`

	// Completion
	CompletionProvider  string `envconfig:"COMPLETION_PROVIDER" default:"openai"`
	CompletionBaseURL   string `envconfig:"COMPLETION_BASE_URL" default:"https://openrouter.ai/api/v1"`
	CompletionAPIKey    string `envconfig:"COMPLETION_API_KEY"`
	CompletionModel     string `envconfig:"COMPLETION_MODEL" default:"openai/gpt-4o"`
	CompletionMaxTokens int    `envconfig:"COMPLETION_MAX_TOKENS" default:"512"`
	GeminiAPIKey        string `envconfig:"GEMINI_API_KEY"`

	// Pipeline
	ChunkSize       int           `envconfig:"CHUNK_SIZE" default:"500"`
	ChunkOverlap    int           `envconfig:"CHUNK_OVERLAP" default:"100"`
	PageBatchSize   int           `envconfig:"PAGE_BATCH_SIZE" default:"5"`
	SplitPause      time.Duration `envconfig:"SPLIT_PAUSE" default:"500ms"`
	IndexBatchSize  int           `envconfig:"INDEX_BATCH_SIZE" default:"2"`
	IndexBatchPause time.Duration `envconfig:"INDEX_BATCH_PAUSE" default:"2s"`
	RetrievalTopK   int           `envconfig:"RETRIEVAL_TOP_K" default:"2"`

	// Server
	ServerPort      int    `envconfig:"SERVER_PORT" default:"5000"`
	UploadDir       string `envconfig:"UPLOAD_DIR" default:"./uploads"`
	MaxUploadSizeMB int64  `envconfig:"MAX_UPLOAD_SIZE_MB" default:"50"`
	QueryLogPath    string `envconfig:"QUERY_LOG_PATH"`

	// Roles
	EnableAPI          bool `envconfig:"ENABLE_API" default:"true"`
	EnableIngestWorker bool `envconfig:"ENABLE_INGEST_WORKER" default:"true"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Env vars set in the shell win; .env files only fill the gaps.
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	_ = godotenv.Load(filepath.Join(cwd, "../.env"))

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.VectorCollection == "" {
		return fmt.Errorf("%w: VECTOR_COLLECTION", ErrMissingRequired)
	}

	switch c.VectorBackend {
	case BackendWeaviate, BackendQdrant:
	default:
		return fmt.Errorf("%w: unknown VECTOR_BACKEND %q", ErrInvalid, c.VectorBackend)
	}
	for name, p := range map[string]string{"EMBEDDING_PROVIDER": c.EmbeddingProvider, "COMPLETION_PROVIDER": c.CompletionProvider} {
		if p != ProviderOpenAI && p != ProviderGemini {
			return fmt.Errorf("%w: unknown %s %q", ErrInvalid, name, p)
		}
	}

	if c.VectorDimension <= 0 {
		return fmt.Errorf("%w: VECTOR_DIMENSION must be positive", ErrInvalid)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: CHUNK_SIZE must be positive", ErrInvalid)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: CHUNK_OVERLAP must be in [0, CHUNK_SIZE)", ErrInvalid)
	}
	if c.EmbeddingBatchSize <= 0 || c.IndexBatchSize <= 0 || c.PageBatchSize <= 0 {
		return fmt.Errorf("%w: batch sizes must be positive", ErrInvalid)
	}
	if c.JobLeaseRenew <= 0 || c.JobLeaseRenew >= c.JobLeaseDuration {
		return fmt.Errorf("%w: JOB_LEASE_RENEW must be shorter than JOB_LEASE_DURATION", ErrInvalid)
	}
	return nil
}

// DSN builds the lib/pq connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName)
}
