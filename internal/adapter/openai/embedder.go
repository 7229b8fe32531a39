package openai

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// noToken is sent to local OpenAI-compatible servers that ignore auth.
const noToken = "none"

type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
}

func (c Config) token() string {
	if c.APIKey == "" {
		return noToken
	}
	return c.APIKey
}

// Embedder embeds texts through any OpenAI-compatible /embeddings API,
// such as a local text-embeddings-inference server.
type Embedder struct {
	embedder embeddings.Embedder
	model    string
}

func NewEmbedder(cfg Config) (*Embedder, error) {
	client, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(cfg.token()),
		openai.WithEmbeddingModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("openai client: %w", err)
	}

	e, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("openai embedder: %w", err)
	}
	return &Embedder{embedder: e, model: cfg.Model}, nil
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	slog.DebugContext(ctx, "embedding content", "model", e.model, "length", len(text))
	vec, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("openai embed: empty embedding received")
	}
	return vec, nil
}
