package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"
)

var (
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrModelInit         = errors.New("embedding model init failed")
	ErrNoEmbeddings      = errors.New("no text could be embedded")
)

// Model embeds a single text.
type Model interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ModelFactory acquires the underlying model. It is called at most once per
// successful initialisation.
type ModelFactory func(ctx context.Context) (Model, error)

// charsPerToken is the usual rough estimate for English text.
const charsPerToken = 4

type Options struct {
	Dimension  int
	MaxChars   int
	MaxTokens  int
	BatchSize  int
	BatchPause time.Duration
}

func (o *Options) defaults() {
	if o.MaxChars <= 0 {
		o.MaxChars = 8192
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 5
	}
}

// Service wraps a lazily created embedding model shared by the ingestion
// worker and the query path.
type Service struct {
	factory ModelFactory
	opts    Options

	mu    sync.RWMutex
	model Model
}

func NewService(factory ModelFactory, opts Options) *Service {
	opts.defaults()
	return &Service{factory: factory, opts: opts}
}

func (s *Service) Dimension() int {
	return s.opts.Dimension
}

// Init returns the cached model, creating it on first use. A failed
// attempt is not cached.
func (s *Service) Init(ctx context.Context) (Model, error) {
	s.mu.RLock()
	if s.model != nil {
		defer s.mu.RUnlock()
		return s.model, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double check
	if s.model != nil {
		return s.model, nil
	}

	start := time.Now()
	m, err := s.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelInit, err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: factory returned no model", ErrModelInit)
	}
	slog.InfoContext(ctx, "embedding model ready", "duration", time.Since(start))

	s.model = m
	return m, nil
}

// Prepare applies the character budget, then the model's token cap.
func (s *Service) Prepare(text string) string {
	text = truncateRunes(text, s.opts.MaxChars)
	if s.opts.MaxTokens > 0 {
		text = truncateRunes(text, s.opts.MaxTokens*charsPerToken)
	}
	return text
}

func truncateRunes(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	return string([]rune(text)[:limit])
}

// Batch holds one vector of Dimension floats per input, in input order.
// FellBack marks inputs that got a zero vector instead of a real embedding.
type Batch struct {
	Vectors  [][]float32
	FellBack []bool
}

// Embedded counts the inputs that got a real embedding.
func (b *Batch) Embedded() int {
	n := 0
	for _, f := range b.FellBack {
		if !f {
			n++
		}
	}
	return n
}

// EmbedBatch embeds texts BatchSize at a time with BatchPause in between.
// A failed or malformed item gets a zero vector. If every item fails the
// batch is an ErrNoEmbeddings error carrying the last item's cause.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) (*Batch, error) {
	m, err := s.Init(ctx)
	if err != nil {
		return nil, err
	}

	b := &Batch{
		Vectors:  make([][]float32, len(texts)),
		FellBack: make([]bool, len(texts)),
	}
	var lastErr error
	for start := 0; start < len(texts); start += s.opts.BatchSize {
		if start > 0 && s.opts.BatchPause > 0 {
			if err := sleep(ctx, s.opts.BatchPause); err != nil {
				return nil, err
			}
		}

		end := min(start+s.opts.BatchSize, len(texts))
		for i := start; i < end; i++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			vec, err := s.embedOne(ctx, m, texts[i])
			if err != nil {
				slog.WarnContext(ctx, "embedding failed, using zero vector", "index", i, "error", err)
				vec = make([]float32, s.opts.Dimension)
				b.FellBack[i] = true
				lastErr = err
			}
			b.Vectors[i] = vec
		}
	}

	if len(texts) > 0 && b.Embedded() == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoEmbeddings, lastErr)
	}
	return b, nil
}

func (s *Service) embedOne(ctx context.Context, m Model, text string) ([]float32, error) {
	vec, err := m.Embed(ctx, s.Prepare(text))
	if err != nil {
		return nil, err
	}
	if len(vec) != s.opts.Dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), s.opts.Dimension)
	}
	return vec, nil
}

// EmbedQuery embeds a single query. Unlike EmbedBatch it reports failures.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	m, err := s.Init(ctx)
	if err != nil {
		return nil, err
	}
	vec, err := s.embedOne(ctx, m, text)
	if err != nil && !errors.Is(err, ErrDimensionMismatch) {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return vec, err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
