package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"pdfchat/backend/internal/middleware"
	"pdfchat/backend/internal/vector"
)

var (
	ErrEmptyQuestion = errors.New("question is empty")
	ErrNoCompletion  = errors.New("completion returned no reply")
)

const DefaultTopK = 2

const (
	groundedPrompt = "You are a helpful assistant that answers questions based on the provided PDF content.\nUse the following context to answer the user's question:\n\n"
	fallbackPrompt = "You are a helpful assistant. If the user asks about PDF content, explain that no documents have been uploaded yet or there was an issue accessing the documents."
)

type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

type Source struct {
	Text       string  `json:"text"`
	Score      float32 `json:"score"`
	FileName   string  `json:"fileName,omitempty"`
	PageNumber int     `json:"pageNumber"`
	Ordinal    int     `json:"ordinal"`
}

type Answer struct {
	Message  string   `json:"message"`
	Sources  []Source `json:"sources"`
	Grounded bool     `json:"grounded"`
}

type Service struct {
	embedder   Embedder
	index      vector.Index
	completer  Completer
	collection string
	topK       int
	logger     *QueryLogger
}

func NewService(e Embedder, idx vector.Index, c Completer, collection string, topK int, l *QueryLogger) *Service {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Service{embedder: e, index: idx, completer: c, collection: collection, topK: topK, logger: l}
}

// Answer retrieves grounding passages for question and asks the completer.
// Retrieval problems degrade to an ungrounded answer; completion problems
// are returned.
func (s *Service) Answer(ctx context.Context, question string) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}

	start := time.Now()
	sources := s.retrieve(ctx, question)

	system := fallbackPrompt
	if len(sources) > 0 {
		system = buildGroundedPrompt(sources)
	}

	reply, err := s.completer.Complete(ctx, system, question)
	if err != nil {
		return nil, fmt.Errorf("completion failed: %w", err)
	}
	if strings.TrimSpace(reply) == "" {
		return nil, ErrNoCompletion
	}

	answer := &Answer{Message: reply, Sources: sources, Grounded: len(sources) > 0}
	if s.logger != nil {
		s.logger.Log(QueryLogEntry{
			Query:         question,
			NumResults:    len(sources),
			Grounded:      answer.Grounded,
			Duration:      time.Since(start),
			CorrelationID: middleware.GetCorrelationID(ctx),
		})
	}
	return answer, nil
}

// retrieve never fails: any error disables grounding for this request.
func (s *Service) retrieve(ctx context.Context, question string) []Source {
	sources, err := s.search(ctx, question, s.topK)
	if err != nil {
		slog.WarnContext(ctx, "retrieval failed, answering without context", "error", err)
		return []Source{}
	}
	slog.InfoContext(ctx, "retrieved passages", "count", len(sources))
	return sources
}

// Search returns the k passages nearest to query, best first. A missing
// collection yields no passages; index and embedding errors are returned.
func (s *Service) Search(ctx context.Context, query string, k int) ([]Source, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuestion
	}
	if k <= 0 {
		k = s.topK
	}
	return s.search(ctx, query, k)
}

func (s *Service) search(ctx context.Context, query string, k int) ([]Source, error) {
	sources := []Source{}

	exists, err := s.index.Exists(ctx, s.collection)
	if err != nil {
		return sources, fmt.Errorf("collection check: %w", err)
	}
	if !exists {
		slog.InfoContext(ctx, "collection does not exist", "collection", s.collection)
		return sources, nil
	}

	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return sources, fmt.Errorf("query embedding: %w", err)
	}

	matches, err := s.index.Search(ctx, s.collection, vec, k)
	if err != nil {
		return sources, fmt.Errorf("vector search: %w", err)
	}

	for _, m := range matches {
		sources = append(sources, Source{
			Text:       m.Payload.Text,
			Score:      m.Score,
			FileName:   m.Payload.FileName,
			PageNumber: m.Payload.PageNumber,
			Ordinal:    m.Payload.Ordinal,
		})
	}
	return sources, nil
}

func buildGroundedPrompt(sources []Source) string {
	texts := make([]string, len(sources))
	for i, src := range sources {
		texts[i] = src.Text
	}
	return groundedPrompt + strings.Join(texts, "\n\n")
}

// HasData reports whether the collection exists and holds records.
func (s *Service) HasData(ctx context.Context) bool {
	exists, err := s.index.Exists(ctx, s.collection)
	if err != nil || !exists {
		return false
	}
	n, err := s.index.Count(ctx, s.collection)
	return err == nil && n > 0
}

// Count returns the number of indexed records, zero when the collection is
// absent.
func (s *Service) Count(ctx context.Context) (int, error) {
	exists, err := s.index.Exists(ctx, s.collection)
	if err != nil || !exists {
		return 0, err
	}
	return s.index.Count(ctx, s.collection)
}
