package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"pdfchat/backend/internal/vector"
)

var errNotFound = errors.New("qdrant: not found")

type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Store is a Qdrant REST implementation of vector.Index.
type Store struct {
	url         string
	apiKey      string
	client      *http.Client
	collections *vector.Collections
}

func NewStore(cfg Config) *Store {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Store{
		url:         cfg.URL,
		apiKey:      cfg.APIKey,
		client:      &http.Client{Timeout: timeout},
		collections: vector.NewCollections(),
	}
}

var _ vector.Index = (*Store)(nil)

func distance(m vector.Metric) string {
	switch m {
	case vector.MetricDot:
		return "Dot"
	case vector.MetricEuclidean:
		return "Euclid"
	default:
		return "Cosine"
	}
}

func (s *Store) collectionURL(name string, suffix string) string {
	return fmt.Sprintf("%s/collections/%s%s", s.url, url.PathEscape(name), suffix)
}

func (s *Store) EnsureFreshCollection(ctx context.Context, name string, dim int, metric vector.Metric) error {
	if dim <= 0 {
		return fmt.Errorf("invalid dimension %d", dim)
	}
	s.collections.Forget(name)

	if err := s.do(ctx, http.MethodDelete, s.collectionURL(name, ""), nil, nil); err != nil && !errors.Is(err, errNotFound) {
		slog.WarnContext(ctx, "failed to delete collection", "collection", name, "error", err)
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     dim,
			"distance": distance(metric),
		},
	}
	if err := s.do(ctx, http.MethodPut, s.collectionURL(name, ""), body, nil); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	s.collections.Set(name, dim, metric)
	return nil
}

func (s *Store) UpsertBatch(ctx context.Context, name string, records []vector.Record) error {
	if len(records) == 0 {
		return nil
	}
	vecs := make([][]float32, len(records))
	points := make([]map[string]any, len(records))
	for i, r := range records {
		vecs[i] = r.Vector
		points[i] = map[string]any{
			"id":      r.ID,
			"vector":  r.Vector,
			"payload": r.Payload,
		}
	}
	if err := s.collections.Check(name, vecs...); err != nil {
		return err
	}

	err := s.do(ctx, http.MethodPut, s.collectionURL(name, "/points?wait=true"), map[string]any{"points": points}, nil)
	if errors.Is(err, errNotFound) {
		return fmt.Errorf("%w: %s", vector.ErrCollectionNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("upsert into %s: %w", name, err)
	}
	return nil
}

func (s *Store) Search(ctx context.Context, name string, vec []float32, k int) ([]vector.Match, error) {
	if err := s.collections.Check(name, vec); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []vector.Match{}, nil
	}

	req := map[string]any{
		"vector":       vec,
		"limit":        k,
		"with_payload": true,
	}
	var resp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload vector.Payload `json:"payload"`
		} `json:"result"`
	}
	err := s.do(ctx, http.MethodPost, s.collectionURL(name, "/points/search"), req, &resp)
	if errors.Is(err, errNotFound) {
		return nil, fmt.Errorf("%w: %s", vector.ErrCollectionNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", name, err)
	}

	metric, _ := s.collections.Metric(name)
	euclid := metric == vector.MetricEuclidean
	matches := make([]vector.Match, 0, len(resp.Result))
	for _, r := range resp.Result {
		score := float32(r.Score)
		if euclid {
			// Qdrant reports the distance itself for Euclid.
			score = float32(1 / (1 + r.Score))
		}
		matches = append(matches, vector.Match{Payload: r.Payload, Score: score})
	}
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	err := s.do(ctx, http.MethodGet, s.collectionURL(name, ""), nil, nil)
	if errors.Is(err, errNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check collection %s: %w", name, err)
	}
	return true, nil
}

func (s *Store) Count(ctx context.Context, name string) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	err := s.do(ctx, http.MethodPost, s.collectionURL(name, "/points/count"), map[string]any{"exact": true}, &resp)
	if errors.Is(err, errNotFound) {
		return 0, fmt.Errorf("%w: %s", vector.ErrCollectionNotFound, name)
	}
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", name, err)
	}
	return resp.Result.Count, nil
}

func (s *Store) do(ctx context.Context, method, target string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return errNotFound
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("qdrant %s %s failed: %s: %s", method, req.URL.Path, resp.Status, bytes.TrimSpace(msg))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
