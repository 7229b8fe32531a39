package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

type memCollection struct {
	dim     int
	metric  Metric
	ids     []string
	records map[string]Record
}

// MemoryIndex is a brute-force Index kept in process memory.
type MemoryIndex struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{collections: make(map[string]*memCollection)}
}

func (m *MemoryIndex) EnsureFreshCollection(ctx context.Context, name string, dim int, metric Metric) error {
	if dim <= 0 {
		return fmt.Errorf("invalid dimension %d", dim)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[name] = &memCollection{dim: dim, metric: metric, records: make(map[string]Record)}
	return nil
}

func (m *MemoryIndex) UpsertBatch(ctx context.Context, name string, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	for _, r := range records {
		if len(r.Vector) != c.dim {
			return fmt.Errorf("%w: collection %s has %d, got %d", ErrDimensionMismatch, name, c.dim, len(r.Vector))
		}
	}
	for _, r := range records {
		if _, seen := c.records[r.ID]; !seen {
			c.ids = append(c.ids, r.ID)
		}
		c.records[r.ID] = r
	}
	return nil
}

func (m *MemoryIndex) Search(ctx context.Context, name string, vec []float32, k int) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	if len(vec) != c.dim {
		return nil, fmt.Errorf("%w: collection %s has %d, got %d", ErrDimensionMismatch, name, c.dim, len(vec))
	}

	matches := make([]Match, 0, len(c.ids))
	for _, id := range c.ids {
		r := c.records[id]
		matches = append(matches, Match{Payload: r.Payload, Score: Similarity(c.metric, vec, r.Vector)})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if k >= 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (m *MemoryIndex) Exists(ctx context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.collections[name]
	return ok, nil
}

func (m *MemoryIndex) Count(ctx context.Context, name string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	return len(c.records), nil
}

// Similarity scores b against a so that larger is closer.
func Similarity(metric Metric, a, b []float32) float32 {
	switch metric {
	case MetricDot:
		return dot(a, b)
	case MetricEuclidean:
		var sum float64
		for i := range a {
			d := float64(a[i] - b[i])
			sum += d * d
		}
		return float32(1 / (1 + sum))
	default:
		na, nb := math.Sqrt(float64(dot(a, a))), math.Sqrt(float64(dot(b, b)))
		if na == 0 || nb == 0 {
			return 0
		}
		return float32(float64(dot(a, b)) / (na * nb))
	}
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
