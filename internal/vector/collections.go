package vector

import (
	"fmt"
	"sync"
)

type shape struct {
	dim    int
	metric Metric
}

// Collections remembers the vector size and metric of each collection an
// adapter has created. It is shared by the ingestion worker and concurrent
// queries.
type Collections struct {
	mu     sync.RWMutex
	shapes map[string]shape
}

func NewCollections() *Collections {
	return &Collections{shapes: make(map[string]shape)}
}

func (c *Collections) Set(name string, dim int, metric Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shapes[name] = shape{dim: dim, metric: metric}
}

func (c *Collections) Forget(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.shapes, name)
}

// Metric reports the metric a collection was created with.
func (c *Collections) Metric(name string) (Metric, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.shapes[name]
	return s.metric, ok
}

// Check passes when the collection's dimension is unknown, for example
// one created by an earlier process.
func (c *Collections) Check(name string, vecs ...[]float32) error {
	c.mu.RLock()
	s, ok := c.shapes[name]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	for _, v := range vecs {
		if len(v) != s.dim {
			return fmt.Errorf("%w: collection %s has %d, got %d", ErrDimensionMismatch, name, s.dim, len(v))
		}
	}
	return nil
}
