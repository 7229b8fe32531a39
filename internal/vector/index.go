package vector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrDimensionMismatch  = errors.New("vector dimension mismatch")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrUnsupportedMetric  = errors.New("unsupported distance metric")
)

type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricDot       Metric = "dot"
	MetricEuclidean Metric = "euclidean"
)

func ParseMetric(s string) (Metric, error) {
	switch m := Metric(strings.ToLower(strings.TrimSpace(s))); m {
	case MetricCosine, MetricDot, MetricEuclidean:
		return m, nil
	case "":
		return MetricCosine, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMetric, s)
	}
}

// Payload is the chunk text and source metadata stored next to a vector.
type Payload struct {
	Text       string `json:"text"`
	SourceID   string `json:"sourceId"`
	FileName   string `json:"fileName"`
	Ordinal    int    `json:"ordinal"`
	PageNumber int    `json:"pageNumber"`
}

type Record struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Match is a search hit. Higher scores are better for every metric.
type Match struct {
	Payload Payload
	Score   float32
}

// Index is a vector database holding named collections of fixed
// dimension and metric.
type Index interface {
	// EnsureFreshCollection drops the collection if it exists and creates
	// it empty. Drop failures are logged, not returned.
	EnsureFreshCollection(ctx context.Context, name string, dim int, metric Metric) error
	UpsertBatch(ctx context.Context, name string, records []Record) error
	// Search returns at most k matches, best first.
	Search(ctx context.Context, name string, vec []float32, k int) ([]Match, error)
	Exists(ctx context.Context, name string) (bool, error)
	Count(ctx context.Context, name string) (int, error)
}

var recordNamespace = uuid.MustParse("6f1c2f0e-3b8a-4d55-9a52-2f7e0b8c9d11")

// RecordID derives a stable UUID for the chunk at ordinal of a source, so
// a redelivered job overwrites its earlier records.
func RecordID(sourceID string, ordinal int) string {
	return uuid.NewSHA1(recordNamespace, []byte(fmt.Sprintf("%s:%d", sourceID, ordinal))).String()
}
