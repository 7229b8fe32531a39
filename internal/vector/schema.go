package vector

import (
	"context"
	"fmt"
	"log/slog"
	"unicode"
	"unicode/utf8"

	"github.com/weaviate/weaviate/entities/models"
)

// SchemaClient defines the Weaviate schema operations used to manage
// collections.
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	DeleteClass(ctx context.Context, className string) error
}

// Chunk property names, shared by the schema and the store.
const (
	PropContent    = "content"
	PropSourceID   = "sourceId"
	PropFileName   = "fileName"
	PropChunkIndex = "chunkIndex"
	PropPageNumber = "pageNumber"
)

// WeaviateDistance maps a metric to Weaviate's vectorIndexConfig.distance.
func WeaviateDistance(m Metric) string {
	switch m {
	case MetricDot:
		return "dot"
	case MetricEuclidean:
		return "l2-squared"
	default:
		return "cosine"
	}
}

// ScoreFromDistance turns a Weaviate distance into a higher-is-better score.
func ScoreFromDistance(m Metric, distance float64) float32 {
	switch m {
	case MetricDot:
		// Weaviate reports the negated dot product.
		return float32(-distance)
	case MetricEuclidean:
		return float32(1 / (1 + distance))
	default:
		return float32(1 - distance)
	}
}

// ClassName returns the class Weaviate stores a collection under. Weaviate
// capitalizes the first letter, so "documents" is read back as "Documents".
func ClassName(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError || unicode.IsUpper(r) {
		return name
	}
	return string(unicode.ToUpper(r)) + name[size:]
}

// ChunkClass describes a collection of document chunks with vectors
// supplied by the caller.
func ChunkClass(name string, metric Metric) *models.Class {
	return &models.Class{
		Class:       ClassName(name),
		Description: "A chunk of an uploaded document",
		Vectorizer:  "none",
		VectorIndexConfig: map[string]interface{}{
			"distance": WeaviateDistance(metric),
		},
		Properties: []*models.Property{
			{Name: PropContent, DataType: []string{"text"}},
			{Name: PropSourceID, DataType: []string{"string"}}, // exact match
			{Name: PropFileName, DataType: []string{"string"}},
			{Name: PropChunkIndex, DataType: []string{"int"}},
			{Name: PropPageNumber, DataType: []string{"int"}},
		},
	}
}

// RecreateClass drops class if present and creates it again. A failed drop
// is logged; the create that follows reports whether the class is usable.
func RecreateClass(ctx context.Context, client SchemaClient, class *models.Class) error {
	exists, err := client.ClassExists(ctx, class.Class)
	if err != nil {
		slog.WarnContext(ctx, "class existence check failed", "class", class.Class, "error", err)
	}
	if exists {
		if err := client.DeleteClass(ctx, class.Class); err != nil {
			slog.WarnContext(ctx, "failed to delete class", "class", class.Class, "error", err)
		}
	}

	if err := client.CreateClass(ctx, class); err != nil {
		return fmt.Errorf("create class %s: %w", class.Class, err)
	}
	return nil
}
