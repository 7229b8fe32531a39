package weaviate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"pdfchat/backend/internal/vector"
)

// Store is the Weaviate implementation of vector.Index. Each collection is
// a Weaviate class.
type Store struct {
	client      *weaviate.Client
	schema      vector.SchemaClient
	collections *vector.Collections
}

func NewStore(client *weaviate.Client) *Store {
	return NewStoreWithSchema(client, vector.NewWeaviateClientAdapter(client))
}

func NewStoreWithSchema(client *weaviate.Client, schema vector.SchemaClient) *Store {
	return &Store{
		client:      client,
		schema:      schema,
		collections: vector.NewCollections(),
	}
}

var _ vector.Index = (*Store)(nil)

func (s *Store) EnsureFreshCollection(ctx context.Context, name string, dim int, metric vector.Metric) error {
	name = vector.ClassName(name)
	if dim <= 0 {
		return fmt.Errorf("invalid dimension %d", dim)
	}
	s.collections.Forget(name)
	if err := vector.RecreateClass(ctx, s.schema, vector.ChunkClass(name, metric)); err != nil {
		return err
	}
	s.collections.Set(name, dim, metric)
	return nil
}

func (s *Store) UpsertBatch(ctx context.Context, name string, records []vector.Record) error {
	name = vector.ClassName(name)
	if len(records) == 0 {
		return nil
	}
	vecs := make([][]float32, len(records))
	objs := make([]*models.Object, len(records))
	for i, r := range records {
		vecs[i] = r.Vector
		objs[i] = &models.Object{
			Class: name,
			ID:    strfmt.UUID(r.ID),
			Properties: map[string]interface{}{
				vector.PropContent:    r.Payload.Text,
				vector.PropSourceID:   r.Payload.SourceID,
				vector.PropFileName:   r.Payload.FileName,
				vector.PropChunkIndex: r.Payload.Ordinal,
				vector.PropPageNumber: r.Payload.PageNumber,
			},
			Vector: r.Vector,
		}
	}
	if err := s.collections.Check(name, vecs...); err != nil {
		return err
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objs...).Do(ctx)
	if err != nil {
		return fmt.Errorf("batch upsert into %s: %w", name, err)
	}

	var failed []string
	for _, r := range resp {
		if r.Result == nil || r.Result.Errors == nil {
			continue
		}
		for _, item := range r.Result.Errors.Error {
			if item != nil {
				failed = append(failed, item.Message)
			}
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("batch upsert into %s: %d object errors: %s", name, len(failed), strings.Join(failed, "; "))
	}
	return nil
}

func (s *Store) Search(ctx context.Context, name string, vec []float32, k int) ([]vector.Match, error) {
	name = vector.ClassName(name)
	if err := s.collections.Check(name, vec); err != nil {
		return nil, err
	}
	exists, err := s.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", vector.ErrCollectionNotFound, name)
	}
	if k <= 0 {
		return []vector.Match{}, nil
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vec)
	fields := []graphql.Field{
		{Name: vector.PropContent},
		{Name: vector.PropSourceID},
		{Name: vector.PropFileName},
		{Name: vector.PropChunkIndex},
		{Name: vector.PropPageNumber},
		{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
	}

	res, err := s.client.GraphQL().Get().
		WithClassName(name).
		WithNearVector(nearVector).
		WithLimit(k).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", name, err)
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", res.Errors[0].Message)
	}

	metric := s.metric(name)
	var matches []vector.Match
	data, _ := res.Data["Get"].(map[string]interface{})
	rows, _ := data[name].([]interface{})
	for _, row := range rows {
		props, ok := row.(map[string]interface{})
		if !ok {
			continue
		}
		m := vector.Match{Payload: payloadFrom(props)}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			if d, ok := additional["distance"].(float64); ok {
				m.Score = vector.ScoreFromDistance(metric, d)
			}
		}
		matches = append(matches, m)
	}
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (s *Store) metric(name string) vector.Metric {
	if m, ok := s.collections.Metric(name); ok {
		return m
	}
	return vector.MetricCosine
}

func payloadFrom(props map[string]interface{}) vector.Payload {
	var p vector.Payload
	if v, ok := props[vector.PropContent].(string); ok {
		p.Text = v
	}
	if v, ok := props[vector.PropSourceID].(string); ok {
		p.SourceID = v
	}
	if v, ok := props[vector.PropFileName].(string); ok {
		p.FileName = v
	}
	if v, ok := props[vector.PropChunkIndex].(float64); ok {
		p.Ordinal = int(v)
	}
	if v, ok := props[vector.PropPageNumber].(float64); ok {
		p.PageNumber = int(v)
	}
	return p
}

func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	name = vector.ClassName(name)
	ok, err := s.schema.ClassExists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("check class %s: %w", name, err)
	}
	return ok, nil
}

func (s *Store) Count(ctx context.Context, name string) (int, error) {
	name = vector.ClassName(name)
	res, err := s.client.GraphQL().Aggregate().
		WithClassName(name).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", name, err)
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %s", res.Errors[0].Message)
	}

	agg, _ := res.Data["Aggregate"].(map[string]interface{})
	groups, _ := agg[name].([]interface{})
	if len(groups) == 0 {
		slog.DebugContext(ctx, "aggregate returned no groups", "class", name)
		return 0, nil
	}
	group, _ := groups[0].(map[string]interface{})
	meta, _ := group["meta"].(map[string]interface{})
	count, _ := meta["count"].(float64)
	return int(count), nil
}
