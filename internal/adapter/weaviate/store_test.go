package weaviate_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"

	adapter "pdfchat/backend/internal/adapter/weaviate"
	"pdfchat/backend/internal/vector"
)

type fakeSchema struct {
	classes map[string]bool
	deleted int
}

func (f *fakeSchema) ClassExists(ctx context.Context, className string) (bool, error) {
	return f.classes[className], nil
}

func (f *fakeSchema) CreateClass(ctx context.Context, class *models.Class) error {
	f.classes[class.Class] = true
	return nil
}

func (f *fakeSchema) DeleteClass(ctx context.Context, className string) error {
	f.deleted++
	delete(f.classes, className)
	return errors.New("delete failed")
}

func mockWeaviate(t *testing.T, handler http.HandlerFunc) (*weaviate.Client, *httptest.Server) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/meta" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"version": "1.25.0"}`))
			return
		}
		handler(w, r)
	}))
	cfg := weaviate.Config{Host: ts.Listener.Addr().String(), Scheme: "http"}
	client, err := weaviate.NewClient(cfg)
	require.NoError(t, err)
	return client, ts
}

func newStore(t *testing.T, handler http.HandlerFunc, classes ...string) (*adapter.Store, *fakeSchema, *httptest.Server) {
	client, ts := mockWeaviate(t, handler)
	schema := &fakeSchema{classes: map[string]bool{}}
	for _, c := range classes {
		schema.classes[c] = true
	}
	return adapter.NewStoreWithSchema(client, schema), schema, ts
}

func TestStore_EnsureFreshCollection(t *testing.T) {
	store, schema, ts := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
	}, "DocumentChunk")
	defer ts.Close()

	// The fake delete errors; recreation still succeeds.
	require.NoError(t, store.EnsureFreshCollection(context.Background(), "DocumentChunk", 3, vector.MetricCosine))
	require.NoError(t, store.EnsureFreshCollection(context.Background(), "DocumentChunk", 3, vector.MetricCosine))
	assert.Equal(t, 2, schema.deleted)
	assert.True(t, schema.classes["DocumentChunk"])
}

func TestStore_UpsertBatch(t *testing.T) {
	store, _, ts := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/batch/objects", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var body struct {
			Objects []map[string]interface{} `json:"objects"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Objects, 2)
		props := body.Objects[0]["properties"].(map[string]interface{})
		assert.Equal(t, "first chunk", props["content"])
		assert.Equal(t, "report.pdf", props["fileName"])
		assert.Equal(t, "DocumentChunk", body.Objects[0]["class"])

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode([]map[string]interface{}{
			{"class": "DocumentChunk", "id": body.Objects[0]["id"], "result": map[string]interface{}{}},
			{"class": "DocumentChunk", "id": body.Objects[1]["id"], "result": map[string]interface{}{}},
		})
	}, "DocumentChunk")
	defer ts.Close()

	require.NoError(t, store.EnsureFreshCollection(context.Background(), "DocumentChunk", 2, vector.MetricCosine))
	err := store.UpsertBatch(context.Background(), "DocumentChunk", []vector.Record{
		{ID: vector.RecordID("job", 0), Vector: []float32{0.1, 0.2}, Payload: vector.Payload{Text: "first chunk", FileName: "report.pdf"}},
		{ID: vector.RecordID("job", 1), Vector: []float32{0.3, 0.4}, Payload: vector.Payload{Text: "second chunk", FileName: "report.pdf", Ordinal: 1}},
	})
	assert.NoError(t, err)
}

func TestStore_UpsertBatch_ObjectErrors(t *testing.T) {
	store, _, ts := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode([]map[string]interface{}{
			{"class": "DocumentChunk", "result": map[string]interface{}{
				"errors": map[string]interface{}{"error": []map[string]string{{"message": "vector lengths don't match"}}},
			}},
		})
	})
	defer ts.Close()

	err := store.UpsertBatch(context.Background(), "DocumentChunk", []vector.Record{
		{ID: vector.RecordID("job", 0), Vector: []float32{0.1}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vector lengths don't match")
}

func TestStore_UpsertBatch_DimensionMismatch(t *testing.T) {
	store, _, ts := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected")
	}, "DocumentChunk")
	defer ts.Close()

	require.NoError(t, store.EnsureFreshCollection(context.Background(), "DocumentChunk", 3, vector.MetricCosine))
	err := store.UpsertBatch(context.Background(), "DocumentChunk", []vector.Record{{ID: vector.RecordID("j", 0), Vector: []float32{1}}})
	assert.ErrorIs(t, err, vector.ErrDimensionMismatch)
}

func TestStore_Search(t *testing.T) {
	store, _, ts := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/graphql", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		query := body["query"].(string)
		assert.Contains(t, query, "nearVector")
		assert.Contains(t, query, "limit: 2")

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"Get": map[string]interface{}{
					"DocumentChunk": []interface{}{
						map[string]interface{}{
							"content": "best", "fileName": "a.pdf", "chunkIndex": 4.0, "pageNumber": 2.0,
							"_additional": map[string]interface{}{"distance": 0.1},
						},
						map[string]interface{}{
							"content": "second",
							"_additional": map[string]interface{}{"distance": 0.4},
						},
					},
				},
			},
		})
	}, "DocumentChunk")
	defer ts.Close()

	matches, err := store.Search(context.Background(), "DocumentChunk", []float32{0.1, 0.2}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "best", matches[0].Payload.Text)
	assert.Equal(t, 4, matches[0].Payload.Ordinal)
	assert.Equal(t, 2, matches[0].Payload.PageNumber)
	assert.InDelta(t, 0.9, matches[0].Score, 1e-6)
	assert.Greater(t, matches[0].Score, matches[1].Score)
}

func TestStore_Search_MissingCollection(t *testing.T) {
	store, _, ts := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected")
	})
	defer ts.Close()

	_, err := store.Search(context.Background(), "DocumentChunk", []float32{0.1}, 2)
	assert.ErrorIs(t, err, vector.ErrCollectionNotFound)
}

func TestStore_Count(t *testing.T) {
	store, _, ts := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/graphql", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, body["query"].(string), "Aggregate")

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"Aggregate": map[string]interface{}{
					"DocumentChunk": []interface{}{
						map[string]interface{}{"meta": map[string]interface{}{"count": 42.0}},
					},
				},
			},
		})
	})
	defer ts.Close()

	count, err := store.Count(context.Background(), "DocumentChunk")
	require.NoError(t, err)
	assert.Equal(t, 42, count)
}

func TestStore_Exists(t *testing.T) {
	store, _, ts := newStore(t, func(w http.ResponseWriter, r *http.Request) {}, "DocumentChunk")
	defer ts.Close()

	ok, err := store.Exists(context.Background(), "DocumentChunk")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Exists(context.Background(), "Other")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_LowercaseCollectionName(t *testing.T) {
	store, schema, ts := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		query := body["query"].(string)

		w.WriteHeader(http.StatusOK)
		if strings.Contains(query, "Aggregate") {
			assert.Contains(t, query, "Documents")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{
					"Aggregate": map[string]interface{}{
						"Documents": []interface{}{
							map[string]interface{}{"meta": map[string]interface{}{"count": 7.0}},
						},
					},
				},
			})
			return
		}
		assert.Contains(t, query, "Documents")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"Get": map[string]interface{}{
					"Documents": []interface{}{
						map[string]interface{}{
							"content":     "found",
							"_additional": map[string]interface{}{"distance": 0.2},
						},
					},
				},
			},
		})
	})
	defer ts.Close()
	ctx := context.Background()

	require.NoError(t, store.EnsureFreshCollection(ctx, "documents", 2, vector.MetricCosine))
	assert.True(t, schema.classes["Documents"])

	ok, err := store.Exists(ctx, "documents")
	require.NoError(t, err)
	assert.True(t, ok)

	matches, err := store.Search(ctx, "documents", []float32{0.1, 0.2}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "found", matches[0].Payload.Text)

	_, err = store.Search(ctx, "documents", []float32{0.1}, 1)
	assert.ErrorIs(t, err, vector.ErrDimensionMismatch)

	count, err := store.Count(ctx, "documents")
	require.NoError(t, err)
	assert.Equal(t, 7, count)
}
