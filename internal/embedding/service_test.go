package embedding

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockModel struct {
	mock.Mock
}

func (m *MockModel) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if v := args.Get(0); v != nil {
		return v.([]float32), args.Error(1)
	}
	return nil, args.Error(1)
}

func staticFactory(m Model) ModelFactory {
	return func(ctx context.Context) (Model, error) { return m, nil }
}

func TestService_EmbedBatch_ZeroVectorFallback(t *testing.T) {
	m := new(MockModel)
	m.On("Embed", mock.Anything, "good").Return([]float32{1, 2, 3}, nil)
	m.On("Embed", mock.Anything, "bad").Return(nil, errors.New("boom"))
	m.On("Embed", mock.Anything, "short").Return([]float32{1}, nil)

	svc := NewService(staticFactory(m), Options{Dimension: 3, BatchSize: 2})

	batch, err := svc.EmbedBatch(context.Background(), []string{"good", "bad", "short", "good"})
	require.NoError(t, err)
	require.Len(t, batch.Vectors, 4)
	for _, v := range batch.Vectors {
		assert.Len(t, v, 3)
	}
	assert.Equal(t, []float32{1, 2, 3}, batch.Vectors[0])
	assert.Equal(t, []float32{0, 0, 0}, batch.Vectors[1])
	assert.Equal(t, []float32{0, 0, 0}, batch.Vectors[2])
	assert.Equal(t, []float32{1, 2, 3}, batch.Vectors[3])
	assert.Equal(t, []bool{false, true, true, false}, batch.FellBack)
	assert.Equal(t, 2, batch.Embedded())
}

func TestService_EmbedBatch_AllFailed(t *testing.T) {
	t.Run("Model Errors", func(t *testing.T) {
		m := new(MockModel)
		m.On("Embed", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))
		svc := NewService(staticFactory(m), Options{Dimension: 3})

		_, err := svc.EmbedBatch(context.Background(), []string{"a", "b"})
		assert.ErrorIs(t, err, ErrNoEmbeddings)
		assert.ErrorContains(t, err, "connection refused")
	})

	t.Run("Wrong Dimension", func(t *testing.T) {
		m := new(MockModel)
		m.On("Embed", mock.Anything, mock.Anything).Return(make([]float32, 3072), nil)
		svc := NewService(staticFactory(m), Options{Dimension: 384})

		_, err := svc.EmbedBatch(context.Background(), []string{"a", "b"})
		assert.ErrorIs(t, err, ErrNoEmbeddings)
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})
}

func TestService_EmbedBatch_Empty(t *testing.T) {
	svc := NewService(staticFactory(new(MockModel)), Options{Dimension: 3})
	batch, err := svc.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, batch.Vectors)
}

func TestService_EmbedBatch_PausesBetweenBatches(t *testing.T) {
	m := new(MockModel)
	m.On("Embed", mock.Anything, mock.Anything).Return([]float32{1}, nil)
	svc := NewService(staticFactory(m), Options{Dimension: 1, BatchSize: 1, BatchPause: 20 * time.Millisecond})

	start := time.Now()
	_, err := svc.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestService_EmbedBatch_Cancelled(t *testing.T) {
	m := new(MockModel)
	m.On("Embed", mock.Anything, mock.Anything).Return([]float32{1}, nil)
	svc := NewService(staticFactory(m), Options{Dimension: 1, BatchSize: 1, BatchPause: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := svc.EmbedBatch(ctx, []string{"a", "b"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestService_Init(t *testing.T) {
	t.Run("Cached After Success", func(t *testing.T) {
		var calls int32
		m := new(MockModel)
		svc := NewService(func(ctx context.Context) (Model, error) {
			atomic.AddInt32(&calls, 1)
			return m, nil
		}, Options{Dimension: 1})

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.Init(context.Background())
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("Failure Not Cached", func(t *testing.T) {
		var calls int32
		m := new(MockModel)
		svc := NewService(func(ctx context.Context) (Model, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				return nil, errors.New("model download failed")
			}
			return m, nil
		}, Options{Dimension: 1})

		_, err := svc.Init(context.Background())
		assert.ErrorIs(t, err, ErrModelInit)

		_, err = svc.EmbedBatch(context.Background(), []string{})
		assert.NoError(t, err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})
}

func TestService_EmbedQuery(t *testing.T) {
	m := new(MockModel)
	m.On("Embed", mock.Anything, "ok").Return([]float32{0.5, 0.5}, nil)
	m.On("Embed", mock.Anything, "wrong").Return([]float32{0.5}, nil)
	m.On("Embed", mock.Anything, "fail").Return(nil, errors.New("rate limited"))
	svc := NewService(staticFactory(m), Options{Dimension: 2})

	vec, err := svc.EmbedQuery(context.Background(), "ok")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, vec)

	_, err = svc.EmbedQuery(context.Background(), "wrong")
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = svc.EmbedQuery(context.Background(), "fail")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrDimensionMismatch)
}

func TestService_Prepare(t *testing.T) {
	t.Run("Char Budget", func(t *testing.T) {
		svc := NewService(nil, Options{MaxChars: 10})
		assert.Equal(t, "0123456789", svc.Prepare("0123456789abcdef"))
	})

	t.Run("Token Cap", func(t *testing.T) {
		svc := NewService(nil, Options{MaxChars: 8192, MaxTokens: 2})
		assert.Equal(t, "abcdefgh", svc.Prepare(strings.Repeat("abcdefgh", 4)))
	})

	t.Run("Default Budget", func(t *testing.T) {
		svc := NewService(nil, Options{})
		assert.Len(t, svc.Prepare(strings.Repeat("x", 9000)), 8192)
	})

	t.Run("Runes Not Bytes", func(t *testing.T) {
		svc := NewService(nil, Options{MaxChars: 3})
		assert.Equal(t, "höl", svc.Prepare("hölle"))
	})

	t.Run("Applied Before Embed", func(t *testing.T) {
		m := new(MockModel)
		m.On("Embed", mock.Anything, "abcd").Return([]float32{1}, nil)
		svc := NewService(staticFactory(m), Options{Dimension: 1, MaxTokens: 1})

		_, err := svc.EmbedQuery(context.Background(), "abcdefgh")
		require.NoError(t, err)
		m.AssertExpectations(t)
	})
}
