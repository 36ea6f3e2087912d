package embedder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdeck/codeindex/internal/config"
	"github.com/taskdeck/codeindex/pkg/types"
)

func configFor(provider string) config.EmbeddingConfig {
	return config.EmbeddingConfig{Provider: provider, CacheSize: 16}
}

func TestValidateBatch(t *testing.T) {
	tests := []struct {
		name    string
		texts   []string
		wantErr error
	}{
		{"valid", []string{"func main() {}"}, nil},
		{"empty batch", nil, types.ErrInvalidInput},
		{"empty item", []string{"ok", ""}, types.ErrInvalidInput},
		{"oversized item", []string{strings.Repeat("x", MaxInputChars+1)}, types.ErrInvalidInput},
		{"too many items", make([]string, MaxBatchSize+1), ErrBatchTooLarge},
	}
	for i := range tests[4].texts {
		tests[4].texts[i] = "t"
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBatch(tt.texts)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestComputeHashDeterministic(t *testing.T) {
	h1 := ComputeHash("def hello(): pass")
	h2 := ComputeHash("def hello(): pass")
	h3 := ComputeHash("def hello(): return 1")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64)
}

func TestCacheCopySemantics(t *testing.T) {
	cache := NewCache(10)
	cache.Set("k", []float32{1, 2, 3})

	vec, ok := cache.Get("k")
	require.True(t, ok)
	vec[0] = 99

	again, ok := cache.Get("k")
	require.True(t, ok)
	assert.Equal(t, float32(1), again[0], "mutating a returned vector must not corrupt the cache")
}

func TestLocalEmbedderDeterministic(t *testing.T) {
	e := NewLocalEmbedder(nil)
	ctx := context.Background()

	a, err := e.EmbedBatch(ctx, []string{"package main", "package main", "package other"})
	require.NoError(t, err)
	require.Len(t, a, 3)

	assert.Equal(t, a[0], a[1], "identical texts must embed identically")
	assert.NotEqual(t, a[0], a[2])
	assert.Len(t, a[0], e.Dimension())
}

func TestLocalEmbedderUnitNorm(t *testing.T) {
	e := NewLocalEmbedder(nil)
	vecs, err := e.EmbedBatch(context.Background(), []string{"some source text"})
	require.NoError(t, err)

	var norm float64
	for _, v := range vecs[0] {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestLocalEmbedderUsesCache(t *testing.T) {
	cache := NewCache(10)
	e := NewLocalEmbedder(cache)

	_, err := e.EmbedBatch(context.Background(), []string{"cached text"})
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Len())

	_, err = e.EmbedBatch(context.Background(), []string{"cached text"})
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Len())
}

func TestRetryWithBackoffRetriesTransient(t *testing.T) {
	calls := 0
	result, err := retryWithBackoff(context.Background(), RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2,
	}, func() (string, error) {
		calls++
		if calls < 3 {
			return "", fmt.Errorf("%w: slow down", types.ErrRateLimited)
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoffStopsOnInvalidInput(t *testing.T) {
	calls := 0
	_, err := retryWithBackoff(context.Background(), DefaultRetryConfig(), func() (int, error) {
		calls++
		return 0, fmt.Errorf("%w: bad text", types.ErrInvalidInput)
	})

	assert.ErrorIs(t, err, types.ErrInvalidInput)
	assert.Equal(t, 1, calls, "non-retryable errors must not be retried")
}

func TestRetryWithBackoffHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := retryWithBackoff(ctx, RetryConfig{
		MaxRetries: 5,
		BaseDelay:  50 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2,
	}, func() (int, error) {
		calls++
		cancel()
		return 0, fmt.Errorf("%w: busy", types.ErrRateLimited)
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoffExhaustsRetries(t *testing.T) {
	calls := 0
	_, err := retryWithBackoff(context.Background(), RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
		Multiplier: 2,
	}, func() (int, error) {
		calls++
		return 0, fmt.Errorf("%w: down", types.ErrUnavailable)
	})

	assert.ErrorIs(t, err, types.ErrUnavailable)
	assert.Equal(t, 3, calls)
}

func TestNewSelectsProvider(t *testing.T) {
	e, err := New(configFor("local"))
	require.NoError(t, err)
	assert.Equal(t, "local-deterministic", e.Model())

	_, err = New(configFor("carrier-pigeon"))
	assert.ErrorIs(t, err, ErrNoProviderEnabled)

	_, err = New(configFor("openai"))
	assert.ErrorIs(t, err, ErrNoProviderEnabled, "openai provider without an API key must fail")
}

func TestErrorsAreClassified(t *testing.T) {
	plain := errors.New("boom")
	assert.Equal(t, plain, classifyOpenAIError(plain))
}
