package embedder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/taskdeck/codeindex/pkg/types"
)

const (
	// DefaultOpenAIModel is the embedding model used when none is configured.
	DefaultOpenAIModel = "text-embedding-3-small"

	// OpenAIDimension is the vector dimension of text-embedding-3-small.
	OpenAIDimension = 1536
)

// OpenAIEmbedder implements Embedder using the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client  *openai.Client
	model   string
	dim     int
	cache   *Cache
	timeout time.Duration
}

// OpenAIOption configures an OpenAIEmbedder.
type OpenAIOption func(*OpenAIEmbedder)

// WithOpenAIBaseURL points the embedder at a compatible endpoint, used for
// proxies and tests.
func WithOpenAIBaseURL(apiKey, baseURL string) OpenAIOption {
	return func(e *OpenAIEmbedder) {
		cfg := openai.DefaultConfig(apiKey)
		cfg.BaseURL = baseURL
		e.client = openai.NewClientWithConfig(cfg)
	}
}

// WithEmbedTimeout sets the per-call timeout.
func WithEmbedTimeout(timeout time.Duration) OpenAIOption {
	return func(e *OpenAIEmbedder) {
		e.timeout = timeout
	}
}

// NewOpenAIEmbedder creates an OpenAI embedder. The cache may be nil.
func NewOpenAIEmbedder(apiKey, model string, cache *Cache, opts ...OpenAIOption) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: OpenAI API key not set", ErrNoProviderEnabled)
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	dim := OpenAIDimension
	if model == "text-embedding-3-large" {
		dim = 3072
	}
	e := &OpenAIEmbedder{
		client:  openai.NewClient(apiKey),
		model:   model,
		dim:     dim,
		cache:   cache,
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// EmbedBatch embeds texts in input order, consulting the cache first and
// calling the API only for misses. Transient failures are retried with
// exponential backoff; when retries run out the whole batch fails and the
// caller records those chunks for a later resume pass.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ValidateBatch(texts); err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(texts))
	var missing []int
	for i, text := range texts {
		if e.cache != nil {
			if vec, ok := e.cache.Get(ComputeHash(text)); ok {
				vectors[i] = vec
				continue
			}
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return vectors, nil
	}

	input := make([]string, len(missing))
	for i, idx := range missing {
		input[i] = texts[idx]
	}

	fetched, err := retryWithBackoff(ctx, DefaultRetryConfig(), func() ([][]float32, error) {
		return e.callAPI(ctx, input)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFailed, err)
	}

	for i, idx := range missing {
		vectors[idx] = fetched[i]
		if e.cache != nil {
			e.cache.Set(ComputeHash(texts[idx]), fetched[i])
		}
	}
	return vectors, nil
}

func (e *OpenAIEmbedder) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.CreateEmbeddings(callCtx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: texts,
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("provider returned %d embeddings for %d texts", len(resp.Data), len(texts))
	}

	// The API documents output order by index; honor it explicitly.
	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("provider returned out-of-range index %d", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		copy(vec, d.Embedding)
		vectors[d.Index] = vec
	}
	return vectors, nil
}

func (e *OpenAIEmbedder) Dimension() int {
	return e.dim
}

func (e *OpenAIEmbedder) Model() string {
	return e.model
}

func (e *OpenAIEmbedder) Close() error {
	return nil
}

// classifyOpenAIError maps provider errors onto the shared taxonomy so the
// retry layer can distinguish rate limits from invalid input.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", types.ErrRateLimited, err)
		case apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %v", types.ErrUnavailable, err)
		case apiErr.HTTPStatusCode == http.StatusBadRequest:
			return fmt.Errorf("%w: %v", types.ErrInvalidInput, err)
		}
	}
	return err
}
