package embedder

import (
	"fmt"

	"github.com/taskdeck/codeindex/internal/config"
)

// New constructs the configured embedding provider with an LRU cache in
// front of it.
func New(cfg config.EmbeddingConfig) (Embedder, error) {
	cache := NewCache(cfg.CacheSize)

	switch cfg.Provider {
	case "openai", "":
		var opts []OpenAIOption
		if cfg.Timeout > 0 {
			opts = append(opts, WithEmbedTimeout(cfg.Timeout))
		}
		return NewOpenAIEmbedder(cfg.APIKey, cfg.Model, cache, opts...)
	case "local":
		return NewLocalEmbedder(cache), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrNoProviderEnabled, cfg.Provider)
	}
}
