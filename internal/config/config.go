package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the indexing and retrieval engine.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Chunker   ChunkerConfig   `mapstructure:"chunker"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Indexer   IndexerConfig   `mapstructure:"indexer"`
	Query     QueryConfig     `mapstructure:"query"`
}

// DatabaseConfig configures the persistent store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// GitHubConfig configures the repository content provider.
type GitHubConfig struct {
	Token   string        `mapstructure:"token"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// FetcherConfig restricts which files are fetched for indexing.
type FetcherConfig struct {
	Extensions  []string `mapstructure:"extensions"`
	MaxFileSize int64    `mapstructure:"max_file_size"`
}

// ChunkerConfig bounds chunk sizes.
type ChunkerConfig struct {
	MaxTokens int `mapstructure:"max_tokens"`
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	Provider  string        `mapstructure:"provider"`
	Model     string        `mapstructure:"model"`
	APIKey    string        `mapstructure:"api_key"`
	BatchSize int           `mapstructure:"batch_size"`
	CacheSize int           `mapstructure:"cache_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// LLMConfig configures the language-model provider used for answer synthesis.
type LLMConfig struct {
	Model           string        `mapstructure:"model"`
	APIKey          string        `mapstructure:"api_key"`
	MaxContextChars int           `mapstructure:"max_context_chars"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// IndexerConfig tunes the orchestrator's worker pool.
type IndexerConfig struct {
	Workers int `mapstructure:"workers"`
}

// QueryConfig tunes retrieval.
type QueryConfig struct {
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	TopK                int     `mapstructure:"top_k"`
	CacheSize           int     `mapstructure:"cache_size"`
}

// Load reads configuration from an optional file plus CODEINDEX_* environment
// variables, applying defaults for everything unset.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("CODEINDEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration with all defaults and no file or
// environment overrides applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static; unmarshal cannot fail on them.
		panic(fmt.Sprintf("default config unmarshal: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "codeindex.db")

	// Secrets have no meaningful default but must be registered so that
	// AutomaticEnv picks them up during Unmarshal.
	v.SetDefault("github.token", "")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("llm.api_key", "")

	v.SetDefault("github.base_url", "https://api.github.com")
	v.SetDefault("github.timeout", 30*time.Second)

	v.SetDefault("fetcher.extensions", []string{
		"go", "py", "js", "jsx", "ts", "tsx", "java", "rb", "rs",
		"c", "h", "cpp", "cc", "hpp", "cs", "php", "kt", "swift",
		"scala", "sh", "sql", "md", "yaml", "yml",
	})
	v.SetDefault("fetcher.max_file_size", int64(1<<20)) // 1 MB

	v.SetDefault("chunker.max_tokens", 1000)

	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.batch_size", 50)
	v.SetDefault("embedding.cache_size", 10000)
	v.SetDefault("embedding.timeout", 30*time.Second)

	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.max_context_chars", 48000)
	v.SetDefault("llm.timeout", 2*time.Minute)

	v.SetDefault("indexer.workers", runtime.NumCPU())

	v.SetDefault("query.similarity_threshold", 0.3)
	v.SetDefault("query.top_k", 15)
	v.SetDefault("query.cache_size", 1000)
}
