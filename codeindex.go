// Package codeindex is the embedding surface for the code indexing and
// retrieval engine. It wires together the fetch, chunk, embed, store and
// query stages behind three operations: start indexing a repository, inspect
// indexing progress, and ask natural-language questions about indexed code.
package codeindex

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/taskdeck/codeindex/internal/chunker"
	"github.com/taskdeck/codeindex/internal/config"
	"github.com/taskdeck/codeindex/internal/embedder"
	"github.com/taskdeck/codeindex/internal/fetcher"
	"github.com/taskdeck/codeindex/internal/indexer"
	"github.com/taskdeck/codeindex/internal/query"
	"github.com/taskdeck/codeindex/internal/storage"
	"github.com/taskdeck/codeindex/pkg/types"
)

// Engine is the top-level handle. It owns the storage connection and the
// background indexing runs; Close releases both.
type Engine struct {
	cfg     *config.Config
	store   storage.Storage
	indexer *indexer.Indexer
	query   *query.Engine
	log     zerolog.Logger
}

type options struct {
	logger   *zerolog.Logger
	store    storage.Storage
	provider fetcher.ContentProvider
	embedder embedder.Embedder
	llm      query.Provider
}

// Option overrides one of the engine's default collaborators.
type Option func(*options)

// WithLogger replaces the default stderr logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.logger = &log }
}

// WithStorage injects a pre-built store instead of opening the configured
// database path. The engine still closes it on Close.
func WithStorage(store storage.Storage) Option {
	return func(o *options) { o.store = store }
}

// WithContentProvider replaces the GitHub provider, for alternate forges or
// tests.
func WithContentProvider(p fetcher.ContentProvider) Option {
	return func(o *options) { o.provider = p }
}

// WithEmbedder replaces the configured embedding provider.
func WithEmbedder(e embedder.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithLLMProvider replaces the configured answer-synthesis provider.
func WithLLMProvider(p query.Provider) Option {
	return func(o *options) { o.llm = p }
}

// New builds an engine from configuration. A nil cfg uses defaults; callers
// typically pass the result of config.Load.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if o.logger != nil {
		log = *o.logger
	}

	store := o.store
	if store == nil {
		s, err := storage.NewSQLiteStorage(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		store = s
	}

	emb := o.embedder
	if emb == nil {
		e, err := embedder.New(cfg.Embedding)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("create embedder: %w", err)
		}
		emb = e
	}

	llm := o.llm
	if llm == nil {
		apiKey := cfg.LLM.APIKey
		if apiKey == "" {
			apiKey = cfg.Embedding.APIKey
		}
		p, err := query.NewOpenAIProvider(apiKey, cfg.LLM.Model, query.WithTimeout(cfg.LLM.Timeout))
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("create llm provider: %w", err)
		}
		llm = p
	}

	provider := o.provider
	if provider == nil {
		var ghOpts []fetcher.GitHubOption
		if cfg.GitHub.BaseURL != "" {
			ghOpts = append(ghOpts, fetcher.WithBaseURL(cfg.GitHub.BaseURL))
		}
		if cfg.GitHub.Timeout > 0 {
			ghOpts = append(ghOpts, fetcher.WithTimeout(cfg.GitHub.Timeout))
		}
		provider = fetcher.NewGitHubProvider(cfg.GitHub.Token, ghOpts...)
	}

	idx := indexer.New(
		store,
		fetcher.New(provider, log),
		chunker.New(cfg.Chunker.MaxTokens),
		emb,
		indexer.Config{
			Workers:   cfg.Indexer.Workers,
			BatchSize: cfg.Embedding.BatchSize,
			Filters:   fetcher.NewFilters(cfg.Fetcher.Extensions, cfg.Fetcher.MaxFileSize),
		},
		log,
	)

	qe := query.New(store, emb, llm, idx, query.Config{
		Threshold:       cfg.Query.SimilarityThreshold,
		TopK:            cfg.Query.TopK,
		MaxContextChars: cfg.LLM.MaxContextChars,
		CacheSize:       cfg.Query.CacheSize,
	}, log)

	return &Engine{
		cfg:     cfg,
		store:   store,
		indexer: idx,
		query:   qe,
		log:     log,
	}, nil
}

// StartIndexing begins indexing a repository in the background and returns
// the job ID. If a job is already running for the repository, the existing
// job's ID is returned along with types.ErrAlreadyRunning.
func (e *Engine) StartIndexing(ctx context.Context, owner, name, branch string) (string, error) {
	return e.indexer.Start(ctx, repositoryKey(owner, name, branch))
}

// CancelIndexing requests cooperative cancellation of the repository's
// running job. It returns types.ErrNotFound when no run is active.
func (e *Engine) CancelIndexing(owner, name, branch string) error {
	return e.indexer.Cancel(repositoryKey(owner, name, branch))
}

// GetIndexingStatus returns the repository's active job, or its most recent
// one when nothing is running. types.ErrNotFound means the repository has
// never been indexed.
func (e *Engine) GetIndexingStatus(ctx context.Context, owner, name, branch string) (*types.IndexingJob, error) {
	return e.indexer.Status(ctx, repositoryKey(owner, name, branch))
}

// Query answers a natural-language question about indexed code. A nil repo
// searches every indexed repository. When repo names a repository that was
// never indexed, the result reports that and an indexing job is triggered as
// a side effect.
func (e *Engine) Query(ctx context.Context, repo *types.RepositoryKey, question string) (*types.QueryResult, error) {
	if repo != nil && repo.Branch == "" {
		k := *repo
		k.Branch = types.DefaultBranch
		repo = &k
	}
	return e.query.Query(ctx, repo, question)
}

// Close cancels all in-flight indexing runs and closes the store. Cancelled
// runs finish as failed jobs so their state is never ambiguous on restart.
func (e *Engine) Close() error {
	e.indexer.Shutdown()
	return e.store.Close()
}

func repositoryKey(owner, name, branch string) types.RepositoryKey {
	if branch == "" {
		branch = types.DefaultBranch
	}
	return types.RepositoryKey{Owner: owner, Name: name, Branch: branch}
}
