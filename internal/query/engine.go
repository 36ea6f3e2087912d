package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/taskdeck/codeindex/internal/embedder"
	"github.com/taskdeck/codeindex/internal/storage"
	"github.com/taskdeck/codeindex/pkg/types"
)

const systemPrompt = `You are a code intelligence assistant. You answer questions about a codebase using the retrieved source code context provided below.

Focus on answering how, why, and where questions about the code. Explain behavior, data flow, and relationships between components. Cite the file path and line range for every claim you make, in the form path:start-end.

Do not generate new code unless explicitly asked. Keep answers concise and grounded in the provided context. If the context does not contain enough information to answer, say so.`

// capabilityFraming appends question-specific guidance to the system prompt.
var capabilityFraming = map[Capability]string{
	CapExplain:            "The user wants behavior explained. Walk through the control and data flow step by step.",
	CapFindImplementation: "The user wants the defining code located. Lead with the file and symbol where it is implemented.",
	CapFindUsages:         "The user wants call sites. Enumerate each place the symbol is used and what for.",
	CapFindSimilar:        "The user wants related code. Group the matches by how they resemble each other.",
}

// Starter is the orchestrator surface the engine needs: trigger indexing for
// a repository nobody has indexed yet and read job state.
type Starter interface {
	Start(ctx context.Context, key types.RepositoryKey) (string, error)
	Status(ctx context.Context, key types.RepositoryKey) (*types.IndexingJob, error)
}

// Config tunes retrieval and context assembly.
type Config struct {
	Threshold       float64 // Minimum similarity for a chunk to be considered
	TopK            int     // Maximum chunks retrieved
	MaxContextChars int     // Ceiling on assembled context size
	CacheSize       int     // Answered results kept in the LRU cache; 0 disables
}

// Engine answers natural-language questions about indexed code.
type Engine struct {
	store    storage.Storage
	embedder embedder.Embedder
	llm      Provider
	indexer  Starter
	log      zerolog.Logger

	threshold       float64
	topK            int
	maxContextChars int

	// cache holds answered results only; not-indexed and no-match outcomes
	// depend on job state and must be recomputed every time.
	cache *lru.Cache[string, *types.QueryResult]
}

// New creates a query engine. The embedder must be the same instance the
// indexer uses; mixing embedding models makes similarity scores meaningless.
func New(store storage.Storage, emb embedder.Embedder, llm Provider, idx Starter, cfg Config, log zerolog.Logger) *Engine {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.3
	}
	if cfg.TopK <= 0 {
		cfg.TopK = storage.DefaultSearchLimit
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = 48000
	}
	var cache *lru.Cache[string, *types.QueryResult]
	if cfg.CacheSize > 0 {
		cache, _ = lru.New[string, *types.QueryResult](cfg.CacheSize)
	}
	return &Engine{
		store:           store,
		embedder:        emb,
		llm:             llm,
		indexer:         idx,
		log:             log.With().Str("component", "query").Logger(),
		threshold:       cfg.Threshold,
		topK:            cfg.TopK,
		maxContextChars: cfg.MaxContextChars,
		cache:           cache,
	}
}

// Query answers a question. A nil key searches across every indexed
// repository; a non-nil key scopes the search and lets an unindexed
// repository trigger its own indexing as a side effect.
func (e *Engine) Query(ctx context.Context, key *types.RepositoryKey, question string) (*types.QueryResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("%w: question cannot be empty", types.ErrInvalidInput)
	}
	if key != nil {
		if err := key.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrInvalidInput, err)
		}
	}

	cacheKey := resultCacheKey(key, question)
	if e.cache != nil {
		if cached, ok := e.cache.Get(cacheKey); ok {
			return cached, nil
		}
	}

	vectors, err := e.embedder.EmbedBatch(ctx, []string{question})
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}

	intent := AnalyzeQuery(question)
	e.log.Debug().
		Str("capability", string(intent.Capability)).
		Str("language", intent.Language).
		Strs("path_patterns", intent.PathPatterns).
		Strs("terms", intent.Terms).
		Msg("question analyzed")

	results, err := e.search(ctx, vectors[0], key, intent)
	if err != nil {
		return nil, err
	}

	if len(results) == 0 {
		return e.emptyResult(ctx, key)
	}

	contextText, used := e.assembleContext(results)
	userPrompt := fmt.Sprintf("Here is the relevant source code context:\n\n%s\nQuestion: %s", contextText, question)
	if len(intent.Terms) > 0 {
		userPrompt += "\nKey terms: " + strings.Join(intent.Terms, ", ")
	}

	system := systemPrompt
	if framing := capabilityFraming[intent.Capability]; framing != "" {
		system += "\n\n" + framing
	}

	answer, err := e.llm.Complete(ctx, system, userPrompt)
	if err != nil {
		return nil, fmt.Errorf("synthesize answer: %w", err)
	}

	result := &types.QueryResult{
		Status:     types.QueryAnswered,
		Answer:     answer,
		Chunks:     used,
		Confidence: confidence(used),
	}
	if e.cache != nil {
		e.cache.Add(cacheKey, result)
	}
	return result, nil
}

// resultCacheKey scopes cached answers by repository. A nil key is the
// all-repositories scope.
func resultCacheKey(key *types.RepositoryKey, question string) string {
	scope := "*"
	if key != nil {
		scope = key.String()
	}
	return scope + "\x00" + question
}

// search runs the vector search, retrying without intent filters when a
// narrowed search finds nothing.
func (e *Engine) search(ctx context.Context, vector []float32, key *types.RepositoryKey, intent Intent) ([]types.ScoredChunk, error) {
	opts := storage.SearchOptions{
		Threshold:    e.threshold,
		Limit:        e.topK,
		Language:     intent.Language,
		PathPatterns: intent.PathPatterns,
	}
	if key != nil {
		opts.Owner = key.Owner
		opts.Repo = key.Name
		opts.Branch = key.Branch
	}

	results, err := e.store.Search(ctx, vector, opts)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if len(results) > 0 || (intent.Language == "" && len(intent.PathPatterns) == 0) {
		return results, nil
	}

	opts.Language = ""
	opts.PathPatterns = nil
	results, err = e.store.Search(ctx, vector, opts)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return results, nil
}

// emptyResult distinguishes "nothing indexed" from "indexed, nothing
// relevant". An unindexed repository gets an indexing job triggered as a
// side effect.
func (e *Engine) emptyResult(ctx context.Context, key *types.RepositoryKey) (*types.QueryResult, error) {
	if key == nil {
		return &types.QueryResult{
			Status: types.QueryNoMatches,
			Answer: "No relevant code found for this question in any indexed repository.",
		}, nil
	}

	job, err := e.indexer.Status(ctx, *key)
	switch {
	case errors.Is(err, types.ErrNotFound):
		return e.triggerIndexing(ctx, *key)
	case err != nil:
		return nil, err
	}

	switch {
	case !job.Status.Terminal():
		return &types.QueryResult{
			Status: types.QueryNotIndexed,
			Answer: fmt.Sprintf("Repository %s is being indexed (%.0f%% complete). Try again shortly.", *key, job.Progress),
			JobID:  job.ID,
		}, nil
	case job.Status == types.JobFailed:
		// The previous run died; start a fresh one rather than reporting
		// stale emptiness forever
		return e.triggerIndexing(ctx, *key)
	default:
		return &types.QueryResult{
			Status: types.QueryNoMatches,
			Answer: fmt.Sprintf("No relevant code found in %s for this question.", *key),
		}, nil
	}
}

func (e *Engine) triggerIndexing(ctx context.Context, key types.RepositoryKey) (*types.QueryResult, error) {
	jobID, err := e.indexer.Start(ctx, key)
	if err != nil && !errors.Is(err, types.ErrAlreadyRunning) {
		return nil, fmt.Errorf("trigger indexing: %w", err)
	}
	e.log.Info().Str("repository", key.String()).Str("job_id", jobID).Msg("query triggered indexing")
	return &types.QueryResult{
		Status: types.QueryNotIndexed,
		Answer: fmt.Sprintf("Repository %s is not indexed yet. Indexing has been triggered; try again shortly.", key),
		JobID:  jobID,
	}, nil
}

// assembleContext renders retrieved chunks into labelled context blocks,
// stopping at the character ceiling. It returns the text and the chunks that
// actually made it in, which become the citations.
func (e *Engine) assembleContext(results []types.ScoredChunk) (string, []types.ScoredChunk) {
	var b strings.Builder
	var used []types.ScoredChunk

	for i, r := range results {
		block := fmt.Sprintf("--- Chunk %d: %s (lines %d-%d, %s %s) ---\n%s\n\n",
			i+1, r.Chunk.FilePath, r.Chunk.StartLine, r.Chunk.EndLine,
			r.Chunk.Language, r.Chunk.ChunkName, r.Chunk.Content)
		if b.Len() > 0 && b.Len()+len(block) > e.maxContextChars {
			break
		}
		b.WriteString(block)
		used = append(used, r)
	}
	return b.String(), used
}

// confidence folds citation similarities into a single 0..1 score: the top
// similarity, nudged by how many supporting chunks cleared the threshold.
func confidence(used []types.ScoredChunk) float64 {
	if len(used) == 0 {
		return 0
	}
	top := used[0].Similarity
	support := float64(len(used)-1) * 0.02
	c := top + support
	if c > 1 {
		c = 1
	}
	if c < 0 {
		c = 0
	}
	return c
}
