package query

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdeck/codeindex/internal/embedder"
	"github.com/taskdeck/codeindex/internal/storage"
	"github.com/taskdeck/codeindex/pkg/types"
)

type fakeLLM struct {
	answer     string
	err        error
	calls      int
	lastSystem string
	lastUser   string
}

func (f *fakeLLM) Complete(_ context.Context, system, user string) (string, error) {
	f.calls++
	f.lastSystem = system
	f.lastUser = user
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

type fakeStarter struct {
	jobID      string
	startErr   error
	job        *types.IndexingJob
	statusErr  error
	startCalls int
}

func (f *fakeStarter) Start(_ context.Context, _ types.RepositoryKey) (string, error) {
	f.startCalls++
	return f.jobID, f.startErr
}

func (f *fakeStarter) Status(_ context.Context, _ types.RepositoryKey) (*types.IndexingJob, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.job, nil
}

func newTestEngine(t *testing.T, llm *fakeLLM, starter *fakeStarter, cfg Config) (*Engine, storage.Storage, embedder.Embedder) {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "query.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	emb := embedder.NewLocalEmbedder(nil)
	return New(store, emb, llm, starter, cfg, zerolog.Nop()), store, emb
}

// seedChunk stores one embedded chunk so that a question equal to its
// content scores an exact similarity of 1.0.
func seedChunk(t *testing.T, store storage.Storage, emb embedder.Embedder, key types.RepositoryKey, path, language, content string) types.CodeChunk {
	t.Helper()
	vectors, err := emb.EmbedBatch(context.Background(), []string{content})
	require.NoError(t, err)
	chunk := types.CodeChunk{
		Repository:  key,
		FilePath:    path,
		Language:    language,
		ChunkType:   types.ChunkFunction,
		ChunkName:   "doWork",
		ChunkIndex:  0,
		TotalChunks: 1,
		StartLine:   1,
		EndLine:     10,
		Content:     content,
		Embedding:   vectors[0],
	}
	require.NoError(t, store.UpsertChunks(context.Background(), []*types.CodeChunk{&chunk}))
	return chunk
}

func queryKey() types.RepositoryKey {
	return types.RepositoryKey{Owner: "acme", Name: "widgets", Branch: "main"}
}

func TestQueryAnswered(t *testing.T) {
	llm := &fakeLLM{answer: "doWork retries with backoff (internal/worker.go:1-10)."}
	starter := &fakeStarter{}
	eng, store, emb := newTestEngine(t, llm, starter, Config{Threshold: 0.9})

	key := queryKey()
	question := "how does the worker retry failed tasks"
	seedChunk(t, store, emb, key, "internal/worker.go", "go", question)

	res, err := eng.Query(context.Background(), &key, question)
	require.NoError(t, err)

	assert.Equal(t, types.QueryAnswered, res.Status)
	assert.Equal(t, llm.answer, res.Answer)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, "internal/worker.go", res.Chunks[0].Chunk.FilePath)
	assert.InDelta(t, 1.0, res.Chunks[0].Similarity, 1e-6)
	assert.GreaterOrEqual(t, res.Confidence, 0.9)

	assert.Contains(t, llm.lastUser, "internal/worker.go")
	assert.Contains(t, llm.lastUser, question)
	assert.Contains(t, llm.lastSystem, "code intelligence")
	// "how does" questions get the explanation framing
	assert.Contains(t, llm.lastSystem, "control and data flow")
	assert.Zero(t, starter.startCalls)
}

func TestQueryNotIndexedTriggersIndexing(t *testing.T) {
	llm := &fakeLLM{}
	starter := &fakeStarter{jobID: "job-1", statusErr: types.ErrNotFound}
	eng, _, _ := newTestEngine(t, llm, starter, Config{})

	key := queryKey()
	res, err := eng.Query(context.Background(), &key, "how does auth work")
	require.NoError(t, err)

	assert.Equal(t, types.QueryNotIndexed, res.Status)
	assert.Equal(t, "job-1", res.JobID)
	assert.Contains(t, res.Answer, "not indexed yet")
	assert.Equal(t, 1, starter.startCalls)
	assert.Zero(t, llm.calls)
}

func TestQueryTriggerToleratesConcurrentStart(t *testing.T) {
	starter := &fakeStarter{jobID: "job-2", statusErr: types.ErrNotFound, startErr: types.ErrAlreadyRunning}
	eng, _, _ := newTestEngine(t, &fakeLLM{}, starter, Config{})

	key := queryKey()
	res, err := eng.Query(context.Background(), &key, "how does auth work")
	require.NoError(t, err)
	assert.Equal(t, types.QueryNotIndexed, res.Status)
	assert.Equal(t, "job-2", res.JobID)
}

func TestQueryIndexingInProgress(t *testing.T) {
	starter := &fakeStarter{job: &types.IndexingJob{
		ID:       "job-3",
		Status:   types.JobIndexing,
		Progress: 40,
	}}
	eng, _, _ := newTestEngine(t, &fakeLLM{}, starter, Config{})

	key := queryKey()
	res, err := eng.Query(context.Background(), &key, "how does auth work")
	require.NoError(t, err)

	assert.Equal(t, types.QueryNotIndexed, res.Status)
	assert.Equal(t, "job-3", res.JobID)
	assert.Contains(t, res.Answer, "being indexed")
	assert.Zero(t, starter.startCalls)
}

func TestQueryCompletedNoMatches(t *testing.T) {
	starter := &fakeStarter{job: &types.IndexingJob{ID: "job-4", Status: types.JobCompleted}}
	eng, _, _ := newTestEngine(t, &fakeLLM{}, starter, Config{})

	key := queryKey()
	res, err := eng.Query(context.Background(), &key, "where is the kafka consumer")
	require.NoError(t, err)

	assert.Equal(t, types.QueryNoMatches, res.Status)
	assert.Contains(t, res.Answer, "No relevant code found")
	assert.Zero(t, starter.startCalls)
}

func TestQueryFailedJobRetriggers(t *testing.T) {
	starter := &fakeStarter{
		jobID: "job-5",
		job:   &types.IndexingJob{ID: "job-old", Status: types.JobFailed},
	}
	eng, _, _ := newTestEngine(t, &fakeLLM{}, starter, Config{})

	key := queryKey()
	res, err := eng.Query(context.Background(), &key, "how does auth work")
	require.NoError(t, err)

	assert.Equal(t, types.QueryNotIndexed, res.Status)
	assert.Equal(t, "job-5", res.JobID)
	assert.Equal(t, 1, starter.startCalls)
}

func TestQueryNilKeySearchesEverything(t *testing.T) {
	llm := &fakeLLM{answer: "it lives in two places"}
	starter := &fakeStarter{}
	eng, store, emb := newTestEngine(t, llm, starter, Config{Threshold: 0.9})

	question := "where is the session cache"
	seedChunk(t, store, emb, types.RepositoryKey{Owner: "acme", Name: "widgets", Branch: "main"}, "cache.go", "go", question)
	seedChunk(t, store, emb, types.RepositoryKey{Owner: "emca", Name: "gears", Branch: "main"}, "session.go", "go", question)

	res, err := eng.Query(context.Background(), nil, question)
	require.NoError(t, err)

	assert.Equal(t, types.QueryAnswered, res.Status)
	assert.Len(t, res.Chunks, 2)
}

func TestQueryNilKeyNoMatches(t *testing.T) {
	starter := &fakeStarter{}
	eng, _, _ := newTestEngine(t, &fakeLLM{}, starter, Config{})

	res, err := eng.Query(context.Background(), nil, "anything at all")
	require.NoError(t, err)

	assert.Equal(t, types.QueryNoMatches, res.Status)
	assert.Zero(t, starter.startCalls)
}

func TestQueryScopedToRepository(t *testing.T) {
	llm := &fakeLLM{answer: "only in widgets"}
	eng, store, emb := newTestEngine(t, llm, &fakeStarter{}, Config{Threshold: 0.9})

	key := queryKey()
	question := "where is the session cache"
	seedChunk(t, store, emb, key, "cache.go", "go", question)
	seedChunk(t, store, emb, types.RepositoryKey{Owner: "emca", Name: "gears", Branch: "main"}, "session.go", "go", question)

	res, err := eng.Query(context.Background(), &key, question)
	require.NoError(t, err)

	require.Len(t, res.Chunks, 1)
	assert.Equal(t, key, res.Chunks[0].Chunk.Repository)
}

func TestQueryRetriesWithoutFilters(t *testing.T) {
	llm := &fakeLLM{answer: "found it anyway"}
	eng, store, emb := newTestEngine(t, llm, &fakeStarter{}, Config{Threshold: 0.9})

	// The question mentions python, the only match is Go code. The language
	// filter finds nothing and the unfiltered retry must surface the chunk.
	key := queryKey()
	question := "does the python service validate tokens"
	seedChunk(t, store, emb, key, "tokens.go", "go", question)

	res, err := eng.Query(context.Background(), &key, question)
	require.NoError(t, err)

	assert.Equal(t, types.QueryAnswered, res.Status)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, "tokens.go", res.Chunks[0].Chunk.FilePath)
}

func TestQueryContextBudgetLimitsCitations(t *testing.T) {
	llm := &fakeLLM{answer: "short answer"}
	eng, store, emb := newTestEngine(t, llm, &fakeStarter{}, Config{Threshold: 0.9, MaxContextChars: 200})

	key := queryKey()
	question := "how does the worker retry failed tasks"
	seedChunk(t, store, emb, key, "a.go", "go", question)
	seedChunk(t, store, emb, key, "b.go", "go", question)

	res, err := eng.Query(context.Background(), &key, question)
	require.NoError(t, err)

	assert.Equal(t, types.QueryAnswered, res.Status)
	// The first chunk always fits, the budget excludes the second
	assert.Len(t, res.Chunks, 1)
}

func TestQueryRejectsEmptyQuestion(t *testing.T) {
	eng, _, _ := newTestEngine(t, &fakeLLM{}, &fakeStarter{}, Config{})

	_, err := eng.Query(context.Background(), nil, "   ")
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestQueryRejectsInvalidKey(t *testing.T) {
	eng, _, _ := newTestEngine(t, &fakeLLM{}, &fakeStarter{}, Config{})

	key := types.RepositoryKey{Owner: "acme"}
	_, err := eng.Query(context.Background(), &key, "how does auth work")
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestConfidenceBounds(t *testing.T) {
	assert.Zero(t, confidence(nil))

	one := []types.ScoredChunk{{Similarity: 0.95}}
	assert.InDelta(t, 0.95, confidence(one), 1e-9)

	many := []types.ScoredChunk{{Similarity: 0.99}, {Similarity: 0.9}, {Similarity: 0.9}}
	assert.LessOrEqual(t, confidence(many), 1.0)
	assert.Greater(t, confidence(many), 0.99)
}

func TestQueryCachesAnsweredResults(t *testing.T) {
	llm := &fakeLLM{answer: "cached answer"}
	eng, store, emb := newTestEngine(t, llm, &fakeStarter{}, Config{Threshold: 0.9, CacheSize: 8})

	key := queryKey()
	question := "how does the worker retry failed tasks"
	seedChunk(t, store, emb, key, "worker.go", "go", question)

	first, err := eng.Query(context.Background(), &key, question)
	require.NoError(t, err)
	require.Equal(t, types.QueryAnswered, first.Status)
	require.Equal(t, 1, llm.calls)

	second, err := eng.Query(context.Background(), &key, question)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, llm.calls, "a repeated question must be served from the cache")

	// A different repository scope misses the cache
	other := types.RepositoryKey{Owner: "emca", Name: "gears", Branch: "main"}
	seedChunk(t, store, emb, other, "worker.go", "go", question)
	_, err = eng.Query(context.Background(), &other, question)
	require.NoError(t, err)
	assert.Equal(t, 2, llm.calls)
}

func TestQueryEmptyOutcomesNotCached(t *testing.T) {
	starter := &fakeStarter{jobID: "job-9", statusErr: types.ErrNotFound}
	eng, _, _ := newTestEngine(t, &fakeLLM{}, starter, Config{CacheSize: 8})

	key := queryKey()
	for i := 0; i < 2; i++ {
		res, err := eng.Query(context.Background(), &key, "how does auth work")
		require.NoError(t, err)
		assert.Equal(t, types.QueryNotIndexed, res.Status)
	}
	assert.Equal(t, 2, starter.startCalls, "not-indexed outcomes depend on job state and must be recomputed")
}
