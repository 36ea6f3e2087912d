package indexer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdeck/codeindex/internal/chunker"
	"github.com/taskdeck/codeindex/internal/embedder"
	"github.com/taskdeck/codeindex/internal/fetcher"
	"github.com/taskdeck/codeindex/internal/storage"
	"github.com/taskdeck/codeindex/pkg/types"
)

// fakeProvider serves an in-memory file set as a single listing page.
type fakeProvider struct {
	files   map[string]string
	listErr error
	slow    bool // block content fetches until the context is cancelled
}

func (p *fakeProvider) ListFiles(ctx context.Context, key types.RepositoryKey, cursor string) (fetcher.Page, error) {
	if p.listErr != nil {
		return fetcher.Page{}, p.listErr
	}
	paths := make([]string, 0, len(p.files))
	for path := range p.files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	page := fetcher.Page{}
	for _, path := range paths {
		page.Files = append(page.Files, fetcher.FileMeta{Path: path, Size: int64(len(p.files[path]))})
	}
	return page, nil
}

func (p *fakeProvider) GetFileContent(ctx context.Context, key types.RepositoryKey, filePath string) ([]byte, string, error) {
	if p.slow {
		<-ctx.Done()
		return nil, "", ctx.Err()
	}
	content, ok := p.files[filePath]
	if !ok {
		return nil, "", types.ErrNotFound
	}
	return []byte(content), "text/plain", nil
}

func newTestIndexer(t *testing.T, provider fetcher.ContentProvider) (*Indexer, *storage.SQLiteStorage) {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	log := zerolog.Nop()
	idx := New(
		store,
		fetcher.New(provider, log),
		chunker.New(chunker.DefaultMaxTokens),
		embedder.NewLocalEmbedder(nil),
		Config{Workers: 4},
		log,
	)
	return idx, store
}

func testKey() types.RepositoryKey {
	return types.RepositoryKey{Owner: "acme", Name: "widgets", Branch: "main"}
}

func waitForTerminal(t *testing.T, idx *Indexer, key types.RepositoryKey) *types.IndexingJob {
	t.Helper()
	var job *types.IndexingJob
	require.Eventually(t, func() bool {
		j, err := idx.Status(context.Background(), key)
		if err != nil {
			return false
		}
		job = j
		return j.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)
	return job
}

func TestIndexRepository(t *testing.T) {
	provider := &fakeProvider{files: map[string]string{
		"a.go": "package a\n\nfunc Hello() string {\n\treturn \"hello\"\n}\n",
		"b.go": "package b\n\nfunc One() int {\n\treturn 1\n}\n\nfunc Two() int {\n\treturn 2\n}\n",
	}}
	idx, store := newTestIndexer(t, provider)
	key := testKey()
	ctx := context.Background()

	jobID, err := idx.Start(ctx, key)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job := waitForTerminal(t, idx, key)
	assert.Equal(t, types.JobCompleted, job.Status)
	assert.Equal(t, 2, job.TotalFiles)
	assert.Equal(t, 2, job.IndexedFiles)
	assert.Equal(t, 3, job.TotalChunks)
	assert.Equal(t, 3, job.IndexedChunks)
	assert.Zero(t, job.PendingChunks)
	assert.Equal(t, float64(100), job.Progress)
	assert.False(t, job.CompletedAt.IsZero())

	// Every chunk carries the final per-file chunk count
	aChunks, err := store.GetChunks(ctx, key, "a.go")
	require.NoError(t, err)
	require.Len(t, aChunks, 1)
	assert.Equal(t, 1, aChunks[0].TotalChunks)

	bChunks, err := store.GetChunks(ctx, key, "b.go")
	require.NoError(t, err)
	require.Len(t, bChunks, 2)
	for i, chunk := range bChunks {
		assert.Equal(t, i, chunk.ChunkIndex)
		assert.Equal(t, 2, chunk.TotalChunks)
		assert.True(t, chunk.Embedded())
	}
}

func TestStartReturnsExistingJob(t *testing.T) {
	provider := &fakeProvider{slow: true, files: map[string]string{"a.go": "package a\n"}}
	idx, _ := newTestIndexer(t, provider)
	key := testKey()
	ctx := context.Background()

	first, err := idx.Start(ctx, key)
	require.NoError(t, err)

	second, err := idx.Start(ctx, key)
	assert.ErrorIs(t, err, types.ErrAlreadyRunning)
	assert.Equal(t, first, second, "duplicate start must report the live job")

	require.NoError(t, idx.Cancel(key))
	waitForTerminal(t, idx, key)
}

func TestReindexSkipsUnchangedFiles(t *testing.T) {
	provider := &fakeProvider{files: map[string]string{
		"a.go": "package a\n\nfunc Hello() string {\n\treturn \"hello\"\n}\n",
	}}
	idx, store := newTestIndexer(t, provider)
	key := testKey()
	ctx := context.Background()

	_, err := idx.Start(ctx, key)
	require.NoError(t, err)
	waitForTerminal(t, idx, key)

	before, err := store.GetChunks(ctx, key, "a.go")
	require.NoError(t, err)
	require.Len(t, before, 1)

	_, err = idx.Start(ctx, key)
	require.NoError(t, err)
	job := waitForTerminal(t, idx, key)

	assert.Equal(t, types.JobCompleted, job.Status)
	assert.Equal(t, 1, job.IndexedFiles)
	assert.Equal(t, 1, job.SkippedFiles)
	assert.Zero(t, job.TotalChunks, "unchanged files must not be re-chunked")

	after, err := store.GetChunks(ctx, key, "a.go")
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, before[0].IndexedAt.Unix(), after[0].IndexedAt.Unix())
}

func TestReindexRemovesStaleChunks(t *testing.T) {
	big := "package a\n"
	for i := 0; i < 4; i++ {
		big += fmt.Sprintf("\nfunc F%d() int {\n\treturn %d\n}\n", i, i)
	}
	provider := &fakeProvider{files: map[string]string{"a.go": big}}
	idx, store := newTestIndexer(t, provider)
	key := testKey()
	ctx := context.Background()

	_, err := idx.Start(ctx, key)
	require.NoError(t, err)
	waitForTerminal(t, idx, key)

	chunks, err := store.GetChunks(ctx, key, "a.go")
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	// The file shrinks to a single function
	provider.files["a.go"] = "package a\n\nfunc Only() int {\n\treturn 0\n}\n"
	_, err = idx.Start(ctx, key)
	require.NoError(t, err)
	waitForTerminal(t, idx, key)

	chunks, err = store.GetChunks(ctx, key, "a.go")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 1, chunks[0].TotalChunks)
}

func TestCancelIndexing(t *testing.T) {
	provider := &fakeProvider{slow: true, files: map[string]string{"a.go": "package a\n"}}
	idx, _ := newTestIndexer(t, provider)
	key := testKey()

	_, err := idx.Start(context.Background(), key)
	require.NoError(t, err)

	require.NoError(t, idx.Cancel(key))

	job := waitForTerminal(t, idx, key)
	assert.Equal(t, types.JobFailed, job.Status)
	assert.Equal(t, "cancelled", job.ErrorMessage)
}

func TestCancelWithoutActiveRun(t *testing.T) {
	idx, _ := newTestIndexer(t, &fakeProvider{})
	err := idx.Cancel(testKey())
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestListingFailureFailsJob(t *testing.T) {
	provider := &fakeProvider{listErr: errors.New("404 repository not found")}
	idx, _ := newTestIndexer(t, provider)
	key := testKey()

	_, err := idx.Start(context.Background(), key)
	require.NoError(t, err)

	job := waitForTerminal(t, idx, key)
	assert.Equal(t, types.JobFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "not found")
}

func TestStatusUnknownRepository(t *testing.T) {
	idx, _ := newTestIndexer(t, &fakeProvider{})
	_, err := idx.Status(context.Background(), testKey())
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStartRejectsInvalidKey(t *testing.T) {
	idx, _ := newTestIndexer(t, &fakeProvider{})
	_, err := idx.Start(context.Background(), types.RepositoryKey{})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

// failingEmbedder rejects every batch until recovered.
type failingEmbedder struct {
	inner   embedder.Embedder
	healthy bool
}

func (f *failingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if !f.healthy {
		return nil, types.ErrUnavailable
	}
	return f.inner.EmbedBatch(ctx, texts)
}

func (f *failingEmbedder) Dimension() int { return f.inner.Dimension() }
func (f *failingEmbedder) Model() string  { return f.inner.Model() }
func (f *failingEmbedder) Close() error   { return f.inner.Close() }

func TestEmbeddingFailureStoresPendingChunks(t *testing.T) {
	provider := &fakeProvider{files: map[string]string{
		"a.go": "package a\n\nfunc A() {}\n",
	}}
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	log := zerolog.Nop()
	emb := &failingEmbedder{inner: embedder.NewLocalEmbedder(nil)}
	newIndexer := func() *Indexer {
		return New(store, fetcher.New(provider, log), chunker.New(chunker.DefaultMaxTokens), emb, Config{Workers: 2}, log)
	}

	idx := newTestRun(t, newIndexer())
	job := waitForTerminal(t, idx, testKey())
	require.Equal(t, types.JobCompleted, job.Status)
	assert.Equal(t, 0, job.IndexedChunks)
	assert.Positive(t, job.PendingChunks)

	// Unembedded chunks are stored but never surface in search results
	chunks, err := store.GetChunks(context.Background(), testKey(), "a.go")
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.False(t, chunks[0].Embedded())

	// The file keeps no content hash, so a later run reprocesses it once the
	// provider recovers
	emb.healthy = true
	idx2 := newTestRun(t, newIndexer())
	job = waitForTerminal(t, idx2, testKey())
	require.Equal(t, types.JobCompleted, job.Status)
	assert.Equal(t, 0, job.SkippedFiles)
	assert.Positive(t, job.IndexedChunks)
	assert.Zero(t, job.PendingChunks)

	chunks, err = store.GetChunks(context.Background(), testKey(), "a.go")
	require.NoError(t, err)
	assert.True(t, chunks[0].Embedded())
}

// newTestRun starts indexing and returns the indexer for status polling.
func newTestRun(t *testing.T, idx *Indexer) *Indexer {
	t.Helper()
	_, err := idx.Start(context.Background(), testKey())
	require.NoError(t, err)
	return idx
}

func TestShutdownWaitsForTerminalState(t *testing.T) {
	provider := &fakeProvider{files: map[string]string{"a.go": "package a\n"}, slow: true}
	idx, _ := newTestIndexer(t, provider)

	_, err := idx.Start(context.Background(), testKey())
	require.NoError(t, err)

	idx.Shutdown()

	// No polling: the job must already be terminal when Shutdown returns
	job, err := idx.Status(context.Background(), testKey())
	require.NoError(t, err)
	require.Equal(t, types.JobFailed, job.Status)
	assert.Equal(t, "cancelled", job.ErrorMessage)

	// The key is free again for a fresh run
	provider.slow = false
	_, err = idx.Start(context.Background(), testKey())
	require.NoError(t, err)
	job = waitForTerminal(t, idx, testKey())
	assert.Equal(t, types.JobCompleted, job.Status)
}

func TestWorkerPoolSmallerThanFileCount(t *testing.T) {
	files := make(map[string]string, 24)
	for i := 0; i < 24; i++ {
		files[fmt.Sprintf("pkg_%02d.go", i)] = fmt.Sprintf("package p\n\nfunc F%02d() {}\n", i)
	}
	provider := &fakeProvider{files: files}

	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	log := zerolog.Nop()
	idx := New(
		store,
		fetcher.New(provider, log),
		chunker.New(chunker.DefaultMaxTokens),
		embedder.NewLocalEmbedder(nil),
		Config{Workers: 2},
		log,
	)

	_, err = idx.Start(context.Background(), testKey())
	require.NoError(t, err)

	job := waitForTerminal(t, idx, testKey())
	require.Equal(t, types.JobCompleted, job.Status)
	assert.Equal(t, 24, job.TotalFiles)
	assert.Equal(t, 24, job.IndexedFiles)
	assert.Zero(t, job.FailedFiles)
	assert.InDelta(t, 100.0, job.Progress, 1e-9)
	assert.Equal(t, job.TotalChunks, job.IndexedChunks)
	assert.Positive(t, job.TotalChunks)
}
