package indexer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/taskdeck/codeindex/internal/chunker"
	"github.com/taskdeck/codeindex/internal/embedder"
	"github.com/taskdeck/codeindex/internal/fetcher"
	"github.com/taskdeck/codeindex/internal/storage"
	"github.com/taskdeck/codeindex/pkg/types"
)

// Indexer coordinates the indexing pipeline: fetch -> chunk -> embed -> store.
type Indexer struct {
	fetcher  *fetcher.Fetcher
	chunker  *chunker.Chunker
	embedder embedder.Embedder
	store    storage.Storage
	log      zerolog.Logger

	workers   int
	batchSize int
	filters   fetcher.Filters

	registry *runRegistry
	wg       sync.WaitGroup
}

// Config tunes the indexing pipeline.
type Config struct {
	Workers   int // Concurrent file workers (default: runtime.NumCPU())
	BatchSize int // Texts per embedding call (default: embedder.MaxBatchSize)
	Filters   fetcher.Filters
}

// New creates an Indexer over the given pipeline stages.
func New(store storage.Storage, f *fetcher.Fetcher, c *chunker.Chunker, e embedder.Embedder, cfg Config, log zerolog.Logger) *Indexer {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > embedder.MaxBatchSize {
		cfg.BatchSize = embedder.MaxBatchSize
	}
	return &Indexer{
		fetcher:   f,
		chunker:   c,
		embedder:  e,
		store:     store,
		log:       log.With().Str("component", "indexer").Logger(),
		workers:   cfg.Workers,
		batchSize: cfg.BatchSize,
		filters:   cfg.Filters,
		registry:  newRunRegistry(),
	}
}

// Start launches an asynchronous indexing run for the repository and returns
// its job ID. If a run is already live for the key, the existing job's ID is
// returned together with types.ErrAlreadyRunning. Indexing continues after
// ctx is released; ctx only covers the setup queries.
func (idx *Indexer) Start(ctx context.Context, key types.RepositoryKey) (string, error) {
	if err := key.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrInvalidInput, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rn := &run{jobID: uuid.New().String(), cancel: cancel}

	if existing, ok := idx.registry.tryAdd(key.String(), rn); !ok {
		cancel()
		return existing.jobID, fmt.Errorf("%w: indexing already in progress for %s", types.ErrAlreadyRunning, key)
	}

	job := &types.IndexingJob{
		ID:         rn.jobID,
		Repository: key,
		Status:     types.JobPending,
	}
	if err := idx.store.CreateJob(ctx, job); err != nil {
		idx.registry.remove(key.String())
		cancel()
		if errors.Is(err, types.ErrAlreadyRunning) {
			// Another process beat us to it; report its job instead
			if active, gerr := idx.store.GetActiveJob(ctx, key); gerr == nil {
				return active.ID, err
			}
		}
		return "", err
	}

	idx.log.Info().Str("repository", key.String()).Str("job_id", rn.jobID).Msg("indexing started")
	idx.wg.Add(1)
	go func() {
		defer idx.wg.Done()
		idx.run(runCtx, key, rn.jobID)
	}()
	return rn.jobID, nil
}

// Cancel requests cooperative cancellation of the live run for the key.
// The job lands in the failed state with a cancellation message once the
// workers have drained.
func (idx *Indexer) Cancel(key types.RepositoryKey) error {
	rn, ok := idx.registry.get(key.String())
	if !ok {
		return fmt.Errorf("%w: no active indexing for %s", types.ErrNotFound, key)
	}
	rn.cancel()
	return nil
}

// Status returns the live job for the key if one exists, otherwise the most
// recent one.
func (idx *Indexer) Status(ctx context.Context, key types.RepositoryKey) (*types.IndexingJob, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidInput, err)
	}
	job, err := idx.store.GetActiveJob(ctx, key)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	return idx.store.GetLatestJob(ctx, key)
}

// Shutdown cancels every live run and blocks until each has recorded its
// terminal state. Callers may close the store as soon as Shutdown returns.
func (idx *Indexer) Shutdown() {
	idx.registry.mu.Lock()
	for _, rn := range idx.registry.runs {
		rn.cancel()
	}
	idx.registry.mu.Unlock()
	idx.wg.Wait()
}

// run drives one indexing job to a terminal state.
func (idx *Indexer) run(ctx context.Context, key types.RepositoryKey, jobID string) {
	defer idx.registry.remove(key.String())

	indexing := types.JobIndexing
	if _, err := idx.store.UpdateJob(ctx, jobID, types.JobUpdate{Status: &indexing}); err != nil {
		idx.finishJob(key, jobID, nil, err)
		return
	}

	var stats fetcher.Stats
	g, gctx := errgroup.WithContext(ctx)
	files, listErrs := idx.fetcher.FetchFiles(gctx, key, idx.filters, &stats)
	sem := make(chan struct{}, idx.workers)

	g.Go(func() error {
		for file := range files {
			f := file
			current := f.Path
			if _, err := idx.store.UpdateJob(gctx, jobID, types.JobUpdate{
				TotalFilesDelta: 1,
				CurrentFile:     &current,
			}); err != nil {
				return err
			}

			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			g.Go(func() error {
				defer func() { <-sem }()
				return idx.processFile(gctx, jobID, key, f)
			})
		}
		return nil
	})

	procErr := g.Wait()
	listErr := <-listErrs

	runErr := procErr
	if runErr == nil {
		runErr = listErr
	}
	idx.finishJob(key, jobID, &stats, runErr)
}

// finishJob writes the terminal job state. It uses a fresh context so a
// cancelled run can still record its outcome.
func (idx *Indexer) finishJob(key types.RepositoryKey, jobID string, stats *fetcher.Stats, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	update := types.JobUpdate{}
	if stats != nil {
		update.SkippedFilesDelta = int(stats.SizeSkipped.Load() + stats.Binary.Load())
		update.FailedFilesDelta = int(stats.FetchFailed.Load())
	}

	var status types.JobStatus
	var msg string
	switch {
	case runErr == nil:
		status = types.JobCompleted
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, types.ErrCancelled):
		status = types.JobFailed
		msg = "cancelled"
	default:
		status = types.JobFailed
		msg = runErr.Error()
	}
	update.Status = &status
	if msg != "" {
		update.ErrorMessage = &msg
	}
	empty := ""
	update.CurrentFile = &empty

	job, err := idx.store.UpdateJob(ctx, jobID, update)
	if err != nil {
		idx.log.Error().Err(err).Str("job_id", jobID).Msg("failed to record terminal job state")
		return
	}

	evt := idx.log.Info()
	if status == types.JobFailed {
		evt = idx.log.Warn().Str("reason", msg)
	}
	evt.Str("repository", key.String()).
		Str("job_id", jobID).
		Str("status", string(status)).
		Int("files", job.IndexedFiles).
		Int("chunks", job.TotalChunks).
		Dur("duration", job.Duration).
		Msg("indexing finished")
}

// processFile runs one file through chunk -> embed -> store. Returning an
// error aborts the whole run; recoverable per-file problems are counted and
// swallowed instead.
func (idx *Indexer) processFile(ctx context.Context, jobID string, key types.RepositoryKey, file types.SourceFile) error {
	sum := file.Hash()
	hash := hex.EncodeToString(sum[:])

	state, err := idx.store.GetFileState(ctx, key, file.Path)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	if err == nil && state.ContentHash == hash {
		// Unchanged since the last run; its chunks are already in place
		_, err = idx.store.UpdateJob(ctx, jobID, types.JobUpdate{
			IndexedFilesDelta: 1,
			SkippedFilesDelta: 1,
		})
		return err
	}

	chunks, err := idx.chunker.Chunk(file)
	if err != nil {
		idx.log.Warn().Err(err).Str("path", file.Path).Msg("chunking failed, file skipped")
		_, uerr := idx.store.UpdateJob(ctx, jobID, types.JobUpdate{FailedFilesDelta: 1})
		return uerr
	}

	for _, chunk := range chunks {
		chunk.Repository = key
	}

	embedded, pending, err := idx.embedChunks(ctx, chunks)
	if err != nil {
		return err
	}

	if len(chunks) > 0 {
		if err := idx.store.UpsertChunks(ctx, chunks); err != nil {
			return err
		}
	}

	// Clear slots past the new chunk count; a shrunken file leaves stale
	// tail rows otherwise
	if _, err := idx.store.DeleteChunksFrom(ctx, key, file.Path, len(chunks)); err != nil {
		return err
	}

	// A file with pending chunks keeps an empty hash so the next run
	// reprocesses it instead of hash-skipping past the missing embeddings.
	recordedHash := hash
	if pending > 0 {
		recordedHash = ""
	}
	if err := idx.store.UpsertFileState(ctx, &storage.FileState{
		Repository:  key,
		FilePath:    file.Path,
		ContentHash: recordedHash,
		Language:    file.Language,
		ChunkCount:  len(chunks),
	}); err != nil {
		return err
	}

	_, err = idx.store.UpdateJob(ctx, jobID, types.JobUpdate{
		IndexedFilesDelta:  1,
		TotalChunksDelta:   len(chunks),
		IndexedChunksDelta: embedded,
		PendingChunksDelta: pending,
	})
	return err
}

// embedChunks fills in embeddings batch by batch. A failed batch leaves its
// chunks unembedded; they are stored anyway and counted as pending so a later
// run can pick them up. Only context cancellation aborts.
func (idx *Indexer) embedChunks(ctx context.Context, chunks []*types.CodeChunk) (embedded, pending int, err error) {
	for start := 0; start < len(chunks); start += idx.batchSize {
		end := start + idx.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, chunk := range batch {
			texts[i] = chunk.Content
		}

		vectors, embErr := idx.embedder.EmbedBatch(ctx, texts)
		if embErr != nil {
			if ctx.Err() != nil {
				return embedded, pending, ctx.Err()
			}
			idx.log.Warn().Err(embErr).Int("chunks", len(batch)).Msg("embedding batch failed, chunks stored without vectors")
			pending += len(batch)
			continue
		}

		for i, chunk := range batch {
			chunk.Embedding = vectors[i]
		}
		embedded += len(batch)
	}
	return embedded, pending, nil
}
