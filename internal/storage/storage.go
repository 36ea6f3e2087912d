package storage

import (
	"context"
	"time"

	"github.com/taskdeck/codeindex/pkg/types"
)

// Storage persists chunks, per-file index state, and indexing jobs.
type Storage interface {
	// Chunk operations
	UpsertChunks(ctx context.Context, chunks []*types.CodeChunk) error
	GetChunks(ctx context.Context, key types.RepositoryKey, filePath string) ([]*types.CodeChunk, error)
	DeleteChunksFrom(ctx context.Context, key types.RepositoryKey, filePath string, fromIndex int) (int, error)
	CountChunks(ctx context.Context, key types.RepositoryKey) (int, error)

	// Search operations
	Search(ctx context.Context, vector []float32, opts SearchOptions) ([]types.ScoredChunk, error)

	// File state operations, used for content-hash change detection
	GetFileState(ctx context.Context, key types.RepositoryKey, filePath string) (*FileState, error)
	UpsertFileState(ctx context.Context, state *FileState) error
	ListFileStates(ctx context.Context, key types.RepositoryKey) ([]*FileState, error)
	DeleteFileState(ctx context.Context, key types.RepositoryKey, filePath string) error

	// Job operations
	CreateJob(ctx context.Context, job *types.IndexingJob) error
	GetJob(ctx context.Context, jobID string) (*types.IndexingJob, error)
	GetActiveJob(ctx context.Context, key types.RepositoryKey) (*types.IndexingJob, error)
	GetLatestJob(ctx context.Context, key types.RepositoryKey) (*types.IndexingJob, error)
	UpdateJob(ctx context.Context, jobID string, update types.JobUpdate) (*types.IndexingJob, error)

	// Repository operations
	DeleteRepository(ctx context.Context, key types.RepositoryKey) error

	// Database operations
	Close() error
}

// FileState records what the store last saw for a file, keyed by repository
// and path. ContentHash drives the skip-unchanged decision on re-index.
type FileState struct {
	Repository  types.RepositoryKey
	FilePath    string
	ContentHash string
	Language    string
	ChunkCount  int
	IndexedAt   time.Time
	UpdatedAt   time.Time
}

// SearchOptions narrows a vector similarity search. Zero values mean
// unfiltered: an empty Owner matches every owner, a zero Threshold admits
// every result. All present filters are conjunctive.
type SearchOptions struct {
	Threshold float64 // Minimum cosine similarity, inclusive
	Limit     int     // Maximum results; <= 0 falls back to DefaultSearchLimit

	Owner    string
	Repo     string
	Branch   string
	Language string

	// PathPatterns are GLOB patterns; a chunk matches if any pattern matches
	// its file path.
	PathPatterns []string
}

// DefaultSearchLimit caps result sets when the caller does not set one.
const DefaultSearchLimit = 15
