package storage

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/taskdeck/codeindex/pkg/types"
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// SQLite benefits from a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	if err := sweepInterruptedJobs(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to sweep interrupted jobs: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// sweepInterruptedJobs fails any job left non-terminal by a previous process.
// Without this a crash mid-run would satisfy the live-job unique index
// forever and block every future indexing attempt for that repository.
func sweepInterruptedJobs(ctx context.Context, db *sql.DB) error {
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed',
		    error_message = 'interrupted',
		    completed_at = ?,
		    updated_at = ?
		WHERE status IN ('pending', 'indexing')`,
		now, now)
	return err
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// isUniqueViolation detects UNIQUE constraint failures from either driver
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Chunk operations

// UpsertChunks writes chunks in one transaction. A chunk slot is identified
// by (owner, repo, branch, file_path, chunk_index); writing the same slot
// again overwrites the row but keeps its original indexed_at.
func (s *SQLiteStorage) UpsertChunks(ctx context.Context, chunks []*types.CodeChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, chunk := range chunks {
		if err := upsertChunkWithQuerier(ctx, tx, chunk); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func upsertChunkWithQuerier(ctx context.Context, q querier, chunk *types.CodeChunk) error {
	if err := chunk.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidInput, err)
	}

	var embedding []byte
	if chunk.Embedded() {
		embedding = serializeVector(chunk.Embedding)
	}

	var metadata sql.NullString
	if len(chunk.Metadata) > 0 {
		raw, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal chunk metadata: %w", err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}

	hash := chunk.ContentHash()

	query := `
		INSERT INTO chunks (
			owner, repo, branch, file_path, language,
			chunk_type, chunk_name, chunk_index, total_chunks,
			start_line, end_line, token_count, content, content_hash,
			embedding, metadata, indexed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, repo, branch, file_path, chunk_index) DO UPDATE SET
			language = excluded.language,
			chunk_type = excluded.chunk_type,
			chunk_name = excluded.chunk_name,
			total_chunks = excluded.total_chunks,
			start_line = excluded.start_line,
			end_line = excluded.end_line,
			token_count = excluded.token_count,
			content = excluded.content,
			content_hash = excluded.content_hash,
			embedding = excluded.embedding,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
		RETURNING id, indexed_at
	`
	now := time.Now().UTC()
	err := q.QueryRowContext(ctx, query,
		chunk.Repository.Owner, chunk.Repository.Name, chunk.Repository.Branch,
		chunk.FilePath, chunk.Language,
		string(chunk.ChunkType), chunk.ChunkName, chunk.ChunkIndex, chunk.TotalChunks,
		chunk.StartLine, chunk.EndLine, chunk.TokenCount, chunk.Content,
		hex.EncodeToString(hash[:]), embedding, metadata, now, now,
	).Scan(&chunk.ID, &chunk.IndexedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert chunk %s[%d]: %w", chunk.FilePath, chunk.ChunkIndex, err)
	}

	chunk.UpdatedAt = now
	return nil
}

// GetChunks returns all chunks for a file ordered by chunk index.
func (s *SQLiteStorage) GetChunks(ctx context.Context, key types.RepositoryKey, filePath string) ([]*types.CodeChunk, error) {
	query := chunkSelectColumns + `
		FROM chunks
		WHERE owner = ? AND repo = ? AND branch = ? AND file_path = ?
		ORDER BY chunk_index
	`
	rows, err := s.db.QueryContext(ctx, query, key.Owner, key.Name, key.Branch, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	chunks := make([]*types.CodeChunk, 0)
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// DeleteChunksFrom removes stale chunk slots at or past fromIndex. After a
// file shrinks from n to m chunks, passing m here clears indexes m..n-1.
func (s *SQLiteStorage) DeleteChunksFrom(ctx context.Context, key types.RepositoryKey, filePath string, fromIndex int) (int, error) {
	query := `
		DELETE FROM chunks
		WHERE owner = ? AND repo = ? AND branch = ? AND file_path = ? AND chunk_index >= ?
	`
	result, err := s.db.ExecContext(ctx, query, key.Owner, key.Name, key.Branch, filePath, fromIndex)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale chunks: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(deleted), nil
}

// CountChunks returns the number of stored chunks for a repository.
func (s *SQLiteStorage) CountChunks(ctx context.Context, key types.RepositoryKey) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chunks WHERE owner = ? AND repo = ? AND branch = ?",
		key.Owner, key.Name, key.Branch,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}

const chunkSelectColumns = `
	SELECT id, owner, repo, branch, file_path, language,
	       chunk_type, chunk_name, chunk_index, total_chunks,
	       start_line, end_line, token_count, content,
	       embedding, metadata, indexed_at, updated_at
`

// rowScanner abstracts *sql.Row and *sql.Rows for scanChunk
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChunk(row rowScanner) (*types.CodeChunk, error) {
	var chunk types.CodeChunk
	var chunkType string
	var chunkName, language, metadata sql.NullString
	var tokenCount sql.NullInt64
	var embedding []byte

	err := row.Scan(
		&chunk.ID, &chunk.Repository.Owner, &chunk.Repository.Name, &chunk.Repository.Branch,
		&chunk.FilePath, &language,
		&chunkType, &chunkName, &chunk.ChunkIndex, &chunk.TotalChunks,
		&chunk.StartLine, &chunk.EndLine, &tokenCount, &chunk.Content,
		&embedding, &metadata, &chunk.IndexedAt, &chunk.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan chunk: %w", err)
	}

	chunk.ChunkType = types.ChunkType(chunkType)
	chunk.Language = language.String
	chunk.ChunkName = chunkName.String
	chunk.TokenCount = int(tokenCount.Int64)
	if len(embedding) > 0 {
		chunk.Embedding = deserializeVector(embedding)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &chunk.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal chunk metadata: %w", err)
		}
	}
	return &chunk, nil
}

// File state operations

// GetFileState returns the stored state for a file, or types.ErrNotFound.
func (s *SQLiteStorage) GetFileState(ctx context.Context, key types.RepositoryKey, filePath string) (*FileState, error) {
	query := `
		SELECT owner, repo, branch, file_path, content_hash, language, chunk_count, indexed_at, updated_at
		FROM files
		WHERE owner = ? AND repo = ? AND branch = ? AND file_path = ?
	`
	state, err := scanFileState(s.db.QueryRowContext(ctx, query, key.Owner, key.Name, key.Branch, filePath))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	return state, err
}

// UpsertFileState records the latest observed content hash for a file.
func (s *SQLiteStorage) UpsertFileState(ctx context.Context, state *FileState) error {
	query := `
		INSERT INTO files (owner, repo, branch, file_path, content_hash, language, chunk_count, indexed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, repo, branch, file_path) DO UPDATE SET
			content_hash = excluded.content_hash,
			language = excluded.language,
			chunk_count = excluded.chunk_count,
			updated_at = excluded.updated_at
		RETURNING indexed_at
	`
	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, query,
		state.Repository.Owner, state.Repository.Name, state.Repository.Branch,
		state.FilePath, state.ContentHash, state.Language, state.ChunkCount, now, now,
	).Scan(&state.IndexedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert file state: %w", err)
	}
	state.UpdatedAt = now
	return nil
}

// ListFileStates returns the state for every indexed file in a repository.
func (s *SQLiteStorage) ListFileStates(ctx context.Context, key types.RepositoryKey) ([]*FileState, error) {
	query := `
		SELECT owner, repo, branch, file_path, content_hash, language, chunk_count, indexed_at, updated_at
		FROM files
		WHERE owner = ? AND repo = ? AND branch = ?
		ORDER BY file_path
	`
	rows, err := s.db.QueryContext(ctx, query, key.Owner, key.Name, key.Branch)
	if err != nil {
		return nil, fmt.Errorf("failed to list file states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	states := make([]*FileState, 0)
	for rows.Next() {
		state, err := scanFileState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

// DeleteFileState removes a file's state row.
func (s *SQLiteStorage) DeleteFileState(ctx context.Context, key types.RepositoryKey, filePath string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM files WHERE owner = ? AND repo = ? AND branch = ? AND file_path = ?",
		key.Owner, key.Name, key.Branch, filePath,
	)
	return err
}

func scanFileState(row rowScanner) (*FileState, error) {
	var state FileState
	var language sql.NullString
	err := row.Scan(
		&state.Repository.Owner, &state.Repository.Name, &state.Repository.Branch,
		&state.FilePath, &state.ContentHash, &language, &state.ChunkCount,
		&state.IndexedAt, &state.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	state.Language = language.String
	return &state, nil
}

// Job operations

// CreateJob inserts a new indexing job. The schema allows at most one
// non-terminal job per repository key; a second concurrent insert surfaces
// as types.ErrAlreadyRunning.
func (s *SQLiteStorage) CreateJob(ctx context.Context, job *types.IndexingJob) error {
	query := `
		INSERT INTO jobs (
			id, owner, repo, branch, status,
			total_files, indexed_files, skipped_files, failed_files,
			total_chunks, indexed_chunks, pending_chunks,
			progress, current_file, error_message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.Repository.Owner, job.Repository.Name, job.Repository.Branch,
		string(job.Status),
		job.TotalFiles, job.IndexedFiles, job.SkippedFiles, job.FailedFiles,
		job.TotalChunks, job.IndexedChunks, job.PendingChunks,
		job.Progress, job.CurrentFile, job.ErrorMessage, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: indexing already in progress for %s", types.ErrAlreadyRunning, job.Repository)
		}
		return fmt.Errorf("failed to create job: %w", err)
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	return nil
}

// GetJob returns a job by ID, or types.ErrNotFound.
func (s *SQLiteStorage) GetJob(ctx context.Context, jobID string) (*types.IndexingJob, error) {
	return getJobWithQuerier(ctx, s.db, jobID)
}

func getJobWithQuerier(ctx context.Context, q querier, jobID string) (*types.IndexingJob, error) {
	query := jobSelectColumns + " FROM jobs WHERE id = ?"
	job, err := scanJob(q.QueryRowContext(ctx, query, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	return job, err
}

// GetActiveJob returns the single non-terminal job for a repository, or
// types.ErrNotFound when nothing is running.
func (s *SQLiteStorage) GetActiveJob(ctx context.Context, key types.RepositoryKey) (*types.IndexingJob, error) {
	query := jobSelectColumns + `
		FROM jobs
		WHERE owner = ? AND repo = ? AND branch = ? AND status IN ('pending', 'indexing')
	`
	job, err := scanJob(s.db.QueryRowContext(ctx, query, key.Owner, key.Name, key.Branch))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	return job, err
}

// GetLatestJob returns the most recent job of any status for a repository.
func (s *SQLiteStorage) GetLatestJob(ctx context.Context, key types.RepositoryKey) (*types.IndexingJob, error) {
	query := jobSelectColumns + `
		FROM jobs
		WHERE owner = ? AND repo = ? AND branch = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	job, err := scanJob(s.db.QueryRowContext(ctx, query, key.Owner, key.Name, key.Branch))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	return job, err
}

// UpdateJob applies a merge-style update inside a transaction so concurrent
// workers never lose counter increments.
func (s *SQLiteStorage) UpdateJob(ctx context.Context, jobID string, update types.JobUpdate) (*types.IndexingJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := getJobWithQuerier(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}

	if err := job.Apply(update, time.Now().UTC()); err != nil {
		return nil, err
	}

	query := `
		UPDATE jobs SET
			status = ?,
			total_files = ?, indexed_files = ?, skipped_files = ?, failed_files = ?,
			total_chunks = ?, indexed_chunks = ?, pending_chunks = ?,
			progress = ?, current_file = ?, error_message = ?,
			started_at = ?, completed_at = ?, duration_ms = ?, updated_at = ?
		WHERE id = ?
	`
	_, err = tx.ExecContext(ctx, query,
		string(job.Status),
		job.TotalFiles, job.IndexedFiles, job.SkippedFiles, job.FailedFiles,
		job.TotalChunks, job.IndexedChunks, job.PendingChunks,
		job.Progress, job.CurrentFile, job.ErrorMessage,
		nullTime(job.StartedAt), nullTime(job.CompletedAt), job.Duration.Milliseconds(), job.UpdatedAt,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

const jobSelectColumns = `
	SELECT id, owner, repo, branch, status,
	       total_files, indexed_files, skipped_files, failed_files,
	       total_chunks, indexed_chunks, pending_chunks,
	       progress, current_file, error_message,
	       started_at, completed_at, duration_ms, created_at, updated_at
`

func scanJob(row rowScanner) (*types.IndexingJob, error) {
	var job types.IndexingJob
	var status string
	var currentFile, errorMessage sql.NullString
	var startedAt, completedAt sql.NullTime
	var durationMs int64

	err := row.Scan(
		&job.ID, &job.Repository.Owner, &job.Repository.Name, &job.Repository.Branch, &status,
		&job.TotalFiles, &job.IndexedFiles, &job.SkippedFiles, &job.FailedFiles,
		&job.TotalChunks, &job.IndexedChunks, &job.PendingChunks,
		&job.Progress, &currentFile, &errorMessage,
		&startedAt, &completedAt, &durationMs, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = types.JobStatus(status)
	job.CurrentFile = currentFile.String
	job.ErrorMessage = errorMessage.String
	if startedAt.Valid {
		job.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = completedAt.Time
	}
	job.Duration = time.Duration(durationMs) * time.Millisecond
	return &job, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// Repository operations

// DeleteRepository removes all chunks, file states, and job history for a
// repository key.
func (s *SQLiteStorage) DeleteRepository(ctx context.Context, key types.RepositoryKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"chunks", "files", "jobs"} {
		query := fmt.Sprintf("DELETE FROM %s WHERE owner = ? AND repo = ? AND branch = ?", table)
		if _, err := tx.ExecContext(ctx, query, key.Owner, key.Name, key.Branch); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}

	return tx.Commit()
}

// Search performs cosine similarity search over stored embeddings.
func (s *SQLiteStorage) Search(ctx context.Context, vector []float32, opts SearchOptions) ([]types.ScoredChunk, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", types.ErrInvalidInput)
	}
	return searchVector(ctx, s.db, vector, opts)
}
