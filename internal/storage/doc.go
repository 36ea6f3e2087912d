// Package storage provides SQLite-based persistence for indexed code data.
//
// The storage layer manages:
//   - Code chunks and their embedding vectors
//   - Per-file content hashes for change detection
//   - Indexing job records and their state machine
//
// # Database Schema
//
// Tables:
//   - jobs: Indexing runs keyed by UUID, with progress counters
//   - files: File paths and SHA-256 content hashes per repository
//   - chunks: Code chunks with serialized embedding vectors
//
// Every table carries the (owner, repo, branch) repository key, so one
// database holds any number of indexed repositories. A chunk slot is unique
// on (owner, repo, branch, file_path, chunk_index): re-indexing a file
// overwrites its slots in place, keeping the original indexed_at timestamp.
// A partial unique index on jobs guarantees at most one non-terminal job per
// repository, even across processes sharing the database file.
//
// # Basic Usage
//
//	db, err := storage.NewSQLiteStorage("~/.codeindex/index.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	err = db.UpsertChunks(ctx, chunks)
//
// # Incremental Updates
//
// Check stored file hashes to detect changes:
//
//	state, err := db.GetFileState(ctx, key, filePath)
//	if err == nil && state.ContentHash == currentHash {
//	    // File unchanged, skip re-indexing
//	    return nil
//	}
//
// When a file shrinks on re-index, DeleteChunksFrom clears the now-stale
// tail slots:
//
//	deleted, err := db.DeleteChunksFrom(ctx, key, filePath, len(newChunks))
//
// # Vector Search
//
// Search computes cosine similarity between the query vector and stored
// embeddings, applying conjunctive filters and an inclusive similarity
// threshold:
//
//	results, err := db.Search(ctx, queryVector, storage.SearchOptions{
//	    Threshold: 0.3,
//	    Limit:     15,
//	    Owner:     "acme",
//	    Language:  "go",
//	})
//
// Chunks stored without an embedding (their embedding batch failed after
// retries) are invisible to search until a later run fills them in.
//
// # Build Modes
//
// Two SQLite drivers are supported via build tags:
//   - sqlite_vec: github.com/mattn/go-sqlite3 with the sqlite-vec extension;
//     distance is computed inside SQLite (requires CGO)
//   - default/purego: modernc.org/sqlite; similarity is computed in Go
//
// Both modes produce identical results; the extension only changes where
// the arithmetic runs.
package storage
