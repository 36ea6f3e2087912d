package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/taskdeck/codeindex/pkg/types"
)

// searchVector performs vector similarity search using cosine similarity.
// Chunks without an embedding never match; they are awaiting a resume pass.
func searchVector(ctx context.Context, db *sql.DB, queryVector []float32, opts SearchOptions) ([]types.ScoredChunk, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultSearchLimit
	}
	// Use SQL-based search when sqlite-vec is available, otherwise compute
	// similarity in Go
	if VectorExtensionAvailable {
		return searchVectorOptimized(ctx, db, queryVector, opts)
	}
	return searchVectorFallback(ctx, db, queryVector, opts)
}

// searchVectorOptimized uses the sqlite-vec extension to compute distance at
// the database layer. vec_distance_cosine returns distance (lower is
// better); 1 - distance converts it to similarity.
func searchVectorOptimized(ctx context.Context, db *sql.DB, queryVector []float32, opts SearchOptions) ([]types.ScoredChunk, error) {
	queryVectorBlob := serializeVector(queryVector)

	query := chunkSelectColumns + `,
	       1.0 - vec_distance_cosine(embedding, ?) as similarity
		FROM chunks
		WHERE embedding IS NOT NULL
	`
	args := []interface{}{queryVectorBlob}
	query, args = applySearchFilters(query, args, opts)

	if opts.Threshold > 0 {
		query += " AND (1.0 - vec_distance_cosine(embedding, ?)) >= ?"
		args = append(args, queryVectorBlob, opts.Threshold)
	}

	query += " ORDER BY similarity DESC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]types.ScoredChunk, 0, opts.Limit)
	for rows.Next() {
		scored, err := scanScoredChunk(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, scored)
	}
	return results, rows.Err()
}

// searchVectorFallback loads candidate embeddings and computes cosine
// similarity in Go. Used for purego builds without the sqlite-vec extension.
func searchVectorFallback(ctx context.Context, db *sql.DB, queryVector []float32, opts SearchOptions) ([]types.ScoredChunk, error) {
	query := chunkSelectColumns + `
		FROM chunks
		WHERE embedding IS NOT NULL
	`
	args := []interface{}{}
	query, args = applySearchFilters(query, args, opts)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]types.ScoredChunk, 0)
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		if len(chunk.Embedding) != len(queryVector) {
			continue // Dimension mismatch, skip
		}
		similarity := cosineSimilarity(queryVector, chunk.Embedding)
		if opts.Threshold > 0 && similarity < opts.Threshold {
			continue
		}
		results = append(results, types.ScoredChunk{Chunk: *chunk, Similarity: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// applySearchFilters appends conjunctive WHERE clauses for the set filters
func applySearchFilters(query string, args []interface{}, opts SearchOptions) (string, []interface{}) {
	if opts.Owner != "" {
		query += " AND owner = ?"
		args = append(args, opts.Owner)
	}
	if opts.Repo != "" {
		query += " AND repo = ?"
		args = append(args, opts.Repo)
	}
	if opts.Branch != "" {
		query += " AND branch = ?"
		args = append(args, opts.Branch)
	}
	if opts.Language != "" {
		query += " AND language = ?"
		args = append(args, opts.Language)
	}
	if len(opts.PathPatterns) > 0 {
		query += " AND ("
		for i, pattern := range opts.PathPatterns {
			if i > 0 {
				query += " OR "
			}
			query += "file_path GLOB ?"
			args = append(args, pattern)
		}
		query += ")"
	}
	return query, args
}

func scanScoredChunk(rows *sql.Rows) (types.ScoredChunk, error) {
	var scored types.ScoredChunk
	chunk := &scored.Chunk
	var chunkType string
	var chunkName, language, metadata sql.NullString
	var tokenCount sql.NullInt64
	var embedding []byte

	err := rows.Scan(
		&chunk.ID, &chunk.Repository.Owner, &chunk.Repository.Name, &chunk.Repository.Branch,
		&chunk.FilePath, &language,
		&chunkType, &chunkName, &chunk.ChunkIndex, &chunk.TotalChunks,
		&chunk.StartLine, &chunk.EndLine, &tokenCount, &chunk.Content,
		&embedding, &metadata, &chunk.IndexedAt, &chunk.UpdatedAt,
		&scored.Similarity,
	)
	if err != nil {
		return scored, fmt.Errorf("failed to scan search result: %w", err)
	}

	chunk.ChunkType = types.ChunkType(chunkType)
	chunk.Language = language.String
	chunk.ChunkName = chunkName.String
	chunk.TokenCount = int(tokenCount.Int64)
	if len(embedding) > 0 {
		chunk.Embedding = deserializeVector(embedding)
	}
	return scored, nil
}

// serializeVector converts a float32 slice to a byte blob (little-endian)
func serializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// deserializeVector converts a byte blob back to a float32 slice
func deserializeVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		vector[i] = math.Float32frombits(bits)
	}
	return vector
}

// cosineSimilarity computes the cosine similarity between two vectors
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i] * b[i])
		normA += float64(a[i] * a[i])
		normB += float64(b[i] * b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// SerializeVector is an exported helper for testing
func SerializeVector(vector []float32) []byte {
	return serializeVector(vector)
}

// DeserializeVector is an exported helper for testing
func DeserializeVector(blob []byte) []float32 {
	return deserializeVector(blob)
}

// CosineSimilarity is an exported helper for testing
func CosineSimilarity(a, b []float32) float64 {
	return cosineSimilarity(a, b)
}
