package types

import (
	"crypto/sha256"
	"errors"
	"time"
)

// ChunkType classifies how a chunk was carved out of its file.
type ChunkType string

const (
	ChunkFunction ChunkType = "function"
	ChunkClass    ChunkType = "class"
	ChunkBlock    ChunkType = "block"
	ChunkFile     ChunkType = "file"
)

// TokensPerChar is the heuristic for estimating token counts (chars/4).
const TokensPerChar = 4

// CodeChunk is the durable unit of retrieval. The tuple
// (Repository, FilePath, ChunkIndex) is unique in the store; re-indexing the
// same position overwrites in place.
type CodeChunk struct {
	ID         int64
	Repository RepositoryKey
	FilePath   string
	Language   string

	ChunkType   ChunkType
	ChunkName   string // Optional symbol name (function/class identifier)
	ChunkIndex  int    // 0-based position within the file
	TotalChunks int    // Final chunk count for the file, same on every chunk

	StartLine  int
	EndLine    int
	TokenCount int
	Content    string

	Embedding []float32 // Empty until the embedding provider has run
	Metadata  map[string]string

	IndexedAt time.Time // First time this slot was written
	UpdatedAt time.Time
}

// ContentHash returns the SHA-256 of the chunk content.
func (c *CodeChunk) ContentHash() [32]byte {
	return sha256.Sum256([]byte(c.Content))
}

// Embedded reports whether the chunk carries an embedding vector. Chunks
// whose embedding batch failed are stored without one and picked up by a
// later resume pass.
func (c *CodeChunk) Embedded() bool {
	return len(c.Embedding) > 0
}

// Validate performs structural validation of the chunk.
func (c *CodeChunk) Validate() error {
	if err := c.Repository.Validate(); err != nil {
		return err
	}
	if c.FilePath == "" {
		return errors.New("chunk file path cannot be empty")
	}
	if c.Content == "" {
		return errors.New("chunk content cannot be empty")
	}
	if c.ChunkIndex < 0 {
		return errors.New("chunk index must be >= 0")
	}
	if c.TotalChunks <= c.ChunkIndex {
		return errors.New("total chunks must be greater than chunk index")
	}
	if c.StartLine <= 0 || c.EndLine < c.StartLine {
		return errors.New("invalid chunk line range")
	}
	switch c.ChunkType {
	case ChunkFunction, ChunkClass, ChunkBlock, ChunkFile:
	default:
		return errors.New("invalid chunk type")
	}
	return nil
}

// EstimateTokens estimates the number of tokens in a string using the
// chars/4 heuristic.
func EstimateTokens(text string) int {
	return len(text) / TokensPerChar
}

// ScoredChunk pairs a chunk with its similarity score from a vector search.
type ScoredChunk struct {
	Chunk      CodeChunk
	Similarity float64
}
