package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// LocalDimension is the vector dimension of the local embedder.
const LocalDimension = 256

// LocalEmbedder produces deterministic embeddings derived from a content
// hash. It needs no network and no API key, which makes it useful for tests
// and offline runs. Identical texts always map to identical vectors, so
// similarity search still behaves consistently even though the vectors carry
// no real semantics.
type LocalEmbedder struct {
	dim   int
	cache *Cache
}

// NewLocalEmbedder creates a local embedder. The cache may be nil.
func NewLocalEmbedder(cache *Cache) *LocalEmbedder {
	return &LocalEmbedder{dim: LocalDimension, cache: cache}
}

func (e *LocalEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ValidateBatch(texts); err != nil {
		return nil, err
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hash := ComputeHash(text)
		if e.cache != nil {
			if vec, ok := e.cache.Get(hash); ok {
				vectors[i] = vec
				continue
			}
		}
		vec := e.vectorFor(text)
		if e.cache != nil {
			e.cache.Set(hash, vec)
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// vectorFor expands a sha256 digest into a unit-length vector by repeatedly
// rehashing the digest for more pseudo-random bytes.
func (e *LocalEmbedder) vectorFor(text string) []float32 {
	vec := make([]float32, e.dim)
	digest := sha256.Sum256([]byte(text))
	buf := digest[:]
	var norm float64
	for i := 0; i < e.dim; i++ {
		if (i*4)%len(buf) == 0 && i > 0 {
			next := sha256.Sum256(buf)
			buf = next[:]
		}
		bits := binary.LittleEndian.Uint32(buf[(i*4)%len(buf):])
		v := float32(bits)/float32(math.MaxUint32)*2 - 1
		vec[i] = v
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec
}

func (e *LocalEmbedder) Dimension() int {
	return e.dim
}

func (e *LocalEmbedder) Model() string {
	return "local-deterministic"
}

func (e *LocalEmbedder) Close() error {
	return nil
}
