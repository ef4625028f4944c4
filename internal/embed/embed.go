// Package embed defines the text embedding contract the index consumes
// and a deterministic built-in implementation. Real embedding models
// plug in behind the same interface.
package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// Embedder turns text into a fixed-length vector. Implementations may
// be slow; callers pass a context so lookups stay cancellable.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// HashEmbedder is a model-free embedder using signed feature hashing:
// each token hashes to a bucket and a sign, and the result is
// L2-normalized. Not semantically meaningful, but deterministic, fast,
// and dimension-exact, which makes hybrid search usable without any
// model and keeps tests reproducible.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a hash embedder producing dims-length vectors.
func NewHashEmbedder(dims int) *HashEmbedder {
	return &HashEmbedder{dims: dims}
}

// Dimensions returns the vector length.
func (e *HashEmbedder) Dimensions() int { return e.dims }

// Embed hashes each whitespace token of text into the output vector.
func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, e.dims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		bucket := int(sum % uint64(e.dims))
		if sum&(1<<63) != 0 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}
