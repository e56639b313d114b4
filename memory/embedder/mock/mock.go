// Package mock provides a deterministic embedder for testing.
package mock

import (
	"context"
	"hash/fnv"
	"math"
)

// Embedder generates deterministic unit vectors from a text hash.
// Identical texts embed identically (similarity 1.0); distinct texts
// land nearly orthogonal. That is enough to test storage, isolation,
// and ranking without a real model.
type Embedder struct {
	dimensions int
}

// New creates a mock embedder with the given dimension.
func New(dimensions int) *Embedder {
	return &Embedder{dimensions: dimensions}
}

// Embed creates a deterministic embedding from the text's hash.
func (m *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	embedding := make([]float32, m.dimensions)
	for i := range embedding {
		// Linear congruential step seeded by the hash.
		seed = seed*6364136223846793005 + 1442695040888963407
		embedding[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (m *Embedder) Dimensions() int {
	return m.dimensions
}

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}
