package testutil

import (
	"context"
	"hash/fnv"
)

// EmbeddingDimension matches the blocks schema.
const EmbeddingDimension = 768

// FakeEmbedder produces deterministic embeddings derived from the text, so
// identical texts land on identical vectors and similarity queries behave
// consistently across runs. It implements llm.Embedder.
type FakeEmbedder struct{}

// Embed hashes the text into a fixed-dimension vector.
func (FakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, EmbeddingDimension)
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int32(seed>>33)) / float32(1<<31)
	}
	return vec, nil
}
