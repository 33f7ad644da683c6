package internal

import (
	"context"
	"hash/fnv"
)

// Embedder produces description embeddings for similarity features. It is a
// pluggable capability: deployments without a model run the placeholder.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// placeholderEmbedder derives a deterministic vector from the text so
// downstream plumbing and tests behave consistently without a model.
type placeholderEmbedder struct {
	dims int
}

var _ Embedder = (*placeholderEmbedder)(nil)

// NewPlaceholderEmbedder returns the default embedder.
func NewPlaceholderEmbedder(dims int) Embedder {
	if dims <= 0 {
		dims = 16
	}
	return &placeholderEmbedder{dims: dims}
}

func (e *placeholderEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed>>33)) / float32(1<<30)
	}
	return vec, nil
}
