package internal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceholderEmbedderIsDeterministic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := NewPlaceholderEmbedder(16)

	a, err := e.Embed(ctx, "spice and sand")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "spice and sand")
	require.NoError(t, err)
	c, err := e.Embed(ctx, "a different description")
	require.NoError(t, err)

	assert.Len(t, a, 16)
	assert.Equal(t, a, b, "same text, same vector")
	assert.NotEqual(t, a, c)

	// Components stay in a bounded range.
	for _, v := range a {
		assert.LessOrEqual(t, v, float32(4))
		assert.GreaterOrEqual(t, v, float32(-4))
	}

	small := NewPlaceholderEmbedder(0)
	vec, err := small.Embed(ctx, "x")
	require.NoError(t, err)
	assert.Len(t, vec, 16, "non-positive dims fall back to the default")
}
