package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"The Name of the Wind", "the-name-of-the-wind"},
		{"Café Münchën", "cafe-munchen"},
		{"Dune!!!", "dune"},
		{"  spaced   out  ", "spaced-out"},
		{"1984", "1984"},
		{"...", ""},
		{"♥♥♥", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, slugify(tt.in), "slugify(%q)", tt.in)
	}
}

func TestSlugForFallsBackToCanonicalID(t *testing.T) {
	t.Parallel()

	id := "0193f1b7-4f63-7a3b-8e64-9b2d0a1c2e33"
	assert.Equal(t, "book-0193f1b7", slugFor("...", id))
	assert.Equal(t, "book-0193f1b7", slugFor("", id), "deterministic for the same id")
	assert.Equal(t, "dune", slugFor("Dune", id))
}
