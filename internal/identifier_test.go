package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  idKind
	}{
		{"0193f1b7-4f63-7a3b-8e64-9b2d0a1c2e33", idCanonical},
		{"9780441013593", idISBN13},
		{"978-0-441-01359-3", idISBN13},
		{"0441013597", idISBN10},
		{"080442957X", idISBN10},
		{"080442957x", idISBN10}, // lowercase check digit is normalized
		{"9780441013594", idVolume}, // checksum-invalid, not an ISBN
		{"oaijW7sKqTYC", idVolume},
		{"the-name-of-the-wind", idSlug},
		{"dune", idVolume},
		{"", idUnknown},
		{"   ", idUnknown},
		{"with spaces!", idUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.input), "classify(%q)", tt.input)
		})
	}
}

func TestSanitizeISBN(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "9780441013593", sanitizeISBN("978-0-441-01359-3"))
	assert.Equal(t, "080442957X", sanitizeISBN("0-8044-2957-x"))
	assert.Equal(t, "", sanitizeISBN("not-an-isbn"))
	assert.Equal(t, "", sanitizeISBN("12345"), "wrong length")
}

func TestISBNChecksums(t *testing.T) {
	t.Parallel()

	assert.True(t, validISBN13("9780441013593"))
	assert.False(t, validISBN13("9780441013594"))
	assert.True(t, validISBN10("0441013597"))
	assert.True(t, validISBN10("080442957X"))
	assert.False(t, validISBN10("0441013598"))
	assert.False(t, validISBN10("04410135X7"), "X only allowed in last position")
}

func TestISBNConversion(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "0441013597", isbn13to10("9780441013593"))
	assert.Equal(t, "9780441013593", isbn10to13("0441013597"))
	assert.Equal(t, "9780804429573", isbn10to13("080442957X"))
	assert.Equal(t, "", isbn13to10("9790441013593"), "979 range has no ISBN-10 form")

	// Converting back and forth is lossless for 978-range ISBNs.
	assert.Equal(t, "9780441013593", isbn10to13(isbn13to10("9780441013593")))
}
