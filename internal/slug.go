package internal

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var _multiHyphen = regexp.MustCompile(`-{2,}`)

// slugify converts an arbitrary title into a URL-safe ASCII slug. Accented
// characters are decomposed and their marks stripped, everything else
// non-alphanumeric collapses to single hyphens.
func slugify(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)))
	decomposed, _, err := transform.String(t, s)
	if err != nil {
		decomposed = s
	}

	lowered := strings.ToLower(decomposed)
	mapped := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, lowered)

	mapped = _multiHyphen.ReplaceAllString(mapped, "-")
	return strings.Trim(mapped, "-")
}

// slugFor picks a slug for a book. Titles that reduce to nothing (all
// punctuation, CJK-only, etc.) fall back to a slug derived from the
// canonical ID so the result is still deterministic.
func slugFor(title, canonicalID string) string {
	if s := slugify(title); s != "" {
		return s
	}
	return "book-" + strings.SplitN(canonicalID, "-", 2)[0]
}
