package internal

import (
	"regexp"
	"strings"
)

// idKind is the result of classifying an incoming identifier. Every other
// component takes pre-classified inputs; nothing else parses identifiers.
type idKind int

const (
	idUnknown idKind = iota
	idCanonical
	idISBN13
	idISBN10
	idVolume
	idSlug
)

func (k idKind) String() string {
	switch k {
	case idCanonical:
		return "canonical"
	case idISBN13:
		return "isbn13"
	case idISBN10:
		return "isbn10"
	case idVolume:
		return "volume"
	case idSlug:
		return "slug"
	}
	return "unknown"
}

var (
	_uuidRE   = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	_volumeRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	_slugRE   = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)+$`)
)

// classify decides what kind of identifier the input is. It is pure and
// deterministic; callers rely on it to pick lookup strategies and to reject
// identifiers that aren't safe for volume endpoints.
func classify(input string) idKind {
	s := strings.TrimSpace(input)
	if s == "" {
		return idUnknown
	}
	if _uuidRE.MatchString(s) {
		return idCanonical
	}
	if isbn := sanitizeISBN(s); isbn != "" {
		switch {
		case len(isbn) == 13 && validISBN13(isbn):
			return idISBN13
		case len(isbn) == 10 && validISBN10(isbn):
			return idISBN10
		}
	}
	if _slugRE.MatchString(s) && strings.ContainsAny(s, "-") && strings.ToLower(s) == s {
		// All-lowercase hyphenated strings are our own slugs, which must
		// never be sent upstream.
		return idSlug
	}
	if _volumeRE.MatchString(s) {
		return idVolume
	}
	return idUnknown
}

// sanitizeISBN strips everything but alphanumerics and uppercases the
// result, so "0-7475-3269-x" becomes "074753269X". Returns "" if the result
// can't possibly be an ISBN.
func sanitizeISBN(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == 'x' || r == 'X':
			b.WriteRune('X')
		case r == '-' || r == ' ':
			// Separators are dropped.
		default:
			return ""
		}
	}
	out := b.String()
	if len(out) != 10 && len(out) != 13 {
		return ""
	}
	return out
}

// validISBN13 checks the mod-10 checksum of a sanitized 13-digit string.
func validISBN13(isbn string) bool {
	if len(isbn) != 13 {
		return false
	}
	sum := 0
	for i, r := range isbn {
		if r < '0' || r > '9' {
			return false
		}
		d := int(r - '0')
		if i%2 == 1 {
			d *= 3
		}
		sum += d
	}
	return sum%10 == 0
}

// validISBN10 checks the mod-11 checksum of a sanitized 10-character string.
// The final position may be 'X' (value 10).
func validISBN10(isbn string) bool {
	if len(isbn) != 10 {
		return false
	}
	sum := 0
	for i, r := range isbn {
		var d int
		switch {
		case r >= '0' && r <= '9':
			d = int(r - '0')
		case r == 'X' && i == 9:
			d = 10
		default:
			return false
		}
		sum += d * (10 - i)
	}
	return sum%11 == 0
}

// isbn13to10 derives the ISBN-10 form of a 978-prefixed ISBN-13, or ""
// when no equivalent exists.
func isbn13to10(isbn13 string) string {
	if len(isbn13) != 13 || !strings.HasPrefix(isbn13, "978") {
		return ""
	}
	core := isbn13[3:12]
	sum := 0
	for i, r := range core {
		sum += int(r-'0') * (10 - i)
	}
	check := (11 - sum%11) % 11
	if check == 10 {
		return core + "X"
	}
	return core + string(rune('0'+check))
}

// isbn10to13 derives the ISBN-13 form of an ISBN-10.
func isbn10to13(isbn10 string) string {
	if len(isbn10) != 10 {
		return ""
	}
	core := "978" + isbn10[:9]
	sum := 0
	for i, r := range core {
		d := int(r - '0')
		if i%2 == 1 {
			d *= 3
		}
		sum += d
	}
	check := (10 - sum%10) % 10
	return core + string(rune('0'+check))
}
