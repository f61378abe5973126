package agentloop

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Similarity returns 1 - editDistance(a, b) / max(len(a), len(b)), with
// lengths counted in runes. Identical strings, including two empty ones,
// score 1.0.
func Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1.0
	}
	return 1.0 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// normalizeResponse lowercases text, drops punctuation and collapses runs
// of whitespace into a single space.
func normalizeResponse(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsSpace(r):
			space = b.Len() > 0
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
		default:
			if space {
				b.WriteByte(' ')
				space = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// responseSignature normalizes text and, past threshold runes, keeps only
// an excerpt of length runes from each end.
func responseSignature(text string, threshold, length int) string {
	norm := normalizeResponse(text)
	runes := []rune(norm)
	if threshold <= 0 || len(runes) <= threshold || 2*length >= len(runes) {
		return norm
	}
	return string(runes[:length]) + "…" + string(runes[len(runes)-length:])
}
