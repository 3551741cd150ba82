package docstore

import (
	"slices"
	"strings"
	"unicode"
)

// Tokenize splits text into its distinct lowercase words, sorted.
//
// A word is a maximal run of letters, digits, combining marks and '_'.
// Everything else separates words.
func Tokenize(text string) []string {
	seen := make(map[string]struct{})

	for _, word := range strings.FieldsFunc(strings.ToLower(text), isSeparator) {
		seen[word] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for w := range seen {
		out = append(out, w)
	}

	slices.Sort(out)

	return out
}

// valueTokens returns the index tokens of a stored value.
func valueTokens(v Value) []string {
	return Tokenize(v.Text())
}

func isSeparator(r rune) bool {
	return !(unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r) || r == '_')
}
