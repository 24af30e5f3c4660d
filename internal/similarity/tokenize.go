// Package similarity provides the text normalization and similarity measures
// used to detect repeated content.
package similarity

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalize folds s into a canonical comparison form: Unicode NFKC, case
// folded, with every run of non-word characters collapsed to one space.
// Two texts that differ only in case, punctuation, spacing or compatibility
// characters normalize to the same string.
func Normalize(s string) string {
	return strings.Join(Tokenize(s), " ")
}

// Tokenize splits s into case-folded word tokens.
// Word characters are letters, digits and underscores.
func Tokenize(s string) []string {
	folded := cases.Fold().String(norm.NFKC.String(s))

	words := make([]string, 0)
	var current strings.Builder
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			current.WriteRune(r)
		} else if current.Len() > 0 {
			words = append(words, current.String())
			current.Reset()
		}
	}
	if current.Len() > 0 {
		words = append(words, current.String())
	}
	return words
}
