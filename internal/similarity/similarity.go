package similarity

import (
	"crypto/sha256"
	"encoding/hex"
)

// Jaccard computes the Jaccard index of the token sets of a and b.
// Returns 1.0 when both are empty and 0.0 when only one is. The measure is
// symmetric and a non-empty text always scores 1.0 against itself.
func Jaccard(a, b string) float64 {
	return JaccardTokens(Tokenize(a), Tokenize(b))
}

// JaccardTokens computes the Jaccard index of two pre-tokenized texts.
func JaccardTokens(wordsA, wordsB []string) float64 {
	if len(wordsA) == 0 && len(wordsB) == 0 {
		return 1.0
	}
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0.0
	}

	setA := make(map[string]struct{}, len(wordsA))
	for _, w := range wordsA {
		setA[w] = struct{}{}
	}
	setB := make(map[string]struct{}, len(wordsB))
	for _, w := range wordsB {
		setB[w] = struct{}{}
	}

	intersection := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			intersection++
		}
	}

	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

// SharesPrefix reports whether two normalized texts both exceed minLen runes
// and agree on their first prefixLen runes (or on the whole of the shorter
// text when it is shorter than prefixLen).
func SharesPrefix(a, b string, prefixLen, minLen int) bool {
	ra, rb := []rune(a), []rune(b)
	if len(ra) <= minLen || len(rb) <= minLen {
		return false
	}
	n := min(prefixLen, len(ra), len(rb))
	return string(ra[:n]) == string(rb[:n])
}

// Fingerprint returns the hex sha256 of the normalized form of s.
func Fingerprint(s string) string {
	sum := sha256.Sum256([]byte(Normalize(s)))
	return hex.EncodeToString(sum[:])
}
