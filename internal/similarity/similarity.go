// Package similarity compares two natural-language answers.
//
// The measure is cosine similarity over word term-frequency vectors after
// case folding and punctuation removal, so answers that differ only in
// whitespace, punctuation or letter case compare as 1.0.
package similarity

import (
	"math"
	"strings"
	"unicode"
)

// Threshold below which an answer counts as changed.
const Threshold = 0.85

// Similarity returns a score in [0,1]. Two empty answers are identical, an
// empty answer against a non-empty one is fully different.
func Similarity(a, b string) float64 {
	ta, tb := termFrequencies(a), termFrequencies(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	var dot, na, nb float64
	for term, ca := range ta {
		na += float64(ca * ca)
		if cb, ok := tb[term]; ok {
			dot += float64(ca * cb)
		}
	}
	for _, cb := range tb {
		nb += float64(cb * cb)
	}

	score := dot / math.Sqrt(na*nb)
	// Guard float rounding for identical vectors.
	return math.Min(1, math.Max(0, score))
}

// Changed reports whether b differs significantly from a.
func Changed(a, b string) bool {
	return Similarity(a, b) < Threshold
}

// Normalize folds case, drops punctuation and collapses whitespace.
func Normalize(s string) string {
	return strings.Join(tokens(s), " ")
}

func tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func termFrequencies(s string) map[string]int {
	out := make(map[string]int)
	for _, t := range tokens(s) {
		out[t]++
	}
	return out
}
