package metrics

import (
	"strings"
	"unicode/utf8"

	"github.com/arbovm/levenshtein"
)

// Normalize collapses runs of whitespace and trims the ends
func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// CharacterErrorRate is the edit distance between the normalized texts
// divided by the expected length. An empty reference scores 0 against an
// empty hypothesis and 1 otherwise.
func CharacterErrorRate(expected, actual string) float64 {
	exp := Normalize(expected)
	act := Normalize(actual)

	n := utf8.RuneCountInString(exp)
	if n == 0 {
		if act == "" {
			return 0
		}
		return 1
	}
	return float64(levenshtein.Distance(exp, act)) / float64(n)
}
