// Package query normalizes search text and parses boolean-mode expressions.
package query

import (
	"slices"
	"strings"
	"unicode"
)

// Normalize lowercases the query and collapses runs of whitespace
func Normalize(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// Words splits text into lowercase word tokens (letters, digits and underscore)
func Words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !isWordRune(r)
	})
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// Snippet returns a window of roughly width runes around the first occurrence of
// any term in text, ellipsised on cut sides. Returns "" when no term occurs.
func Snippet(text string, terms []string, width int) string {
	runes := []rune(text)
	lower := lowerRunes(runes)
	start := -1
	for _, t := range terms {
		if t == "" {
			continue
		}
		if i := runeIndex(lower, lowerRunes([]rune(t))); i >= 0 && (start < 0 || i < start) {
			start = i
		}
	}
	if start < 0 {
		return ""
	}

	from := start - width/4
	if from < 0 {
		from = 0
	}
	to := from + width
	if to > len(runes) {
		to = len(runes)
		if to-width > 0 {
			from = to - width
		} else {
			from = 0
		}
	}

	out := strings.TrimSpace(string(runes[from:to]))
	if from > 0 {
		out = "…" + out
	}
	if to < len(runes) {
		out += "…"
	}
	return out
}

// lowerRunes folds case rune by rune so positions line up with the original text
func lowerRunes(rs []rune) []rune {
	out := make([]rune, len(rs))
	for i, r := range rs {
		out[i] = unicode.ToLower(r)
	}
	return out
}

func runeIndex(haystack, needle []rune) int {
	if len(needle) == 0 {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if slices.Equal(haystack[i:i+len(needle)], needle) {
			return i
		}
	}
	return -1
}

// ContainsAny reports whether text contains any of the terms, case-insensitively
func ContainsAny(text string, terms []string) bool {
	lower := strings.ToLower(text)
	for _, t := range terms {
		if t != "" && strings.Contains(lower, t) {
			return true
		}
	}
	return false
}
