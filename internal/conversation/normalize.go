package conversation

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"
)

// whitespaceRegex matches one or more whitespace characters
var whitespaceRegex = regexp.MustCompile(`\s+`)

// Normalize trims, lowercases and collapses internal whitespace to single
// spaces. Keyword and indicator matching runs on normalized text.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	return whitespaceRegex.ReplaceAllString(s, " ")
}

// NormalizePhase trims and uppercases a phase name supplied by a caller.
func NormalizePhase(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// CountChars returns the character count as runes (not bytes).
func CountChars(text string) int {
	return utf8.RuneCountInString(text)
}

// WordCount returns the number of whitespace-separated words.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// EstimateTokens estimates token count using a 1.3x word heuristic.
func EstimateTokens(text string) int {
	return int(math.Ceil(float64(WordCount(text)) * 1.3))
}
