// Package slots extracts structured fields from free-text messages.
package slots

import (
	"regexp"
	"strings"
)

// Slot names.
const (
	Email = "email"
	Phone = "phone"
	Dates = "dates"
)

// Set maps slot name to value. Scalar slots hold a string; Dates holds []string.
type Set map[string]any

var (
	emailRegex = regexp.MustCompile(`[\w.-]+@[\w.-]+`)
	phoneRegex = regexp.MustCompile(`\+?\d[\d\s-]{6,}\d`)
	dateRegex  = regexp.MustCompile(`\b\d{4}-\d{1,2}-\d{1,2}\b`)
)

// minPhoneDigits is the fewest digits a phone candidate must carry.
const minPhoneDigits = 8

// Extract pulls email, phone and dates out of text. Only matched slots are
// present. Phase is accepted for symmetry with other per-phase steps and does
// not change what is extracted.
func Extract(text, _ string) Set {
	out := Set{}

	if m := emailRegex.FindString(text); m != "" {
		out[Email] = m
	}

	dates := dateRegex.FindAllString(text, -1)
	if len(dates) > 0 {
		out[Dates] = dates
	}

	// Digits inside emails and dates must not be read as a phone number.
	masked := emailRegex.ReplaceAllStringFunc(text, blank)
	masked = dateRegex.ReplaceAllStringFunc(masked, blank)
	for _, cand := range phoneRegex.FindAllString(masked, -1) {
		cand = strings.TrimSpace(cand)
		if countDigits(cand) >= minPhoneDigits {
			out[Phone] = cand
			break
		}
	}

	return out
}

// blank replaces a match with spaces so offsets and separators stay put.
func blank(s string) string {
	return strings.Repeat(" ", len(s))
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

// Filled reports whether name is present and truthy.
func (s Set) Filled(name string) bool {
	v, ok := s[name]
	if !ok {
		return false
	}
	return Truthy(v)
}

// Truthy reports whether v counts as a filled value: non-empty strings and
// collections, non-zero numbers, true.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []string:
		return len(t) > 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// Merge folds src into dst. Scalars overwrite; dates are appended and
// deduplicated in first-seen order. dst is returned for chaining and is
// allocated when nil.
func Merge(dst, src Set) Set {
	if dst == nil {
		dst = Set{}
	}
	for k, v := range src {
		if k == Dates {
			dst[Dates] = mergeDates(asStrings(dst[Dates]), asStrings(v))
			continue
		}
		dst[k] = v
	}
	return dst
}

// FromMap converts a decoded JSON object (as stored in message metadata) to a Set.
func FromMap(m map[string]any) Set {
	out := Set{}
	for k, v := range m {
		if k == Dates {
			if ds := asStrings(v); len(ds) > 0 {
				out[Dates] = ds
			}
			continue
		}
		out[k] = v
	}
	return out
}

func asStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	default:
		return nil
	}
}

func mergeDates(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, d := range list {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	return out
}
