// Package strings holds the small list helpers shared by config parsing and
// claim mapping.
package strings

import (
	"strings"
)

// Unique trims every value and drops blanks and repeats, keeping first-seen
// order. A nil or empty input is returned unchanged.
func Unique(values []string) []string {
	if len(values) == 0 {
		return values
	}

	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// SplitList splits raw on commas and whitespace and returns the unique,
// non-empty parts. "openid, profile openid" yields [openid profile].
func SplitList(raw string) []string {
	return Unique(strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	}))
}
