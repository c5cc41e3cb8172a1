// Package wildcard implements "*"-glob pattern matching for model
// allow-lists and pricing keys. "*" matches any run of characters
// (including the empty run); every other character is literal.
// Matching is case-insensitive.
package wildcard

import "strings"

// Match reports whether text matches pattern.
func Match(pattern, text string) bool {
	p := strings.ToLower(pattern)
	t := strings.ToLower(text)

	var pi, ti int
	star, mark := -1, 0
	for ti < len(t) {
		switch {
		case pi < len(p) && p[pi] == '*':
			star, mark = pi, ti
			pi++
		case pi < len(p) && p[pi] == t[ti]:
			pi++
			ti++
		case star >= 0:
			// Backtrack: let the last '*' swallow one more character.
			pi = star + 1
			mark++
			ti = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}

// FindFirst returns the first pattern that matches text, preferring an
// exact (non-wildcard) match over any glob match. The second return is
// false when nothing matches.
func FindFirst(patterns []string, text string) (string, bool) {
	for _, p := range patterns {
		if strings.EqualFold(p, text) {
			return p, true
		}
	}
	for _, p := range patterns {
		if Match(p, text) {
			return p, true
		}
	}
	return "", false
}

// MatchAny reports whether any pattern matches text.
func MatchAny(patterns []string, text string) bool {
	_, ok := FindFirst(patterns, text)
	return ok
}
