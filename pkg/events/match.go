package events

import "strings"

// MatchKind implements the system's single wildcard rule: a pattern ending
// in "*" matches any kind that begins with the pattern's prefix (the "*"
// stripped); the pattern "*" alone matches everything; every other pattern
// is an exact match. There is no multi-token wildcard and no single-token
// wildcard distinct from the trailing "*" case.
func MatchKind(pattern, kind string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := pattern[:len(pattern)-1]
		return strings.HasPrefix(kind, prefix)
	}
	return pattern == kind
}

// MatchAny reports whether kind matches at least one of the given patterns.
func MatchAny(patterns []string, kind string) bool {
	for _, p := range patterns {
		if MatchKind(p, kind) {
			return true
		}
	}
	return false
}
