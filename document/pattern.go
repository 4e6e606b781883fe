package document

import (
	"strings"
)

// MatchPattern reports whether a document id matches a glob pattern.
// Supported forms: "*" matches everything, "prefix*" matches by prefix,
// "*suffix" matches by suffix, anything else matches exactly. List,
// KEYS, subscriptions, and storage adapters all share these rules.
func MatchPattern(id, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(id, prefix)
	}
	if suffix, ok := strings.CutPrefix(pattern, "*"); ok {
		return strings.HasSuffix(id, suffix)
	}
	return id == pattern
}
