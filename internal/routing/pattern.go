package routing

import "strings"

// MatchesPattern reports whether messageType matches pattern. Patterns
// are exact message types or a namespace with a trailing wildcard, e.g.
// "contract.*" matches "contract.created". A bare "*" matches
// everything.
func MatchesPattern(pattern, messageType string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(messageType, prefix)
	}
	return pattern == messageType
}

// Specificity orders patterns by their literal prefix length, so
// "contract.created" beats "contract.*" beats "*" at equal priority.
func Specificity(pattern string) int {
	if pattern == "*" {
		return 0
	}
	if strings.HasSuffix(pattern, ".*") {
		return len(strings.TrimSuffix(pattern, "*"))
	}
	return len(pattern) + 1
}
