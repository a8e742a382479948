// Package utils holds small matching helpers shared by the engine and the
// guard layer.
package utils

import "strings"

// Match reports whether value satisfies pattern. Patterns support:
//   - "*" matching everything;
//   - a trailing "*" matching any suffix ("maintenance*", "lease/*");
//   - ":param" segments in path-style values matching one segment
//     ("/units/:id" matches "/units/42").
//
// Anything else is a literal comparison.
func Match(pattern, value string) bool {
	if pattern == "*" || pattern == value {
		return true
	}
	if strings.ContainsRune(pattern, ':') && strings.ContainsRune(pattern, '/') {
		return matchPath(pattern, value)
	}
	if i := strings.IndexByte(pattern, '*'); i >= 0 && i == len(pattern)-1 {
		return strings.HasPrefix(value, pattern[:i])
	}
	return false
}

// MatchAny reports whether any pattern in the list matches the value.
func MatchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if Match(p, value) {
			return true
		}
	}
	return false
}

// matchPath walks pattern and value segment-wise. ":name" consumes one
// segment, "*" as the final segment consumes the rest.
func matchPath(pattern, value string) bool {
	pSegs := strings.Split(pattern, "/")
	vSegs := strings.Split(value, "/")
	for i, seg := range pSegs {
		if seg == "*" && i == len(pSegs)-1 {
			return true
		}
		if i >= len(vSegs) {
			return false
		}
		if strings.HasPrefix(seg, ":") {
			if vSegs[i] == "" {
				return false
			}
			continue
		}
		if seg != vSegs[i] {
			return false
		}
	}
	return len(pSegs) == len(vSegs)
}
