package tree

import (
	"fmt"
	"strings"
)

// splitPath validates p and returns its segments. The root path yields no segments.
func splitPath(p string) ([]string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil, nil
	}
	segs := strings.Split(p, "/")
	for _, s := range segs {
		if s == "" || strings.ContainsAny(s, ".#$[]") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return segs, nil
}

func joinPath(segs []string) string {
	return strings.Join(segs, "/")
}

// hasPrefix reports whether prefix is an ancestor of (or equal to) segs
func hasPrefix(segs, prefix []string) bool {
	if len(prefix) > len(segs) {
		return false
	}
	for i := range prefix {
		if segs[i] != prefix[i] {
			return false
		}
	}
	return true
}

// related reports whether a write at one path can change the value at the other
func related(a, b []string) bool {
	return hasPrefix(a, b) || hasPrefix(b, a)
}
