package registry

import (
	"sort"
	"strings"
)

// FindMatch resolves a request path to a route. The exact (method, path) key
// wins; otherwise active routes with the same method are scanned with
// pattern semantics, more specific patterns (longer literal prefix) first.
// Returns a snapshot, or nil when nothing matches. The query string must not
// be part of the supplied path.
func (reg *Registry) FindMatch(requestPath, method string) *Route {
	method = strings.ToUpper(method)

	reg.mu.RLock()
	defer reg.mu.RUnlock()

	if r, ok := reg.routes[method+" "+requestPath]; ok && r.Active {
		return r.clone()
	}

	var candidates []*Route
	for _, r := range reg.routes {
		if r.Active && r.Method == method && isPattern(r.Path) {
			candidates = append(candidates, r)
		}
	}

	// Specificity-first: longer literal prefix wins; creation time breaks
	// ties so the order is stable for a given registry state.
	sort.Slice(candidates, func(i, j int) bool {
		li, lj := literalPrefixLen(candidates[i].Path), literalPrefixLen(candidates[j].Path)
		if li != lj {
			return li > lj
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	for _, r := range candidates {
		if MatchPattern(r.Path, requestPath) {
			return r.clone()
		}
	}
	return nil
}

// isPattern reports whether a path contains parameter or wildcard segments.
func isPattern(path string) bool {
	return strings.Contains(path, ":") || strings.Contains(path, "*")
}

// literalPrefixLen returns the length of the path up to the first parameter
// or wildcard segment.
func literalPrefixLen(path string) int {
	n := 0
	for _, seg := range strings.Split(path, "/") {
		if strings.HasPrefix(seg, ":") || seg == "*" {
			break
		}
		n += len(seg) + 1
	}
	return n
}

// MatchPattern reports whether a request path matches a route pattern.
// ":name" matches exactly one path segment (never a "/"); a trailing "*"
// matches any suffix, including an empty one.
func MatchPattern(pattern, path string) bool {
	patSegs := strings.Split(strings.Trim(pattern, "/"), "/")
	pathSegs := strings.Split(strings.Trim(path, "/"), "/")

	for i, ps := range patSegs {
		if ps == "*" && i == len(patSegs)-1 {
			return true
		}

		if i >= len(pathSegs) {
			return false
		}

		switch {
		case strings.HasPrefix(ps, ":"):
			if pathSegs[i] == "" {
				return false
			}
		case ps != pathSegs[i]:
			return false
		}
	}

	return len(patSegs) == len(pathSegs)
}
