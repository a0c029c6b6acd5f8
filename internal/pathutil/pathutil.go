// Package pathutil canonicalizes URL path prefixes and splits them into
// trie segments.
package pathutil

import "strings"

// Canonical normalizes s into a path that begins with "/" and strips one
// trailing "/" unless the path is exactly the root. Only a single trailing
// "/" is removed, so "/a//" becomes "/a/".
func Canonical(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "/"
	}
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	if len(s) > 1 && strings.HasSuffix(s, "/") {
		s = strings.TrimSuffix(s, "/")
	}
	if s == "" {
		s = "/"
	}
	return s
}

// Segments splits a canonical path into its non-empty ordered segments.
// The root path maps to an empty slice.
func Segments(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return []string{}
	}
	return strings.Split(trimmed, "/")
}

// Join rebuilds a canonical path from segments, "/" for an empty slice.
func Join(segments []string) string {
	if len(segments) == 0 {
		return "/"
	}
	return "/" + strings.Join(segments, "/")
}
