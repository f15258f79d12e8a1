package policy

import (
	"path"
	"path/filepath"
	"strings"
)

// MatchPath reports whether name matches a slash-separated glob pattern.
// "*" and "?" stay within one segment as in path.Match; a "**" segment
// matches zero or more whole segments. Malformed patterns never match.
func MatchPath(pattern, name string) bool {
	if pattern == "" {
		return false
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(normalizePath(name), "/"))
}

// MatchAny reports whether name matches any pattern.
func MatchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if MatchPath(p, name) {
			return true
		}
	}
	return false
}

func matchSegments(pattern, name []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(name); i++ {
				if matchSegments(rest, name[i:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		ok, err := path.Match(pattern[0], name[0])
		if err != nil || !ok {
			return false
		}
		pattern, name = pattern[1:], name[1:]
	}
	return len(name) == 0
}

func normalizePath(p string) string {
	p = filepath.ToSlash(strings.TrimSpace(p))
	if p == "" {
		return p
	}
	return path.Clean(p)
}
