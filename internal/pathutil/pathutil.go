// Package pathutil provides the path helpers used to build and compare
// filesystem allow-lists.
package pathutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ---------------------------------------------------------------------------
// Prefix coverage
// ---------------------------------------------------------------------------

// Covers reports whether path lies beneath (or is) prefix. Both arguments
// must be absolute; they are cleaned before comparison, and comparison is
// by path component, so "/tmp" covers "/tmp/x" but not "/tmpfoo".
func Covers(prefix, path string) bool {
	prefix = filepath.Clean(prefix)
	path = filepath.Clean(path)
	if prefix == path {
		return true
	}
	// When prefix is root "/", every absolute path is within it.
	if prefix == string(filepath.Separator) {
		return strings.HasPrefix(path, prefix)
	}
	return strings.HasPrefix(path, prefix+string(filepath.Separator))
}

// CoveredByAny reports whether some entry of prefixes covers path.
func CoveredByAny(prefixes []string, path string) bool {
	for _, p := range prefixes {
		if Covers(p, path) {
			return true
		}
	}
	return false
}

// NormalizeList cleans every entry, drops empty and relative entries, drops
// entries already covered by another entry, and sorts the result. The output
// is canonical: two lists granting the same prefixes normalize to the same
// slice. A nil or empty input yields an empty, non-nil slice.
func NormalizeList(paths []string) []string {
	cleaned := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" || !filepath.IsAbs(p) {
			continue
		}
		cleaned = append(cleaned, filepath.Clean(p))
	}
	// Shorter paths sort first among shared prefixes, so a parent is always
	// seen before its children.
	sort.Strings(cleaned)

	out := make([]string, 0, len(cleaned))
	for _, p := range cleaned {
		if CoveredByAny(out, p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// ---------------------------------------------------------------------------
// Path Helpers
// ---------------------------------------------------------------------------

// FindFirstNonExistent returns the first component in a path that does not
// exist. Returns "" if the entire path exists.
func FindFirstNonExistent(path string) string {
	cleaned := filepath.Clean(path)

	// Collect ancestor chain from cleaned up to root/".".
	var chain []string
	cur := cleaned
	for {
		chain = append(chain, cur)
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}

	// Walk from the root (end of chain) towards the leaf (start of chain).
	for i := len(chain) - 1; i >= 0; i-- {
		if _, err := os.Stat(chain[i]); err != nil {
			return chain[i]
		}
	}
	return ""
}

// ContainsNullByte returns true if the string contains a null byte.
func ContainsNullByte(s string) bool {
	return strings.ContainsRune(s, '\x00')
}
