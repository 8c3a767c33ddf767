// Package envutil converts between environment maps and the KEY=VALUE
// slices used by os/exec.
package envutil

import (
	"sort"
	"strings"
)

// SetEnv sets or replaces an environment variable in an env slice.
// Returns the modified slice. If the key already exists, its value is updated
// in place. Otherwise, the new entry is appended.
func SetEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, e := range env {
		if strings.HasPrefix(e, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// RemoveEnv removes a variable from an env slice.
// Returns a new slice with the variable removed.
func RemoveEnv(env []string, key string) []string {
	prefix := key + "="
	result := make([]string, 0, len(env))
	for _, e := range env {
		if !strings.HasPrefix(e, prefix) {
			result = append(result, e)
		}
	}
	return result
}

// ToMap parses an env slice into a map. Entries without '=' are kept with an
// empty value. When a key repeats, the last entry wins, matching the
// behavior of exec.Cmd.
func ToMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, e := range env {
		key, value, _ := strings.Cut(e, "=")
		if key == "" {
			continue
		}
		m[key] = value
	}
	return m
}

// FromMap renders a map as an env slice sorted by key, so that the same map
// always produces the same slice.
func FromMap(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+m[k])
	}
	return env
}
