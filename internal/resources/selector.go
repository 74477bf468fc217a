package resources

import (
	"maps"
	"slices"
	"strings"
)

// Selector is an equality-based label selector. An empty selector matches everything.
type Selector map[string]string

// Matches reports whether every selector entry is present in labels with the same value.
func (s Selector) Matches(labels map[string]string) bool {
	for k, v := range s {
		if got, ok := labels[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// Equal reports whether both selectors hold the same entries.
func (s Selector) Equal(other Selector) bool {
	return maps.Equal(s, other)
}

// String renders the selector as a sorted "k=v,k=v" list.
func (s Selector) String() string {
	keys := slices.Sorted(maps.Keys(s))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+s[k])
	}
	return strings.Join(parts, ",")
}

// Clone returns a copy of the selector.
func (s Selector) Clone() Selector {
	return maps.Clone(s)
}
