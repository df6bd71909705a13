package resolver

import (
	"maps"
	"slices"
	"strings"
)

type ChangeKind string

const (
	Added   ChangeKind = "added"
	Removed ChangeKind = "removed"
	Changed ChangeKind = "changed"
)

// Change is one method whose hook has to be installed, replaced or removed.
type Change struct {
	Method   string
	Kind     ChangeKind
	Previous *MethodHookConfiguration
	Next     *MethodHookConfiguration
}

// Diff compares two resolutions keyed by method id. Methods whose configuration is
// structurally equal are not reported. Changes are sorted by method.
func Diff(previous, next map[string]*MethodHookConfiguration) []Change {
	var changes []Change
	for _, method := range slices.Sorted(maps.Keys(previous)) {
		prev := previous[method]
		n, ok := next[method]
		switch {
		case !ok:
			changes = append(changes, Change{Method: method, Kind: Removed, Previous: prev})
		case !prev.Equal(n):
			changes = append(changes, Change{Method: method, Kind: Changed, Previous: prev, Next: n})
		}
	}
	for _, method := range slices.Sorted(maps.Keys(next)) {
		if _, ok := previous[method]; !ok {
			changes = append(changes, Change{Method: method, Kind: Added, Next: next[method]})
		}
	}
	slices.SortStableFunc(changes, func(a, b Change) int {
		return strings.Compare(a.Method, b.Method)
	})
	return changes
}
