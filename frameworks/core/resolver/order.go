package resolver

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// orderCalls sorts calls so that every call runs after the calls writing the data it
// reads, honouring explicit before and after constraints. Independent calls are
// ordered by data key, which keeps the result stable.
func orderCalls(calls map[string]ActionCall) ([]ActionCall, error) {
	successors := make(map[string]map[string]bool, len(calls))
	inDegree := make(map[string]int, len(calls))
	for key := range calls {
		successors[key] = map[string]bool{}
		inDegree[key] = 0
	}
	edge := func(from, to string) {
		if from == to {
			return
		}
		if _, ok := calls[from]; !ok {
			return
		}
		if _, ok := calls[to]; !ok {
			return
		}
		if !successors[from][to] {
			successors[from][to] = true
			inDegree[to]++
		}
	}
	for key, call := range calls {
		for _, dep := range dependencies(call) {
			edge(dep, key)
		}
		for _, later := range call.Before {
			edge(key, later)
		}
		for _, earlier := range call.After {
			edge(earlier, key)
		}
	}

	var ready []string
	for key, d := range inDegree {
		if d == 0 {
			ready = append(ready, key)
		}
	}
	slices.Sort(ready)

	out := make([]ActionCall, 0, len(calls))
	for len(ready) > 0 {
		key := ready[0]
		ready = ready[1:]
		out = append(out, calls[key])
		for _, next := range slices.Sorted(maps.Keys(successors[key])) {
			inDegree[next]--
			if inDegree[next] == 0 {
				i, _ := slices.BinarySearch(ready, next)
				ready = slices.Insert(ready, i, next)
			}
		}
	}
	if len(out) < len(calls) {
		var cyclic []string
		for key, d := range inDegree {
			if d > 0 {
				cyclic = append(cyclic, key)
			}
		}
		slices.Sort(cyclic)
		return nil, fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(cyclic, ", "))
	}
	return out, nil
}

// dependencies lists the data keys a call reads.
func dependencies(call ActionCall) []string {
	deps := slices.Collect(maps.Values(call.DataInput))
	c := call.Conditions
	for _, key := range []string{c.OnlyIfTrue, c.OnlyIfFalse, c.OnlyIfNull, c.OnlyIfNotNull} {
		if key != "" {
			deps = append(deps, key)
		}
	}
	return deps
}
