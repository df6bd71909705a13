package resolver

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/mrproliu/go-agent-runtime/frameworks/core/config"
)

// sourced remembers which profile, or rule, defined a fragment.
type sourced[T any] struct {
	value  T
	origin string
}

// fragmentSet is the effective fragment set of a profile or rule.
type fragmentSet struct {
	scopes   []config.ScopeSettings
	entry    map[string]sourced[config.ActionCallSettings]
	exit     map[string]sourced[config.ActionCallSettings]
	tracing  map[string]sourced[any]
	metrics  map[string]sourced[config.MetricRecordingSettings]
	profiles map[string]bool
}

func newFragmentSet() *fragmentSet {
	return &fragmentSet{
		entry:    map[string]sourced[config.ActionCallSettings]{},
		exit:     map[string]sourced[config.ActionCallSettings]{},
		tracing:  map[string]sourced[any]{},
		metrics:  map[string]sourced[config.MetricRecordingSettings]{},
		profiles: map[string]bool{},
	}
}

// unroller expands profile includes. Each profile is unrolled once per resolution and
// a profile reached through several include paths contributes once.
type unroller struct {
	profiles map[string]config.ProfileSettings
	done     map[string]*fragmentSet
	failed   map[string]error
	stack    []string
}

func newUnroller(profiles map[string]config.ProfileSettings) *unroller {
	return &unroller{
		profiles: profiles,
		done:     map[string]*fragmentSet{},
		failed:   map[string]error{},
	}
}

func (u *unroller) profile(name string) (*fragmentSet, error) {
	if fs, ok := u.done[name]; ok {
		return fs, nil
	}
	if err, ok := u.failed[name]; ok {
		return nil, err
	}
	if i := slices.Index(u.stack, name); i >= 0 {
		cycle := append(slices.Clone(u.stack[i:]), name)
		return nil, fmt.Errorf("%w: %s", ErrCyclicInclude, strings.Join(cycle, " -> "))
	}
	p, ok := u.profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}

	u.stack = append(u.stack, name)
	fs, err := u.unit(name, p.Fragments)
	u.stack = u.stack[:len(u.stack)-1]
	if err != nil {
		u.failed[name] = err
		return nil, err
	}
	fs.profiles[name] = true
	u.done[name] = fs
	return fs, nil
}

// unit merges the includes of a profile or rule and overlays its own fragments.
func (u *unroller) unit(origin string, f config.Fragments) (*fragmentSet, error) {
	out := newFragmentSet()
	var errs []error
	for _, inc := range slices.Compact(slices.Clone(f.Include)) {
		sub, err := u.profile(inc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := out.include(sub, u.covers); err != nil {
			errs = append(errs, fmt.Errorf("include %s: %w", inc, err))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	out.overlay(origin, f)
	return out, nil
}

// covers reports whether origin a includes origin b, so that definitions of a
// override those of b.
func (u *unroller) covers(a, b string) bool {
	fs, ok := u.done[a]
	return ok && fs.profiles[b]
}

func (fs *fragmentSet) include(sub *fragmentSet, covers func(a, b string) bool) error {
	maps.Copy(fs.profiles, sub.profiles)
	for _, s := range sub.scopes {
		fs.addScope(s)
	}
	var errs []error
	for k, v := range sub.entry {
		errs = append(errs, mergeSourced(fs.entry, "entry "+k, k, v, covers))
	}
	for k, v := range sub.exit {
		errs = append(errs, mergeSourced(fs.exit, "exit "+k, k, v, covers))
	}
	for k, v := range sub.metrics {
		errs = append(errs, mergeSourced(fs.metrics, "metric "+k, k, v, covers))
	}
	for k, v := range sub.tracing {
		errs = append(errs, mergeSourced(fs.tracing, "tracing "+k, k, v, covers))
	}
	return errors.Join(errs...)
}

func mergeSourced[T any](dst map[string]sourced[T], what, key string, v sourced[T], covers func(a, b string) bool) error {
	cur, ok := dst[key]
	switch {
	case !ok:
		dst[key] = v
	case cur.origin == v.origin || cmp.Equal(cur.value, v.value, equateEmpty):
	case covers(v.origin, cur.origin):
		dst[key] = v
	case covers(cur.origin, v.origin):
	default:
		return fmt.Errorf("%w: %s defined by %s and %s", ErrConflictingDefinition, what, cur.origin, v.origin)
	}
	return nil
}

func (fs *fragmentSet) addScope(s config.ScopeSettings) {
	for _, existing := range fs.scopes {
		if cmp.Equal(existing, s, equateEmpty) {
			return
		}
	}
	fs.scopes = append(fs.scopes, s)
}

func (fs *fragmentSet) overlay(origin string, f config.Fragments) {
	for _, s := range f.Scopes {
		fs.addScope(s)
	}
	for k, v := range f.Entry {
		fs.entry[k] = sourced[config.ActionCallSettings]{value: v, origin: origin}
	}
	for k, v := range f.Exit {
		fs.exit[k] = sourced[config.ActionCallSettings]{value: v, origin: origin}
	}
	for k, v := range f.Metrics {
		fs.metrics[k] = sourced[config.MetricRecordingSettings]{value: v, origin: origin}
	}
	for k, v := range tracingFields(f.Tracing) {
		fs.tracing[k] = sourced[any]{value: v, origin: origin}
	}
}

func (fs *fragmentSet) tracingSettings() *config.TracingSettings {
	fields := make(map[string]any, len(fs.tracing))
	for k, v := range fs.tracing {
		fields[k] = v.value
	}
	return tracingSettings(fields)
}

func (fs *fragmentSet) profileNames() []string {
	return slices.Sorted(maps.Keys(fs.profiles))
}
