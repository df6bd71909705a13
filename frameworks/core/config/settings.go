// Package config holds the declarative agent settings: data propagation settings,
// data providers, profiles and rules, together with their YAML and HCL loaders and a
// watched source that reports changes.
package config

import (
	"maps"
	"slices"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

type Settings struct {
	// Tags are common tags added to every root context.
	Tags            map[string]string       `yaml:"tags,omitempty"`
	Instrumentation InstrumentationSettings `yaml:"instrumentation"`
}

type InstrumentationSettings struct {
	IgnoredPackages []string                        `yaml:"ignored-packages,omitempty"`
	Data            map[string]DataSettings         `yaml:"data,omitempty"`
	DataProviders   map[string]DataProviderSettings `yaml:"data-providers,omitempty"`
	Profiles        map[string]ProfileSettings      `yaml:"profiles,omitempty"`
	Rules           map[string]RuleSettings         `yaml:"rules,omitempty"`
}

// DataSettings configures one data key. Levels are none, local or global.
type DataSettings struct {
	DownPropagation string `yaml:"down-propagation,omitempty"`
	UpPropagation   string `yaml:"up-propagation,omitempty"`
	IsTag           bool   `yaml:"is-tag,omitempty"`
}

// DataProviderSettings is a named expression. Inputs maps input names to their
// documented type.
type DataProviderSettings struct {
	Inputs map[string]string `yaml:"inputs,omitempty"`
	Value  string            `yaml:"value"`
}

// Fragments are the parts shared by profiles and rules.
type Fragments struct {
	Include []string                           `yaml:"include,omitempty"`
	Scopes  []ScopeSettings                    `yaml:"scopes,omitempty"`
	Entry   map[string]ActionCallSettings      `yaml:"entry,omitempty"`
	Exit    map[string]ActionCallSettings      `yaml:"exit,omitempty"`
	Tracing *TracingSettings                   `yaml:"tracing,omitempty"`
	Metrics map[string]MetricRecordingSettings `yaml:"metrics,omitempty"`
}

type ProfileSettings struct {
	Fragments `yaml:",inline"`
}

type RuleSettings struct {
	// Enabled defaults to true.
	Enabled   *bool `yaml:"enabled,omitempty"`
	Priority  int   `yaml:"priority,omitempty"`
	Fragments `yaml:",inline"`
}

func (r RuleSettings) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// NameMatcherSettings matches a name; Mode is one of the matcher modes, EQUALS_FULLY
// when empty.
type NameMatcherSettings struct {
	Name string `yaml:"name,omitempty"`
	Mode string `yaml:"matcher-mode,omitempty"`
}

// ScopeSettings selects methods. Every set part must match; methods match when any
// entry of Methods matches.
type ScopeSettings struct {
	Package *NameMatcherSettings    `yaml:"package,omitempty"`
	Type    *TypeMatcherSettings    `yaml:"type,omitempty"`
	Methods []MethodMatcherSettings `yaml:"methods,omitempty"`
}

type TypeMatcherSettings struct {
	NameMatcherSettings `yaml:",inline"`
	Embeds              *NameMatcherSettings  `yaml:"embeds,omitempty"`
	Interfaces          []NameMatcherSettings `yaml:"interfaces,omitempty"`
	Annotations         []string              `yaml:"annotations,omitempty"`
}

type MethodMatcherSettings struct {
	NameMatcherSettings `yaml:",inline"`
	Exported            *bool    `yaml:"exported,omitempty"`
	Arguments           []string `yaml:"arguments,omitempty"`
	Annotations         []string `yaml:"annotations,omitempty"`
}

// ConditionSettings name data keys that must hold for an action to run.
type ConditionSettings struct {
	OnlyIfTrue    string `yaml:"only-if-true,omitempty"`
	OnlyIfFalse   string `yaml:"only-if-false,omitempty"`
	OnlyIfNull    string `yaml:"only-if-null,omitempty"`
	OnlyIfNotNull string `yaml:"only-if-not-null,omitempty"`
}

// ActionCallSettings binds a data provider to a data key.
type ActionCallSettings struct {
	Provider          string            `yaml:"provider"`
	DataInput         map[string]string `yaml:"data-input,omitempty"`
	ConstantInput     map[string]any    `yaml:"constant-input,omitempty"`
	ConditionSettings `yaml:",inline"`
	// Before and After name data keys whose calls must run after, respectively
	// before, this one.
	Before []string `yaml:"before,omitempty"`
	After  []string `yaml:"after,omitempty"`
}

type TracingSettings struct {
	StartSpan    bool   `yaml:"start-span,omitempty"`
	ContinueSpan string `yaml:"continue-span,omitempty"`
	StoreSpan    string `yaml:"store-span,omitempty"`
	// EndSpan defaults to true when a span is started or continued.
	EndSpan *bool `yaml:"end-span,omitempty"`
	// Name is the data key holding the span name.
	Name       string            `yaml:"name,omitempty"`
	Kind       string            `yaml:"kind,omitempty"`
	Attributes map[string]string `yaml:"attributes,omitempty"`
	// ErrorStatus is a data key; the span is marked failed when it holds a value other
	// than false.
	ErrorStatus string `yaml:"error-status,omitempty"`

	StartSpanConditions    ConditionSettings `yaml:"start-span-conditions,omitempty"`
	ContinueSpanConditions ConditionSettings `yaml:"continue-span-conditions,omitempty"`
	EndSpanConditions      ConditionSettings `yaml:"end-span-conditions,omitempty"`
	AttributeConditions    ConditionSettings `yaml:"attribute-conditions,omitempty"`
}

// MetricRecordingSettings records Value, a numeric constant or a data key, under the
// metric name. Metric defaults to the map key.
type MetricRecordingSettings struct {
	Metric       string            `yaml:"metric,omitempty"`
	Value        string            `yaml:"value"`
	ConstantTags map[string]string `yaml:"constant-tags,omitempty"`
	DataTags     map[string]string `yaml:"data-tags,omitempty"`
}

// Merge overlays o onto s and returns the result; neither input is modified. Map
// entries of o replace those of s, ignored packages are unioned.
func Merge(s, o *Settings) *Settings {
	if s == nil {
		s = &Settings{}
	}
	if o == nil {
		o = &Settings{}
	}
	out := &Settings{
		Tags: mergeMap(s.Tags, o.Tags),
		Instrumentation: InstrumentationSettings{
			Data:          mergeMap(s.Instrumentation.Data, o.Instrumentation.Data),
			DataProviders: mergeMap(s.Instrumentation.DataProviders, o.Instrumentation.DataProviders),
			Profiles:      mergeMap(s.Instrumentation.Profiles, o.Instrumentation.Profiles),
			Rules:         mergeMap(s.Instrumentation.Rules, o.Instrumentation.Rules),
		},
	}
	for _, pkg := range slices.Concat(s.Instrumentation.IgnoredPackages, o.Instrumentation.IgnoredPackages) {
		if !slices.Contains(out.Instrumentation.IgnoredPackages, pkg) {
			out.Instrumentation.IgnoredPackages = append(out.Instrumentation.IgnoredPackages, pkg)
		}
	}
	return out
}

func mergeMap[V any](a, b map[string]V) map[string]V {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]V, len(a)+len(b))
	maps.Copy(out, a)
	maps.Copy(out, b)
	return out
}

// Equal reports whether both settings are equivalent; nil and empty collections are
// treated alike.
func Equal(a, b *Settings) bool {
	return cmp.Equal(a, b, cmpopts.EquateEmpty())
}

// Diff renders the differences between a and b, empty when Equal.
func Diff(a, b *Settings) string {
	return cmp.Diff(a, b, cmpopts.EquateEmpty())
}
