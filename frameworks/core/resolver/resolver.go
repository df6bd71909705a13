// Package resolver turns declarative settings into an InstrumentationConfiguration
// and computes, per candidate method, the MethodHookConfiguration to install.
package resolver

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/mrproliu/go-agent-runtime/frameworks/core"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/config"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/dataprovider"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/execctx"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/selfmon"
)

type Resolver struct {
	logger    *slog.Logger
	providers *dataprovider.Cache
}

type Option func(*Resolver)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// WithProviderCache shares compiled providers with the hook builder.
func WithProviderCache(cache *dataprovider.Cache) Option {
	return func(r *Resolver) { r.providers = cache }
}

func New(opts ...Option) *Resolver {
	r := &Resolver{logger: slog.Default(), providers: dataprovider.NewCache()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve unrolls profiles and compiles every enabled rule. A rule that fails is left
// out and its error recorded; the other rules are unaffected.
func (r *Resolver) Resolve(s *config.Settings) *InstrumentationConfiguration {
	if s == nil {
		s = &config.Settings{}
	}
	in := s.Instrumentation
	cfg := &InstrumentationConfiguration{
		Data:            make(map[string]execctx.KeySettings, len(in.Data)),
		Tags:            maps.Clone(s.Tags),
		IgnoredPackages: slices.Clone(in.IgnoredPackages),
		RuleErrors:      map[string]error{},
	}
	for key, d := range in.Data {
		cfg.Data[key] = execctx.KeySettings{
			Down: execctx.ParseLevel(d.DownPropagation),
			Up:   execctx.ParseLevel(d.UpPropagation),
			Tag:  d.IsTag,
		}
	}

	unroll := newUnroller(in.Profiles)
	for _, name := range slices.Sorted(maps.Keys(in.Rules)) {
		settings := in.Rules[name]
		if !settings.IsEnabled() {
			continue
		}
		rule, err := r.resolveRule(name, settings, unroll, in.DataProviders)
		if err != nil {
			cfg.RuleErrors[name] = err
			r.logger.Warn("rule disabled by resolution error", "rule", name, "error", err)
			continue
		}
		cfg.Rules = append(cfg.Rules, rule)
	}
	slices.SortStableFunc(cfg.Rules, func(a, b *ResolvedRule) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	selfmon.RuleErrors.Set(float64(len(cfg.RuleErrors)))
	return cfg
}

func (r *Resolver) resolveRule(name string, settings config.RuleSettings, unroll *unroller,
	providers map[string]config.DataProviderSettings) (*ResolvedRule, error) {
	fs, err := unroll.unit("rule "+name, settings.Fragments)
	if err != nil {
		return nil, err
	}
	m, err := scopeMatcher(fs.scopes)
	if err != nil {
		return nil, err
	}
	rule := &ResolvedRule{
		Name:     name,
		Priority: settings.Priority,
		Matcher:  m,
		Entry:    map[string]ActionCall{},
		Exit:     map[string]ActionCall{},
		Metrics:  map[string]MetricRecording{},
		Profiles: fs.profileNames(),
	}

	var errs []error
	for key, c := range fs.entry {
		call, err := r.actionCall(key, c.value, providers)
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %s: %w", key, err))
			continue
		}
		rule.Entry[key] = call
	}
	for key, c := range fs.exit {
		call, err := r.actionCall(key, c.value, providers)
		if err != nil {
			errs = append(errs, fmt.Errorf("exit %s: %w", key, err))
			continue
		}
		rule.Exit[key] = call
	}
	for key, m := range fs.metrics {
		rec, err := metricRecording(key, m.value)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rule.Metrics[key] = rec
	}
	rule.Tracing = fs.tracingSettings()
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return rule, nil
}

func (r *Resolver) actionCall(key string, c config.ActionCallSettings, providers map[string]config.DataProviderSettings) (ActionCall, error) {
	ps, ok := providers[c.Provider]
	if !ok {
		return ActionCall{}, fmt.Errorf("%w: %q", ErrUnknownDataProvider, c.Provider)
	}
	def := dataprovider.Definition{Name: c.Provider, Inputs: ps.Inputs, Value: ps.Value}
	p, err := r.providers.Get(def)
	if err != nil {
		return ActionCall{}, err
	}
	if _, err := dataprovider.Bind(p, c.DataInput, c.ConstantInput); err != nil {
		return ActionCall{}, err
	}
	return ActionCall{
		DataKey:       key,
		Provider:      def,
		DataInput:     c.DataInput,
		ConstantInput: c.ConstantInput,
		Conditions:    c.ConditionSettings,
		Before:        c.Before,
		After:         c.After,
	}, nil
}

func metricRecording(key string, m config.MetricRecordingSettings) (MetricRecording, error) {
	rec := MetricRecording{
		Metric:       cmp.Or(m.Metric, key),
		ConstantTags: m.ConstantTags,
		DataTags:     m.DataTags,
	}
	if m.Value == "" {
		return rec, fmt.Errorf("%w: %s has no value", ErrInvalidMetric, key)
	}
	if f, err := strconv.ParseFloat(m.Value, 64); err == nil {
		rec.Constant = f
	} else {
		rec.ValueKey = m.Value
	}
	return rec, nil
}

// HookConfigurationFor computes the hook of desc. It returns nil when no rule matches
// or the package is ignored. The result depends only on its inputs.
func (r *Resolver) HookConfigurationFor(cfg *InstrumentationConfiguration, desc *core.MethodDescriptor) (*MethodHookConfiguration, error) {
	hc, err := hookConfigurationFor(cfg, desc)
	switch {
	case err != nil:
		selfmon.Resolutions.WithLabelValues("error").Inc()
	case hc == nil:
		selfmon.Resolutions.WithLabelValues("none").Inc()
	default:
		selfmon.Resolutions.WithLabelValues("hooked").Inc()
	}
	return hc, err
}

func hookConfigurationFor(cfg *InstrumentationConfiguration, desc *core.MethodDescriptor) (*MethodHookConfiguration, error) {
	if cfg == nil || desc == nil || ignored(cfg.IgnoredPackages, desc.Package) {
		return nil, nil
	}
	var matching []*ResolvedRule
	for _, rule := range cfg.Rules {
		if rule.Matcher != nil && rule.Matcher.Matches(desc) {
			matching = append(matching, rule)
		}
	}
	if len(matching) == 0 {
		return nil, nil
	}

	hc := &MethodHookConfiguration{}
	entry := map[string]ranked[ActionCall]{}
	exit := map[string]ranked[ActionCall]{}
	metrics := map[string]ranked[MetricRecording]{}
	tracing := map[string]ranked[any]{}
	var errs []error
	for _, rule := range matching {
		hc.SourceRules = append(hc.SourceRules, rule.Name)
		for key, call := range rule.Entry {
			errs = append(errs, mergeRanked(entry, "entry "+key, key, rule, call))
		}
		for key, call := range rule.Exit {
			errs = append(errs, mergeRanked(exit, "exit "+key, key, rule, call))
		}
		for key, m := range rule.Metrics {
			errs = append(errs, mergeRanked(metrics, "metric "+key, key, rule, m))
		}
		for field, v := range tracingFields(rule.Tracing) {
			errs = append(errs, mergeRanked(tracing, "tracing "+field, field, rule, v))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%s: %w", desc.ID(), err)
	}

	var err error
	if hc.Entry, err = orderCalls(values(entry)); err != nil {
		return nil, fmt.Errorf("%s: entry: %w", desc.ID(), err)
	}
	if hc.Exit, err = orderCalls(values(exit)); err != nil {
		return nil, fmt.Errorf("%s: exit: %w", desc.ID(), err)
	}
	for _, key := range slices.Sorted(maps.Keys(metrics)) {
		hc.Metrics = append(hc.Metrics, metrics[key].value)
	}
	fields := make(map[string]any, len(tracing))
	for k, v := range tracing {
		fields[k] = v.value
	}
	if t := tracingSettings(fields); t != nil {
		hc.Tracing = *t
	}
	return hc, nil
}

// HookConfigurations resolves every descriptor, keyed by method id. Methods without a
// hook are absent; failing methods are reported in the error map.
func (r *Resolver) HookConfigurations(cfg *InstrumentationConfiguration, descs []*core.MethodDescriptor) (map[string]*MethodHookConfiguration, map[string]error) {
	hooks := map[string]*MethodHookConfiguration{}
	failures := map[string]error{}
	for _, desc := range descs {
		hc, err := r.HookConfigurationFor(cfg, desc)
		if err != nil {
			failures[desc.ID()] = err
			continue
		}
		if hc != nil {
			hooks[desc.ID()] = hc
		}
	}
	return hooks, failures
}

// ranked is a definition taken from the rule with the highest priority. Rules are
// visited by descending priority, so the first definition seen wins unless an equal
// priority rule disagrees.
type ranked[T any] struct {
	value    T
	rule     string
	priority int
}

func mergeRanked[T any](dst map[string]ranked[T], what, key string, rule *ResolvedRule, v T) error {
	cur, ok := dst[key]
	if !ok {
		dst[key] = ranked[T]{value: v, rule: rule.Name, priority: rule.Priority}
		return nil
	}
	if cur.priority == rule.Priority && !cmpEqual(cur.value, v) {
		return fmt.Errorf("%w: %s defined by rules %s and %s", ErrConflictingDefinition, what, cur.rule, rule.Name)
	}
	return nil
}

func values(m map[string]ranked[ActionCall]) map[string]ActionCall {
	out := make(map[string]ActionCall, len(m))
	for k, v := range m {
		out[k] = v.value
	}
	return out
}

func ignored(prefixes []string, pkg string) bool {
	for _, p := range prefixes {
		if pkg == p || strings.HasPrefix(pkg, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}
