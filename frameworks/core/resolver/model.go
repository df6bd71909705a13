package resolver

import (
	"errors"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/mrproliu/go-agent-runtime/frameworks/core/config"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/dataprovider"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/execctx"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/matcher"
)

var (
	ErrCyclicInclude         = errors.New("cyclic profile include")
	ErrUnknownProfile        = errors.New("unknown profile")
	ErrUnknownDataProvider   = errors.New("unknown data provider")
	ErrConflictingDefinition = errors.New("conflicting definition")
	ErrDependencyCycle       = errors.New("action call dependency cycle")
	ErrInvalidMetric         = errors.New("invalid metric")
)

// InstrumentationConfiguration is the resolved form of the settings: profiles are
// unrolled into flat rules with compiled matchers.
type InstrumentationConfiguration struct {
	Data            map[string]execctx.KeySettings
	Tags            map[string]string
	IgnoredPackages []string
	// Rules are ordered by descending priority, then name.
	Rules []*ResolvedRule
	// RuleErrors holds the rules disabled by resolution errors.
	RuleErrors map[string]error
}

// ContextSettings builds the context engine settings of the configuration.
func (c *InstrumentationConfiguration) ContextSettings() *execctx.Settings {
	return execctx.NewSettings(c.Data, c.Tags)
}

// Rule returns the resolved rule called name, or nil.
func (c *InstrumentationConfiguration) Rule(name string) *ResolvedRule {
	for _, r := range c.Rules {
		if r.Name == name {
			return r
		}
	}
	return nil
}

type ResolvedRule struct {
	Name     string
	Priority int
	// Matcher is nil for rules without scopes, which match nothing.
	Matcher matcher.Matcher
	Entry   map[string]ActionCall
	Exit    map[string]ActionCall
	Tracing *config.TracingSettings
	Metrics map[string]MetricRecording
	// Profiles lists every profile the rule includes, directly or not.
	Profiles []string
}

// ActionCall is a data provider call writing DataKey.
type ActionCall struct {
	DataKey       string
	Provider      dataprovider.Definition
	DataInput     map[string]string
	ConstantInput map[string]any
	Conditions    config.ConditionSettings
	Before        []string
	After         []string
}

// MetricRecording records Constant, or the value of ValueKey when set.
type MetricRecording struct {
	Metric       string
	ValueKey     string
	Constant     float64
	ConstantTags map[string]string
	DataTags     map[string]string
}

// MethodHookConfiguration is everything installed for one method. It is plain data so
// that two resolutions can be compared structurally.
type MethodHookConfiguration struct {
	Entry       []ActionCall
	Exit        []ActionCall
	Tracing     config.TracingSettings
	Metrics     []MetricRecording
	SourceRules []string
}

type plainHookConfiguration MethodHookConfiguration

var equateEmpty = cmpopts.EquateEmpty()

func (c *MethodHookConfiguration) Equal(o *MethodHookConfiguration) bool {
	return cmp.Equal((*plainHookConfiguration)(c), (*plainHookConfiguration)(o), equateEmpty)
}

// Diff renders the difference to o, empty when Equal.
func (c *MethodHookConfiguration) Diff(o *MethodHookConfiguration) string {
	return cmp.Diff((*plainHookConfiguration)(c), (*plainHookConfiguration)(o), equateEmpty)
}

// HasTracing reports whether the hook starts or continues a span.
func (c *MethodHookConfiguration) HasTracing() bool {
	return c.Tracing.StartSpan || c.Tracing.ContinueSpan != ""
}

func cmpEqual[T any](a, b T) bool {
	return cmp.Equal(a, b, equateEmpty)
}
