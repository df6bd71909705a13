package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// hclFile is the HCL rendition of Settings. Matchers are flattened into attributes
// and maps keyed by name become labelled blocks.
type hclFile struct {
	Tags            map[string]string  `hcl:"tags,optional"`
	IgnoredPackages []string           `hcl:"ignored_packages,optional"`
	Data            []*hclData         `hcl:"data,block"`
	DataProviders   []*hclDataProvider `hcl:"data_provider,block"`
	Profiles        []*hclProfile      `hcl:"profile,block"`
	Rules           []*hclRule         `hcl:"rule,block"`
}

type hclData struct {
	Key             string `hcl:"key,label"`
	DownPropagation string `hcl:"down_propagation,optional"`
	UpPropagation   string `hcl:"up_propagation,optional"`
	IsTag           bool   `hcl:"is_tag,optional"`
}

type hclDataProvider struct {
	Name   string            `hcl:"name,label"`
	Inputs map[string]string `hcl:"inputs,optional"`
	Value  string            `hcl:"value"`
}

// Profile and rule bodies share hclFragments, decoded from the remaining body.
type hclProfile struct {
	Name   string   `hcl:"name,label"`
	Remain hcl.Body `hcl:",remain"`
}

type hclRule struct {
	Name     string   `hcl:"name,label"`
	Enabled  *bool    `hcl:"enabled,optional"`
	Priority int      `hcl:"priority,optional"`
	Remain   hcl.Body `hcl:",remain"`
}

type hclFragments struct {
	Include []string     `hcl:"include,optional"`
	Scopes  []*hclScope  `hcl:"scope,block"`
	Entry   []*hclCall   `hcl:"entry,block"`
	Exit    []*hclCall   `hcl:"exit,block"`
	Tracing *hclTracing  `hcl:"tracing,block"`
	Metrics []*hclMetric `hcl:"metric,block"`
}

type hclScope struct {
	Package         *string      `hcl:"package,optional"`
	PackageMode     string       `hcl:"package_mode,optional"`
	Type            *string      `hcl:"type,optional"`
	TypeMode        string       `hcl:"type_mode,optional"`
	Embeds          *string      `hcl:"embeds,optional"`
	Interfaces      []string     `hcl:"interfaces,optional"`
	TypeAnnotations []string     `hcl:"type_annotations,optional"`
	Methods         []*hclMethod `hcl:"method,block"`
}

type hclMethod struct {
	Name        string   `hcl:"name,optional"`
	Mode        string   `hcl:"mode,optional"`
	Exported    *bool    `hcl:"exported,optional"`
	Arguments   []string `hcl:"arguments,optional"`
	Annotations []string `hcl:"annotations,optional"`
}

type hclConditions struct {
	OnlyIfTrue    string `hcl:"only_if_true,optional"`
	OnlyIfFalse   string `hcl:"only_if_false,optional"`
	OnlyIfNull    string `hcl:"only_if_null,optional"`
	OnlyIfNotNull string `hcl:"only_if_not_null,optional"`
}

type hclCall struct {
	Key           string            `hcl:"key,label"`
	Provider      string            `hcl:"provider"`
	DataInput     map[string]string `hcl:"data_input,optional"`
	ConstantInput cty.Value         `hcl:"constant_input,optional"`
	Before        []string          `hcl:"before,optional"`
	After         []string          `hcl:"after,optional"`
	OnlyIfTrue    string            `hcl:"only_if_true,optional"`
	OnlyIfFalse   string            `hcl:"only_if_false,optional"`
	OnlyIfNull    string            `hcl:"only_if_null,optional"`
	OnlyIfNotNull string            `hcl:"only_if_not_null,optional"`
}

type hclTracing struct {
	StartSpan           bool              `hcl:"start_span,optional"`
	ContinueSpan        string            `hcl:"continue_span,optional"`
	StoreSpan           string            `hcl:"store_span,optional"`
	EndSpan             *bool             `hcl:"end_span,optional"`
	Name                string            `hcl:"name,optional"`
	Kind                string            `hcl:"kind,optional"`
	Attributes          map[string]string `hcl:"attributes,optional"`
	ErrorStatus         string            `hcl:"error_status,optional"`
	StartSpanConditions *hclConditions    `hcl:"start_span_conditions,block"`
	ContinueConditions  *hclConditions    `hcl:"continue_span_conditions,block"`
	EndSpanConditions   *hclConditions    `hcl:"end_span_conditions,block"`
	AttributeConditions *hclConditions    `hcl:"attribute_conditions,block"`
}

type hclMetric struct {
	Key          string            `hcl:"key,label"`
	Metric       string            `hcl:"metric,optional"`
	Value        string            `hcl:"value"`
	ConstantTags map[string]string `hcl:"constant_tags,optional"`
	DataTags     map[string]string `hcl:"data_tags,optional"`
}

func parseHCL(data []byte, filename string) (*Settings, error) {
	file, diags := hclparse.NewParser().ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse %s: %w", filename, diags)
	}
	var root hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("decode %s: %w", filename, diags)
	}
	return root.settings()
}

func (f *hclFile) settings() (*Settings, error) {
	s := &Settings{
		Tags: f.Tags,
		Instrumentation: InstrumentationSettings{
			IgnoredPackages: f.IgnoredPackages,
		},
	}
	in := &s.Instrumentation
	for _, d := range f.Data {
		setEntry(&in.Data, d.Key, DataSettings{
			DownPropagation: d.DownPropagation,
			UpPropagation:   d.UpPropagation,
			IsTag:           d.IsTag,
		})
	}
	for _, p := range f.DataProviders {
		setEntry(&in.DataProviders, p.Name, DataProviderSettings{Inputs: p.Inputs, Value: p.Value})
	}
	for _, p := range f.Profiles {
		fragments, err := decodeFragments(p.Remain)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", p.Name, err)
		}
		setEntry(&in.Profiles, p.Name, ProfileSettings{Fragments: fragments})
	}
	for _, r := range f.Rules {
		fragments, err := decodeFragments(r.Remain)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		setEntry(&in.Rules, r.Name, RuleSettings{Enabled: r.Enabled, Priority: r.Priority, Fragments: fragments})
	}
	return s, nil
}

func setEntry[V any](m *map[string]V, key string, v V) {
	if *m == nil {
		*m = map[string]V{}
	}
	(*m)[key] = v
}

func decodeFragments(body hcl.Body) (Fragments, error) {
	var f hclFragments
	if diags := gohcl.DecodeBody(body, nil, &f); diags.HasErrors() {
		return Fragments{}, diags
	}
	out := Fragments{Include: f.Include}
	for _, s := range f.Scopes {
		out.Scopes = append(out.Scopes, s.settings())
	}
	for _, c := range f.Entry {
		call, err := c.settings()
		if err != nil {
			return out, err
		}
		setEntry(&out.Entry, c.Key, call)
	}
	for _, c := range f.Exit {
		call, err := c.settings()
		if err != nil {
			return out, err
		}
		setEntry(&out.Exit, c.Key, call)
	}
	if t := f.Tracing; t != nil {
		out.Tracing = &TracingSettings{
			StartSpan:    t.StartSpan,
			ContinueSpan: t.ContinueSpan,
			StoreSpan:    t.StoreSpan,
			EndSpan:      t.EndSpan,
			Name:         t.Name,
			Kind:         t.Kind,
			Attributes:   t.Attributes,
			ErrorStatus:  t.ErrorStatus,
		}
		out.Tracing.StartSpanConditions = t.StartSpanConditions.settings()
		out.Tracing.ContinueSpanConditions = t.ContinueConditions.settings()
		out.Tracing.EndSpanConditions = t.EndSpanConditions.settings()
		out.Tracing.AttributeConditions = t.AttributeConditions.settings()
	}
	for _, m := range f.Metrics {
		setEntry(&out.Metrics, m.Key, MetricRecordingSettings{
			Metric:       m.Metric,
			Value:        m.Value,
			ConstantTags: m.ConstantTags,
			DataTags:     m.DataTags,
		})
	}
	return out, nil
}

func (s *hclScope) settings() ScopeSettings {
	var out ScopeSettings
	if s.Package != nil {
		out.Package = &NameMatcherSettings{Name: *s.Package, Mode: s.PackageMode}
	}
	if s.Type != nil || s.Embeds != nil || len(s.Interfaces) > 0 || len(s.TypeAnnotations) > 0 {
		t := &TypeMatcherSettings{Annotations: s.TypeAnnotations}
		if s.Type != nil {
			t.NameMatcherSettings = NameMatcherSettings{Name: *s.Type, Mode: s.TypeMode}
		}
		if s.Embeds != nil {
			t.Embeds = &NameMatcherSettings{Name: *s.Embeds}
		}
		for _, i := range s.Interfaces {
			t.Interfaces = append(t.Interfaces, NameMatcherSettings{Name: i})
		}
		out.Type = t
	}
	for _, m := range s.Methods {
		out.Methods = append(out.Methods, MethodMatcherSettings{
			NameMatcherSettings: NameMatcherSettings{Name: m.Name, Mode: m.Mode},
			Exported:            m.Exported,
			Arguments:           m.Arguments,
			Annotations:         m.Annotations,
		})
	}
	return out
}

func (c *hclConditions) settings() ConditionSettings {
	if c == nil {
		return ConditionSettings{}
	}
	return ConditionSettings{
		OnlyIfTrue:    c.OnlyIfTrue,
		OnlyIfFalse:   c.OnlyIfFalse,
		OnlyIfNull:    c.OnlyIfNull,
		OnlyIfNotNull: c.OnlyIfNotNull,
	}
}

func (c *hclCall) settings() (ActionCallSettings, error) {
	out := ActionCallSettings{
		Provider:  c.Provider,
		DataInput: c.DataInput,
		ConditionSettings: ConditionSettings{
			OnlyIfTrue:    c.OnlyIfTrue,
			OnlyIfFalse:   c.OnlyIfFalse,
			OnlyIfNull:    c.OnlyIfNull,
			OnlyIfNotNull: c.OnlyIfNotNull,
		},
		Before: c.Before,
		After:  c.After,
	}
	if c.ConstantInput.IsNull() {
		return out, nil
	}
	if !c.ConstantInput.Type().IsObjectType() && !c.ConstantInput.Type().IsMapType() {
		return out, fmt.Errorf("%s: constant_input must be an object", c.Key)
	}
	out.ConstantInput = map[string]any{}
	for it := c.ConstantInput.ElementIterator(); it.Next(); {
		k, v := it.Element()
		gv, err := ctyToGo(v)
		if err != nil {
			return out, fmt.Errorf("%s: constant_input %s: %w", c.Key, k.AsString(), err)
		}
		out.ConstantInput[k.AsString()] = gv
	}
	return out, nil
}

// ctyToGo converts the primitive cty values the YAML decoder would also produce.
func ctyToGo(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsKnown() {
		return nil, fmt.Errorf("value is not known")
	}
	switch v.Type() {
	case cty.String:
		return v.AsString(), nil
	case cty.Bool:
		return v.True(), nil
	case cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == 0 {
				return int(i), nil
			}
		}
		f, _ := bf.Float64()
		return f, nil
	}
	return nil, fmt.Errorf("unsupported type %s", v.Type().FriendlyName())
}
