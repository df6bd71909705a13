package resolver

import (
	"strings"

	"github.com/mrproliu/go-agent-runtime/frameworks/core/config"
)

// Tracing settings are merged field by field and attributes name by name, so one rule
// can start the span while another only adds attributes.
const (
	fieldStartSpan              = "start-span"
	fieldContinueSpan           = "continue-span"
	fieldStoreSpan              = "store-span"
	fieldEndSpan                = "end-span"
	fieldName                   = "name"
	fieldKind                   = "kind"
	fieldErrorStatus            = "error-status"
	fieldStartSpanConditions    = "start-span-conditions"
	fieldContinueSpanConditions = "continue-span-conditions"
	fieldEndSpanConditions      = "end-span-conditions"
	fieldAttributeConditions    = "attribute-conditions"
	attributePrefix             = "attributes."
)

// tracingFields splits t into its set fields.
func tracingFields(t *config.TracingSettings) map[string]any {
	out := map[string]any{}
	if t == nil {
		return out
	}
	if t.StartSpan {
		out[fieldStartSpan] = true
	}
	if t.EndSpan != nil {
		out[fieldEndSpan] = *t.EndSpan
	}
	for field, v := range map[string]string{
		fieldContinueSpan: t.ContinueSpan,
		fieldStoreSpan:    t.StoreSpan,
		fieldName:         t.Name,
		fieldKind:         t.Kind,
		fieldErrorStatus:  t.ErrorStatus,
	} {
		if v != "" {
			out[field] = v
		}
	}
	for field, c := range map[string]config.ConditionSettings{
		fieldStartSpanConditions:    t.StartSpanConditions,
		fieldContinueSpanConditions: t.ContinueSpanConditions,
		fieldEndSpanConditions:      t.EndSpanConditions,
		fieldAttributeConditions:    t.AttributeConditions,
	} {
		if c != (config.ConditionSettings{}) {
			out[field] = c
		}
	}
	for name, key := range t.Attributes {
		out[attributePrefix+name] = key
	}
	return out
}

// tracingSettings reassembles fields produced by tracingFields, nil when empty.
func tracingSettings(fields map[string]any) *config.TracingSettings {
	if len(fields) == 0 {
		return nil
	}
	t := &config.TracingSettings{}
	for field, v := range fields {
		switch field {
		case fieldStartSpan:
			t.StartSpan = v.(bool)
		case fieldEndSpan:
			end := v.(bool)
			t.EndSpan = &end
		case fieldContinueSpan:
			t.ContinueSpan = v.(string)
		case fieldStoreSpan:
			t.StoreSpan = v.(string)
		case fieldName:
			t.Name = v.(string)
		case fieldKind:
			t.Kind = v.(string)
		case fieldErrorStatus:
			t.ErrorStatus = v.(string)
		case fieldStartSpanConditions:
			t.StartSpanConditions = v.(config.ConditionSettings)
		case fieldContinueSpanConditions:
			t.ContinueSpanConditions = v.(config.ConditionSettings)
		case fieldEndSpanConditions:
			t.EndSpanConditions = v.(config.ConditionSettings)
		case fieldAttributeConditions:
			t.AttributeConditions = v.(config.ConditionSettings)
		default:
			if name, ok := strings.CutPrefix(field, attributePrefix); ok {
				if t.Attributes == nil {
					t.Attributes = map[string]string{}
				}
				t.Attributes[name] = v.(string)
			}
		}
	}
	return t
}
