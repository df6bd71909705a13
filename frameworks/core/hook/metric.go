package hook

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mrproliu/go-agent-runtime/frameworks/core/telemetry"
)

// Measurement describes one metric recorded by MetricRecord. The value is Constant
// when ValueKey is empty, otherwise the numeric value of ValueKey.
type Measurement struct {
	Metric       string
	ValueKey     string
	Constant     float64
	ConstantTags map[string]string
	// DataTags maps tag names to data keys.
	DataTags map[string]string
}

// MetricRecord records measurements tagged with the context's tag keys.
type MetricRecord struct {
	Recorder     telemetry.MetricRecorder
	Measurements []Measurement
}

func (a *MetricRecord) Execute(view *ExecutionView) error {
	ctx := view.Context
	var common []attribute.KeyValue
	for _, key := range ctx.Settings().TagKeys() {
		if v, ok := ctx.GetData(key); ok {
			common = append(common, attribute.String(key, fmt.Sprint(v)))
		}
	}
	for _, m := range a.Measurements {
		value := m.Constant
		if m.ValueKey != "" {
			raw, ok := ctx.GetData(m.ValueKey)
			if !ok {
				continue
			}
			f, ok := toFloat(raw)
			if !ok {
				continue
			}
			value = f
		}
		attrs := tagAttributes(common, m, ctx.GetData)
		if err := a.Recorder.Record(ctx.Tracing(), m.Metric, value, attrs...); err != nil {
			return fmt.Errorf("record %s: %w", m.Metric, err)
		}
	}
	return nil
}

func (a *MetricRecord) Name() string { return "record metrics" }

// tagAttributes merges common, constant and data tags; later sources win.
func tagAttributes(common []attribute.KeyValue, m Measurement, get func(string) (any, bool)) []attribute.KeyValue {
	tags := make(map[string]string, len(common)+len(m.ConstantTags)+len(m.DataTags))
	for _, kv := range common {
		tags[string(kv.Key)] = kv.Value.AsString()
	}
	for k, v := range m.ConstantTags {
		tags[k] = v
	}
	for tag, key := range m.DataTags {
		if v, ok := get(key); ok {
			tags[tag] = fmt.Sprint(v)
		}
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]attribute.KeyValue, len(keys))
	for i, k := range keys {
		attrs[i] = attribute.String(k, tags[k])
	}
	return attrs
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case time.Duration:
		return float64(t) / float64(time.Millisecond), true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
