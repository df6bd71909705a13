package agent

import (
	"path"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/mrproliu/go-agent-runtime/frameworks/core"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/config"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/dataprovider"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/hook"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/resolver"
)

// build turns a hook configuration into actions. Entry: data calls, then the span is
// continued, or started when nothing was continued, and stored. Exit: data calls, span attributes, metrics, and
// finally the span is ended.
func (a *Agent) build(desc *core.MethodDescriptor, hc *resolver.MethodHookConfiguration) *hook.MethodHook {
	id := desc.ID()
	entry := a.calls(id, hc.Entry)
	exit := a.calls(id, hc.Exit)

	t := hc.Tracing
	if t.ContinueSpan != "" {
		entry = append(entry, &hook.ContinueSpan{Key: t.ContinueSpan, Conditions: hookConditions(t.ContinueSpanConditions)})
	}
	if t.StartSpan {
		entry = append(entry, &hook.StartSpan{
			Tracer:     a.tracer,
			MethodName: path.Base(id),
			NameKey:    t.Name,
			Kind:       spanKind(t.Kind),
			Conditions: hookConditions(t.StartSpanConditions),
		})
	}
	if t.StoreSpan != "" {
		entry = append(entry, &hook.StoreSpan{Key: t.StoreSpan})
	}

	if len(t.Attributes) > 0 {
		exit = append(exit, &hook.SpanAttributeWrite{Attributes: t.Attributes, Conditions: hookConditions(t.AttributeConditions)})
	}
	if len(hc.Metrics) > 0 {
		measurements := make([]hook.Measurement, len(hc.Metrics))
		for i, m := range hc.Metrics {
			measurements[i] = hook.Measurement{
				Metric:       m.Metric,
				ValueKey:     m.ValueKey,
				Constant:     m.Constant,
				ConstantTags: m.ConstantTags,
				DataTags:     m.DataTags,
			}
		}
		exit = append(exit, &hook.MetricRecord{Recorder: a.recorder, Measurements: measurements})
	}
	if hc.HasTracing() && (t.EndSpan == nil || *t.EndSpan) {
		exit = append(exit, &hook.EndSpan{ErrorStatusKey: t.ErrorStatus, Conditions: hookConditions(t.EndSpanConditions)})
	}
	return hook.New(id, a.contexts, entry, exit, hook.WithLogger(a.logger))
}

func (a *Agent) calls(id string, calls []resolver.ActionCall) []hook.Action {
	out := make([]hook.Action, 0, len(calls))
	for _, c := range calls {
		action, err := a.call(c)
		if err != nil {
			a.logger.Error("skipping action call", "method", id, "action", c.DataKey, "error", err)
			continue
		}
		out = append(out, action)
	}
	return out
}

func (a *Agent) call(c resolver.ActionCall) (hook.Action, error) {
	p, err := a.providers.Get(c.Provider)
	if err != nil {
		return nil, err
	}
	bound, err := dataprovider.Bind(p, c.DataInput, c.ConstantInput)
	if err != nil {
		return nil, err
	}
	var action hook.Action = &hook.DataProviderCall{Key: c.DataKey, Call: bound}
	if conditions := hookConditions(c.Conditions); len(conditions) > 0 {
		action = &hook.ConditionalGuard{Conditions: conditions, Action: action}
	}
	return action, nil
}

func hookConditions(c config.ConditionSettings) []hook.Condition {
	var out []hook.Condition
	for _, cond := range []hook.Condition{
		{Mode: hook.OnlyIfTrue, Key: c.OnlyIfTrue},
		{Mode: hook.OnlyIfFalse, Key: c.OnlyIfFalse},
		{Mode: hook.OnlyIfNull, Key: c.OnlyIfNull},
		{Mode: hook.OnlyIfNotNull, Key: c.OnlyIfNotNull},
	} {
		if cond.Key != "" {
			out = append(out, cond)
		}
	}
	return out
}

func spanKind(kind string) trace.SpanKind {
	switch strings.ToUpper(kind) {
	case "SERVER":
		return trace.SpanKindServer
	case "CLIENT":
		return trace.SpanKindClient
	case "PRODUCER":
		return trace.SpanKindProducer
	case "CONSUMER":
		return trace.SpanKindConsumer
	default:
		return trace.SpanKindInternal
	}
}
