package hook

import (
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrNotASpan = errors.New("data key does not hold a span")

// StartSpan starts a span as child of the context's current span and enters it. The
// span name is read from NameKey when set and present, MethodName otherwise. Nothing
// is started when the call already entered a span, for example a continued one.
type StartSpan struct {
	Tracer     trace.Tracer
	MethodName string
	NameKey    string
	Kind       trace.SpanKind
	Conditions []Condition
}

func (a *StartSpan) Execute(view *ExecutionView) error {
	if view.Context.EnteredSpan() != nil || !conditionsHold(a.Conditions, view.Context) {
		return nil
	}
	name := a.MethodName
	if a.NameKey != "" {
		if v, ok := view.Context.GetData(a.NameKey); ok {
			name = fmt.Sprint(v)
		}
	}
	_, span := a.Tracer.Start(view.Context.Tracing(), name, trace.WithSpanKind(a.Kind))
	view.Context.EnterSpan(span)
	return nil
}

func (a *StartSpan) Name() string { return "start span" }

// ContinueSpan enters a span stored under Key by an earlier call, typically on another
// goroutine.
type ContinueSpan struct {
	Key        string
	Conditions []Condition
}

func (a *ContinueSpan) Execute(view *ExecutionView) error {
	if !conditionsHold(a.Conditions, view.Context) {
		return nil
	}
	v, ok := view.Context.GetData(a.Key)
	if !ok {
		return nil
	}
	span, ok := v.(trace.Span)
	if !ok {
		return fmt.Errorf("%w: %s holds %T", ErrNotASpan, a.Key, v)
	}
	view.Context.EnterSpan(span)
	return nil
}

func (a *ContinueSpan) Name() string { return "continue span " + a.Key }

// StoreSpan writes the span entered by this call under Key.
type StoreSpan struct {
	Key string
}

func (a *StoreSpan) Execute(view *ExecutionView) error {
	if span := view.Context.EnteredSpan(); span != nil {
		view.Context.SetData(a.Key, span)
	}
	return nil
}

func (a *StoreSpan) Name() string { return "store span " + a.Key }

// SpanAttributeWrite copies data keys onto the current span. Attributes maps attribute
// names to data keys.
type SpanAttributeWrite struct {
	Attributes map[string]string
	Conditions []Condition
}

func (a *SpanAttributeWrite) Execute(view *ExecutionView) error {
	span := view.Context.CurrentSpan()
	if !span.IsRecording() || !conditionsHold(a.Conditions, view.Context) {
		return nil
	}
	names := make([]string, 0, len(a.Attributes))
	for name := range a.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	attrs := make([]attribute.KeyValue, 0, len(names))
	for _, name := range names {
		if v, ok := view.Context.GetData(a.Attributes[name]); ok {
			attrs = append(attrs, Attribute(name, v))
		}
	}
	span.SetAttributes(attrs...)
	return nil
}

func (a *SpanAttributeWrite) Name() string { return "write span attributes" }

// EndSpan ends the span entered by this call. The span is marked failed when the method
// threw, or when ErrorStatusKey holds a value other than false.
type EndSpan struct {
	ErrorStatusKey string
	Conditions     []Condition
}

func (a *EndSpan) Execute(view *ExecutionView) error {
	span := view.Context.EnteredSpan()
	if span == nil || !conditionsHold(a.Conditions, view.Context) {
		return nil
	}
	switch {
	case view.Thrown != nil:
		span.RecordError(view.Thrown)
		span.SetStatus(codes.Error, view.Thrown.Error())
	case a.ErrorStatusKey != "":
		if v, ok := view.Context.GetData(a.ErrorStatusKey); ok && v != nil && v != false {
			span.SetStatus(codes.Error, fmt.Sprint(v))
		}
	}
	span.End()
	return nil
}

func (a *EndSpan) Name() string { return "end span" }

// Attribute converts a data value into a typed attribute.
func Attribute(name string, v any) attribute.KeyValue {
	switch t := v.(type) {
	case string:
		return attribute.String(name, t)
	case bool:
		return attribute.Bool(name, t)
	case int:
		return attribute.Int(name, t)
	case int64:
		return attribute.Int64(name, t)
	case int32:
		return attribute.Int64(name, int64(t))
	case float64:
		return attribute.Float64(name, t)
	case float32:
		return attribute.Float64(name, float64(t))
	case []string:
		return attribute.StringSlice(name, t)
	case fmt.Stringer:
		return attribute.Stringer(name, t)
	default:
		return attribute.String(name, fmt.Sprint(v))
	}
}
