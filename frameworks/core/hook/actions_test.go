package hook

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrproliu/go-agent-runtime/frameworks/core/dataprovider"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/execctx"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/telemetry"
)

func newTracer(t *testing.T) (trace.Tracer, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp.Tracer("test"), rec
}

func mustCall(t *testing.T, def dataprovider.Definition, data map[string]string) *dataprovider.Call {
	p, err := dataprovider.Compile(def)
	require.NoError(t, err)
	c, err := dataprovider.Bind(p, data, nil)
	require.NoError(t, err)
	return c
}

func TestDataProviderCallStoresResult(t *testing.T) {
	call := mustCall(t, dataprovider.Definition{
		Name:   "order_id",
		Inputs: map[string]string{"arg0": "string"},
		Value:  `"order-" + arg0`,
	}, nil)
	action := &DataProviderCall{Key: "order", Call: call}
	h := New("m", newContexts(), []Action{action}, nil)

	ctx := h.OnEnter([]any{"42"}, nil)
	v, ok := ctx.GetData("order")
	assert.True(t, ok)
	assert.Equal(t, "order-42", v)
	assert.Equal(t, "data provider call order_id -> order", action.Name())
	h.OnExit(nil, nil, nil, nil, ctx)
}

func TestSpanLifecycle(t *testing.T) {
	tracer, rec := newTracer(t)
	contexts := execctx.NewManager(execctx.WithStrictProtocol(), execctx.WithSettings(execctx.NewSettings(map[string]execctx.KeySettings{
		"span_name": {Down: execctx.LevelLocal},
		"route":     {Down: execctx.LevelLocal},
		"stored":    {Up: execctx.LevelLocal},
	}, nil)))

	setName := &funcAction{name: "name", fn: func(v *ExecutionView) error {
		v.Context.SetData("span_name", "GET /orders")
		v.Context.SetData("route", "/orders")
		return nil
	}}
	h := New("m", contexts,
		[]Action{
			setName,
			&StartSpan{Tracer: tracer, MethodName: "fallback", NameKey: "span_name", Kind: trace.SpanKindServer},
			&StoreSpan{Key: "stored"},
		},
		[]Action{
			&SpanAttributeWrite{Attributes: map[string]string{"http.route": "route", "missing": "nope"}},
			&EndSpan{},
		})

	caller := contexts.EnterNewContext()
	caller.MakeActive()
	ctx := h.OnEnter(nil, nil)
	require.NotNil(t, ctx.EnteredSpan())
	h.OnExit(nil, nil, nil, errors.New("boom"), ctx)

	stored, ok := caller.GetData("stored")
	require.True(t, ok)
	assert.Implements(t, (*trace.Span)(nil), stored)
	caller.Close()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	span := ended[0]
	assert.Equal(t, "GET /orders", span.Name())
	assert.Equal(t, trace.SpanKindServer, span.SpanKind())
	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Contains(t, span.Attributes(), attribute.String("http.route", "/orders"))
	assert.Len(t, span.Attributes(), 1)
}

func TestStartSpanUsesMethodNameAndParent(t *testing.T) {
	tracer, rec := newTracer(t)
	contexts := newContexts()
	outer := New("outer", contexts, []Action{&StartSpan{Tracer: tracer, MethodName: "outer"}}, []Action{&EndSpan{}})
	inner := New("inner", contexts, []Action{&StartSpan{Tracer: tracer, MethodName: "inner"}}, []Action{&EndSpan{}})

	octx := outer.OnEnter(nil, nil)
	ictx := inner.OnEnter(nil, nil)
	inner.OnExit(nil, nil, nil, nil, ictx)
	outer.OnExit(nil, nil, nil, nil, octx)

	ended := rec.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "inner", ended[0].Name())
	assert.Equal(t, "outer", ended[1].Name())
	assert.Equal(t, ended[1].SpanContext().SpanID(), ended[0].Parent().SpanID())
}

func TestContinueSpanAcrossGoroutines(t *testing.T) {
	tracer, rec := newTracer(t)
	contexts := execctx.NewManager(execctx.WithStrictProtocol(), execctx.WithSettings(execctx.NewSettings(map[string]execctx.KeySettings{
		"async_span": {Down: execctx.LevelLocal},
	}, nil)))

	producer := New("producer", contexts, []Action{
		&StartSpan{Tracer: tracer, MethodName: "submit"},
		&StoreSpan{Key: "async_span"},
	}, nil)
	consumer := New("consumer", contexts, []Action{&ContinueSpan{Key: "async_span"}}, []Action{&EndSpan{}})

	pctx := producer.OnEnter(nil, nil)
	run := contexts.Wrap(func() {
		cctx := consumer.OnEnter(nil, nil)
		consumer.OnExit(nil, nil, nil, nil, cctx)
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		run()
	}()
	<-done
	producer.OnExit(nil, nil, nil, nil, pctx)

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "submit", ended[0].Name())
}

func TestContinueSpanRejectsForeignValue(t *testing.T) {
	contexts := newContexts()
	ctx := contexts.EnterNewContext()
	ctx.SetData("user", "not a span")
	err := (&ContinueSpan{Key: "user"}).Execute(&ExecutionView{Context: ctx})
	assert.ErrorIs(t, err, ErrNotASpan)
	ctx.Close()
}

func TestMetricRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	recorder := telemetry.NewMeterRecorder(provider.Meter("test"))

	contexts := execctx.NewManager(execctx.WithSettings(execctx.NewSettings(map[string]execctx.KeySettings{
		"duration": {},
		"route":    {Down: execctx.LevelLocal, Tag: true},
		"method":   {},
	}, map[string]string{"service": "checkout"})))

	ctx := contexts.EnterNewContext()
	ctx.SetData("duration", 12)
	ctx.SetData("route", "/orders")
	ctx.SetData("method", "GET")

	action := &MetricRecord{Recorder: recorder, Measurements: []Measurement{
		{Metric: "http.duration", ValueKey: "duration", ConstantTags: map[string]string{"kind": "server"}, DataTags: map[string]string{"http.method": "method"}},
		{Metric: "http.count", Constant: 1},
		{Metric: "http.skipped", ValueKey: "absent"},
	}}
	require.NoError(t, action.Execute(&ExecutionView{Context: ctx}))
	ctx.Close()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	byName := map[string]metricdata.Metrics{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		byName[m.Name] = m
	}
	require.Contains(t, byName, "http.duration")
	require.Contains(t, byName, "http.count")
	assert.NotContains(t, byName, "http.skipped")

	hist := byName["http.duration"].Data.(metricdata.Histogram[float64])
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, 12.0, hist.DataPoints[0].Sum)
	attrs := hist.DataPoints[0].Attributes
	for k, want := range map[string]string{"kind": "server", "http.method": "GET", "route": "/orders", "service": "checkout"} {
		got, ok := attrs.Value(attribute.Key(k))
		require.True(t, ok, k)
		assert.Equal(t, want, got.AsString())
	}
}

func TestAttributeConversion(t *testing.T) {
	assert.Equal(t, attribute.Int("n", 3), Attribute("n", 3))
	assert.Equal(t, attribute.Bool("b", true), Attribute("b", true))
	assert.Equal(t, attribute.Float64("f", 1.5), Attribute("f", float32(1.5)))
	assert.Equal(t, attribute.String("s", "[1 2]"), Attribute("s", []int{1, 2}))
}

func TestEndSpanErrorStatus(t *testing.T) {
	tests := []struct {
		name     string
		value    any
		thrown   error
		wantCode codes.Code
		wantDesc string
	}{
		{name: "unset", wantCode: codes.Unset},
		{name: "false", value: false, wantCode: codes.Unset},
		{name: "true", value: true, wantCode: codes.Error, wantDesc: "true"},
		{name: "message", value: "timeout", wantCode: codes.Error, wantDesc: "timeout"},
		{name: "thrown wins", value: "timeout", thrown: errors.New("boom"), wantCode: codes.Error, wantDesc: "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracer, rec := newTracer(t)
			setStatus := &funcAction{name: "status", fn: func(v *ExecutionView) error {
				if tt.value != nil {
					v.Context.SetData("order", tt.value)
				}
				return nil
			}}
			h := New("m", newContexts(),
				[]Action{&StartSpan{Tracer: tracer, MethodName: "m"}},
				[]Action{setStatus, &EndSpan{ErrorStatusKey: "order"}})

			ctx := h.OnEnter(nil, nil)
			h.OnExit(nil, nil, nil, tt.thrown, ctx)

			ended := rec.Ended()
			require.Len(t, ended, 1)
			assert.Equal(t, tt.wantCode, ended[0].Status().Code)
			assert.Equal(t, tt.wantDesc, ended[0].Status().Description)
		})
	}
}

func TestSpanAttributeConditions(t *testing.T) {
	tracer, rec := newTracer(t)
	contexts := newContexts()
	write := &SpanAttributeWrite{
		Attributes: map[string]string{"user": "user"},
		Conditions: []Condition{{Mode: OnlyIfNotNull, Key: "order"}},
	}
	h := New("m", contexts,
		[]Action{&StartSpan{Tracer: tracer, MethodName: "m"}},
		[]Action{write, &EndSpan{}})

	caller := contexts.EnterNewContext()
	caller.SetData("user", "alice")
	caller.MakeActive()
	ctx := h.OnEnter(nil, nil)
	h.OnExit(nil, nil, nil, nil, ctx)

	caller.SetData("order", "o-1")
	ctx = h.OnEnter(nil, nil)
	h.OnExit(nil, nil, nil, nil, ctx)
	caller.Close()

	ended := rec.Ended()
	require.Len(t, ended, 2)
	assert.Empty(t, ended[0].Attributes())
	assert.Equal(t, []attribute.KeyValue{attribute.String("user", "alice")}, ended[1].Attributes())
}

func TestStartSpanSkippedWhenContinued(t *testing.T) {
	tracer, rec := newTracer(t)
	contexts := execctx.NewManager(execctx.WithStrictProtocol(), execctx.WithSettings(execctx.NewSettings(map[string]execctx.KeySettings{
		"async_span": {Down: execctx.LevelLocal},
	}, nil)))
	consumer := New("consumer", contexts,
		[]Action{&ContinueSpan{Key: "async_span"}, &StartSpan{Tracer: tracer, MethodName: "consume"}},
		[]Action{&EndSpan{}})

	ctx := consumer.OnEnter(nil, nil)
	consumer.OnExit(nil, nil, nil, nil, ctx)
	require.Len(t, rec.Ended(), 1)
	assert.Equal(t, "consume", rec.Ended()[0].Name())

	_, submitted := tracer.Start(context.Background(), "submit")
	caller := contexts.EnterNewContext()
	caller.SetData("async_span", submitted)
	caller.MakeActive()
	ctx = consumer.OnEnter(nil, nil)
	consumer.OnExit(nil, nil, nil, nil, ctx)
	caller.Close()

	ended := rec.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "submit", ended[1].Name())
}
