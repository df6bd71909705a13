package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/mrproliu/go-agent-runtime"

// MetricRecorder records a named measurement with tag dimensions.
type MetricRecorder interface {
	Record(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) error
}

// MeterRecorder records every metric as an otel histogram, created on first use.
type MeterRecorder struct {
	meter      metric.Meter
	histograms sync.Map // name -> metric.Float64Histogram
}

func NewMeterRecorder(meter metric.Meter) *MeterRecorder {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	return &MeterRecorder{meter: meter}
}

func (r *MeterRecorder) Record(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) error {
	h, err := r.histogram(name)
	if err != nil {
		return err
	}
	h.Record(ctx, value, metric.WithAttributes(attrs...))
	return nil
}

func (r *MeterRecorder) histogram(name string) (metric.Float64Histogram, error) {
	if h, ok := r.histograms.Load(name); ok {
		return h.(metric.Float64Histogram), nil
	}
	h, err := r.meter.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	actual, _ := r.histograms.LoadOrStore(name, h)
	return actual.(metric.Float64Histogram), nil
}

// Tracer returns the agent's tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
