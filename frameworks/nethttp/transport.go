// Package nethttp carries execution context data and trace context over outbound
// net/http calls.
package nethttp

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrproliu/go-agent-runtime/frameworks/core/execctx"
)

// Transport opens a context for every request as a child of the caller's ambient
// context. Its down propagation headers and the current trace context are added to
// the request; up propagation headers of the response are read into it and merge into
// the caller when the round trip completes.
type Transport struct {
	base       http.RoundTripper
	contexts   *execctx.Manager
	propagator propagation.TextMapPropagator
}

type Option func(*Transport)

func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(t *Transport) { t.propagator = p }
}

// NewTransport wraps base, http.DefaultTransport when nil.
func NewTransport(contexts *execctx.Manager, base http.RoundTripper, opts ...Option) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	t := &Transport{base: base, contexts: contexts}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Client returns a copy of c, or of a zero client when nil, using a Transport over its
// transport.
func Client(contexts *execctx.Manager, c *http.Client, opts ...Option) *http.Client {
	out := &http.Client{}
	if c != nil {
		*out = *c
	}
	out.Transport = NewTransport(contexts, out.Transport, opts...)
	return out
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	propagator := t.propagator
	if propagator == nil {
		propagator = otel.GetTextMapPropagator()
	}
	ctx := t.contexts.EnterNewContext()
	defer ctx.Close()

	out := req.Clone(req.Context())
	for k, v := range ctx.DownPropagationHeaders() {
		out.Header.Set(k, v)
	}
	traceCtx := req.Context()
	if !trace.SpanContextFromContext(traceCtx).IsValid() {
		traceCtx = ctx.Tracing()
	}
	propagator.Inject(traceCtx, propagation.HeaderCarrier(out.Header))

	resp, err := t.base.RoundTrip(out)
	if resp != nil {
		ctx.ReadUpPropagationHeaders(flatten(resp.Header))
	}
	return resp, err
}

func flatten(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
