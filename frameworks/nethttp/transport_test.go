package nethttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrproliu/go-agent-runtime/frameworks/core/execctx"
)

func newManager() *execctx.Manager {
	settings := execctx.NewSettings(map[string]execctx.KeySettings{
		"user":    {Down: execctx.LevelGlobal},
		"scratch": {Down: execctx.LevelLocal},
		"db_time": {Up: execctx.LevelGlobal},
	}, nil)
	return execctx.NewManager(execctx.WithSettings(settings), execctx.WithStrictProtocol())
}

// upstream records the request headers and answers with an up propagation header.
func upstream(t *testing.T, got *http.Header) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = r.Header.Clone()
		w.Header().Set("Goagent-Up-db_time", "40;type=l")
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRoundTripPropagatesBothWays(t *testing.T) {
	m := newManager()
	var got http.Header
	srv := upstream(t, &got)

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	_, span := tp.Tracer("test").Start(context.Background(), "caller")
	defer span.End()

	caller := m.EnterNewContext()
	caller.SetData("user", "alice")
	caller.SetData("scratch", "stays here")
	caller.EnterSpan(span)
	caller.MakeActive()

	client := Client(m, nil, WithPropagator(propagation.TraceContext{}))
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, "alice", got.Get("Goagent-Down-User"))
	assert.Empty(t, got.Get("Goagent-Down-Scratch"))
	require.NotEmpty(t, got.Get("traceparent"))
	remote := propagation.TraceContext{}.Extract(context.Background(), propagation.HeaderCarrier(got))
	assert.Equal(t, span.SpanContext().TraceID(), trace.SpanContextFromContext(remote).TraceID())

	v, ok := caller.GetData("db_time")
	require.True(t, ok)
	assert.Equal(t, int64(40), v)
	caller.Close()
	assert.Nil(t, m.Current())
}

func TestRequestContextSpanWins(t *testing.T) {
	m := newManager()
	var got http.Header
	srv := upstream(t, &got)

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	reqCtx, span := tp.Tracer("test").Start(context.Background(), "explicit")
	defer span.End()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := Client(m, nil, WithPropagator(propagation.TraceContext{})).Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	remote := propagation.TraceContext{}.Extract(context.Background(), propagation.HeaderCarrier(got))
	assert.Equal(t, span.SpanContext().TraceID(), trace.SpanContextFromContext(remote).TraceID())
	assert.Empty(t, req.Header.Get("traceparent"), "caller's request is not modified")
}

func TestAsyncCallDoesNotMergeUp(t *testing.T) {
	m := newManager()
	var got http.Header
	srv := upstream(t, &got)

	caller := m.EnterNewContext()
	caller.SetData("user", "bob")
	caller.MakeActive()

	client := Client(m, &http.Client{})
	done := make(chan error, 1)
	call := m.Wrap(func() {
		resp, err := client.Get(srv.URL)
		if err == nil {
			err = resp.Body.Close()
		}
		done <- err
	})
	go call()
	require.NoError(t, <-done)

	assert.Equal(t, "bob", got.Get("Goagent-Down-User"))
	_, ok := caller.GetData("db_time")
	assert.False(t, ok)
	caller.Close()
}

func TestTransportWithoutAmbientContext(t *testing.T) {
	m := newManager()
	var got http.Header
	srv := upstream(t, &got)

	resp, err := Client(m, nil).Get(srv.URL)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, got.Get("Goagent-Down-User"))
	assert.Nil(t, m.Current())
}
