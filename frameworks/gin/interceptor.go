package gin

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrproliu/go-agent-runtime/frameworks/core"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/agent"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/execctx"
)

type options struct {
	propagator propagation.TextMapPropagator
}

type Option func(*options)

// WithPropagator sets the propagator used to extract a remote parent span. The global
// propagator is used by default.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(o *options) { o.propagator = p }
}

// Use installs an otelgin server span followed by Middleware on engine.
func Use(engine *gin.Engine, a *agent.Agent, service string, otelOpts ...otelgin.Option) {
	engine.Use(otelgin.Middleware(service, otelOpts...), Middleware(a))
}

// Middleware opens the request's root context, reads the down propagation headers and
// the remote trace parent, then runs the rest of the chain through the hook installed
// for HandlerMethodID. Up propagation headers are added to the response before it is
// written. A panicking handler still exits the hook and is then re-panicked for an outer
// recovery middleware.
func Middleware(a *agent.Agent, opts ...Option) gin.HandlerFunc {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	contexts := a.Contexts()
	return func(c *gin.Context) {
		propagator := o.propagator
		if propagator == nil {
			propagator = otel.GetTextMapPropagator()
		}
		root := contexts.EnterNewContext()
		root.ReadDownPropagationHeaders(flatten(c.Request.Header))
		parent := c.Request.Context()
		if !trace.SpanContextFromContext(parent).IsValid() {
			parent = propagator.Extract(parent, propagation.HeaderCarrier(c.Request.Header))
		}
		root.ContinueFrom(parent)
		root.MakeActive()
		defer root.Close()

		w := &upWriter{ResponseWriter: c.Writer, contexts: contexts, root: root}
		c.Writer = w

		interceptor := a.Interceptor(HandlerMethodID)
		invocation := &core.Invocation{Args: []interface{}{c}}
		_ = interceptor.BeforeInvoke(invocation)
		if ctx, ok := invocation.Context.(*execctx.ExecutionContext); ok {
			c.Request = c.Request.WithContext(tracing(c.Request.Context(), ctx))
		}

		defer func() {
			r := recover()
			if r != nil {
				invocation.Thrown = panicError(r)
			} else if err := c.Errors.Last(); err != nil {
				invocation.Thrown = err.Err
			}
			_ = interceptor.AfterInvoke(invocation)
			w.inject()
			c.Writer = w.ResponseWriter
			if r != nil {
				panic(r)
			}
		}()
		c.Next()
	}
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}

// tracing carries the span of ctx on the request context so handlers and outbound
// clients continue the trace.
func tracing(parent context.Context, ctx *execctx.ExecutionContext) context.Context {
	span := ctx.CurrentSpan()
	if !span.SpanContext().IsValid() {
		return parent
	}
	return trace.ContextWithSpan(parent, span)
}

func flatten(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// upWriter adds the up propagation headers of the innermost open context the first
// time the response header is about to be sent.
type upWriter struct {
	gin.ResponseWriter
	contexts *execctx.Manager
	root     *execctx.ExecutionContext
	once     sync.Once
}

func (w *upWriter) inject() {
	w.once.Do(func() {
		if w.ResponseWriter.Written() {
			return
		}
		h := w.ResponseWriter.Header()
		for k, v := range upHeaders(w.contexts.Current(), w.root) {
			h.Set(k, v)
		}
	})
}

// upHeaders collects the up headers from ctx to root; inner values win.
func upHeaders(ctx, root *execctx.ExecutionContext) map[string]string {
	var chain []*execctx.ExecutionContext
	for c := ctx; c != nil; c = c.Parent() {
		chain = append(chain, c)
		if c == root {
			break
		}
	}
	if len(chain) == 0 || chain[len(chain)-1] != root {
		chain = append(chain, root)
	}
	out := map[string]string{}
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].UpPropagationHeaders() {
			out[k] = v
		}
	}
	return out
}

func (w *upWriter) WriteHeader(code int) {
	w.inject()
	w.ResponseWriter.WriteHeader(code)
}

func (w *upWriter) WriteHeaderNow() {
	w.inject()
	w.ResponseWriter.WriteHeaderNow()
}

func (w *upWriter) Write(data []byte) (int, error) {
	w.inject()
	return w.ResponseWriter.Write(data)
}

func (w *upWriter) WriteString(s string) (int, error) {
	w.inject()
	return w.ResponseWriter.WriteString(s)
}

func (w *upWriter) Flush() {
	w.inject()
	w.ResponseWriter.Flush()
}
