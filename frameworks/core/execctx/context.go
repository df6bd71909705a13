package execctx

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
)

const (
	stateOpen int32 = iota
	stateActive
	stateClosed
)

// ExecutionContext holds the correlation data of one hooked call. It is owned by the
// goroutine executing that call; only the state flag is read from other goroutines.
type ExecutionContext struct {
	manager  *Manager
	settings *Settings
	parent   *ExecutionContext
	async    bool
	state    atomic.Int32

	// inherited is the DOWN view received from the parent. It is never mutated.
	inherited map[string]any
	// local holds writes of this context; a nil value clears the key.
	local map[string]any
	// downView caches inherited overlaid with local DOWN writes; nil when stale.
	downView map[string]any
	// activeView is the DOWN view frozen by MakeActive, handed to asynchronous children.
	activeView map[string]any

	previous *ExecutionContext

	inheritedTracing context.Context
	tracing          context.Context
	span             trace.Span
}

func newContext(m *Manager, parent *ExecutionContext, sync bool) *ExecutionContext {
	c := &ExecutionContext{
		manager:  m,
		settings: m.Settings(),
		parent:   parent,
		async:    parent != nil && !sync,
	}
	switch {
	case parent == nil:
		c.inherited = c.settings.commonTags
		c.inheritedTracing = context.Background()
	case sync:
		c.inherited = parent.currentDownView()
		c.inheritedTracing = parent.tracing
	case parent.state.Load() != stateOpen:
		c.inherited = parent.activeView
		c.inheritedTracing = parent.tracing
	default:
		c.inherited = parent.inherited
		c.inheritedTracing = parent.inheritedTracing
	}
	c.tracing = c.inheritedTracing
	return c
}

func (c *ExecutionContext) Parent() *ExecutionContext { return c.parent }

// IsAsync reports whether the context was opened away from its parent's synchronous
// call path, for example inside a wrapped function on another goroutine.
func (c *ExecutionContext) IsAsync() bool { return c.async }

func (c *ExecutionContext) IsActive() bool { return c.state.Load() == stateActive }

func (c *ExecutionContext) IsClosed() bool { return c.state.Load() == stateClosed }

// Settings returns the propagation settings this context was opened with.
func (c *ExecutionContext) Settings() *Settings { return c.settings }

// SetData writes key locally. A nil value clears it.
func (c *ExecutionContext) SetData(key string, value any) {
	if c.state.Load() == stateClosed {
		c.manager.violation(ViolationWriteAfterClose, c)
		return
	}
	if c.local == nil {
		c.local = make(map[string]any)
	}
	c.local[key] = value
	if c.settings.Kind(key).IsDown() {
		c.downView = nil
	}
}

// GetData returns the local value of key or, for DOWN keys, the inherited one.
func (c *ExecutionContext) GetData(key string) (any, bool) {
	if v, ok := c.local[key]; ok {
		return v, v != nil
	}
	if !c.settings.Kind(key).IsDown() {
		return nil, false
	}
	v, ok := c.inherited[key]
	return v, ok && v != nil
}

// Data returns every key readable from this context.
func (c *ExecutionContext) Data() map[string]any {
	out := make(map[string]any, len(c.inherited)+len(c.local))
	for k, v := range c.inherited {
		if c.settings.Kind(k).IsDown() {
			out[k] = v
		}
	}
	for k, v := range c.local {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func (c *ExecutionContext) currentDownView() map[string]any {
	if c.downView != nil {
		return c.downView
	}
	changed := false
	for k := range c.local {
		if c.settings.Kind(k).IsDown() {
			changed = true
			break
		}
	}
	if !changed {
		c.downView = c.inherited
		return c.downView
	}
	view := make(map[string]any, len(c.inherited)+len(c.local))
	for k, v := range c.inherited {
		view[k] = v
	}
	for k, v := range c.local {
		if !c.settings.Kind(k).IsDown() {
			continue
		}
		if v == nil {
			delete(view, k)
			continue
		}
		view[k] = v
	}
	c.downView = view
	return view
}

// MakeActive freezes the DOWN view for asynchronous children and installs the context
// as the ambient context of the calling goroutine. Calls after the first are no-ops.
func (c *ExecutionContext) MakeActive() {
	if c.state.Load() != stateOpen {
		return
	}
	c.activeView = c.currentDownView()
	c.previous = c.manager.slot.Get()
	c.state.Store(stateActive)
	c.manager.slot.Set(c)
}

// Close merges UP keys into the parent of a synchronous context and restores the
// ambient context that was current before MakeActive.
func (c *ExecutionContext) Close() {
	previousState := c.state.Load()
	if previousState == stateClosed {
		c.manager.violation(ViolationDoubleClose, c)
		return
	}
	if c.parent != nil && !c.async {
		if c.parent.IsClosed() {
			c.manager.violation(ViolationParentClosed, c)
		} else {
			c.propagateUp()
		}
	}
	c.state.Store(stateClosed)
	if previousState == stateActive {
		if c.manager.slot.Get() == c {
			c.manager.slot.Set(c.previous)
		} else {
			c.manager.violation(ViolationOutOfOrderClose, c)
		}
	}
	c.parent = nil
	c.previous = nil
}

func (c *ExecutionContext) propagateUp() {
	for k, v := range c.local {
		if c.settings.Kind(k).IsUp() {
			c.parent.SetData(k, v)
		}
	}
}

// Tracing returns the context.Context carrying the span of this call, for use with
// the tracing backend.
func (c *ExecutionContext) Tracing() context.Context {
	return c.tracing
}

// ContinueFrom adopts the span carried by ctx, typically a remote parent extracted from
// request headers, without taking ownership of it. Only valid before MakeActive.
func (c *ExecutionContext) ContinueFrom(ctx context.Context) {
	if c.state.Load() != stateOpen {
		c.manager.violation(ViolationLateSpan, c)
		return
	}
	c.tracing = ctx
}

// EnterSpan makes span the current span of this context. Only valid before MakeActive.
func (c *ExecutionContext) EnterSpan(span trace.Span) {
	if c.state.Load() != stateOpen {
		c.manager.violation(ViolationLateSpan, c)
		return
	}
	c.tracing = trace.ContextWithSpan(c.tracing, span)
	c.span = span
}

// EnteredSpan returns the span entered by this context itself, or nil.
func (c *ExecutionContext) EnteredSpan() trace.Span {
	return c.span
}

// CurrentSpan returns the span of this call or the nearest enclosing one.
func (c *ExecutionContext) CurrentSpan() trace.Span {
	return trace.SpanFromContext(c.tracing)
}
