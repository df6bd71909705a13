// Package execctx is the per-call context propagation engine.
//
// Every hooked call opens an ExecutionContext. Contexts form a tree through their
// parent links; data written into a context flows to descendants (DOWN), back to the
// parent when the context closes (UP), both, or nowhere, depending on the key's
// settings. The context made active last on a goroutine is the ambient context and
// becomes the parent of the next context opened there.
package execctx

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/mrproliu/go-agent-runtime/frameworks/core"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/selfmon"
)

// Slot stores the ambient context of the calling goroutine.
type Slot interface {
	Get() *ExecutionContext
	Set(ctx *ExecutionContext)
}

// GLSSlot keeps the ambient context in the core goroutine-local slot.
type GLSSlot struct{}

func (GLSSlot) Get() *ExecutionContext {
	ctx, _ := core.GetGLS().(*ExecutionContext)
	return ctx
}

func (GLSSlot) Set(ctx *ExecutionContext) {
	if ctx == nil {
		core.SetGLS(nil)
		return
	}
	core.SetGLS(ctx)
}

// Protocol violation kinds reported by the manager.
const (
	ViolationDoubleClose     = "double_close"
	ViolationParentClosed    = "parent_closed"
	ViolationOutOfOrderClose = "out_of_order_close"
	ViolationWriteAfterClose = "write_after_close"
	ViolationLateSpan        = "late_span"
)

type Manager struct {
	settings atomic.Pointer[Settings]
	slot     Slot
	logger   *slog.Logger
	limiter  *rate.Limiter
	strict   bool
}

type Option func(*Manager)

func WithSlot(slot Slot) Option {
	return func(m *Manager) { m.slot = slot }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithSettings(settings *Settings) Option {
	return func(m *Manager) { m.settings.Store(settings) }
}

// WithStrictProtocol makes protocol violations panic instead of being logged.
func WithStrictProtocol() Option {
	return func(m *Manager) { m.strict = true }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		slot:    GLSSlot{},
		logger:  slog.Default(),
		limiter: rate.NewLimiter(rate.Every(10*time.Second), 5),
	}
	m.settings.Store(emptySettings)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// UpdateSettings applies to contexts opened afterwards.
func (m *Manager) UpdateSettings(s *Settings) {
	if s == nil {
		s = emptySettings
	}
	m.settings.Store(s)
}

func (m *Manager) Settings() *Settings {
	return m.settings.Load()
}

// Current returns the ambient context of the calling goroutine, or nil.
func (m *Manager) Current() *ExecutionContext {
	return m.slot.Get()
}

// EnterNewContext opens a child of the ambient context, or a root if there is none.
func (m *Manager) EnterNewContext() *ExecutionContext {
	return m.EnterChildOf(m.slot.Get())
}

// EnterChildOf opens a child of parent. The child is synchronous only when parent is
// the active ambient context of the calling goroutine.
func (m *Manager) EnterChildOf(parent *ExecutionContext) *ExecutionContext {
	return newContext(m, parent, parent != nil && parent == m.slot.Get() && parent.IsActive())
}

// Wrap captures the ambient context. The returned function installs it as ambient for
// the duration of fn and restores whatever was ambient before.
func (m *Manager) Wrap(fn func()) func() {
	captured := m.capture()
	return func() {
		previous := m.slot.Get()
		m.slot.Set(captured)
		defer m.slot.Set(previous)
		fn()
	}
}

// WrapValue is Wrap for functions returning a value.
func WrapValue[T any](m *Manager, fn func() T) func() T {
	captured := m.capture()
	return func() T {
		previous := m.slot.Get()
		m.slot.Set(captured)
		defer m.slot.Set(previous)
		return fn()
	}
}

// Go runs fn on a new goroutine with the current ambient context.
func (m *Manager) Go(fn func()) {
	go m.Wrap(fn)()
}

// capture snapshots the ambient context through a barrier: a synchronous child that is
// activated and closed at once. Contexts opened under the barrier are asynchronous, so
// they see the data as of this call and never merge back.
func (m *Manager) capture() *ExecutionContext {
	if m.slot.Get() == nil {
		return nil
	}
	barrier := m.EnterNewContext()
	barrier.MakeActive()
	barrier.Close()
	return barrier
}

func (m *Manager) violation(kind string, ctx *ExecutionContext) {
	selfmon.ProtocolViolations.WithLabelValues(kind).Inc()
	if m.strict {
		panic(fmt.Sprintf("execution context protocol violation: %s on %p", kind, ctx))
	}
	if m.limiter.Allow() {
		m.logger.Warn("execution context protocol violation", "kind", kind, "context", fmt.Sprintf("%p", ctx))
	}
}
