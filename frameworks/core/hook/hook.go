// Package hook executes the entry and exit action chains of instrumented methods.
package hook

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/mrproliu/go-agent-runtime/frameworks/core"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/execctx"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/selfmon"
)

var ErrActionPanic = errors.New("hook action panicked")

// MethodHook is installed for one instrumented method. Actions that fail are removed
// for good; everything else about the hook is immutable.
type MethodHook struct {
	id       string
	contexts *execctx.Manager
	logger   *slog.Logger
	entry    actionList
	exit     actionList
}

type Option func(*MethodHook)

func WithLogger(logger *slog.Logger) Option {
	return func(h *MethodHook) { h.logger = logger }
}

func New(id string, contexts *execctx.Manager, entry, exit []Action, opts ...Option) *MethodHook {
	h := &MethodHook{id: id, contexts: contexts, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	h.entry.init(entry)
	h.exit.init(exit)
	return h
}

func (h *MethodHook) ID() string { return h.id }

// EntryActions returns the entry actions still enabled.
func (h *MethodHook) EntryActions() []Action { return h.entry.actions() }

// ExitActions returns the exit actions still enabled.
func (h *MethodHook) ExitActions() []Action { return h.exit.actions() }

// OnEnter opens a context, runs the entry actions against it and activates it. The
// caller hands the returned context to OnExit.
func (h *MethodHook) OnEnter(args []any, receiver any) (ctx *execctx.ExecutionContext) {
	defer h.recoverBoundary("enter")
	ctx = h.contexts.EnterNewContext()
	view := &ExecutionView{Hook: h, Context: ctx, Receiver: receiver, Args: args}
	h.entry.run(view, h.disabler(selfmon.PhaseEntry))
	ctx.MakeActive()
	return ctx
}

// OnExit runs the exit actions and closes ctx.
func (h *MethodHook) OnExit(args []any, receiver any, ret any, thrown error, ctx *execctx.ExecutionContext) {
	defer h.recoverBoundary("exit")
	if ctx == nil {
		return
	}
	view := &ExecutionView{Hook: h, Context: ctx, Receiver: receiver, Args: args, Return: ret, Thrown: thrown, exit: true}
	h.exit.run(view, h.disabler(selfmon.PhaseExit))
	ctx.Close()
}

// BeforeInvoke drives OnEnter from a generated interceptor adapter.
func (h *MethodHook) BeforeInvoke(invocation *core.Invocation) error {
	invocation.Context = h.OnEnter(invocation.Args, invocation.CallerInstance)
	return nil
}

// AfterInvoke drives OnExit. A single result is passed as the return value, several as
// a slice; a trailing non-nil error result counts as thrown.
func (h *MethodHook) AfterInvoke(invocation *core.Invocation, result ...interface{}) error {
	ctx, _ := invocation.Context.(*execctx.ExecutionContext)
	invocation.Return = result
	thrown := invocation.Thrown
	if thrown == nil && len(result) > 0 {
		if err, ok := result[len(result)-1].(error); ok && err != nil {
			thrown = err
		}
	}
	var ret any
	switch len(result) {
	case 0:
	case 1:
		ret = result[0]
	default:
		ret = result
	}
	h.OnExit(invocation.Args, invocation.CallerInstance, ret, thrown, ctx)
	return nil
}

func (h *MethodHook) disabler(phase string) func(Action, error) {
	return func(a Action, err error) {
		selfmon.DisabledActions.WithLabelValues(phase).Inc()
		h.logger.Error("hook action failed and was disabled",
			"hook", h.id, "phase", phase, "action", a.Name(), "error", err)
	}
}

func (h *MethodHook) recoverBoundary(phase string) {
	if r := recover(); r != nil {
		h.logger.Error("hook failed", "hook", h.id, "phase", phase, "panic", fmt.Sprint(r))
	}
}

type actionEntry struct {
	action Action
}

// actionList is a copy-on-write list. Iteration works on the snapshot loaded at its
// start; removal swaps in a new slice.
type actionList struct {
	entries atomic.Pointer[[]*actionEntry]
}

func (l *actionList) init(actions []Action) {
	entries := make([]*actionEntry, 0, len(actions))
	for _, a := range actions {
		if a != nil {
			entries = append(entries, &actionEntry{action: a})
		}
	}
	l.entries.Store(&entries)
}

func (l *actionList) snapshot() []*actionEntry {
	if p := l.entries.Load(); p != nil {
		return *p
	}
	return nil
}

func (l *actionList) actions() []Action {
	snap := l.snapshot()
	out := make([]Action, len(snap))
	for i, e := range snap {
		out[i] = e.action
	}
	return out
}

func (l *actionList) run(view *ExecutionView, onDisable func(Action, error)) {
	for _, e := range l.snapshot() {
		if err := execute(e.action, view); err != nil {
			if l.remove(e) {
				onDisable(e.action, err)
			}
		}
	}
}

// remove reports whether this call removed e; concurrent failures of the same action
// race here and exactly one wins.
func (l *actionList) remove(e *actionEntry) bool {
	for {
		old := l.entries.Load()
		idx := -1
		for i, x := range *old {
			if x == e {
				idx = i
				break
			}
		}
		if idx < 0 {
			return false
		}
		next := make([]*actionEntry, 0, len(*old)-1)
		next = append(next, (*old)[:idx]...)
		next = append(next, (*old)[idx+1:]...)
		if l.entries.CompareAndSwap(old, &next) {
			return true
		}
	}
}

func execute(a Action, view *ExecutionView) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrActionPanic, r)
		}
	}()
	return a.Execute(view)
}
