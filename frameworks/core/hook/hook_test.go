package hook

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrproliu/go-agent-runtime/frameworks/core"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/execctx"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/selfmon"
)

type funcAction struct {
	name  string
	calls atomic.Int32
	fn    func(*ExecutionView) error
}

func (a *funcAction) Execute(v *ExecutionView) error {
	a.calls.Add(1)
	if a.fn == nil {
		return nil
	}
	return a.fn(v)
}

func (a *funcAction) Name() string { return a.name }

func newContexts() *execctx.Manager {
	return execctx.NewManager(
		execctx.WithStrictProtocol(),
		execctx.WithSettings(execctx.NewSettings(map[string]execctx.KeySettings{
			"user":   {Down: execctx.LevelLocal},
			"order":  {Down: execctx.LevelLocal},
			"status": {Up: execctx.LevelLocal},
		}, nil)),
	)
}

func TestFailingExitActionIsDisabledAfterFirstFailure(t *testing.T) {
	first := &funcAction{name: "first"}
	second := &funcAction{name: "second", fn: func(*ExecutionView) error { return errors.New("always") }}
	third := &funcAction{name: "third"}
	h := New("m", newContexts(), nil, []Action{first, second, third})

	for i := 0; i < 2; i++ {
		ctx := h.OnEnter(nil, nil)
		h.OnExit(nil, nil, nil, nil, ctx)
	}

	assert.EqualValues(t, 2, first.calls.Load())
	assert.EqualValues(t, 1, second.calls.Load())
	assert.EqualValues(t, 2, third.calls.Load())
	assert.Equal(t, []Action{first, third}, h.ExitActions())
}

func TestPanickingActionIsDisabled(t *testing.T) {
	before := testutil.ToFloat64(selfmon.DisabledActions.WithLabelValues(selfmon.PhaseEntry))
	boom := &funcAction{name: "boom", fn: func(*ExecutionView) error { panic("boom") }}
	after := &funcAction{name: "after"}
	h := New("m", newContexts(), []Action{boom, after}, nil)

	for i := 0; i < 3; i++ {
		var ctx *execctx.ExecutionContext
		require.NotPanics(t, func() { ctx = h.OnEnter(nil, nil) })
		require.NotNil(t, ctx)
		h.OnExit(nil, nil, nil, nil, ctx)
	}
	assert.EqualValues(t, 1, boom.calls.Load())
	assert.EqualValues(t, 3, after.calls.Load())
	assert.Equal(t, before+1, testutil.ToFloat64(selfmon.DisabledActions.WithLabelValues(selfmon.PhaseEntry)))
}

func TestActionsRunInOrderAndSeeEarlierWrites(t *testing.T) {
	var order []string
	write := &funcAction{name: "write", fn: func(v *ExecutionView) error {
		order = append(order, "write")
		v.Context.SetData("order", 42)
		return nil
	}}
	read := &funcAction{name: "read", fn: func(v *ExecutionView) error {
		order = append(order, "read")
		got, ok := v.Context.GetData("order")
		if !ok || got != 42 {
			return errors.New("missing order")
		}
		return nil
	}}
	h := New("m", newContexts(), []Action{write, read}, nil)
	ctx := h.OnEnter(nil, nil)
	h.OnExit(nil, nil, nil, nil, ctx)

	assert.Equal(t, []string{"write", "read"}, order)
	assert.Len(t, h.EntryActions(), 2)
}

func TestNestedHookSeesDownData(t *testing.T) {
	contexts := newContexts()
	setUser := &funcAction{name: "set user", fn: func(v *ExecutionView) error {
		v.Context.SetData("user", "alice")
		return nil
	}}
	var seen any
	readUser := &funcAction{name: "read user", fn: func(v *ExecutionView) error {
		seen, _ = v.Context.GetData("user")
		return nil
	}}
	outer := New("outer", contexts, []Action{setUser}, nil)
	inner := New("inner", contexts, []Action{readUser}, nil)

	octx := outer.OnEnter(nil, nil)
	ictx := inner.OnEnter(nil, nil)
	inner.OnExit(nil, nil, nil, nil, ictx)
	outer.OnExit(nil, nil, nil, nil, octx)

	assert.Equal(t, "alice", seen)
	assert.Nil(t, contexts.Current())
}

func TestExitViewCarriesReturnAndThrown(t *testing.T) {
	var view ExecutionView
	capture := &funcAction{name: "capture", fn: func(v *ExecutionView) error {
		view = *v
		return nil
	}}
	h := New("m", newContexts(), nil, []Action{capture})

	inv := &core.Invocation{CallerInstance: "svc", Args: []interface{}{1, "two"}}
	require.NoError(t, h.BeforeInvoke(inv))
	require.IsType(t, &execctx.ExecutionContext{}, inv.Context)

	failure := errors.New("not found")
	require.NoError(t, h.AfterInvoke(inv, 404, failure))

	assert.True(t, view.IsExit())
	assert.Equal(t, "svc", view.Receiver)
	assert.Equal(t, []any{1, "two"}, view.Args)
	assert.Equal(t, []interface{}{404, failure}, view.Return)
	assert.Equal(t, failure, view.Thrown)
	assert.True(t, view.Context.IsClosed())
}

func TestUpDataMergesIntoCallerContext(t *testing.T) {
	contexts := newContexts()
	setStatus := &funcAction{name: "status", fn: func(v *ExecutionView) error {
		v.Context.SetData("status", v.Return)
		return nil
	}}
	h := New("m", contexts, nil, []Action{setStatus})

	caller := contexts.EnterNewContext()
	caller.MakeActive()
	ctx := h.OnEnter(nil, nil)
	h.OnExit(nil, nil, 201, nil, ctx)

	v, ok := caller.GetData("status")
	assert.True(t, ok)
	assert.Equal(t, 201, v)
	caller.Close()
}

func TestConcurrentFailuresDisableOnce(t *testing.T) {
	before := testutil.ToFloat64(selfmon.DisabledActions.WithLabelValues(selfmon.PhaseExit))
	failing := &funcAction{name: "failing", fn: func(*ExecutionView) error { return errors.New("no") }}
	ok := &funcAction{name: "ok"}
	h := New("m", newContexts(), nil, []Action{failing, ok})

	const workers = 16
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 10; j++ {
				ctx := h.OnEnter(nil, nil)
				h.OnExit(nil, nil, nil, nil, ctx)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, workers*10, ok.calls.Load())
	assert.LessOrEqual(t, failing.calls.Load(), int32(workers))
	assert.Equal(t, []Action{ok}, h.ExitActions())
	assert.Equal(t, before+1, testutil.ToFloat64(selfmon.DisabledActions.WithLabelValues(selfmon.PhaseExit)))
}

func TestOnExitWithoutContextIsNoop(t *testing.T) {
	exit := &funcAction{name: "exit"}
	h := New("m", newContexts(), nil, []Action{exit})
	assert.NotPanics(t, func() { h.OnExit(nil, nil, nil, nil, nil) })
	assert.Zero(t, exit.calls.Load())
}

func TestConditionalGuard(t *testing.T) {
	contexts := newContexts()
	inner := &funcAction{name: "inner"}
	tests := []struct {
		mode  ConditionMode
		value any
		want  bool
	}{
		{OnlyIfTrue, true, true},
		{OnlyIfTrue, "true", false},
		{OnlyIfFalse, false, true},
		{OnlyIfNull, nil, true},
		{OnlyIfNull, 1, false},
		{OnlyIfNotNull, 1, true},
		{OnlyIfNotNull, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			ctx := contexts.EnterNewContext()
			ctx.SetData("flag", tt.value)
			inner.calls.Store(0)
			g := &ConditionalGuard{Conditions: []Condition{{Mode: tt.mode, Key: "flag"}}, Action: inner}
			require.NoError(t, g.Execute(&ExecutionView{Context: ctx}))
			assert.Equal(t, tt.want, inner.calls.Load() == 1)
			assert.Equal(t, "inner", g.Name())
			ctx.Close()
		})
	}
}
