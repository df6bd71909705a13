package hook

import (
	"fmt"

	"github.com/mrproliu/go-agent-runtime/frameworks/core/dataprovider"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/execctx"
)

// Action is one unit of work in a hook's entry or exit chain. An action returning an
// error or panicking is disabled for the hook it belongs to.
type Action interface {
	Execute(view *ExecutionView) error
	Name() string
}

// ExecutionView is what an action sees of the intercepted call. Return and Thrown are
// only set for exit actions.
type ExecutionView struct {
	Hook     *MethodHook
	Context  *execctx.ExecutionContext
	Receiver any
	Args     []any
	Return   any
	Thrown   error

	exit bool
}

// IsExit reports whether the view belongs to the exit phase.
func (v *ExecutionView) IsExit() bool { return v.exit }

func (v *ExecutionView) Variables() dataprovider.Variables {
	return dataprovider.Variables{
		Receiver: v.Receiver,
		Args:     v.Args,
		Return:   v.Return,
		Thrown:   v.Thrown,
		Context:  v.Context,
	}
}

// DataProviderCall evaluates a bound data provider and stores the result under Key.
type DataProviderCall struct {
	Key  string
	Call *dataprovider.Call
}

func (a *DataProviderCall) Execute(view *ExecutionView) error {
	v, err := a.Call.Evaluate(view.Variables())
	if err != nil {
		return err
	}
	view.Context.SetData(a.Key, v)
	return nil
}

func (a *DataProviderCall) Name() string {
	return fmt.Sprintf("data provider call %s -> %s", a.Call.Provider().Name(), a.Key)
}

type ConditionMode uint8

const (
	OnlyIfTrue ConditionMode = iota
	OnlyIfFalse
	OnlyIfNull
	OnlyIfNotNull
)

func (m ConditionMode) String() string {
	switch m {
	case OnlyIfTrue:
		return "only-if-true"
	case OnlyIfFalse:
		return "only-if-false"
	case OnlyIfNull:
		return "only-if-null"
	default:
		return "only-if-not-null"
	}
}

// Condition tests a data key of the current context.
type Condition struct {
	Mode ConditionMode
	Key  string
}

func (c Condition) Holds(ctx *execctx.ExecutionContext) bool {
	v, ok := ctx.GetData(c.Key)
	switch c.Mode {
	case OnlyIfTrue:
		b, isBool := v.(bool)
		return ok && isBool && b
	case OnlyIfFalse:
		b, isBool := v.(bool)
		return ok && isBool && !b
	case OnlyIfNull:
		return !ok
	default:
		return ok
	}
}

func conditionsHold(conditions []Condition, ctx *execctx.ExecutionContext) bool {
	for _, c := range conditions {
		if !c.Holds(ctx) {
			return false
		}
	}
	return true
}

// ConditionalGuard runs Action only when every condition holds.
type ConditionalGuard struct {
	Conditions []Condition
	Action     Action
}

func (g *ConditionalGuard) Execute(view *ExecutionView) error {
	if !conditionsHold(g.Conditions, view.Context) {
		return nil
	}
	return g.Action.Execute(view)
}

func (g *ConditionalGuard) Name() string {
	return g.Action.Name()
}
