// Package dataprovider evaluates user defined data providers: named expressions over
// the intercepted call that produce a value for a data key.
package dataprovider

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Special variables available to every provider expression.
const (
	VarReceiver = "thiz"
	VarArgs     = "args"
	VarReturn   = "returnValue"
	VarThrown   = "thrown"
	VarContext  = "_context"
)

var (
	ErrEmptyExpression = errors.New("data provider has no value expression")
	ErrReservedInput   = errors.New("input name is reserved")
)

var argInput = regexp.MustCompile(`^arg(\d+)$`)

// Definition is the declarative form of a provider.
type Definition struct {
	Name   string            `yaml:"name"`
	Inputs map[string]string `yaml:"inputs,omitempty"`
	Value  string            `yaml:"value"`
}

// Provider is a compiled Definition. It is safe for concurrent use.
type Provider struct {
	name    string
	inputs  []string
	args    map[string]int
	program *vm.Program
}

// Compile parses and compiles the value expression of def.
func Compile(def Definition) (*Provider, error) {
	if def.Value == "" {
		return nil, fmt.Errorf("%s: %w", def.Name, ErrEmptyExpression)
	}
	p := &Provider{name: def.Name, args: map[string]int{}}
	for in := range def.Inputs {
		switch in {
		case VarReceiver, VarArgs, VarReturn, VarThrown, VarContext:
			// declaring a special variable documents its type, it stays special
			continue
		}
		if in == "" || in[0] == '_' {
			return nil, fmt.Errorf("%s: %q: %w", def.Name, in, ErrReservedInput)
		}
		if m := argInput.FindStringSubmatch(in); m != nil {
			p.args[in], _ = strconv.Atoi(m[1])
			continue
		}
		p.inputs = append(p.inputs, in)
	}
	sort.Strings(p.inputs)

	// Inputs are untyped at compile time; every name the provider knows is present in
	// the evaluation environment, anything else evaluates to nil.
	program, err := expr.Compile(def.Value, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile data provider %s: %w", def.Name, err)
	}
	p.program = program
	return p, nil
}

func (p *Provider) Name() string { return p.name }

// Inputs returns the sorted names of the non-special inputs.
func (p *Provider) Inputs() []string { return p.inputs }

// Reader is the read side of an execution context.
type Reader interface {
	GetData(key string) (any, bool)
}

// Variables is the intercepted call as seen by a provider.
type Variables struct {
	Receiver any
	Args     []any
	Return   any
	Thrown   error
	Context  Reader
}

type contextReader struct {
	r Reader
}

// Get returns the value of key in the current context, or nil.
func (c contextReader) Get(key string) any {
	if c.r == nil {
		return nil
	}
	v, _ := c.r.GetData(key)
	return v
}

func (p *Provider) env(v Variables, inputs map[string]any) map[string]any {
	env := make(map[string]any, 5+len(p.args)+len(inputs))
	env[VarReceiver] = v.Receiver
	env[VarArgs] = v.Args
	env[VarReturn] = v.Return
	env[VarThrown] = nil
	if v.Thrown != nil {
		env[VarThrown] = v.Thrown
	}
	env[VarContext] = contextReader{r: v.Context}
	for name, idx := range p.args {
		if idx < len(v.Args) {
			env[name] = v.Args[idx]
		} else {
			env[name] = nil
		}
	}
	for _, name := range p.inputs {
		env[name] = inputs[name]
	}
	return env
}

// Evaluate runs the provider with explicitly supplied inputs.
func (p *Provider) Evaluate(v Variables, inputs map[string]any) (any, error) {
	out, err := expr.Run(p.program, p.env(v, inputs))
	if err != nil {
		return nil, fmt.Errorf("data provider %s: %w", p.name, err)
	}
	return out, nil
}

// Cache compiles each distinct Definition once.
type Cache struct {
	mu        sync.Mutex
	providers map[string]*Provider
}

func NewCache() *Cache {
	return &Cache{providers: map[string]*Provider{}}
}

func (c *Cache) Get(def Definition) (*Provider, error) {
	key := cacheKey(def)
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.providers[key]; ok {
		return p, nil
	}
	p, err := Compile(def)
	if err != nil {
		return nil, err
	}
	c.providers[key] = p
	return p, nil
}

func cacheKey(def Definition) string {
	names := make([]string, 0, len(def.Inputs))
	for k, v := range def.Inputs {
		names = append(names, k+":"+v)
	}
	sort.Strings(names)
	return fmt.Sprintf("%s|%v|%s", def.Name, names, def.Value)
}
