package dataprovider

import (
	"errors"
	"fmt"
)

var ErrUnknownInput = errors.New("provider has no such input")

// Call binds a provider to one call site: data inputs are read from the execution
// context, constant inputs are fixed.
type Call struct {
	provider   *Provider
	dataInputs map[string]string
	constants  map[string]any
}

func Bind(p *Provider, dataInputs map[string]string, constants map[string]any) (*Call, error) {
	declared := make(map[string]bool, len(p.inputs))
	for _, in := range p.inputs {
		declared[in] = true
	}
	var errs []error
	for in := range dataInputs {
		if !declared[in] {
			errs = append(errs, fmt.Errorf("%s: data input %q: %w", p.name, in, ErrUnknownInput))
		}
	}
	for in := range constants {
		if !declared[in] {
			errs = append(errs, fmt.Errorf("%s: constant input %q: %w", p.name, in, ErrUnknownInput))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &Call{provider: p, dataInputs: dataInputs, constants: constants}, nil
}

func (c *Call) Provider() *Provider { return c.provider }

func (c *Call) Evaluate(v Variables) (any, error) {
	inputs := make(map[string]any, len(c.dataInputs)+len(c.constants))
	for in, val := range c.constants {
		inputs[in] = val
	}
	if v.Context != nil {
		for in, key := range c.dataInputs {
			if val, ok := v.Context.GetData(key); ok {
				inputs[in] = val
			}
		}
	}
	return c.provider.Evaluate(v, inputs)
}
