// Package matcher selects candidate methods. Matchers combine with And, Or and Not,
// where a nil matcher is the identity of the combinator it is passed to.
package matcher

import (
	"strings"

	"github.com/mrproliu/go-agent-runtime/frameworks/core"
)

type Matcher interface {
	Matches(m *core.MethodDescriptor) bool
	String() string
}

// And matches when every non-nil matcher matches. It returns nil when all are nil.
func And(matchers ...Matcher) Matcher {
	list := compact(matchers)
	switch len(list) {
	case 0:
		return nil
	case 1:
		return list[0]
	}
	return and(list)
}

// Or matches when any non-nil matcher matches. It returns nil when all are nil.
func Or(matchers ...Matcher) Matcher {
	list := compact(matchers)
	switch len(list) {
	case 0:
		return nil
	case 1:
		return list[0]
	}
	return or(list)
}

// Not inverts m; Not(nil) is nil.
func Not(m Matcher) Matcher {
	if m == nil {
		return nil
	}
	if n, ok := m.(not); ok {
		return n.m
	}
	return not{m: m}
}

// Matches evaluates m, treating nil as a matcher that accepts everything. Callers
// decide whether an absent matcher selects anything before reaching here.
func Matches(m Matcher, desc *core.MethodDescriptor) bool {
	return m == nil || m.Matches(desc)
}

func compact(matchers []Matcher) []Matcher {
	out := make([]Matcher, 0, len(matchers))
	for _, m := range matchers {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}

type and []Matcher

func (a and) Matches(m *core.MethodDescriptor) bool {
	for _, x := range a {
		if !x.Matches(m) {
			return false
		}
	}
	return true
}

func (a and) String() string { return join("AND", a) }

type or []Matcher

func (o or) Matches(m *core.MethodDescriptor) bool {
	for _, x := range o {
		if x.Matches(m) {
			return true
		}
	}
	return false
}

func (o or) String() string { return join("OR", o) }

type not struct {
	m Matcher
}

func (n not) Matches(m *core.MethodDescriptor) bool { return !n.m.Matches(m) }

func (n not) String() string { return "NOT(" + n.m.String() + ")" }

func join(op string, list []Matcher) string {
	parts := make([]string, len(list))
	for i, m := range list {
		parts[i] = m.String()
	}
	return "(" + strings.Join(parts, " "+op+" ") + ")"
}

// Builder accumulates a matcher; adding nil leaves it unchanged.
type Builder struct {
	m Matcher
}

func (b *Builder) And(m Matcher) *Builder {
	b.m = And(b.m, m)
	return b
}

func (b *Builder) Or(m Matcher) *Builder {
	b.m = Or(b.m, m)
	return b
}

func (b *Builder) AndNot(m Matcher) *Builder {
	return b.And(Not(m))
}

func (b *Builder) Build() Matcher {
	return b.m
}
