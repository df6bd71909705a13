package matcher

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/mrproliu/go-agent-runtime/frameworks/core"
)

var ErrInvalidMatcher = errors.New("invalid matcher")

type Mode string

const (
	EqualsFully           Mode = "EQUALS_FULLY"
	StartsWith            Mode = "STARTS_WITH"
	EndsWith              Mode = "ENDS_WITH"
	Contains              Mode = "CONTAINS"
	MatchesRegex          Mode = "MATCHES"
	EqualsFullyIgnoreCase Mode = "EQUALS_FULLY_IGNORE_CASE"
	StartsWithIgnoreCase  Mode = "STARTS_WITH_IGNORE_CASE"
	EndsWithIgnoreCase    Mode = "ENDS_WITH_IGNORE_CASE"
	ContainsIgnoreCase    Mode = "CONTAINS_IGNORE_CASE"
)

// StringMatcher matches a single string according to its mode.
type StringMatcher struct {
	mode    Mode
	pattern string
	re      *regexp.Regexp
}

// NewString builds a StringMatcher. An empty mode means EqualsFully.
func NewString(mode Mode, pattern string) (*StringMatcher, error) {
	mode = Mode(strings.ToUpper(string(mode)))
	if mode == "" {
		mode = EqualsFully
	}
	s := &StringMatcher{mode: mode, pattern: pattern}
	switch mode {
	case EqualsFully, StartsWith, EndsWith, Contains:
	case EqualsFullyIgnoreCase, StartsWithIgnoreCase, EndsWithIgnoreCase, ContainsIgnoreCase:
		s.pattern = strings.ToLower(pattern)
	case MatchesRegex:
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMatcher, err)
		}
		s.re = re
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidMatcher, mode)
	}
	return s, nil
}

func (s *StringMatcher) Match(v string) bool {
	switch s.mode {
	case EqualsFully:
		return v == s.pattern
	case StartsWith:
		return strings.HasPrefix(v, s.pattern)
	case EndsWith:
		return strings.HasSuffix(v, s.pattern)
	case Contains:
		return strings.Contains(v, s.pattern)
	case EqualsFullyIgnoreCase:
		return strings.ToLower(v) == s.pattern
	case StartsWithIgnoreCase:
		return strings.HasPrefix(strings.ToLower(v), s.pattern)
	case EndsWithIgnoreCase:
		return strings.HasSuffix(strings.ToLower(v), s.pattern)
	case ContainsIgnoreCase:
		return strings.Contains(strings.ToLower(v), s.pattern)
	case MatchesRegex:
		return s.re.MatchString(v)
	}
	return false
}

func (s *StringMatcher) String() string {
	return fmt.Sprintf("%s %q", s.mode, s.pattern)
}

type predicate struct {
	name string
	s    fmt.Stringer
	fn   func(*core.MethodDescriptor) bool
}

func (p *predicate) Matches(m *core.MethodDescriptor) bool { return m != nil && p.fn(m) }

func (p *predicate) String() string {
	if p.s == nil {
		return p.name
	}
	return p.name + " " + p.s.String()
}

func MethodName(s *StringMatcher) Matcher {
	return &predicate{name: "method", s: s, fn: func(m *core.MethodDescriptor) bool { return s.Match(m.Name) }}
}

func Package(s *StringMatcher) Matcher {
	return &predicate{name: "package", s: s, fn: func(m *core.MethodDescriptor) bool { return s.Match(m.Package) }}
}

// TypeName matches the receiver type name, never package level functions.
func TypeName(s *StringMatcher) Matcher {
	return &predicate{name: "type", s: s, fn: func(m *core.MethodDescriptor) bool {
		return m.Receiver != nil && s.Match(m.Receiver.Name)
	}}
}

// Embeds matches receivers embedding a type whose name matches s.
func Embeds(s *StringMatcher) Matcher {
	return &predicate{name: "embeds", s: s, fn: func(m *core.MethodDescriptor) bool {
		return m.Receiver != nil && slices.ContainsFunc(m.Receiver.Embeds, s.Match)
	}}
}

// Implements matches receivers known to implement an interface whose name matches s.
func Implements(s *StringMatcher) Matcher {
	return &predicate{name: "implements", s: s, fn: func(m *core.MethodDescriptor) bool {
		return m.Receiver != nil && slices.ContainsFunc(m.Receiver.Interfaces, s.Match)
	}}
}

func MethodAnnotation(name string) Matcher {
	return &predicate{name: "method annotation " + name, fn: func(m *core.MethodDescriptor) bool {
		return slices.Contains(m.Annotations, name)
	}}
}

func TypeAnnotation(name string) Matcher {
	return &predicate{name: "type annotation " + name, fn: func(m *core.MethodDescriptor) bool {
		return m.Receiver != nil && slices.Contains(m.Receiver.Annotations, name)
	}}
}

func Exported(exported bool) Matcher {
	return &predicate{name: fmt.Sprintf("exported=%t", exported), fn: func(m *core.MethodDescriptor) bool {
		return m.Exported() == exported
	}}
}

// Arguments matches the exact parameter type list.
func Arguments(types ...string) Matcher {
	types = slices.Clone(types)
	return &predicate{name: "arguments (" + strings.Join(types, ", ") + ")", fn: func(m *core.MethodDescriptor) bool {
		return slices.Equal(m.Params, types)
	}}
}
