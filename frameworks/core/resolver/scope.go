package resolver

import (
	"errors"

	"github.com/mrproliu/go-agent-runtime/frameworks/core/config"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/matcher"
)

// scopeMatcher ORs the scopes of a rule. Parts left unset inside a scope do not
// restrict it; a scope with no parts at all is skipped.
func scopeMatcher(scopes []config.ScopeSettings) (matcher.Matcher, error) {
	var errs []error
	var rule matcher.Builder
	for _, s := range scopes {
		m, err := buildScope(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rule.Or(m)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return rule.Build(), nil
}

func buildScope(s config.ScopeSettings) (matcher.Matcher, error) {
	var b matcher.Builder
	if s.Package != nil {
		m, err := nameMatcher(*s.Package, matcher.Package)
		if err != nil {
			return nil, err
		}
		b.And(m)
	}
	if t := s.Type; t != nil {
		m, err := typeMatcher(*t)
		if err != nil {
			return nil, err
		}
		b.And(m)
	}
	var methods matcher.Builder
	for _, ms := range s.Methods {
		m, err := methodMatcher(ms)
		if err != nil {
			return nil, err
		}
		methods.Or(m)
	}
	b.And(methods.Build())
	return b.Build(), nil
}

func nameMatcher(s config.NameMatcherSettings, predicate func(*matcher.StringMatcher) matcher.Matcher) (matcher.Matcher, error) {
	if s.Name == "" && s.Mode == "" {
		return nil, nil
	}
	sm, err := matcher.NewString(matcher.Mode(s.Mode), s.Name)
	if err != nil {
		return nil, err
	}
	return predicate(sm), nil
}

func typeMatcher(t config.TypeMatcherSettings) (matcher.Matcher, error) {
	var b matcher.Builder
	m, err := nameMatcher(t.NameMatcherSettings, matcher.TypeName)
	if err != nil {
		return nil, err
	}
	b.And(m)
	if t.Embeds != nil {
		m, err := nameMatcher(*t.Embeds, matcher.Embeds)
		if err != nil {
			return nil, err
		}
		b.And(m)
	}
	for _, i := range t.Interfaces {
		m, err := nameMatcher(i, matcher.Implements)
		if err != nil {
			return nil, err
		}
		b.And(m)
	}
	for _, a := range t.Annotations {
		b.And(matcher.TypeAnnotation(a))
	}
	return b.Build(), nil
}

func methodMatcher(ms config.MethodMatcherSettings) (matcher.Matcher, error) {
	var b matcher.Builder
	m, err := nameMatcher(ms.NameMatcherSettings, matcher.MethodName)
	if err != nil {
		return nil, err
	}
	b.And(m)
	if ms.Exported != nil {
		b.And(matcher.Exported(*ms.Exported))
	}
	if ms.Arguments != nil {
		b.And(matcher.Arguments(ms.Arguments...))
	}
	for _, a := range ms.Annotations {
		b.And(matcher.MethodAnnotation(a))
	}
	return b.Build(), nil
}
