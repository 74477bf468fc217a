// Package filter decides which events reach a consumer.
//
// Attribute filters require every listed context attribute to be present.
// A non-empty pattern must also match: a "${ }" runtime expression is
// evaluated as a condition, anything else is an unanchored regular
// expression. Expression filters evaluate one CEL condition.
package filter

import (
	"fmt"
	"regexp"
	"sort"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"eventbroker/internal/apperrors"
	"eventbroker/internal/resources"
)

// Filter is a compiled consumer filter. A nil *Filter matches every event.
type Filter struct {
	attrs []attributeMatcher
	expr  *Program
}

type attributeMatcher struct {
	name string
	re   *regexp.Regexp
	expr *Program
}

// New validates and compiles a filter. A nil spec yields a nil filter.
func New(spec *resources.Filter) (*Filter, error) {
	if spec == nil {
		return nil, nil
	}
	switch spec.Type {
	case resources.FilterExpression:
		prog, err := Compile(spec.Expression)
		if err != nil {
			return nil, apperrors.Invalid("spec.filter.expression", err)
		}
		return &Filter{expr: prog}, nil
	case resources.FilterAttributes:
		f := &Filter{}
		names := make([]string, 0, len(spec.Attributes))
		for name := range spec.Attributes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			m, err := compileAttribute(name, spec.Attributes[name])
			if err != nil {
				return nil, apperrors.Invalid("spec.filter.attributes."+name, err)
			}
			f.attrs = append(f.attrs, m)
		}
		return f, nil
	default:
		return nil, apperrors.Validation("spec.filter.type", fmt.Sprintf("unsupported filter type %q", spec.Type))
	}
}

func compileAttribute(name, pattern string) (attributeMatcher, error) {
	m := attributeMatcher{name: name}
	switch {
	case pattern == "":
	case IsRuntimeExpression(pattern):
		prog, err := CompileRuntimeExpression(pattern)
		if err != nil {
			return m, err
		}
		m.expr = prog
	default:
		re, err := regexp.Compile(pattern)
		if err != nil {
			return m, err
		}
		m.re = re
	}
	return m, nil
}

// Match reports whether the event passes the filter. Expression evaluation
// errors, such as selecting a missing field, count as a mismatch.
func (f *Filter) Match(event cloudevents.Event) bool {
	if f == nil {
		return true
	}
	if f.expr != nil {
		ok, err := f.expr.EvalBool(event)
		return err == nil && ok
	}
	for _, m := range f.attrs {
		value, ok := Attribute(event, m.name)
		if !ok {
			return false
		}
		switch {
		case m.expr != nil:
			if matched, err := m.expr.EvalBool(event); err != nil || !matched {
				return false
			}
		case m.re != nil:
			if !m.re.MatchString(value) {
				return false
			}
		}
	}
	return true
}
