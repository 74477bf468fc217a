package filter

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
)

// Expressions see two variables: event, a map of the context attributes
// (extensions included), and data, the payload decoded from JSON when
// possible and as a string otherwise.
var env = mustEnv()

func mustEnv() *cel.Env {
	e, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("data", cel.DynType),
	)
	if err != nil {
		panic(fmt.Sprintf("cel environment: %v", err))
	}
	return e
}

// Program is a compiled expression over an event.
type Program struct {
	source string
	prog   cel.Program
}

// Compile parses and type-checks an expression.
func Compile(expr string) (*Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty expression")
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, err
	}
	return &Program{source: expr, prog: prog}, nil
}

// IsRuntimeExpression reports whether s is wrapped in "${ }".
func IsRuntimeExpression(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}")
}

// CompileRuntimeExpression compiles the body of a "${ }" expression.
func CompileRuntimeExpression(s string) (*Program, error) {
	s = strings.TrimSpace(s)
	return Compile(s[2 : len(s)-1])
}

// String returns the expression source.
func (p *Program) String() string {
	return p.source
}

// EvalValue evaluates the program against an event.
func (p *Program) EvalValue(event cloudevents.Event) (ref.Val, error) {
	out, _, err := p.prog.Eval(map[string]any{
		"event": Attributes(event),
		"data":  Data(event),
	})
	return out, err
}

// Eval evaluates the program against an event and returns the native result.
func (p *Program) Eval(event cloudevents.Event) (any, error) {
	out, err := p.EvalValue(event)
	if err != nil {
		return nil, err
	}
	return out.Value(), nil
}

// EvalBool evaluates a condition. Non-boolean results are errors.
func (p *Program) EvalBool(event cloudevents.Event) (bool, error) {
	v, err := p.Eval(event)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, want bool", p.source, v)
	}
	return b, nil
}

// Attributes returns the context attributes of an event keyed by name.
func Attributes(event cloudevents.Event) map[string]any {
	attrs := map[string]any{
		"specversion": event.SpecVersion(),
		"id":          event.ID(),
		"source":      event.Source(),
		"type":        event.Type(),
	}
	if v := event.Subject(); v != "" {
		attrs["subject"] = v
	}
	if t := event.Time(); !t.IsZero() {
		attrs["time"] = t.UTC().Format(time.RFC3339Nano)
	}
	if v := event.DataContentType(); v != "" {
		attrs["datacontenttype"] = v
	}
	if v := event.DataSchema(); v != "" {
		attrs["dataschema"] = v
	}
	for name, value := range event.Extensions() {
		attrs[name] = fmt.Sprint(value)
	}
	return attrs
}

// Attribute returns one context attribute as a string.
func Attribute(event cloudevents.Event, name string) (string, bool) {
	v, ok := Attributes(event)[name]
	if !ok {
		return "", false
	}
	return fmt.Sprint(v), true
}

// Data decodes the event payload for expressions.
func Data(event cloudevents.Event) any {
	raw := event.Data()
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	return string(raw)
}
