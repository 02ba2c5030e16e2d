package schema

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// CEL is a playerstore.Predicate backed by a compiled boolean CEL
// expression, evaluated against the record's data on every durable
// boundary. Compile-once, evaluate-many, the way a comparator expression
// is compiled once and reused for every key comparison.
type CEL struct {
	expression string
	program    cel.Program
}

// NewCEL compiles expression, which must evaluate to a bool given a single
// "data" variable bound to the record's data map. The reason returned on
// rejection is always the raw expression text, since CEL gives no
// structured way to explain a boolean's falseness; hosts wanting a
// specific reason string should use Func instead.
func NewCEL(expression string) (*CEL, error) {
	if expression == "" {
		return nil, fmt.Errorf("schema: CEL expression can't be empty")
	}
	env, err := cel.NewEnv(
		cel.Variable("data", cel.MapType(cel.StringType, cel.AnyType)),
	)
	if err != nil {
		return nil, fmt.Errorf("schema: create CEL env: %w", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("schema: compile %q: %w", expression, issues.Err())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("schema: build program for %q: %w", expression, err)
	}
	return &CEL{expression: expression, program: program}, nil
}

// Validate implements playerstore.Predicate.
func (c *CEL) Validate(data map[string]any) (bool, string) {
	out, _, err := c.program.Eval(map[string]any{"data": data})
	if err != nil {
		return false, fmt.Sprintf("schema: evaluate %q: %v", c.expression, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Sprintf("schema: %q did not evaluate to bool, got %v", c.expression, out.Value())
	}
	if !b {
		return false, c.expression
	}
	return true, ""
}
