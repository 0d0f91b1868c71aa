package tool

import (
	"context"

	"github.com/expr-lang/expr"

	"github.com/theuselessai/pipelit/flow"
)

// Calculator evaluates arithmetic expressions. Expressions run in a pure
// environment with no variables, so the model can only compute, not probe.
type Calculator struct{}

// NewCalculator creates the calculator tool.
func NewCalculator() *Calculator { return &Calculator{} }

func (c *Calculator) Name() string { return "calculator" }

func (c *Calculator) Description() string {
	return "Evaluates a math expression and returns the numeric result. " +
		"Supports +, -, *, /, %, **, parentheses, and comparison operators."
}

func (c *Calculator) Schema() map[string]any {
	return objectSchema(map[string]any{
		"expression": map[string]any{
			"type":        "string",
			"description": "The expression to evaluate, e.g. \"(2 + 3) * 4\".",
		},
	}, "expression")
}

// Call compiles and runs the expression.
func (c *Calculator) Call(_ context.Context, input map[string]any) (map[string]any, error) {
	src := stringInput(input, "expression")
	if src == "" {
		return nil, flow.Errf(flow.CodeValidation, "expression parameter required (string)")
	}

	program, err := expr.Compile(src)
	if err != nil {
		return nil, flow.Wrap(flow.CodeValidation, "invalid expression", err)
	}
	result, err := expr.Run(program, nil)
	if err != nil {
		return nil, flow.Wrap(flow.CodeValidation, "expression evaluation failed", err)
	}
	return map[string]any{"result": result}, nil
}
