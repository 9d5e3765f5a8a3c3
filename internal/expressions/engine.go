// Package expressions evaluates conditions, expressions and templates over
// the variables of an execution.
//
// Three engines are available: expr (the default condition language), cel
// and jq (output bindings and variable queries). References written as
// {{ name }} or {{ a.b.0 }} are resolved against the variable store before
// an expression runs.
package expressions

import "context"

// Engine evaluates expressions against a flat variable environment.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Engine names.
const (
	EngineExpr = "expr"
	EngineCEL  = "cel"
	EngineJQ   = "jq"
)
