package engine

import (
	"context"

	"github.com/synthesis-run/synthesis/internal/variables"
	"github.com/synthesis-run/synthesis/pkg/schema"
)

// variableHandler assigns params.name at params.scope from exactly one of
// value (a template), expression (expr or cel) or query (jq over the
// variable snapshot).
type variableHandler struct {
	engine *Engine
}

func (h *variableHandler) Execute(ctx context.Context, sc *StepContext) (*StepResult, error) {
	p := sc.Step.Params
	name := stringParam(sc, "name")
	if name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "variable requires 'name'").WithStep(sc.Step.ID)
	}
	if name == stepsVar {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%q is reserved", stepsVar).WithStep(sc.Step.ID)
	}
	scope := stringParam(sc, "scope")
	if scope == "" {
		scope = schema.ScopeProcess
	}
	if !variables.ValidScope(scope) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown scope %q", scope).WithStep(sc.Step.ID)
	}

	var (
		value any
		err   error
	)
	ev := h.engine.eval
	switch {
	case has(p, "value"):
		value, err = ev.ResolveValue(p["value"], sc.Vars)
	case has(p, "expression"):
		value, err = ev.Evaluate(ctx, stringParam(sc, "engine"), stringParam(sc, "expression"), sc.Vars)
	case has(p, "query"):
		value, err = ev.Query(ctx, stringParam(sc, "query"), sc.Vars.Snapshot())
	default:
		return nil, schema.NewError(schema.ErrCodeValidation, "variable needs one of value, expression or query").WithStep(sc.Step.ID)
	}
	if err != nil {
		return nil, withStep(err, sc.Step.ID)
	}

	return &StepResult{
		Output: map[string]any{"name": name, "scope": scope, "value": value},
		Writes: []variables.Write{{Scope: scope, Name: name, Value: value}},
	}, nil
}

func has(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}
