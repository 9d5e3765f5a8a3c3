package engine

import (
	"context"

	"github.com/synthesis-run/synthesis/pkg/schema"
)

// conditionHandler evaluates params.expression and selects the then or else
// branch. The other branch is returned for skipping.
type conditionHandler struct {
	engine *Engine
}

func (h *conditionHandler) Execute(ctx context.Context, sc *StepContext) (*StepResult, error) {
	expression := stringParam(sc, "expression")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "condition requires 'expression'").WithStep(sc.Step.ID)
	}

	ok, err := h.engine.eval.Condition(ctx, stringParam(sc, "engine"), expression, sc.Vars)
	if err != nil {
		return nil, withStep(err, sc.Step.ID)
	}

	then, otherwise := sc.Step.BranchSteps()
	branch, selected, skipped := "then", then, otherwise
	if !ok {
		branch, selected, skipped = "else", otherwise, then
	}
	return &StepResult{
		Output: map[string]any{
			"result":   ok,
			"branch":   branch,
			"selected": stringsToAny(selected),
		},
		Skip: skipped,
	}, nil
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
