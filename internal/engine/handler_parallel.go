package engine

import (
	"context"

	"github.com/synthesis-run/synthesis/pkg/schema"
)

// parallelHandler runs params.branches as one nested scope. Branches may
// depend on each other; params.concurrency bounds how many run at once.
type parallelHandler struct {
	engine *Engine
	runner *nestedRunner
}

func (h *parallelHandler) Execute(ctx context.Context, sc *StepContext) (*StepResult, error) {
	branches := sc.Step.OwnedSteps()
	limit, err := h.engine.intParam(sc, "concurrency", len(branches))
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "concurrency must be greater than zero").WithStep(sc.Step.ID)
	}

	res, err := h.runner.run(ctx, sc, sc.Vars, limit)
	if res == nil {
		return nil, err
	}
	failed := 0
	for _, run := range res.Runs {
		if run.Status == schema.StepFailed {
			failed++
		}
	}
	out := &StepResult{Output: map[string]any{"branches": res.Outputs, "failed": failed}}
	if err != nil {
		return out, err
	}
	if res.Err != nil {
		return out, schema.NewErrorf(schema.ErrCodeStepFailed, "branch failed: %s", schema.NewStepError(res.Err).Message).
			WithStep(sc.Step.ID).
			WithCause(res.Err)
	}
	out.Writes = res.Writes
	return out, nil
}
