package engine

import "context"

// functionHandler calls an in-process function registered with the function
// adapter. params.name selects it and params.args are passed after
// substitution.
type functionHandler struct {
	engine *Engine
}

func (h *functionHandler) Execute(ctx context.Context, sc *StepContext) (*StepResult, error) {
	out, _, err := h.engine.invokeAdapter(ctx, sc)
	if err != nil {
		return nil, err
	}
	return &StepResult{Output: out.Data}, nil
}
