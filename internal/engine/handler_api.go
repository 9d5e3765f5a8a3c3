package engine

import "context"

// apiHandler performs HTTP calls through the api adapter, or through the
// adapter named by params.adapter (mcp.<server>, service.<name>). Status
// classification happens in the adapter: 5xx and 429 are retryable, other
// 4xx responses are terminal.
type apiHandler struct {
	engine *Engine
}

func (h *apiHandler) Execute(ctx context.Context, sc *StepContext) (*StepResult, error) {
	out, _, err := h.engine.invokeAdapter(ctx, sc)
	if err != nil {
		return nil, err
	}
	return &StepResult{Output: out.Data}, nil
}
