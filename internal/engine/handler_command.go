package engine

import (
	"context"
	"fmt"

	"github.com/synthesis-run/synthesis/pkg/schema"
)

// commandHandler runs shell commands through the command adapter. A non-zero
// exit code fails the step unless ignore_exit_code is set.
type commandHandler struct {
	engine *Engine
}

func (h *commandHandler) Execute(ctx context.Context, sc *StepContext) (*StepResult, error) {
	out, name, err := h.engine.invokeAdapter(ctx, sc)
	if err != nil {
		return nil, err
	}

	data, _ := out.Data.(map[string]any)
	res := &StepResult{Output: out.Data}
	code, _ := toInt(data["exit_code"])
	if code != 0 && !sc.Step.IgnoreExitCode {
		return res, schema.NewStepExecutionError(name, fmt.Errorf("exit code %d", code), true).
			WithStep(sc.Step.ID).
			WithDetails(map[string]any{"exit_code": code, "stderr": data["stderr"]})
	}
	return res, nil
}
