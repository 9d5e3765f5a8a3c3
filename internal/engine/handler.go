package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strconv"

	"github.com/synthesis-run/synthesis/internal/adapters"
	"github.com/synthesis-run/synthesis/pkg/schema"
)

// newHandlers builds the kind-to-handler table. It is fixed for the life of
// the engine.
func (e *Engine) newHandlers() map[schema.StepKind]StepHandler {
	runner := &nestedRunner{engine: e}
	return map[schema.StepKind]StepHandler{
		schema.StepKindCommand:   &commandHandler{engine: e},
		schema.StepKindFunction:  &functionHandler{engine: e},
		schema.StepKindAPI:       &apiHandler{engine: e},
		schema.StepKindCondition: &conditionHandler{engine: e},
		schema.StepKindLoop:      &loopHandler{engine: e, runner: runner},
		schema.StepKindParallel:  &parallelHandler{engine: e, runner: runner},
		schema.StepKindVariable:  &variableHandler{engine: e},
	}
}

// invokeAdapter substitutes the step params and calls the adapter the step
// names. It returns the adapter name for error reporting.
func (e *Engine) invokeAdapter(ctx context.Context, sc *StepContext) (*adapters.Output, string, error) {
	name := sc.Step.AdapterName()
	adapter, err := e.deps.Adapters.Resolve(name)
	if err != nil {
		return nil, name, withStep(err, sc.Step.ID)
	}

	params, err := e.eval.ResolveParams(sc.Step.Params, sc.Vars)
	if err != nil {
		return nil, name, withStep(err, sc.Step.ID)
	}
	delete(params, "adapter")

	if err := e.breakers.Allow(name); err != nil {
		return nil, name, withStep(err, sc.Step.ID)
	}
	out, err := adapter.Invoke(ctx, adapters.Input{
		Params:      params,
		ExecutionID: sc.ExecutionID,
		StepID:      sc.Step.ID,
	})
	if state := e.breakers.Record(name, err); state == CircuitOpen && err != nil {
		e.log.WarnContext(sc.logContext(), "adapter circuit open", slog.String("adapter", name))
	}
	if err != nil {
		return out, name, withStep(adapters.Wrap(name, err), sc.Step.ID)
	}
	if out == nil {
		out = &adapters.Output{}
	}
	return out, name, nil
}

// Param helpers. Numbers may arrive as int (YAML), float64 (JSON) or as a
// string produced by a template.

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

// intParam resolves params[key] and converts it to an int.
func (e *Engine) intParam(sc *StepContext, key string, def int) (int, error) {
	raw, ok := sc.Step.Params[key]
	if !ok {
		return def, nil
	}
	v, err := e.eval.ResolveValue(raw, sc.Vars)
	if err != nil {
		return 0, withStep(err, sc.Step.ID)
	}
	n, ok := toInt(v)
	if !ok {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "param %q must be an integer, got %T", key, v).
			WithStep(sc.Step.ID)
	}
	return n, nil
}

func stringParam(sc *StepContext, key string) string {
	s, _ := sc.Step.Params[key].(string)
	return s
}
