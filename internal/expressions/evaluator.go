package expressions

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/synthesis-run/synthesis/pkg/schema"
)

// refPrefix names the identifiers references are bound to inside expressions.
const refPrefix = "_ref"

// Evaluator resolves templates and evaluates expressions over Vars. It is
// pure: nothing it does writes to the variables it reads.
type Evaluator struct {
	engines map[string]Engine
	jq      *JQEngine
}

// NewEvaluator creates an evaluator with the expr, cel and jq engines.
func NewEvaluator() (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	jq := NewJQEngine()
	return &Evaluator{
		engines: map[string]Engine{
			EngineExpr: NewExprEngine(),
			EngineCEL:  celEngine,
			EngineJQ:   jq,
		},
		jq: jq,
	}, nil
}

// Engine returns the named engine; the empty name selects expr.
func (ev *Evaluator) Engine(name string) (Engine, error) {
	if name == "" {
		name = EngineExpr
	}
	e, ok := ev.engines[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "unknown expression engine %q", name)
	}
	return e, nil
}

// Interpolate replaces every reference in template with its textual value.
func (ev *Evaluator) Interpolate(template string, vars Vars) (string, error) {
	segs, err := parseTemplate(template)
	if err != nil {
		return "", err
	}
	var out []byte
	for _, s := range segs {
		if !s.isRef {
			out = append(out, s.text...)
			continue
		}
		v, err := lookupRef(s.ref, vars)
		if err != nil {
			return "", err
		}
		out = append(out, inline(v)...)
	}
	return string(out), nil
}

// Resolve is Interpolate, except that a template consisting of exactly one
// reference yields the referenced value with its type intact.
func (ev *Evaluator) Resolve(template string, vars Vars) (any, error) {
	segs, err := parseTemplate(template)
	if err != nil {
		return nil, err
	}
	if len(segs) == 1 && segs[0].isRef {
		return lookupRef(segs[0].ref, vars)
	}
	return ev.Interpolate(template, vars)
}

// ResolveValue applies Resolve to every string inside maps and slices.
func (ev *Evaluator) ResolveValue(v any, vars Vars) (any, error) {
	switch val := v.(type) {
	case string:
		if !HasReferences(val) {
			return val, nil
		}
		return ev.Resolve(val, vars)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := ev.ResolveValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := ev.ResolveValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveParams resolves every value of a parameter map.
func (ev *Evaluator) ResolveParams(params map[string]any, vars Vars) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	out, err := ev.ResolveValue(params, vars)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// Evaluate runs expression with the named engine. For expr and cel, each
// reference is bound as a typed variable; for jq it is substituted as a JSON
// literal and the query runs over the variable snapshot. Bare identifiers
// resolve against the snapshot.
func (ev *Evaluator) Evaluate(ctx context.Context, engine, expression string, vars Vars) (any, error) {
	return ev.evaluate(ctx, engine, expression, vars, false)
}

func (ev *Evaluator) evaluate(ctx context.Context, engine, expression string, vars Vars, coerce bool) (any, error) {
	e, err := ev.Engine(engine)
	if err != nil {
		return nil, err
	}
	segs, err := parseTemplate(expression)
	if err != nil {
		return nil, err
	}

	env := map[string]any{}
	if vars != nil {
		env = vars.Snapshot()
	}

	var code []byte
	n := 0
	for _, s := range segs {
		if !s.isRef {
			code = append(code, s.text...)
			continue
		}
		v, err := lookupRef(s.ref, vars)
		if err != nil {
			return nil, err
		}
		if e.Name() == EngineJQ {
			lit, err := literal(v)
			if err != nil {
				return nil, schema.NewEvaluationError(s.ref, fmt.Sprintf("reference %q is not JSON encodable", s.ref)).WithCause(err)
			}
			code = append(code, lit...)
			continue
		}
		if coerce {
			v = coerceScalar(v)
		}
		name := fmt.Sprintf("%s%d", refPrefix, n)
		n++
		env[name] = v
		code = append(code, name...)
	}

	return e.Evaluate(ctx, string(code), env)
}

// Condition evaluates expression and requires a boolean result. A string
// reference whose text is a number or a boolean literal takes part as that
// number or boolean, the same as if its text had been written in place, so
// values captured from stdout or HTTP bodies compare with literals.
func (ev *Evaluator) Condition(ctx context.Context, engine, expression string, vars Vars) (bool, error) {
	out, err := ev.evaluate(ctx, engine, expression, vars, true)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeEvaluation,
			"condition %q evaluated to %T, not bool", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// Query runs a jq query against input.
func (ev *Evaluator) Query(ctx context.Context, query string, input any) (any, error) {
	return ev.jq.Query(ctx, query, input)
}

// coerceScalar converts a string holding an integer, float or boolean
// literal to that type. Anything else is returned unchanged.
func coerceScalar(v any) any {
	str, ok := v.(string)
	if !ok {
		return v
	}
	text := strings.TrimSpace(str)
	if text == "" {
		return v
	}
	switch text {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(text, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return f
	}
	return v
}
