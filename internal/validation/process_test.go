package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synthesis-run/synthesis/internal/resolver"
	"github.com/synthesis-run/synthesis/pkg/schema"
)

type mockLookup map[string]bool

func (m mockLookup) Has(name string) bool { return m[name] }

func newMockLookup(names ...string) mockLookup {
	m := mockLookup{}
	for _, n := range names {
		m[n] = true
	}
	return m
}

func newValidator(t *testing.T, lookup AdapterLookup) *ProcessValidator {
	t.Helper()
	v, err := NewProcessValidator(lookup)
	require.NoError(t, err)
	return v
}

func commandStep(id string, deps ...string) schema.StepDefinition {
	s := schema.StepDefinition{ID: id, Kind: schema.StepKindCommand, Params: map[string]any{"command": "echo " + id}}
	for _, d := range deps {
		s.DependsOn = append(s.DependsOn, schema.StepDependency{Step: d})
	}
	return s
}

func def(steps ...schema.StepDefinition) *schema.ProcessDefinition {
	return &schema.ProcessDefinition{ID: "proc", Steps: steps}
}

func errorMessages(r *schema.ValidationResult) string {
	var parts []string
	for _, e := range r.Errors {
		parts = append(parts, e.Path+": "+e.Message)
	}
	return strings.Join(parts, "\n")
}

// --- Full pipeline ---

func TestProcessValidator_Valid(t *testing.T) {
	v := newValidator(t, newMockLookup("command", "api", "function"))

	d := def(
		commandStep("build"),
		schema.StepDefinition{ID: "notify", Kind: schema.StepKindAPI,
			Params:    map[string]any{"url": "https://hooks.example.com", "method": "POST"},
			DependsOn: []schema.StepDependency{{Step: "build", Gate: schema.GateAlways}},
			Retry:     &schema.RetryPolicy{Max: 3, Backoff: "exponential", Delay: "100ms", MaxDelay: "2s"},
			Outputs:   map[string]string{"status": ".status_code"},
		},
		schema.StepDefinition{ID: "each", Kind: schema.StepKindLoop,
			Params: map[string]any{"mode": "foreach", "items": []any{1, 2}, "body": []any{"assign"}}},
		schema.StepDefinition{ID: "assign", Kind: schema.StepKindVariable,
			Params: map[string]any{"name": "x", "value": "{{ item }}", "scope": "step"}},
	)
	d.Schedule = "*/5 * * * *"

	result := v.Validate(d)
	assert.True(t, result.Valid(), errorMessages(result))
	assert.NoError(t, v.ValidateDefinition(d))
}

func TestProcessValidator_Nil(t *testing.T) {
	v := newValidator(t, nil)
	result := v.Validate(nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "nil")
}

func TestProcessValidator_StructuralShortCircuits(t *testing.T) {
	v := newValidator(t, newMockLookup())

	d := &schema.ProcessDefinition{ID: "p", Steps: []schema.StepDefinition{
		{ID: "a", Kind: "teleport"},
	}}
	result := v.Validate(d)
	require.False(t, result.Valid())
	for _, e := range result.Errors {
		assert.NotContains(t, e.Message, "not registered", "semantic stage must not run")
	}

	err := v.ValidateDefinition(d)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestProcessValidator_Structural(t *testing.T) {
	v := newValidator(t, nil)
	tests := []struct {
		name string
		def  *schema.ProcessDefinition
	}{
		{"no steps", &schema.ProcessDefinition{ID: "p"}},
		{"no id", &schema.ProcessDefinition{Steps: []schema.StepDefinition{commandStep("a")}}},
		{"bad policy", &schema.ProcessDefinition{ID: "p", ErrorPolicy: "panic", Steps: []schema.StepDefinition{commandStep("a")}}},
		{"dotted id", def(commandStep("a.b"))},
		{"bad gate", def(commandStep("a"), schema.StepDefinition{ID: "b", Kind: schema.StepKindCommand, Params: map[string]any{"command": "x"},
			DependsOn: []schema.StepDependency{{Step: "a", Gate: "maybe"}}})},
		{"bad backoff", def(schema.StepDefinition{ID: "a", Kind: schema.StepKindCommand, Params: map[string]any{"command": "x"},
			Retry: &schema.RetryPolicy{Max: 1, Backoff: "linear"}})},
		{"bad delay", def(schema.StepDefinition{ID: "a", Kind: schema.StepKindCommand, Params: map[string]any{"command": "x"},
			Retry: &schema.RetryPolicy{Max: 1, Delay: "soon"}})},
		{"negative timeout", def(schema.StepDefinition{ID: "a", Kind: schema.StepKindCommand, Params: map[string]any{"command": "x"},
			TimeoutSeconds: -1})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.Validate(tt.def)
			assert.False(t, result.Valid())
		})
	}
}

// --- Semantic ---

func TestProcessValidator_Semantic(t *testing.T) {
	v := newValidator(t, nil)
	step := func(kind schema.StepKind, params map[string]any) schema.StepDefinition {
		return schema.StepDefinition{ID: "s", Kind: kind, Params: params}
	}

	tests := []struct {
		name string
		step schema.StepDefinition
		path string
	}{
		{"command without command", step(schema.StepKindCommand, nil), "steps[0].params.command"},
		{"function without name", step(schema.StepKindFunction, map[string]any{}), "steps[0].params.name"},
		{"api without url", step(schema.StepKindAPI, map[string]any{"method": "GET"}), "steps[0].params.url"},
		{"condition without expression", step(schema.StepKindCondition, map[string]any{}), "steps[0].params.expression"},
		{"condition bad engine", step(schema.StepKindCondition, map[string]any{"expression": "true", "engine": "lua"}), "steps[0].params.engine"},
		{"loop without mode", step(schema.StepKindLoop, map[string]any{}), "steps[0].params.mode"},
		{"loop bad mode", step(schema.StepKindLoop, map[string]any{"mode": "forever"}), "steps[0].params.mode"},
		{"while without condition", step(schema.StepKindLoop, map[string]any{"mode": "while"}), "steps[0].params.condition"},
		{"while zero max", step(schema.StepKindLoop, map[string]any{"mode": "while", "condition": "true", "max_iterations": 0}), "steps[0].params.max_iterations"},
		{"count zero max", step(schema.StepKindLoop, map[string]any{"mode": "count", "count": 3, "max_iterations": 0}), "steps[0].params.max_iterations"},
		{"for without to", step(schema.StepKindLoop, map[string]any{"mode": "for"}), "steps[0].params.to"},
		{"parallel loop without items", step(schema.StepKindLoop, map[string]any{"mode": "parallel"}), "steps[0].params"},
		{"bad failure policy", step(schema.StepKindLoop, map[string]any{"mode": "count", "count": 2, "failure_policy": "shrug"}), "steps[0].params.failure_policy"},
		{"parallel without branches", step(schema.StepKindParallel, map[string]any{}), "steps[0].params.branches"},
		{"variable two sources", step(schema.StepKindVariable, map[string]any{"name": "x", "value": 1, "expression": "2"}), "steps[0].params"},
		{"variable bad scope", step(schema.StepKindVariable, map[string]any{"name": "x", "value": 1, "scope": "cosmic"}), "steps[0].params.scope"},
		{"variable reserved", step(schema.StepKindVariable, map[string]any{"name": "steps", "value": 1}), "steps[0].params.name"},
		{"variable bad query", step(schema.StepKindVariable, map[string]any{"name": "x", "query": ".[["}), "steps[0].params.query"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.Validate(def(tt.step))
			require.False(t, result.Valid())
			paths := make([]string, 0, len(result.Errors))
			for _, e := range result.Errors {
				paths = append(paths, e.Path)
			}
			assert.Contains(t, paths, tt.path)
		})
	}
}

func TestProcessValidator_Adapters(t *testing.T) {
	v := newValidator(t, newMockLookup("command"))

	d := def(
		commandStep("a"),
		schema.StepDefinition{ID: "b", Kind: schema.StepKindAPI, Params: map[string]any{"adapter": "mcp.search", "tool": "index"}},
	)
	result := v.Validate(d)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeNotFound, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "mcp.search")
}

func TestProcessValidator_OutputsAndRetry(t *testing.T) {
	v := newValidator(t, nil)

	s := commandStep("a")
	s.Outputs = map[string]string{"bad": ".foo | [", "steps": "."}
	s.Retry = &schema.RetryPolicy{Max: 20, Delay: "2s", MaxDelay: "1s"}
	s.NonIdempotent = true

	result := v.Validate(def(s))
	assert.Len(t, result.Errors, 3, errorMessages(result))
	assert.Len(t, result.Warnings, 2)
}

func TestProcessValidator_Schedule(t *testing.T) {
	v := newValidator(t, nil)
	d := def(commandStep("a"))
	d.Schedule = "every tuesday"

	result := v.Validate(d)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "schedule", result.Errors[0].Path)
}

// --- Graph ---

func TestProcessValidator_Cycle(t *testing.T) {
	v := newValidator(t, nil)
	d := def(commandStep("a", "c"), commandStep("b", "a"), commandStep("c", "b"))

	err := v.ValidateDefinition(d)
	require.Error(t, err)

	var ce *resolver.CycleError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, []string{"a", "b", "c", "a"}, ce.Chain)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestProcessValidator_UnknownDependency(t *testing.T) {
	v := newValidator(t, nil)
	result := v.Validate(def(commandStep("a", "ghost")))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps.a", result.Errors[0].Path)
	assert.Contains(t, result.Errors[0].Message, "ghost")
}

func TestProcessValidator_CycleWithOtherErrors(t *testing.T) {
	v := newValidator(t, nil)
	bad := commandStep("b", "a")
	bad.Params = nil
	err := v.ValidateDefinition(def(commandStep("a", "b"), bad))

	var ce *resolver.CycleError
	assert.False(t, errors.As(err, &ce))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "dependency cycle")
}
