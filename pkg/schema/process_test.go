package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStepDependency_Defaults(t *testing.T) {
	d := StepDependency{Step: "a"}
	assert.Equal(t, FinishToStart, d.EffectiveType())
	assert.Equal(t, GateOnSuccess, d.EffectiveGate())

	d = StepDependency{Step: "a", Type: StartToStart, Gate: GateAlways}
	assert.Equal(t, StartToStart, d.EffectiveType())
	assert.Equal(t, GateAlways, d.EffectiveGate())
}

func TestProcessDefinition_ErrorPolicyAndLookup(t *testing.T) {
	def := &ProcessDefinition{Steps: []StepDefinition{{ID: "a"}, {ID: "b"}}}
	assert.Equal(t, ErrorPolicyAbortAll, def.EffectiveErrorPolicy())

	def.ErrorPolicy = ErrorPolicyIsolate
	assert.Equal(t, ErrorPolicyIsolate, def.EffectiveErrorPolicy())

	s, ok := def.Step("b")
	assert.True(t, ok)
	assert.Equal(t, "b", s.ID)
	_, ok = def.Step("c")
	assert.False(t, ok)
}

func TestStepDefinition_OwnedAndBranchSteps(t *testing.T) {
	loop := StepDefinition{Kind: StepKindLoop, Params: map[string]any{"body": []any{"x", "y"}}}
	assert.Equal(t, []string{"x", "y"}, loop.OwnedSteps())

	par := StepDefinition{Kind: StepKindParallel, Params: map[string]any{"branches": []string{"p"}}}
	assert.Equal(t, []string{"p"}, par.OwnedSteps())

	cond := StepDefinition{Kind: StepKindCondition, Params: map[string]any{"then": "t", "else": []any{"e1", "e2"}}}
	then, otherwise := cond.BranchSteps()
	assert.Equal(t, []string{"t"}, then)
	assert.Equal(t, []string{"e1", "e2"}, otherwise)
	assert.Nil(t, cond.OwnedSteps())
}

func TestStepDefinition_AdapterName(t *testing.T) {
	assert.Equal(t, "command", (&StepDefinition{Kind: StepKindCommand}).AdapterName())
	assert.Equal(t, "api", (&StepDefinition{Kind: StepKindAPI}).AdapterName())
	assert.Equal(t, "function", (&StepDefinition{Kind: StepKindFunction}).AdapterName())
	assert.Equal(t, "", (&StepDefinition{Kind: StepKindVariable}).AdapterName())
	assert.Equal(t, "mcp.search", (&StepDefinition{Kind: StepKindAPI, Params: map[string]any{"adapter": "mcp.search"}}).AdapterName())
}

func TestStepDefinition_LoopMode(t *testing.T) {
	assert.Equal(t, LoopWhile, (&StepDefinition{Params: map[string]any{"mode": "while"}}).LoopMode())
	assert.Equal(t, LoopForEach, (&StepDefinition{Params: map[string]any{"items": []any{1}}}).LoopMode())
	assert.Equal(t, LoopCount, (&StepDefinition{Params: map[string]any{"count": 3}}).LoopMode())
	assert.Equal(t, "", (&StepDefinition{}).LoopMode())
}
