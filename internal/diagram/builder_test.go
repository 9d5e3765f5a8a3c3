package diagram

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synthesis-run/synthesis/internal/resolver"
	"github.com/synthesis-run/synthesis/pkg/schema"
)

// --- Test process builders ---

func after(ids ...string) []schema.StepDependency {
	deps := make([]schema.StepDependency, len(ids))
	for i, id := range ids {
		deps[i] = schema.StepDependency{Step: id}
	}
	return deps
}

func cmdStep(id string, deps ...string) schema.StepDefinition {
	return schema.StepDefinition{
		ID:        id,
		Kind:      schema.StepKindCommand,
		Params:    map[string]any{"command": "echo " + id},
		DependsOn: after(deps...),
	}
}

func linearProcess() *schema.ProcessDefinition {
	return &schema.ProcessDefinition{
		ID:   "etl",
		Name: "ETL Pipeline",
		Steps: []schema.StepDefinition{
			{ID: "fetch", Kind: schema.StepKindAPI, Params: map[string]any{"url": "https://example.com"}},
			{ID: "transform", Kind: schema.StepKindFunction, Params: map[string]any{"name": "normalize"}, DependsOn: after("fetch")},
			cmdStep("store", "transform"),
		},
	}
}

func conditionProcess() *schema.ProcessDefinition {
	return &schema.ProcessDefinition{
		ID: "release",
		Steps: []schema.StepDefinition{
			cmdStep("check"),
			{
				ID:        "decide",
				Kind:      schema.StepKindCondition,
				Params:    map[string]any{"expression": "steps.check.output.exit_code == 0", "then": []any{"deploy"}, "else": []any{"notify"}},
				DependsOn: after("check"),
			},
			cmdStep("deploy"),
			cmdStep("notify"),
		},
	}
}

func parallelProcess() *schema.ProcessDefinition {
	return &schema.ProcessDefinition{
		ID: "fan",
		Steps: []schema.StepDefinition{
			cmdStep("setup"),
			{
				ID:        "fan-out",
				Kind:      schema.StepKindParallel,
				Params:    map[string]any{"branches": []any{"a1", "b1"}},
				DependsOn: after("setup"),
			},
			cmdStep("a1"),
			cmdStep("b1"),
		},
	}
}

func loopProcess() *schema.ProcessDefinition {
	return &schema.ProcessDefinition{
		ID: "batch",
		Steps: []schema.StepDefinition{
			{ID: "iterate", Kind: schema.StepKindLoop, Params: map[string]any{"count": 3, "body": []any{"process"}}},
			cmdStep("process"),
		},
	}
}

func hasEdge(edges []Edge, from, to, label string) bool {
	for _, e := range edges {
		if e.From == from && e.To == to && e.Label == label {
			return true
		}
	}
	return false
}

// --- Tests ---

func TestBuildLinear(t *testing.T) {
	model, err := Build(linearProcess(), nil)
	require.NoError(t, err)

	assert.Equal(t, "ETL Pipeline", model.Title)
	require.Len(t, model.Nodes, 5)
	assert.Equal(t, StartID, model.Nodes[0].ID)
	assert.Equal(t, EndID, model.Nodes[4].ID)

	assert.Equal(t, NodeKindAPI, model.Find("fetch").Kind)
	assert.Equal(t, NodeKindFunction, model.Find("transform").Kind)
	assert.Equal(t, NodeKindCommand, model.Find("store").Kind)
	assert.Equal(t, "fetch\n(api)", model.Find("fetch").Label)

	assert.True(t, hasEdge(model.Edges, StartID, "fetch", ""))
	assert.True(t, hasEdge(model.Edges, "fetch", "transform", ""))
	assert.True(t, hasEdge(model.Edges, "transform", "store", ""))
	assert.True(t, hasEdge(model.Edges, "store", EndID, ""))
	assert.Len(t, model.Edges, 4)

	assert.Equal(t, [][]string{{StartID}, {"fetch"}, {"transform"}, {"store"}, {EndID}}, model.Levels)
}

func TestBuildConditionBranches(t *testing.T) {
	model, err := Build(conditionProcess(), nil)
	require.NoError(t, err)

	assert.Equal(t, "release", model.Title)
	assert.Equal(t, NodeKindCondition, model.Find("decide").Kind)
	assert.True(t, hasEdge(model.Edges, "decide", "deploy", "then"))
	assert.True(t, hasEdge(model.Edges, "decide", "notify", "else"))
	assert.True(t, hasEdge(model.Edges, "deploy", EndID, ""))
	assert.True(t, hasEdge(model.Edges, "notify", EndID, ""))

	assert.Equal(t, [][]string{{StartID}, {"check"}, {"decide"}, {"deploy", "notify"}, {EndID}}, model.Levels)
}

func TestBuildParallelSubGraph(t *testing.T) {
	model, err := Build(parallelProcess(), nil)
	require.NoError(t, err)

	// Branch steps live in the container's subgraph, not the top level.
	require.Len(t, model.Nodes, 4)
	fan := model.Find("fan-out")
	require.NotNil(t, fan)
	assert.Equal(t, NodeKindParallel, fan.Kind)
	require.Len(t, fan.Children, 1)
	assert.Equal(t, "branches", fan.Children[0].Label)
	assert.Len(t, fan.Children[0].Nodes, 2)
	assert.Empty(t, fan.Children[0].Edges)
	assert.NotNil(t, model.Find("a1"))
	assert.True(t, hasEdge(model.Edges, "fan-out", EndID, ""))
}

func TestBuildLoopBody(t *testing.T) {
	model, err := Build(loopProcess(), nil)
	require.NoError(t, err)

	loop := model.Find("iterate")
	require.NotNil(t, loop)
	assert.Equal(t, NodeKindLoop, loop.Kind)
	require.Len(t, loop.Children, 1)
	assert.Equal(t, "body", loop.Children[0].Label)
	assert.Equal(t, "process", loop.Children[0].Nodes[0].ID)
}

func TestBuildDependencyLabels(t *testing.T) {
	def := &schema.ProcessDefinition{
		ID: "labels",
		Steps: []schema.StepDefinition{
			cmdStep("a"),
			{ID: "b", Kind: schema.StepKindCommand, Params: map[string]any{"command": "true"},
				DependsOn: []schema.StepDependency{{Step: "a", Type: schema.StartToStart, Gate: schema.GateAlways}}},
			{ID: "cleanup", Kind: schema.StepKindCommand, Params: map[string]any{"command": "true"},
				DependsOn: []schema.StepDependency{{Step: "b", Gate: schema.GateOnFailure}}},
		},
	}
	model, err := Build(def, nil)
	require.NoError(t, err)

	assert.True(t, hasEdge(model.Edges, "a", "b", "start-to-start, always"))
	assert.True(t, hasEdge(model.Edges, "b", "cleanup", "on-failure"))
}

func TestBuildLevelsUseLongestChain(t *testing.T) {
	def := &schema.ProcessDefinition{
		ID:    "diamond",
		Steps: []schema.StepDefinition{cmdStep("c", "a", "b"), cmdStep("a"), cmdStep("b", "a")},
	}
	model, err := Build(def, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{StartID}, {"a"}, {"b"}, {"c"}, {EndID}}, model.Levels)
}

func TestBuildWithStatus(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(100 * time.Millisecond)
	status := &schema.ExecutionStatus{
		ExecutionID: "exec-1",
		State:       schema.ExecutionFailed,
		StepRuns: []schema.StepRun{
			{StepID: "fetch", Status: schema.StepSucceeded, StartedAt: &start, EndedAt: &end},
			{StepID: "transform", Status: schema.StepFailed, RetryCount: 2,
				Error: &schema.StepError{Code: schema.ErrCodeStepFailed, Message: "boom"}},
		},
	}

	model, err := Build(linearProcess(), status)
	require.NoError(t, err)

	fetch := model.Find("fetch").Status
	require.NotNil(t, fetch)
	assert.Equal(t, "succeeded", fetch.Status)
	assert.Equal(t, int64(100), fetch.DurationMs)

	transform := model.Find("transform").Status
	require.NotNil(t, transform)
	assert.Equal(t, "failed", transform.Status)
	assert.Equal(t, 2, transform.RetryCount)
	assert.Equal(t, "boom", transform.Error)

	assert.Nil(t, model.Find("store").Status)
}

func TestBuildRejectsCycle(t *testing.T) {
	def := &schema.ProcessDefinition{
		ID:    "cycle",
		Steps: []schema.StepDefinition{cmdStep("a", "b"), cmdStep("b", "a")},
	}
	_, err := Build(def, nil)
	require.Error(t, err)

	var cycle *resolver.CycleError
	assert.True(t, errors.As(err, &cycle))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
