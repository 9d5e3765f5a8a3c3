package engine

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synthesis-run/synthesis/pkg/schema"
)

func loopStep(id string, params map[string]any, body ...string) schema.StepDefinition {
	p := map[string]any{"body": toAnyList(body)}
	for k, v := range params {
		p[k] = v
	}
	return schema.StepDefinition{ID: id, Kind: schema.StepKindLoop, Params: p}
}

func toAnyList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func loopOutput(t *testing.T, st *schema.ExecutionStatus, id string) map[string]any {
	t.Helper()
	out, ok := runOf(t, st, id).Output.(map[string]any)
	require.True(t, ok, "loop %s has no output", id)
	return out
}

func iterations(t *testing.T, out map[string]any) []map[string]any {
	t.Helper()
	raw, ok := out["iterations"].([]any)
	require.True(t, ok)
	its := make([]map[string]any, len(raw))
	for i, r := range raw {
		its[i] = r.(map[string]any)
	}
	return its
}

func TestLoop_ForEach_ScopesDoNotLeak(t *testing.T) {
	env := newTestEnv(t)
	def := process("p",
		loopStep("each", map[string]any{"items": []any{1, 2, 3}}, "assign", "keep"),
		varStep("assign", "x", schema.ScopeStep, "{{ item }}"),
		varStep("keep", "last", "", "{{ x }}", "assign"),
	)
	st := env.run(t, def)
	require.Equal(t, schema.ExecutionCompleted, st.State, st.Summary)

	out := loopOutput(t, st, "each")
	assert.Equal(t, 3, out["count"])
	assert.Equal(t, 0, out["failed"])
	its := iterations(t, out)
	require.Len(t, its, 3)
	for i, it := range its {
		assert.Equal(t, i, it["index"])
		assert.Equal(t, i+1, it["item"])
		assert.Nil(t, it["error"])
		outputs := it["outputs"].(map[string]any)
		assert.Equal(t, i+1, outputs["assign"].(map[string]any)["value"])
	}

	cp := env.checkpoint(t, st.ExecutionID)
	assert.EqualValues(t, 3, cp.Variables.Process["last"])
	for _, name := range []string{"x", "item", "index"} {
		_, leaked := cp.Variables.Process[name]
		assert.False(t, leaked, "%s leaked into the process scope", name)
	}
	// Nested steps live in the loop output, not in the run list.
	_, listed := st.StepRun("assign")
	assert.False(t, listed)
}

func TestLoop_For_AccumulatesAcrossIterations(t *testing.T) {
	env := newTestEnv(t)
	add := schema.StepDefinition{ID: "add", Kind: schema.StepKindVariable, Params: map[string]any{
		"name": "total", "expression": "total + i",
	}}
	def := process("p",
		loopStep("sum", map[string]any{"mode": "for", "from": 1, "to": 5, "index_var": "i"}, "add"),
		add,
	)
	def.Variables = map[string]any{"total": 0}

	st := env.run(t, def)
	require.Equal(t, schema.ExecutionCompleted, st.State, st.Summary)
	assert.Equal(t, 4, loopOutput(t, st, "sum")["count"])
	assert.EqualValues(t, 10, env.checkpoint(t, st.ExecutionID).Variables.Process["total"])
}

func TestLoop_For_NegativeStep(t *testing.T) {
	env := newTestEnv(t)
	def := process("p",
		loopStep("down", map[string]any{"mode": "for", "from": 3, "to": 0, "step": -1}, "noop"),
		varStep("noop", "seen", schema.ScopeStep, "{{ index }}"),
	)
	st := env.run(t, def)
	its := iterations(t, loopOutput(t, st, "down"))
	require.Len(t, its, 3)
	assert.Equal(t, []any{3, 2, 1}, []any{its[0]["item"], its[1]["item"], its[2]["item"]})
}

func TestLoop_Count(t *testing.T) {
	env := newTestEnv(t)
	var calls atomic.Int32
	env.function(t, "tick", func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return nil, nil
	})
	st := env.run(t, process("p", loopStep("n", map[string]any{"count": 4}, "tick"), fnStep("tick", "tick")))
	require.Equal(t, schema.ExecutionCompleted, st.State)
	assert.EqualValues(t, 4, calls.Load())
}

func TestLoop_RangeLimit(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
		ok     bool
		calls  int32
	}{
		{"huge for range", map[string]any{"mode": "for", "from": 0, "to": 1 << 40}, false, 0},
		{"huge count", map[string]any{"count": 1 << 40}, false, 0},
		{"count over max_iterations", map[string]any{"count": 5, "max_iterations": 4}, false, 0},
		{"sparse for range", map[string]any{"mode": "for", "from": 0, "to": 1_000_000_000, "step": 100_000_000}, true, 10},
		{"count at max_iterations", map[string]any{"count": 4, "max_iterations": 4}, true, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			var calls atomic.Int32
			env.function(t, "tick", func(context.Context, map[string]any) (any, error) {
				calls.Add(1)
				return nil, nil
			})
			st := env.run(t, process("p", loopStep("n", tt.params, "tick"), fnStep("tick", "tick")))
			assert.Equal(t, tt.calls, calls.Load())
			if tt.ok {
				assert.Equal(t, schema.ExecutionCompleted, st.State, st.Summary)
				return
			}
			assert.Equal(t, schema.ExecutionFailed, st.State)
			run := runOf(t, st, "n")
			require.NotNil(t, run.Error)
			assert.Equal(t, schema.ErrCodeValidation, run.Error.Code)
			assert.Contains(t, run.Error.Message, "exceeds")
		})
	}
}

func TestRangeLen(t *testing.T) {
	tests := []struct {
		from, to, step int
		want           uint64
	}{
		{0, 5, 1, 5},
		{1, 5, 2, 2},
		{3, 0, -1, 3},
		{0, 0, 1, 0},
		{5, 0, 1, 0},
		{0, 5, -1, 0},
		{math.MinInt, math.MaxInt, math.MaxInt, 3},
		{math.MaxInt, math.MinInt, math.MinInt, 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rangeLen(tt.from, tt.to, tt.step), "%d..%d by %d", tt.from, tt.to, tt.step)
	}
}

func TestLoop_While(t *testing.T) {
	tests := []struct {
		name   string
		limit  int
		state  schema.ExecutionState
		count  int
		errMsg string
	}{
		{"stops when false", 0, schema.ExecutionCompleted, 3, ""},
		{"exceeds max iterations", 2, schema.ExecutionFailed, 2, "exceeded 2 iterations"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			params := map[string]any{"mode": "while", "condition": "index < 3"}
			if tt.limit > 0 {
				params["max_iterations"] = tt.limit
			}
			def := process("p",
				loopStep("w", params, "noop"),
				varStep("noop", "v", schema.ScopeStep, "{{ index }}"),
			)
			st := env.run(t, def)
			assert.Equal(t, tt.state, st.State)
			assert.Equal(t, tt.count, loopOutput(t, st, "w")["count"])
			if tt.errMsg != "" {
				assert.Contains(t, runOf(t, st, "w").Error.Message, tt.errMsg)
			}
		})
	}
}

func TestLoop_FailurePolicies(t *testing.T) {
	tests := []struct {
		policy string
		count  int
		msg    string
	}{
		{"abort", 2, "iteration 1 failed"},
		{"continue", 3, "1 of 3 iterations failed"},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			env := newTestEnv(t)
			env.function(t, "check", func(_ context.Context, args map[string]any) (any, error) {
				if args["n"] == 2 {
					return nil, errors.New("two is not allowed")
				}
				return args["n"], nil
			})
			body := fnStep("check", "check")
			body.Params["args"] = map[string]any{"n": "{{ item }}"}
			def := process("p",
				loopStep("each", map[string]any{"items": []any{1, 2, 3}, "failure_policy": tt.policy}, "check"),
				body,
			)

			st := env.run(t, def)
			assert.Equal(t, schema.ExecutionFailed, st.State)
			run := runOf(t, st, "each")
			require.NotNil(t, run.Error)
			assert.Equal(t, schema.ErrCodeStepFailed, run.Error.Code)
			assert.Contains(t, run.Error.Message, tt.msg)

			out := loopOutput(t, st, "each")
			assert.Equal(t, tt.count, out["count"])
			assert.Equal(t, 1, out["failed"])
			failed := iterations(t, out)[1]
			assert.NotNil(t, failed["error"])
		})
	}
}

func TestLoop_Parallel_BoundedFanOut(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.PoolSize = 1 })
	var running, peak atomic.Int32
	env.function(t, "work", func(_ context.Context, args map[string]any) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		running.Add(-1)
		return args["n"], nil
	})
	body := fnStep("work", "work")
	body.Params["args"] = map[string]any{"n": "{{ item }}"}
	def := process("p",
		loopStep("fan", map[string]any{"mode": "parallel", "items": []any{"a", "b", "c", "d", "e"}, "concurrency": 2}, "work"),
		body,
	)

	// The loop holds the only pool slot; its iterations must not need one.
	st := env.run(t, def)
	require.Equal(t, schema.ExecutionCompleted, st.State, st.Summary)
	assert.Equal(t, int32(2), peak.Load())

	its := iterations(t, loopOutput(t, st, "fan"))
	require.Len(t, its, 5)
	for i, it := range its {
		assert.Equal(t, i, it["index"])
		assert.Equal(t, it["item"], it["outputs"].(map[string]any)["work"])
	}
}

func TestLoop_Parallel_WritesInIterationOrder(t *testing.T) {
	env := newTestEnv(t)
	def := process("p",
		loopStep("fan", map[string]any{"mode": "parallel", "count": 4}, "set"),
		varStep("set", "last", "", "{{ index }}"),
	)
	st := env.run(t, def)
	require.Equal(t, schema.ExecutionCompleted, st.State, st.Summary)
	assert.EqualValues(t, 3, env.checkpoint(t, st.ExecutionID).Variables.Process["last"])
}

func TestLoop_ItemsFromVariable(t *testing.T) {
	env := newTestEnv(t)
	def := process("p",
		loopStep("each", map[string]any{"items": "{{ hosts }}", "item_var": "host"}, "ping"),
		cmdStep("ping", "echo {{ host }}"),
	)
	def.Variables = map[string]any{"hosts": []any{"a.local", "b.local"}}

	st := env.run(t, def)
	require.Equal(t, schema.ExecutionCompleted, st.State, st.Summary)
	its := iterations(t, loopOutput(t, st, "each"))
	require.Len(t, its, 2)
	ping := its[1]["outputs"].(map[string]any)["ping"].(map[string]any)
	assert.Equal(t, "b.local", ping["stdout"])
}

func TestLoop_ItemsNotAList(t *testing.T) {
	env := newTestEnv(t)
	def := process("p",
		loopStep("each", map[string]any{"items": "{{ host }}"}, "ping"),
		cmdStep("ping", "echo hi"),
	)
	def.Variables = map[string]any{"host": "single"}

	st := env.run(t, def)
	assert.Equal(t, schema.ExecutionFailed, st.State)
	assert.Equal(t, schema.ErrCodeValidation, runOf(t, st, "each").Error.Code)
}

func TestLoop_CancelStopsIterations(t *testing.T) {
	env := newTestEnv(t)
	b := newBlocker()
	env.function(t, "block", b.fn)
	ctx := context.Background()

	id, err := env.engine.Submit(ctx, process("p",
		loopStep("each", map[string]any{"count": 10}, "a"),
		blockStep("a"),
	))
	require.NoError(t, err)
	require.NoError(t, env.engine.Start(ctx, id))
	b.await(t, 1)

	require.NoError(t, env.engine.Cancel(ctx, id))
	st := env.wait(t, id)
	assert.Equal(t, schema.ExecutionCancelled, st.State)
	assert.Equal(t, schema.StepCancelled, runOf(t, st, "each").Status)
	assert.Equal(t, 1, loopOutput(t, st, "each")["count"])
}

// --- Parallel step ---

func TestParallel_RunsBranches(t *testing.T) {
	env := newTestEnv(t)
	b := newBlocker()
	env.function(t, "block", b.fn)

	par := schema.StepDefinition{ID: "par", Kind: schema.StepKindParallel, Params: map[string]any{
		"branches": []any{"a", "b", "c"},
	}}
	id, err := env.engine.Submit(context.Background(), process("p",
		par, blockStep("a"), blockStep("b"),
		varStep("c", "joined", "", "done", "a", "b"),
		cmdStep("after", "echo {{ joined }}", "par"),
	))
	require.NoError(t, err)
	require.NoError(t, env.engine.Start(context.Background(), id))

	// a and b run side by side inside the branch scope.
	b.await(t, 2)
	close(b.release)
	st := env.wait(t, id)
	require.Equal(t, schema.ExecutionCompleted, st.State, st.Summary)

	out := runOf(t, st, "par").Output.(map[string]any)
	assert.Equal(t, 0, out["failed"])
	branches := out["branches"].(map[string]any)
	assert.Len(t, branches, 3)
	assert.Equal(t, "done", runOf(t, st, "after").Output.(map[string]any)["stdout"])
}

func TestParallel_Concurrency(t *testing.T) {
	env := newTestEnv(t)
	var running, peak atomic.Int32
	env.function(t, "work", func(context.Context, map[string]any) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	})
	par := schema.StepDefinition{ID: "par", Kind: schema.StepKindParallel, Params: map[string]any{
		"branches": []any{"w1", "w2", "w3", "w4"}, "concurrency": 1,
	}}
	st := env.run(t, process("p", par, fnStep("w1", "work"), fnStep("w2", "work"), fnStep("w3", "work"), fnStep("w4", "work")))
	require.Equal(t, schema.ExecutionCompleted, st.State)
	assert.Equal(t, int32(1), peak.Load())
}

func TestParallel_BranchFailure(t *testing.T) {
	env := newTestEnv(t)
	par := schema.StepDefinition{ID: "par", Kind: schema.StepKindParallel, Params: map[string]any{
		"branches": []any{"ok", "bad", "dependent"},
	}}
	st := env.run(t, process("p",
		par,
		cmdStep("ok", "echo ok"),
		cmdStep("bad", "exit 4"),
		cmdStep("dependent", "echo never", "bad"),
	))
	assert.Equal(t, schema.ExecutionFailed, st.State)
	run := runOf(t, st, "par")
	assert.Equal(t, schema.StepFailed, run.Status)
	assert.Contains(t, run.Error.Message, "branch failed")
	assert.Equal(t, 1, run.Output.(map[string]any)["failed"])
}
