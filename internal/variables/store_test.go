package variables

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synthesis-run/synthesis/pkg/schema"
)

func TestStore_ShadowingResolvesMostSpecific(t *testing.T) {
	s := New(map[string]any{"env": "global", "region": "eu"}, map[string]any{"env": "process"})
	step := s.Child()
	step.Set("env", "step")

	v, ok := step.Get("env")
	require.True(t, ok)
	assert.Equal(t, "step", v)

	v, _ = s.Get("env")
	assert.Equal(t, "process", v, "parent frames never see step-local bindings")

	v, _ = step.Get("region")
	assert.Equal(t, "eu", v)

	_, ok = step.Get("missing")
	assert.False(t, ok)
}

func TestStore_SetAtTargetsScope(t *testing.T) {
	s := New(nil, nil)
	step := s.Child()

	require.NoError(t, step.SetAt(schema.ScopeProcess, "count", 3))
	require.NoError(t, step.SetAt(schema.ScopeGlobal, "tenant", "acme"))
	require.NoError(t, step.SetAt(schema.ScopeStep, "tmp", true))

	assert.Equal(t, map[string]any{"count": 3}, s.Local())
	_, ok := s.Get("tmp")
	assert.False(t, ok)
	v, _ := s.Get("tenant")
	assert.Equal(t, "acme", v)

	err := s.SetAt(schema.ScopeStep, "x", 1)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), "process frame has no step scope above it")
	assert.Error(t, step.SetAt(schema.ScopeStep, "", 1))
}

func TestStore_NestedStepFrames(t *testing.T) {
	s := New(nil, map[string]any{"items": []any{1, 2}})
	loop := s.Child()
	loop.Set("total", 0)
	iter := loop.Child()
	iter.Set("item", 1)

	require.NoError(t, iter.SetAt(schema.ScopeStep, "x", "iter"))
	_, ok := loop.Get("x")
	assert.False(t, ok, "nearest step frame is the iteration")

	v, _ := iter.Get("total")
	assert.Equal(t, 0, v)
}

func TestStore_LookupPaths(t *testing.T) {
	s := New(nil, map[string]any{
		"user":     map[string]any{"name": "ada", "roles": []any{"admin", "dev"}},
		"a.b":      "literal",
		"response": struct{ Code int }{Code: 201},
	})

	cases := []struct {
		path string
		want any
		ok   bool
	}{
		{"user.name", "ada", true},
		{"user.roles.1", "dev", true},
		{"user.roles.5", nil, false},
		{"user.roles.x", nil, false},
		{"a.b", "literal", true},
		{"response.Code", float64(201), true},
		{"user..name", nil, false},
		{"nope.field", nil, false},
		{" user.name ", "ada", true},
		{"", nil, false},
	}
	for _, tc := range cases {
		got, ok := s.Lookup(tc.path)
		assert.Equal(t, tc.ok, ok, tc.path)
		assert.Equal(t, tc.want, got, tc.path)
	}
}

func TestStore_ForkIsolation(t *testing.T) {
	s := New(map[string]any{"g": 1}, map[string]any{"cfg": map[string]any{"n": 1}})
	fork := s.Fork()

	require.NoError(t, fork.SetAt(schema.ScopeProcess, "new", true))
	cfg, _ := fork.Get("cfg")
	cfg.(map[string]any)["n"] = 2

	_, ok := s.Get("new")
	assert.False(t, ok)
	orig, _ := s.Lookup("cfg.n")
	assert.Equal(t, 1, orig)
	assert.Equal(t, schema.ScopeProcess, fork.Scope())
}

func TestStore_SnapshotAndExport(t *testing.T) {
	s := New(map[string]any{"a": "g", "b": "g"}, map[string]any{"b": "p"})
	step := s.Child()
	step.Set("c", "s")

	assert.Equal(t, map[string]any{"a": "g", "b": "p", "c": "s"}, step.Snapshot())
	assert.Equal(t, []string{"a", "b", "c"}, step.Names())

	snap := step.Export()
	assert.Equal(t, map[string]any{"a": "g", "b": "g"}, snap.Global)
	assert.Equal(t, map[string]any{"b": "p"}, snap.Process)

	restored := Restore(snap)
	v, _ := restored.Get("b")
	assert.Equal(t, "p", v)
}

func TestStore_Apply(t *testing.T) {
	s := New(nil, nil)
	require.NoError(t, s.Apply(Write{Scope: schema.ScopeProcess, Name: "x", Value: 42}))
	v, _ := s.Get("x")
	assert.Equal(t, 42, v)

	assert.Error(t, s.Apply(Write{Scope: "galaxy", Name: "x", Value: 1}))
	assert.True(t, ValidScope(schema.ScopeStep))
	assert.False(t, ValidScope("galaxy"))
}
