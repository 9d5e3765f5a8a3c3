package main

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synthesis-run/synthesis/internal/validation"
	"github.com/synthesis-run/synthesis/pkg/schema"
)

func TestExamples_Validate(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("..", "..", "examples", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	v, err := validation.NewProcessValidator(newConfiguredAdapters(defaultConfig()))
	require.NoError(t, err)

	for _, file := range files {
		t.Run(filepath.Base(file), func(t *testing.T) {
			def, err := schema.LoadDefinitionFile(file)
			require.NoError(t, err)
			result := v.Validate(def)
			assert.True(t, result.Valid(), "%+v", result.Errors)
		})
	}
}

func TestExamples_Release(t *testing.T) {
	rt := testRuntime(t)
	def, err := schema.LoadDefinitionFile(filepath.Join("..", "..", "examples", "release.yaml"))
	require.NoError(t, err)

	st, err := execute(context.Background(), rt, def, io.Discard, false)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionCompleted, st.State, st.Summary)

	deploy, _ := st.StepRun("deploy")
	assert.Equal(t, schema.StepSkipped, deploy.Status)
	dry, _ := st.StepRun("dry-run")
	assert.Equal(t, schema.StepSucceeded, dry.Status)
	announce, _ := st.StepRun("announce")
	assert.Equal(t, schema.StepSucceeded, announce.Status)
}

func TestExamples_Fleet(t *testing.T) {
	rt := testRuntime(t)
	def, err := schema.LoadDefinitionFile(filepath.Join("..", "..", "examples", "fleet.yaml"))
	require.NoError(t, err)

	st, err := execute(context.Background(), rt, def, io.Discard, false)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionCompleted, st.State, st.Summary)

	for _, id := range []string{"ping-all", "checks", "tally", "report-id"} {
		run, ok := st.StepRun(id)
		require.True(t, ok, id)
		assert.Equal(t, schema.StepSucceeded, run.Status, id)
	}
}
