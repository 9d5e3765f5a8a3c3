package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Steps(t *testing.T) {
	r := NewRecorderWithRegistry(prometheus.NewRegistry())

	r.StepFinished("command", "succeeded", 200*time.Millisecond)
	r.StepFinished("command", "succeeded", time.Second)
	r.StepFinished("api", "failed", 50*time.Millisecond)
	r.StepFinished("api", "skipped", 0)
	r.StepRetried("api")
	r.StepRetried("api")

	assert.Equal(t, float64(2), testutil.ToFloat64(r.stepsTotal.WithLabelValues("command", "succeeded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.stepsTotal.WithLabelValues("api", "failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.stepsTotal.WithLabelValues("api", "skipped")))
	assert.Equal(t, float64(2), testutil.ToFloat64(r.stepRetries.WithLabelValues("api")))
	assert.Equal(t, 2, testutil.CollectAndCount(r.stepDuration))
}

func TestRecorder_Executions(t *testing.T) {
	r := NewRecorderWithRegistry(prometheus.NewRegistry())

	r.ExecutionStarted()
	r.ExecutionStarted()
	assert.Equal(t, float64(2), testutil.ToFloat64(r.executionsActive))

	r.ExecutionStopped()
	r.ExecutionFinished("completed", 3*time.Second)
	assert.Equal(t, float64(1), testutil.ToFloat64(r.executionsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.executionsTotal.WithLabelValues("completed")))

	r.CheckpointFailed()
	assert.Equal(t, float64(1), testutil.ToFloat64(r.checkpointErrors))
}

func TestRecorder_Handler(t *testing.T) {
	r := NewRecorder()
	r.StepFinished("variable", "succeeded", time.Millisecond)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `synthesis_steps_total{kind="variable",status="succeeded"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestRecorder_WatchPool(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorderWithRegistry(reg)
	stats := PoolStats{Size: 8, Active: 2, Completed: 10, Failed: 3, Panics: 1}
	r.WatchPool(func() PoolStats { return stats })

	expected := `
# HELP synthesis_pool_active_jobs Step jobs currently running
# TYPE synthesis_pool_active_jobs gauge
synthesis_pool_active_jobs 2
# HELP synthesis_pool_job_panics_total Step jobs that panicked
# TYPE synthesis_pool_job_panics_total counter
synthesis_pool_job_panics_total 1
# HELP synthesis_pool_size Worker pool capacity
# TYPE synthesis_pool_size gauge
synthesis_pool_size 8
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"synthesis_pool_active_jobs", "synthesis_pool_job_panics_total", "synthesis_pool_size"))

	// Values are read at scrape time.
	stats.Completed = 11
	n, err := testutil.GatherAndCount(reg, "synthesis_pool_jobs_completed_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == "synthesis_pool_jobs_completed_total" {
			assert.Equal(t, float64(11), mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
}
