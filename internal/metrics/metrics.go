// Package metrics exports engine counters and durations to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "synthesis"

// Recorder owns the engine's Prometheus collectors and the registry they
// are registered with.
type Recorder struct {
	registry *prometheus.Registry

	stepsTotal        *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	stepRetries       *prometheus.CounterVec
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	executionsActive  prometheus.Gauge
	checkpointErrors  prometheus.Counter
}

// NewRecorder creates a Recorder backed by a fresh registry. Go runtime and
// process collectors are included.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewRecorderWithRegistry(reg)
}

// NewRecorderWithRegistry registers the engine collectors with reg.
func NewRecorderWithRegistry(reg *prometheus.Registry) *Recorder {
	r := &Recorder{
		registry: reg,
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Total number of finished steps",
		}, []string{"kind", "status"}), // status: succeeded, failed, skipped, cancelled
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of step execution in seconds, retries included",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"kind"}),
		stepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Total number of step retry attempts",
		}, []string{"kind"}),
		executionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of executions that reached a terminal state",
		}, []string{"state"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time from start to terminal state in seconds",
			Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900, 3600},
		}, []string{"state"}),
		executionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_active",
			Help:      "Number of executions currently running",
		}),
		checkpointErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_errors_total",
			Help:      "Total number of failed checkpoint saves",
		}),
	}
	reg.MustRegister(
		r.stepsTotal, r.stepDuration, r.stepRetries,
		r.executionsTotal, r.executionDuration, r.executionsActive,
		r.checkpointErrors,
	)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) StepFinished(kind, status string, d time.Duration) {
	r.stepsTotal.WithLabelValues(kind, status).Inc()
	if status != "skipped" {
		r.stepDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
}

func (r *Recorder) StepRetried(kind string) {
	r.stepRetries.WithLabelValues(kind).Inc()
}

func (r *Recorder) ExecutionStarted() {
	r.executionsActive.Inc()
}

// ExecutionStopped is called when a running execution leaves the running
// state, either paused or terminal.
func (r *Recorder) ExecutionStopped() {
	r.executionsActive.Dec()
}

func (r *Recorder) ExecutionFinished(state string, d time.Duration) {
	r.executionsTotal.WithLabelValues(state).Inc()
	r.executionDuration.WithLabelValues(state).Observe(d.Seconds())
}

func (r *Recorder) CheckpointFailed() {
	r.checkpointErrors.Inc()
}

// PoolStats is a point-in-time view of the step worker pool.
type PoolStats struct {
	Size, Active, Completed, Failed, Panics int64
}

// WatchPool exports the worker pool through stats, which is read on every
// scrape.
func (r *Recorder) WatchPool(stats func() PoolStats) {
	gauge := func(name, help string, pick func(PoolStats) int64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: name, Help: help,
		}, func() float64 { return float64(pick(stats())) })
	}
	counter := func(name, help string, pick func(PoolStats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: name, Help: help,
		}, func() float64 { return float64(pick(stats())) })
	}
	r.registry.MustRegister(
		gauge("size", "Worker pool capacity", func(s PoolStats) int64 { return s.Size }),
		gauge("active_jobs", "Step jobs currently running", func(s PoolStats) int64 { return s.Active }),
		counter("jobs_completed_total", "Step jobs that returned without error", func(s PoolStats) int64 { return s.Completed }),
		counter("jobs_failed_total", "Step jobs that returned an error or panicked", func(s PoolStats) int64 { return s.Failed }),
		counter("job_panics_total", "Step jobs that panicked", func(s PoolStats) int64 { return s.Panics }),
	)
}
