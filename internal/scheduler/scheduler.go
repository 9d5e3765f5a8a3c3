package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/synthesis-run/synthesis/internal/logging"
	"github.com/synthesis-run/synthesis/pkg/schema"
)

// DefaultInterval is how often due jobs are checked.
const DefaultInterval = 30 * time.Second

// Run statuses recorded on a job.
const (
	StatusStarted = "started"
	StatusError   = "error"
	StatusSkipped = "skipped" // the previous execution was still active
)

// Launcher is the part of the engine the scheduler drives. Satisfied by
// *engine.Engine (avoids import cycle).
type Launcher interface {
	Submit(ctx context.Context, def *schema.ProcessDefinition) (string, error)
	Start(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (*schema.ExecutionStatus, error)
}

// Job is a process definition registered for cron triggering.
type Job struct {
	ID              string                    `json:"id"`
	Definition      *schema.ProcessDefinition `json:"-"`
	CronExpression  string                    `json:"cron_expression"`
	Enabled         bool                      `json:"enabled"`
	NextRunAt       *time.Time                `json:"next_run_at,omitempty"`
	LastRunAt       *time.Time                `json:"last_run_at,omitempty"`
	LastRunStatus   string                    `json:"last_run_status,omitempty"`
	LastExecutionID string                    `json:"last_execution_id,omitempty"`
}

// Scheduler submits and starts registered definitions when their cron
// expression is due. A job whose previous execution is still active is
// skipped for that tick.
type Scheduler struct {
	launcher Launcher
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	jobsMu sync.Mutex
	jobs   map[string]*Job

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently launching (dedup)
}

// NewScheduler creates a new Scheduler. A non-positive interval uses
// DefaultInterval.
func NewScheduler(launcher Launcher, logger *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		launcher: launcher,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		jobs:     make(map[string]*Job),
		inflight: make(map[string]struct{}),
	}
}

// Register adds def as a job keyed by its process id, replacing any earlier
// registration. def.Schedule must be a valid cron expression.
func (s *Scheduler) Register(def *schema.ProcessDefinition) (*Job, error) {
	if def == nil || def.Schedule == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition has no schedule")
	}
	next, err := s.CalculateNextRun(def.Schedule, s.now())
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	job := &Job{
		ID:             def.ID,
		Definition:     def,
		CronExpression: def.Schedule,
		Enabled:        true,
		NextRunAt:      &next,
	}

	s.jobsMu.Lock()
	s.jobs[job.ID] = job
	s.jobsMu.Unlock()

	s.logger.Info("scheduled job registered",
		slog.String("job_id", job.ID),
		slog.String("cron", job.CronExpression),
		slog.Time("next_run_at", next),
	)
	cp := *job
	return &cp, nil
}

// Remove unregisters a job.
func (s *Scheduler) Remove(id string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %q not found", id)
	}
	delete(s.jobs, id)
	return nil
}

// SetEnabled enables or disables a job without removing it.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %q not found", id)
	}
	job.Enabled = enabled
	return nil
}

// Jobs returns a snapshot of all jobs sorted by id.
func (s *Scheduler) Jobs() []Job {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// due returns the enabled jobs whose next run is not after now.
func (s *Scheduler) due(now time.Time) []*Job {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	var out []*Job
	for _, job := range s.jobs {
		if job.Enabled && (job.NextRunAt == nil || !job.NextRunAt.After(now)) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// tick launches every due job.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	for _, job := range s.due(now) {
		if !s.tryAcquire(job.ID) {
			continue // already launching (dedup)
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to run scheduled job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		s.releaseJob(job.ID)
	}
}

// runJob submits and starts a fresh execution of the job's definition and
// updates its timestamps.
func (s *Scheduler) runJob(ctx context.Context, job *Job, now time.Time) error {
	s.jobsMu.Lock()
	def, lastID := job.Definition, job.LastExecutionID
	s.jobsMu.Unlock()

	if lastID != "" && s.active(ctx, lastID) {
		s.logger.Warn("scheduled job skipped, previous execution still active",
			slog.String("job_id", job.ID),
			slog.String("execution_id", lastID),
		)
		return s.updateJob(job, now, StatusSkipped, "")
	}

	id, err := s.launcher.Submit(ctx, def)
	if err == nil {
		err = s.launcher.Start(ctx, id)
	}
	if err != nil {
		s.logger.Error("scheduled job launch failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return s.updateJob(job, now, StatusError, id)
	}

	s.logger.InfoContext(logging.WithExecutionID(ctx, id), "scheduled job started",
		slog.String("job_id", job.ID),
	)
	return s.updateJob(job, now, StatusStarted, id)
}

// active reports whether execution id has not reached a terminal state.
// An execution the engine no longer knows about is not active.
func (s *Scheduler) active(ctx context.Context, id string) bool {
	st, err := s.launcher.Status(ctx, id)
	if err != nil {
		return false
	}
	return !st.State.IsTerminal()
}

func (s *Scheduler) updateJob(job *Job, now time.Time, status, executionID string) error {
	nextRun, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	job.LastRunAt = &now
	job.NextRunAt = &nextRun
	job.LastRunStatus = status
	if executionID != "" {
		job.LastExecutionID = executionID
	}
	return nil
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
