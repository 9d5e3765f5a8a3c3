package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synthesis-run/synthesis/pkg/schema"
)

// mockLauncher records Submit/Start calls and reports configurable states.
type mockLauncher struct {
	mu        sync.Mutex
	submitted []string // process ids
	started   []string // execution ids
	states    map[string]schema.ExecutionState
	submitErr error
	startErr  error
	seq       int
}

func newMockLauncher() *mockLauncher {
	return &mockLauncher{states: make(map[string]schema.ExecutionState)}
}

func (l *mockLauncher) Submit(_ context.Context, def *schema.ProcessDefinition) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.submitErr != nil {
		return "", l.submitErr
	}
	l.seq++
	id := fmt.Sprintf("exec-%d", l.seq)
	l.submitted = append(l.submitted, def.ID)
	l.states[id] = schema.ExecutionCreated
	return id, nil
}

func (l *mockLauncher) Start(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.startErr != nil {
		return l.startErr
	}
	l.started = append(l.started, id)
	l.states[id] = schema.ExecutionRunning
	return nil
}

func (l *mockLauncher) Status(_ context.Context, id string) (*schema.ExecutionStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.states[id]
	if !ok {
		return nil, schema.ErrNotFound
	}
	return &schema.ExecutionStatus{ExecutionID: id, State: st}, nil
}

func (l *mockLauncher) setState(id string, st schema.ExecutionState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states[id] = st
}

func (l *mockLauncher) startCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.started)
}

func newTestScheduler(l Launcher) *Scheduler {
	return NewScheduler(l, slog.Default(), time.Hour)
}

func scheduled(id, cronExpr string) *schema.ProcessDefinition {
	return &schema.ProcessDefinition{ID: id, Schedule: cronExpr}
}

// makeDue moves the job's next run into the past.
func makeDue(t *testing.T, s *Scheduler, id string) {
	t.Helper()
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	job, ok := s.jobs[id]
	require.True(t, ok)
	past := s.now().Add(-time.Hour)
	job.NextRunAt = &past
}

func jobOf(t *testing.T, s *Scheduler, id string) Job {
	t.Helper()
	for _, j := range s.Jobs() {
		if j.ID == id {
			return j
		}
	}
	t.Fatalf("job %q not registered", id)
	return Job{}
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(newMockLauncher())
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		expr string
		want time.Time
	}{
		{"0 * * * *", time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC)},
		{"0 0 * * *", time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)},
		{"@daily", time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			next, err := sched.CalculateNextRun(tt.expr, from)
			require.NoError(t, err)
			assert.Equal(t, tt.want, next)
		})
	}

	_, err := sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestRegister(t *testing.T) {
	sched := newTestScheduler(newMockLauncher())

	job, err := sched.Register(scheduled("nightly", "0 0 * * *"))
	require.NoError(t, err)
	assert.Equal(t, "nightly", job.ID)
	assert.True(t, job.Enabled)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.After(time.Now().UTC()))

	_, err = sched.Register(scheduled("broken", "not a cron"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = sched.Register(&schema.ProcessDefinition{ID: "unscheduled"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	assert.Len(t, sched.Jobs(), 1)
}

func TestTickLaunchesDueJobs(t *testing.T) {
	l := newMockLauncher()
	sched := newTestScheduler(l)
	_, err := sched.Register(scheduled("report", "0 * * * *"))
	require.NoError(t, err)
	makeDue(t, sched, "report")

	sched.tick(context.Background())

	assert.Equal(t, []string{"report"}, l.submitted)
	assert.Equal(t, []string{"exec-1"}, l.started)

	got := jobOf(t, sched, "report")
	assert.Equal(t, StatusStarted, got.LastRunStatus)
	assert.Equal(t, "exec-1", got.LastExecutionID)
	assert.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(*got.LastRunAt))
}

func TestTickSkipsNotDueJobs(t *testing.T) {
	l := newMockLauncher()
	sched := newTestScheduler(l)
	_, err := sched.Register(scheduled("report", "0 * * * *"))
	require.NoError(t, err)

	sched.tick(context.Background())
	assert.Equal(t, 0, l.startCount())
}

func TestDisabledJobsSkipped(t *testing.T) {
	l := newMockLauncher()
	sched := newTestScheduler(l)
	_, err := sched.Register(scheduled("report", "0 * * * *"))
	require.NoError(t, err)
	makeDue(t, sched, "report")
	require.NoError(t, sched.SetEnabled("report", false))

	sched.tick(context.Background())
	assert.Equal(t, 0, l.startCount())

	assert.True(t, schema.IsCode(sched.SetEnabled("missing", true), schema.ErrCodeNotFound))
}

func TestJobLaunchFailure(t *testing.T) {
	l := newMockLauncher()
	l.startErr = assert.AnError
	sched := newTestScheduler(l)
	_, err := sched.Register(scheduled("report", "0 * * * *"))
	require.NoError(t, err)
	makeDue(t, sched, "report")

	sched.tick(context.Background())

	got := jobOf(t, sched, "report")
	assert.Equal(t, StatusError, got.LastRunStatus)
	assert.NotNil(t, got.NextRunAt)
}

func TestOverlappingRunSkipped(t *testing.T) {
	l := newMockLauncher()
	sched := newTestScheduler(l)
	_, err := sched.Register(scheduled("report", "*/5 * * * *"))
	require.NoError(t, err)
	ctx := context.Background()

	makeDue(t, sched, "report")
	sched.tick(ctx)
	require.Equal(t, 1, l.startCount())

	// exec-1 is still running.
	makeDue(t, sched, "report")
	sched.tick(ctx)
	assert.Equal(t, 1, l.startCount())
	assert.Equal(t, StatusSkipped, jobOf(t, sched, "report").LastRunStatus)
	assert.Equal(t, "exec-1", jobOf(t, sched, "report").LastExecutionID)

	// Once it completes the next tick launches again.
	l.setState("exec-1", schema.ExecutionCompleted)
	makeDue(t, sched, "report")
	sched.tick(ctx)
	assert.Equal(t, 2, l.startCount())
	assert.Equal(t, "exec-2", jobOf(t, sched, "report").LastExecutionID)
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	l := newMockLauncher()
	sched := newTestScheduler(l)
	_, err := sched.Register(scheduled("report", "0 * * * *"))
	require.NoError(t, err)
	makeDue(t, sched, "report")

	// Pre-acquire the job to simulate an in-flight launch.
	assert.True(t, sched.tryAcquire("report"))

	sched.tick(context.Background())
	assert.Equal(t, 0, l.startCount())

	sched.releaseJob("report")
	sched.tick(context.Background())
	assert.Equal(t, 1, l.startCount())
}

func TestRemove(t *testing.T) {
	l := newMockLauncher()
	sched := newTestScheduler(l)
	_, err := sched.Register(scheduled("report", "0 * * * *"))
	require.NoError(t, err)
	makeDue(t, sched, "report")

	require.NoError(t, sched.Remove("report"))
	sched.tick(context.Background())
	assert.Equal(t, 0, l.startCount())
	assert.True(t, schema.IsCode(sched.Remove("report"), schema.ErrCodeNotFound))
}

func TestStartStop(t *testing.T) {
	sched := newTestScheduler(newMockLauncher())
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	// Double start should error.
	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())

	// Stop again should be a no-op.
	require.NoError(t, sched.Stop())
}

func TestLoopLaunchesOnInterval(t *testing.T) {
	l := newMockLauncher()
	sched := NewScheduler(l, slog.Default(), 10*time.Millisecond)
	_, err := sched.Register(scheduled("report", "0 * * * *"))
	require.NoError(t, err)
	makeDue(t, sched, "report")

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	assert.Eventually(t, func() bool { return l.startCount() == 1 }, time.Second, 5*time.Millisecond)
}
