package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/synthesis-run/synthesis/internal/logging"
	"github.com/synthesis-run/synthesis/internal/resolver"
	"github.com/synthesis-run/synthesis/internal/variables"
	"github.com/synthesis-run/synthesis/pkg/schema"
)

// dispatchRetryInterval is how often a loop retries dispatch while ready
// steps wait for pool slots held by other executions.
const dispatchRetryInterval = 20 * time.Millisecond

// stepsVar is the reserved process variable holding step results.
const stepsVar = "steps"

type command int

const (
	cmdPause command = iota + 1
	cmdResume
	cmdCancel
)

func (c command) String() string {
	switch c {
	case cmdPause:
		return "pause"
	case cmdResume:
		return "resume"
	case cmdCancel:
		return "cancel"
	}
	return "unknown"
}

// execution is the ExecutionContext of one process instance. Everything
// below mu is guarded by it; while looping, only the loop goroutine mutates
// step runs and variables.
type execution struct {
	id        string
	def       *schema.ProcessDefinition
	graph     *resolver.Graph
	createdAt time.Time

	mu        sync.Mutex
	state     schema.ExecutionState
	vars      *variables.Store
	runs      map[string]*schema.StepRun
	held      map[string]workerReport // finished work waiting on finish-to-finish predecessors
	seq       uint64
	summary   string
	startedAt *time.Time
	endedAt   *time.Time

	looping    bool
	pausing    bool
	cancelling bool
	aborting   bool
	degraded   bool
	cmds       chan command
	changed    chan struct{}
	cancelRun  context.CancelFunc
}

func newExecution(id string, def *schema.ProcessDefinition, graph *resolver.Graph, vars *variables.Store) *execution {
	x := &execution{
		id:        id,
		def:       def,
		graph:     graph,
		createdAt: time.Now().UTC(),
		state:     schema.ExecutionCreated,
		vars:      vars,
		runs:      make(map[string]*schema.StepRun, graph.Len()),
		held:      make(map[string]workerReport),
		changed:   make(chan struct{}),
		cancelRun: func() {},
	}
	for _, sid := range graph.IDs() {
		x.runs[sid] = &schema.StepRun{StepID: sid, Status: schema.StepPending}
	}
	return x
}

func (x *execution) logContext() context.Context {
	ctx := logging.WithExecutionID(context.Background(), x.id)
	return logging.WithProcessID(ctx, x.def.ID)
}

// send wakes the loop. The flags set by the caller carry the command, so a
// full channel loses nothing.
func (x *execution) send(c command) {
	select {
	case x.cmds <- c:
	default:
	}
}

func (x *execution) broadcast() {
	close(x.changed)
	x.changed = make(chan struct{})
}

func (x *execution) dispatching() bool {
	return !x.pausing && !x.cancelling && !x.aborting && !x.degraded
}

func (x *execution) status() *schema.ExecutionStatus {
	st := &schema.ExecutionStatus{
		ExecutionID: x.id,
		ProcessID:   x.def.ID,
		State:       x.state,
		StepRuns:    x.stepRuns(),
		Summary:     x.summary,
		CreatedAt:   x.createdAt,
		StartedAt:   x.startedAt,
		EndedAt:     x.endedAt,
	}
	return st
}

// stepRuns copies the runs in declaration order.
func (x *execution) stepRuns() []schema.StepRun {
	out := make([]schema.StepRun, 0, len(x.runs))
	for _, id := range x.graph.IDs() {
		if r, ok := x.runs[id]; ok {
			out = append(out, *r)
		}
	}
	return out
}

func (x *execution) step(id string) *schema.StepDefinition {
	s, _ := x.def.Step(id)
	return s
}

// --- Loop ---

type reportKind int

const (
	reportDone reportKind = iota
	reportRetry
	reportDetached
)

// workerReport is what workers send to the loop: a finished step, or a
// notice about a step still in progress.
type workerReport struct {
	kind    reportKind
	stepID  string
	result  *StepResult
	err     error
	retries int
	delay   time.Duration
	started time.Time
	ended   time.Time
}

type loopState struct {
	results  chan workerReport
	inflight int
	stalled  bool
	dirty    bool
}

// startLoop starts the loop goroutine of x. x.mu must be held.
func (e *Engine) startLoop(x *execution) {
	runCtx, cancel := context.WithCancel(x.logContext())
	x.cancelRun = cancel
	x.looping = true
	x.pausing = false
	x.cancelling = false
	x.cmds = make(chan command, 8)
	if id := e.unhandledFailure(x); id != "" {
		x.aborting = true
		cancel()
	}

	ls := &loopState{
		results: make(chan workerReport, 4*e.pool.Size()),
		dirty:   true,
	}
	e.loops.Add(1)
	go e.run(runCtx, x, ls, x.cmds)
}

func (e *Engine) run(ctx context.Context, x *execution, ls *loopState, cmds <-chan command) {
	defer e.loops.Done()

	for {
		x.mu.Lock()
		e.advance(ctx, x, ls)
		done := e.settle(x, ls)
		stalled := ls.stalled
		x.mu.Unlock()
		if done {
			return
		}

		var (
			timer *time.Timer
			retry <-chan time.Time
		)
		if stalled {
			timer = time.NewTimer(dispatchRetryInterval)
			retry = timer.C
		}

		select {
		case r := <-ls.results:
			x.mu.Lock()
			e.handleReport(x, ls, r)
			for drained := false; !drained; {
				select {
				case r := <-ls.results:
					e.handleReport(x, ls, r)
				default:
					drained = true
				}
			}
			x.mu.Unlock()
		case c := <-cmds:
			e.log.DebugContext(x.logContext(), "execution command", slog.String("command", c.String()))
		case <-retry:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// advance marks skips and ready steps, checkpoints and dispatches as many
// ready steps as the pool has room for. Dispatching can make start-to-start
// successors ready, so it repeats until nothing more starts. x.mu must be
// held.
func (e *Engine) advance(ctx context.Context, x *execution, ls *loopState) {
	for e.dispatch(ctx, x, ls) {
	}
}

// dispatch runs one scheduling round and reports whether any step started.
func (e *Engine) dispatch(ctx context.Context, x *execution, ls *loopState) bool {
	ls.stalled = false
	if !x.dispatching() {
		e.flush(x, ls)
		return false
	}

	e.releaseHeld(x)
	for {
		plan := x.graph.ReadySet(x.runs)
		if plan.Empty() {
			break
		}
		for _, id := range plan.Skip {
			e.skipStep(x, id, "dependency not satisfied")
		}
		for _, id := range plan.Ready {
			x.runs[id].Status = schema.StepReady
		}
		ls.dirty = true
		e.releaseHeld(x)
	}

	var ready []string
	for _, id := range x.graph.IDs() {
		if x.runs[id].Status == schema.StepReady {
			ready = append(ready, id)
		}
	}
	free := e.pool.Free()
	if len(ready) == 0 || free == 0 {
		e.flush(x, ls)
		ls.stalled = len(ready) > 0
		return false
	}
	if len(ready) > free {
		ready = ready[:free]
	}

	// Jobs wait on gate until the checkpoint recording them as running is
	// saved; launch tells them whether to run at all.
	gate := make(chan struct{})
	launch := false
	var submitted []string
	for _, id := range ready {
		if !e.pool.TrySubmit(ctx, e.stepJob(x, id, ls.results, gate, &launch)) {
			break
		}
		submitted = append(submitted, id)
	}
	if len(submitted) == 0 {
		close(gate)
		e.flush(x, ls)
		ls.stalled = true
		return false
	}

	now := time.Now().UTC()
	for _, id := range submitted {
		run := x.runs[id]
		run.Status = schema.StepRunning
		run.StartedAt = &now
	}
	if err := e.saveCheckpoint(x.logContext(), x); err != nil {
		for _, id := range submitted {
			run := x.runs[id]
			run.Status = schema.StepReady
			run.StartedAt = nil
		}
		close(gate)
		e.degrade(x, err)
		return false
	}
	launch = true
	close(gate)
	ls.dirty = false
	ls.inflight += len(submitted)

	for _, id := range submitted {
		e.emit(x, id, schema.EventStepStarted, map[string]any{"kind": string(x.step(id).Kind)})
		e.log.InfoContext(e.logContext(x, id), "step started")
	}
	ls.stalled = countStatus(x, schema.StepReady) > 0
	return true
}

func countStatus(x *execution, s schema.StepStatus) int {
	n := 0
	for _, r := range x.runs {
		if r.Status == s {
			n++
		}
	}
	return n
}

// flush checkpoints a pending batch of transitions.
func (e *Engine) flush(x *execution, ls *loopState) {
	if !ls.dirty || x.degraded {
		return
	}
	if err := e.saveCheckpoint(x.logContext(), x); err != nil {
		e.degrade(x, err)
		return
	}
	ls.dirty = false
}

// degrade stops dispatching after a checkpoint failure. The loop pauses once
// in-flight steps drain.
func (e *Engine) degrade(x *execution, err error) {
	if x.degraded {
		return
	}
	x.degraded = true
	e.metrics.CheckpointFailed()
	e.emit(x, "", schema.EventExecutionDegraded, map[string]any{"error": err.Error()})
	e.log.ErrorContext(x.logContext(), "checkpoint failed, execution degraded", slog.String("error", err.Error()))
}

// settle decides whether the loop is done. x.mu must be held.
func (e *Engine) settle(x *execution, ls *loopState) bool {
	if ls.inflight > 0 {
		return false
	}
	ctx := x.logContext()
	switch {
	case x.cancelling:
		_ = e.finalize(ctx, x, ls, schema.ExecutionCancelled)
		return true
	case x.aborting:
		_ = e.finalize(ctx, x, ls, schema.ExecutionFailed)
		return true
	case x.degraded || x.pausing:
		e.pauseLoop(ctx, x, ls)
		return true
	}

	allTerminal := true
	for _, r := range x.runs {
		if !r.Status.IsTerminal() {
			allTerminal = false
			break
		}
	}
	if allTerminal {
		_ = e.finalize(ctx, x, ls, schema.ExecutionCompleted)
		return true
	}
	if !ls.stalled && countStatus(x, schema.StepReady) == 0 && len(x.held) == 0 {
		e.log.ErrorContext(ctx, "no runnable steps left")
		x.aborting = true
		_ = e.finalize(ctx, x, ls, schema.ExecutionFailed)
		return true
	}
	return false
}

func (e *Engine) pauseLoop(ctx context.Context, x *execution, ls *loopState) {
	if err := e.transition(x, schema.ExecutionPaused, nil); err != nil {
		e.log.ErrorContext(ctx, "pause transition rejected", slog.String("error", err.Error()))
	}
	if !x.degraded {
		if err := e.saveCheckpoint(ctx, x); err != nil {
			e.degrade(x, err)
		}
	}
	x.pausing = false
	x.looping = false
	x.cancelRun()
	x.broadcast()
	e.log.InfoContext(ctx, "execution paused", slog.Bool("degraded", x.degraded))
}

// finalize moves x to a terminal state: held work is finished, remaining
// steps are skipped and the result is checkpointed. x.mu must be held.
func (e *Engine) finalize(ctx context.Context, x *execution, ls *loopState, to schema.ExecutionState) error {
	for _, id := range x.graph.IDs() {
		if r, ok := x.held[id]; ok {
			delete(x.held, id)
			e.finishStep(x, r)
		}
	}
	for _, id := range x.graph.IDs() {
		if canSkip(x.runs[id].Status) {
			e.skipStep(x, id, "execution "+string(to))
		}
	}

	now := time.Now().UTC()
	x.endedAt = &now
	x.summary = summarize(x, to)
	if err := e.transition(x, to, map[string]any{"summary": x.summary}); err != nil {
		e.log.ErrorContext(ctx, "final transition rejected", slog.String("error", err.Error()))
		return err
	}

	saveErr := e.saveCheckpoint(ctx, x)
	if saveErr != nil {
		e.metrics.CheckpointFailed()
		e.log.ErrorContext(ctx, "final checkpoint failed", slog.String("error", saveErr.Error()))
	}

	began := x.createdAt
	if x.startedAt != nil {
		began = *x.startedAt
	}
	e.metrics.ExecutionFinished(string(to), now.Sub(began))

	x.pausing = false
	x.looping = false
	x.cancelRun()
	x.broadcast()
	if ls != nil {
		ls.dirty = false
	}

	e.log.InfoContext(ctx, "execution finished", slog.String("state", string(to)), slog.String("summary", x.summary))
	return saveErr
}

// unhandledFailure returns the first failed step that aborts the execution
// under the abort-all policy.
func (e *Engine) unhandledFailure(x *execution) string {
	if x.def.EffectiveErrorPolicy() != schema.ErrorPolicyAbortAll {
		return ""
	}
	for _, id := range x.graph.IDs() {
		if x.runs[id].Status == schema.StepFailed && !x.graph.HandlesFailure(id) {
			return id
		}
	}
	return ""
}

// --- Reports ---

func (e *Engine) handleReport(x *execution, ls *loopState, r workerReport) {
	ctx := e.logContext(x, r.stepID)
	kind := ""
	if s := x.step(r.stepID); s != nil {
		kind = string(s.Kind)
	}

	switch r.kind {
	case reportRetry:
		if run, ok := x.runs[r.stepID]; ok && run.Status == schema.StepRunning {
			run.RetryCount = r.retries
		}
		payload := map[string]any{"retry": r.retries, "delay_ms": r.delay.Milliseconds()}
		if r.err != nil {
			payload["error"] = r.err.Error()
		}
		e.emit(x, r.stepID, schema.EventStepRetrying, payload)
		e.metrics.StepRetried(kind)
		e.log.WarnContext(ctx, "step retrying", slog.Int("retry", r.retries), slog.Duration("delay", r.delay), slog.Any("error", r.err))
		ls.dirty = true

	case reportDetached:
		e.emit(x, r.stepID, schema.EventStepDetached, map[string]any{"grace_ms": e.cfg.DetachGrace.Milliseconds()})

	case reportDone:
		ls.inflight--
		ls.dirty = true
		run, ok := x.runs[r.stepID]
		if !ok || run.Status != schema.StepRunning {
			e.log.ErrorContext(ctx, "result for a step that is not running")
			return
		}
		if !x.graph.CanFinish(r.stepID, x.runs) {
			x.held[r.stepID] = r
			return
		}
		e.finishStep(x, r)
		e.releaseHeld(x)
	}
}

// releaseHeld finishes held steps whose finish-to-finish predecessors are
// now terminal.
func (e *Engine) releaseHeld(x *execution) {
	for progress := true; progress && len(x.held) > 0; {
		progress = false
		for _, id := range x.graph.IDs() {
			r, ok := x.held[id]
			if !ok || !x.graph.CanFinish(id, x.runs) {
				continue
			}
			delete(x.held, id)
			e.finishStep(x, r)
			progress = true
		}
	}
}

func outcomeStatus(err error) schema.StepStatus {
	switch {
	case err == nil:
		return schema.StepSucceeded
	case schema.IsCode(err, schema.ErrCodeCancelled):
		return schema.StepCancelled
	default:
		return schema.StepFailed
	}
}

// finishStep applies a finished step: its terminal status, its writes and
// the branches it deselected.
func (e *Engine) finishStep(x *execution, r workerReport) {
	ctx := e.logContext(x, r.stepID)
	run := x.runs[r.stepID]
	step := x.step(r.stepID)
	status := outcomeStatus(r.err)

	ev, err := e.steps.Transition(r.stepID, run.Status, status)
	if err != nil {
		e.log.ErrorContext(ctx, "step transition rejected", slog.String("error", err.Error()))
		return
	}
	ended := r.ended
	run.Status = status
	run.EndedAt = &ended
	run.RetryCount = r.retries
	if r.result != nil {
		run.Output = r.result.Output
	}
	run.Error = schema.NewStepError(r.err)

	duration := r.ended.Sub(r.started)
	payload := map[string]any{"duration_ms": duration.Milliseconds()}

	if status == schema.StepSucceeded && r.result != nil {
		for _, w := range r.result.Writes {
			// Step scope ends with the step.
			if w.Scope == schema.ScopeStep {
				continue
			}
			if err := x.vars.Apply(w); err != nil {
				e.log.WarnContext(ctx, "variable write rejected", slog.String("name", w.Name), slog.String("error", err.Error()))
			}
		}
		for _, id := range r.result.Skip {
			if other, ok := x.runs[id]; ok && canSkip(other.Status) {
				e.skipStep(x, id, "branch not selected")
			}
		}
	}
	if run.Error != nil {
		payload["error"] = run.Error
	}
	if run.RetryCount > 0 {
		payload["retries"] = run.RetryCount
	}

	e.recordStep(x, r.stepID)
	e.emit(x, r.stepID, ev, payload)
	e.metrics.StepFinished(string(step.Kind), string(status), duration)

	if status == schema.StepFailed {
		e.log.WarnContext(ctx, "step failed", slog.String("error", r.err.Error()), slog.Int("retries", run.RetryCount))
		if x.def.EffectiveErrorPolicy() == schema.ErrorPolicyAbortAll && !x.graph.HandlesFailure(r.stepID) && !x.aborting {
			x.aborting = true
			x.cancelRun()
			e.log.WarnContext(ctx, "unhandled step failure, aborting execution")
		}
		return
	}
	e.log.InfoContext(ctx, "step finished", slog.String("status", string(status)), slog.Duration("duration", duration))
}

func (e *Engine) skipStep(x *execution, id, reason string) {
	run := x.runs[id]
	ev, err := e.steps.Transition(id, run.Status, schema.StepSkipped)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	run.Status = schema.StepSkipped
	run.EndedAt = &now
	e.recordStep(x, id)
	e.emit(x, id, ev, map[string]any{"reason": reason})
	if s := x.step(id); s != nil {
		e.metrics.StepFinished(string(s.Kind), string(schema.StepSkipped), 0)
	}
}

// recordStep publishes the run of a terminal step into the reserved steps
// variable.
func (e *Engine) recordStep(x *execution, id string) {
	run := x.runs[id]
	var steps map[string]any
	if v, ok := x.vars.Get(stepsVar); ok {
		steps, _ = v.(map[string]any)
	}
	if steps == nil {
		steps = make(map[string]any)
	}
	steps[id] = stepEntry(run)
	if err := x.vars.SetAt(schema.ScopeProcess, stepsVar, steps); err != nil {
		e.log.WarnContext(x.logContext(), "record step result", slog.String("error", err.Error()))
	}
}

func stepEntry(run *schema.StepRun) map[string]any {
	entry := map[string]any{"status": string(run.Status), "output": run.Output}
	if run.Error != nil {
		entry["error"] = map[string]any{"code": run.Error.Code, "message": run.Error.Message}
	}
	return entry
}

// --- Events and checkpoints ---

// emit publishes an event with the next sequence number. x.mu must be held.
func (e *Engine) emit(x *execution, stepID string, typ schema.EventType, payload map[string]any) {
	x.seq++
	ev := schema.Event{
		ExecutionID: x.id,
		StepID:      stepID,
		Sequence:    x.seq,
		Type:        typ,
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
	}
	ctx := x.logContext()
	if err := e.deps.Events.Publish(ctx, ev); err != nil {
		e.log.WarnContext(ctx, "publish event", slog.String("type", string(typ)), slog.String("error", err.Error()))
	}
	if e.deps.EventLog != nil {
		if err := e.deps.EventLog.AppendEvent(ctx, ev); err != nil {
			e.log.WarnContext(ctx, "append event", slog.String("type", string(typ)), slog.String("error", err.Error()))
		}
	}
}

// saveCheckpoint persists x. x.mu must be held.
func (e *Engine) saveCheckpoint(ctx context.Context, x *execution) error {
	cp := schema.Checkpoint{
		ExecutionID:  x.id,
		Definition:   x.def,
		State:        x.state,
		Variables:    x.vars.Export(),
		StepRuns:     x.stepRuns(),
		Sequence:     x.seq,
		Summary:      x.summary,
		CreatedAt:    x.createdAt,
		StartedAt:    x.startedAt,
		EndedAt:      x.endedAt,
		CheckpointAt: time.Now().UTC(),
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeCheckpoint, "encode checkpoint: %v", err).
			WithCause(err).WithDetails(map[string]any{"execution_id": x.id})
	}
	if err := e.deps.Checkpoints.Save(ctx, x.id, data); err != nil {
		return schema.NewErrorf(schema.ErrCodeCheckpoint, "save checkpoint: %v", err).
			WithCause(err).WithDetails(map[string]any{"execution_id": x.id})
	}
	return nil
}

// restore rebuilds an execution from its checkpoint and registers it. Ready
// and interrupted running steps go back to pending, except non-idempotent
// ones, which fail for manual intervention. A running execution comes back
// paused.
func (e *Engine) restore(ctx context.Context, id string) (*execution, error) {
	data, err := e.deps.Checkpoints.Load(ctx, id)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id).
				WithCause(err).WithDetails(map[string]any{"execution_id": id})
		}
		return nil, schema.NewErrorf(schema.ErrCodeCheckpoint, "load checkpoint: %v", err).
			WithCause(err).WithDetails(map[string]any{"execution_id": id})
	}

	var cp schema.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpoint, "decode checkpoint: %v", err).
			WithCause(err).WithDetails(map[string]any{"execution_id": id})
	}
	if cp.Definition == nil {
		return nil, schema.NewError(schema.ErrCodeCheckpoint, "checkpoint has no definition").
			WithDetails(map[string]any{"execution_id": id})
	}
	graph, err := resolver.Build(cp.Definition)
	if err != nil {
		return nil, err
	}

	x := newExecution(id, cp.Definition, graph, variables.Restore(cp.Variables))
	x.createdAt = cp.CreatedAt
	x.state = cp.State
	x.seq = e.lastSequence(ctx, id, cp.Sequence)
	x.summary = cp.Summary
	x.startedAt = cp.StartedAt
	x.endedAt = cp.EndedAt
	for i := range cp.StepRuns {
		r := cp.StepRuns[i]
		if _, ok := x.runs[r.StepID]; ok {
			x.runs[r.StepID] = &r
		}
	}

	if !x.state.IsTerminal() && x.state != schema.ExecutionCreated {
		now := time.Now().UTC()
		for _, sid := range graph.IDs() {
			run := x.runs[sid]
			switch run.Status {
			case schema.StepReady:
				run.Status = schema.StepPending
			case schema.StepRunning:
				if step := x.step(sid); step != nil && step.NonIdempotent {
					run.Status = schema.StepFailed
					run.EndedAt = &now
					run.Error = &schema.StepError{
						Code:    schema.ErrCodeManualIntervention,
						Message: "non-idempotent step was interrupted while running",
					}
					e.recordStep(x, sid)
					continue
				}
				run.Status = schema.StepPending
				run.StartedAt = nil
			}
		}
		x.state = schema.ExecutionPaused
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.executions[id]; ok {
		return existing, nil
	}
	e.executions[id] = x
	e.log.InfoContext(x.logContext(), "execution restored", slog.String("state", string(x.state)))
	return x, nil
}

// lastSequence returns the highest event sequence handed out for id. Events
// emitted after the last checkpoint are only in the event log.
func (e *Engine) lastSequence(ctx context.Context, id string, checkpointed uint64) uint64 {
	last := checkpointed
	if e.deps.EventLog == nil {
		return last
	}
	later, err := e.deps.EventLog.Events(ctx, id, checkpointed)
	if err != nil {
		e.log.WarnContext(logging.WithExecutionID(ctx, id), "read event log", slog.String("error", err.Error()))
		return last
	}
	for _, ev := range later {
		last = max(last, ev.Sequence)
	}
	return last
}

// summarize renders the human-readable result of an execution.
func summarize(x *execution, state schema.ExecutionState) string {
	counts := map[schema.StepStatus]int{}
	var failures []string
	for _, id := range x.graph.IDs() {
		run := x.runs[id]
		counts[run.Status]++
		if run.Status != schema.StepFailed || run.Error == nil {
			continue
		}
		f := id + " failed"
		if run.RetryCount > 0 {
			f += fmt.Sprintf(" after %d retries", run.RetryCount)
		}
		failures = append(failures, fmt.Sprintf("%s: [%s] %s", f, run.Error.Code, run.Error.Message))
	}

	var parts []string
	for _, s := range []schema.StepStatus{schema.StepSucceeded, schema.StepFailed, schema.StepSkipped, schema.StepCancelled} {
		if counts[s] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[s], s))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "no steps run")
	}

	out := string(state) + ": " + strings.Join(parts, ", ")
	if len(failures) > 0 {
		out += "; " + strings.Join(failures, "; ")
	}
	return out
}
