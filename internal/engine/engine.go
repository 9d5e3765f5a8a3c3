// Package engine runs process definitions. Each started execution is driven
// by one loop goroutine that owns its state; step work runs on a bounded
// worker pool shared by all executions.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/synthesis-run/synthesis/internal/adapters"
	"github.com/synthesis-run/synthesis/internal/checkpoint"
	"github.com/synthesis-run/synthesis/internal/expressions"
	"github.com/synthesis-run/synthesis/internal/logging"
	"github.com/synthesis-run/synthesis/internal/resolver"
	"github.com/synthesis-run/synthesis/internal/streaming"
	"github.com/synthesis-run/synthesis/internal/validation"
	"github.com/synthesis-run/synthesis/internal/variables"
	"github.com/synthesis-run/synthesis/pkg/schema"
)

// DefaultPoolSize is the default worker pool concurrency.
const DefaultPoolSize = 10

// DefaultDetachGrace is how long a cancelled adapter call may keep running
// before it is orphaned.
const DefaultDetachGrace = 5 * time.Second

// AdapterResolver looks up integration adapters by capability name.
// Satisfied by *adapters.Registry.
type AdapterResolver interface {
	Resolve(name string) (adapters.Adapter, error)
	Has(name string) bool
}

// Metrics receives engine measurements. Satisfied by *metrics.Recorder.
type Metrics interface {
	StepFinished(kind, status string, d time.Duration)
	StepRetried(kind string)
	ExecutionStarted()
	ExecutionStopped()
	ExecutionFinished(state string, d time.Duration)
	CheckpointFailed()
}

type nopMetrics struct{}

func (nopMetrics) StepFinished(string, string, time.Duration) {}
func (nopMetrics) StepRetried(string)                         {}
func (nopMetrics) ExecutionStarted()                          {}
func (nopMetrics) ExecutionStopped()                          {}
func (nopMetrics) ExecutionFinished(string, time.Duration)    {}
func (nopMetrics) CheckpointFailed()                          {}

// Dependencies are the collaborators injected into the engine. Adapters and
// Checkpoints are required; the rest have defaults.
type Dependencies struct {
	Adapters    AdapterResolver
	Checkpoints checkpoint.Store
	Events      streaming.EventHub     // default: in-memory hub
	EventLog    checkpoint.EventLog    // optional durable event history
	Evaluator   *expressions.Evaluator // default: NewEvaluator()
	Logger      *slog.Logger           // default: slog.Default()
	Metrics     Metrics                // default: no-op
}

// Config holds engine tuning.
type Config struct {
	PoolSize           int            // max concurrent steps across executions, must be > 0
	Globals            map[string]any // seed of every execution's global scope
	DefaultStepTimeout time.Duration  // applied when a step sets no timeout; 0 = none
	DetachGrace        time.Duration  // default: DefaultDetachGrace
	Breaker            BreakerConfig  // per-adapter circuit breakers; zero disables
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.PoolSize <= 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "pool size must be greater than 0, got %d", c.PoolSize)
	}
	if c.DefaultStepTimeout < 0 || c.DetachGrace < 0 {
		return schema.NewError(schema.ErrCodeValidation, "durations must not be negative")
	}
	return nil
}

// Engine coordinates process executions.
type Engine struct {
	deps      Dependencies
	cfg       Config
	log       *slog.Logger
	metrics   Metrics
	eval      *expressions.Evaluator
	validator *validation.ProcessValidator
	handlers  map[schema.StepKind]StepHandler
	breakers  *AdapterBreakers
	pool      *WorkerPool
	fsm       *ExecutionFSM
	steps     StepFSM

	mu         sync.RWMutex
	executions map[string]*execution
	closed     bool
	loops      sync.WaitGroup
}

// New creates an engine with the given dependencies.
func New(deps Dependencies, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Adapters == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "adapter registry is required")
	}
	if deps.Checkpoints == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "checkpoint store is required")
	}
	if deps.Events == nil {
		deps.Events = streaming.NewMemoryHub()
	}
	if deps.Evaluator == nil {
		ev, err := expressions.NewEvaluator()
		if err != nil {
			return nil, err
		}
		deps.Evaluator = ev
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if cfg.DetachGrace == 0 {
		cfg.DetachGrace = DefaultDetachGrace
	}

	validator, err := validation.NewProcessValidator(deps.Adapters)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		deps:       deps,
		cfg:        cfg,
		log:        deps.Logger,
		metrics:    deps.Metrics,
		eval:       deps.Evaluator,
		validator:  validator,
		breakers:   NewAdapterBreakers(cfg.Breaker),
		pool:       NewWorkerPool(cfg.PoolSize),
		fsm:        NewExecutionFSM(),
		executions: make(map[string]*execution),
	}
	e.handlers = e.newHandlers()
	e.registerGuards()
	e.registerMetricHooks()
	return e, nil
}

// registerGuards refuses to run executions once Shutdown has begun; the
// pool no longer accepts steps.
func (e *Engine) registerGuards() {
	refuse := func(_, _ string) error {
		if e.isClosed() {
			return schema.NewError(schema.ErrCodeConflict, "engine is shut down")
		}
		return nil
	}
	e.fsm.OnBefore(schema.ExecutionCreated, schema.ExecutionRunning, refuse)
	e.fsm.OnBefore(schema.ExecutionPaused, schema.ExecutionRunning, refuse)
}

func (e *Engine) registerMetricHooks() {
	started := func(_, _ string) error {
		e.metrics.ExecutionStarted()
		return nil
	}
	stopped := func(_, _ string) error {
		e.metrics.ExecutionStopped()
		return nil
	}
	e.fsm.OnAfter(schema.ExecutionCreated, schema.ExecutionRunning, started)
	e.fsm.OnAfter(schema.ExecutionPaused, schema.ExecutionRunning, started)
	for _, to := range ValidExecutionTransitions[schema.ExecutionRunning] {
		e.fsm.OnAfter(schema.ExecutionRunning, to, stopped)
	}
}

// Submit validates def and creates an execution in the created state. It
// returns the execution id. A dependency cycle is returned as a
// *resolver.CycleError.
func (e *Engine) Submit(ctx context.Context, def *schema.ProcessDefinition) (string, error) {
	if def == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "process definition is required")
	}
	if e.isClosed() {
		return "", schema.NewError(schema.ErrCodeConflict, "engine is shut down")
	}
	if err := e.validator.ValidateDefinition(def); err != nil {
		return "", err
	}
	graph, err := resolver.Build(def)
	if err != nil {
		return "", err
	}

	x := newExecution(uuid.NewString(), def, graph, variables.New(e.cfg.Globals, def.Variables))

	x.mu.Lock()
	err = e.saveCheckpoint(ctx, x)
	x.mu.Unlock()
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	e.executions[x.id] = x
	e.mu.Unlock()

	e.log.InfoContext(x.logContext(), "execution submitted", slog.Int("steps", graph.Len()))
	return x.id, nil
}

// Start moves a created execution to running and starts its loop.
func (e *Engine) Start(ctx context.Context, id string) error {
	x, err := e.lookup(id)
	if err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := e.transition(x, schema.ExecutionRunning, nil); err != nil {
		return err
	}
	now := time.Now().UTC()
	x.startedAt = &now
	e.startLoop(x)
	e.log.InfoContext(x.logContext(), "execution started")
	return nil
}

// Pause stops dispatching new steps. In-flight steps drain, then the
// execution becomes paused and is checkpointed.
func (e *Engine) Pause(ctx context.Context, id string) error {
	x, err := e.lookup(id)
	if err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	if !x.looping {
		return e.checkTransition(x, schema.ExecutionPaused)
	}
	if x.cancelling || x.aborting {
		return schema.NewInvalidTransitionError("execution "+x.id, "stopping", string(schema.ExecutionPaused))
	}
	if !x.pausing {
		x.pausing = true
		x.send(cmdPause)
		e.log.InfoContext(x.logContext(), "execution pause requested")
	}
	return nil
}

// Resume continues a paused execution. An execution that is not in memory,
// after a restart, is first restored from its checkpoint. A pending
// checkpoint failure is retried before the execution runs again.
func (e *Engine) Resume(ctx context.Context, id string) error {
	x, err := e.lookupOrRestore(ctx, id)
	if err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.looping {
		if x.pausing && !x.cancelling && !x.aborting && !x.degraded {
			x.pausing = false
			x.send(cmdResume)
			return nil
		}
		if x.pausing || x.degraded {
			return schema.NewError(schema.ErrCodeConflict, "execution is still draining").
				WithDetails(map[string]any{"execution_id": x.id})
		}
		return e.checkTransition(x, schema.ExecutionRunning)
	}
	if err := e.checkTransition(x, schema.ExecutionRunning); err != nil {
		return err
	}
	if x.degraded {
		if err := e.saveCheckpoint(ctx, x); err != nil {
			return err
		}
		x.degraded = false
	}
	if err := e.transition(x, schema.ExecutionRunning, nil); err != nil {
		return err
	}
	e.startLoop(x)
	e.log.InfoContext(x.logContext(), "execution resumed")
	return nil
}

// Cancel stops an execution. In-flight steps are cancelled and unwind,
// pending steps are skipped.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	x, err := e.lookupOrRestore(ctx, id)
	if err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.looping {
		if !x.cancelling {
			x.cancelling = true
			x.pausing = false
			x.cancelRun()
			x.send(cmdCancel)
			e.log.InfoContext(x.logContext(), "execution cancel requested")
		}
		return nil
	}
	if err := e.checkTransition(x, schema.ExecutionCancelled); err != nil {
		return err
	}
	return e.finalize(ctx, x, nil, schema.ExecutionCancelled)
}

// Status returns a snapshot of an execution.
func (e *Engine) Status(ctx context.Context, id string) (*schema.ExecutionStatus, error) {
	x, err := e.lookupOrRestore(ctx, id)
	if err != nil {
		return nil, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.status(), nil
}

// Subscribe streams events matching filter. The returned function cancels
// the subscription.
func (e *Engine) Subscribe(ctx context.Context, filter streaming.EventFilter) (<-chan schema.Event, func(), error) {
	return e.deps.Events.Subscribe(ctx, filter)
}

// Events returns the recorded history of an execution after sequence since.
// It needs a configured event log.
func (e *Engine) Events(ctx context.Context, id string, since uint64) ([]schema.Event, error) {
	if e.deps.EventLog == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "no event log configured")
	}
	return e.deps.EventLog.Events(ctx, id, since)
}

// Wait blocks until the execution is paused or terminal, or ctx is done.
func (e *Engine) Wait(ctx context.Context, id string) (*schema.ExecutionStatus, error) {
	x, err := e.lookupOrRestore(ctx, id)
	if err != nil {
		return nil, err
	}
	for {
		x.mu.Lock()
		if !x.looping && (x.state == schema.ExecutionPaused || x.state.IsTerminal()) {
			st := x.status()
			x.mu.Unlock()
			return st, nil
		}
		changed := x.changed
		x.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// PoolMetrics reports the step worker pool shared by all executions.
func (e *Engine) PoolMetrics() PoolMetrics {
	return e.pool.Metrics()
}

// List returns the ids of the executions held in memory, sorted.
func (e *Engine) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.executions))
	for id := range e.executions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Recover restores every checkpointed execution that is not in memory.
// Non-terminal executions come back paused, ready for Resume; executions
// that were never started stay created. It returns the ids of the restored
// non-terminal executions.
func (e *Engine) Recover(ctx context.Context) ([]string, error) {
	ids, err := e.deps.Checkpoints.List(ctx)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpoint, "list checkpoints: %v", err).WithCause(err)
	}

	var (
		restored []string
		errs     []error
	)
	for _, id := range ids {
		if _, err := e.lookup(id); err == nil {
			continue
		}
		x, err := e.restore(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		x.mu.Lock()
		terminal := x.state.IsTerminal()
		x.mu.Unlock()
		if !terminal {
			restored = append(restored, id)
		}
	}
	if len(restored) > 0 {
		e.log.InfoContext(ctx, "executions recovered", slog.Int("count", len(restored)))
	}
	return restored, errors.Join(errs...)
}

// Shutdown pauses every running execution, waits for them to drain and stops
// the worker pool. Submit fails afterwards.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	running := make([]*execution, 0, len(e.executions))
	for _, x := range e.executions {
		running = append(running, x)
	}
	e.mu.Unlock()

	for _, x := range running {
		x.mu.Lock()
		if x.looping && !x.pausing && !x.cancelling {
			x.pausing = true
			x.send(cmdPause)
		}
		x.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		e.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.pool.Shutdown()
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

func (e *Engine) lookup(id string) (*execution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	x, ok := e.executions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id).
			WithDetails(map[string]any{"execution_id": id})
	}
	return x, nil
}

func (e *Engine) lookupOrRestore(ctx context.Context, id string) (*execution, error) {
	if x, err := e.lookup(id); err == nil {
		return x, nil
	}
	return e.restore(ctx, id)
}

// checkTransition validates a transition without running hooks.
func (e *Engine) checkTransition(x *execution, to schema.ExecutionState) error {
	if !isValidExecutionTransition(x.state, to) {
		return schema.NewInvalidTransitionError("execution "+x.id, string(x.state), string(to)).
			WithDetails(map[string]any{"execution_id": x.id})
	}
	return nil
}

// transition moves x to state to and publishes the matching event. x.mu
// must be held.
func (e *Engine) transition(x *execution, to schema.ExecutionState, payload map[string]any) error {
	ev, err := e.fsm.Transition(x.id, x.state, to)
	if err != nil {
		return err
	}
	x.state = to
	if ev != "" {
		e.emit(x, "", ev, payload)
	}
	x.broadcast()
	return nil
}

func (e *Engine) logContext(x *execution, stepID string) context.Context {
	ctx := x.logContext()
	if stepID != "" {
		ctx = logging.WithStepID(ctx, stepID)
	}
	return ctx
}
