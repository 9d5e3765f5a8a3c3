package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/synthesis-run/synthesis/internal/adapters"
	"github.com/synthesis-run/synthesis/internal/logging"
	"github.com/synthesis-run/synthesis/internal/variables"
	"github.com/synthesis-run/synthesis/pkg/schema"
)

// StepHandler executes one kind of step. Handlers never mutate shared state;
// they return proposed variable writes in the StepResult.
type StepHandler interface {
	Execute(ctx context.Context, sc *StepContext) (*StepResult, error)
}

// StepContext is what a handler sees of the execution.
type StepContext struct {
	ExecutionID string
	Definition  *schema.ProcessDefinition
	Step        *schema.StepDefinition
	Vars        *variables.Store // private to this attempt; the top frame is step-local
	Attempt     int              // 1-based

	notify func(workerReport)
}

func (sc *StepContext) logContext() context.Context {
	ctx := logging.WithExecutionID(context.Background(), sc.ExecutionID)
	ctx = logging.WithProcessID(ctx, sc.Definition.ID)
	return logging.WithStepID(ctx, sc.Step.ID)
}

// StepResult is the outcome of a successful step.
type StepResult struct {
	Output any
	Writes []variables.Write
	Skip   []string // steps the loop must mark skipped
}

// stepJob builds the pool job that runs one top-level step and reports to
// the loop. It captures a fork of the variables, taken under x.mu.
func (e *Engine) stepJob(x *execution, id string, results chan<- workerReport, gate <-chan struct{}, launch *bool) func(context.Context) error {
	step := x.step(id)
	vars := x.vars.Fork()
	executionID, def := x.id, x.def

	return func(ctx context.Context) (err error) {
		<-gate
		if !*launch {
			return nil
		}
		started := time.Now().UTC()
		report := workerReport{kind: reportDone, stepID: id, started: started}
		defer func() {
			if r := recover(); r != nil {
				err = schema.NewErrorf(schema.ErrCodeStepFailed, "step panicked: %v", r).WithStep(id)
				report.result, report.err = nil, err
			}
			report.ended = time.Now().UTC()
			results <- report
		}()

		notify := func(r workerReport) {
			if r.kind == reportDetached {
				// A late detach may arrive after the loop stopped reading.
				select {
				case results <- r:
				default:
				}
				return
			}
			results <- r
		}
		report.result, report.retries, report.err = e.execute(ctx, executionID, def, step, vars, notify)
		return report.err
	}
}

// execute runs step with its retry policy. Each attempt gets its own copy of
// vars with a step-local frame holding the resolved inputs. It returns the
// number of retries made.
func (e *Engine) execute(ctx context.Context, executionID string, def *schema.ProcessDefinition, step *schema.StepDefinition, vars *variables.Store, notify func(workerReport)) (*StepResult, int, error) {
	for retries := 0; ; retries++ {
		sc := &StepContext{
			ExecutionID: executionID,
			Definition:  def,
			Step:        step,
			Vars:        vars.Fork().Child(),
			Attempt:     retries + 1,
			notify:      notify,
		}

		var res *StepResult
		err := e.bindInputs(sc)
		if err == nil {
			res, err = e.runAttempt(ctx, sc)
		}
		if err == nil {
			if err = e.bindOutputs(ctx, sc, res); err == nil {
				return res, retries, nil
			}
			return res, retries, err
		}

		if ctx.Err() != nil || !shouldRetry(step.Retry, retries, err) {
			return res, retries, err
		}
		delay := ComputeBackoff(step.Retry, retries+1)
		if notify != nil {
			notify(workerReport{kind: reportRetry, stepID: step.ID, retries: retries + 1, delay: delay, err: err})
		}
		if WaitForBackoff(ctx, delay) != nil {
			return nil, retries + 1, cancelledError(step.ID, ctx.Err())
		}
	}
}

// bindInputs resolves the step's input bindings into its step-local frame.
func (e *Engine) bindInputs(sc *StepContext) error {
	for _, name := range sortedKeys(sc.Step.Inputs) {
		v, err := e.eval.ResolveValue(sc.Step.Inputs[name], sc.Vars)
		if err != nil {
			return withStep(err, sc.Step.ID)
		}
		sc.Vars.Set(name, v)
	}
	return nil
}

// bindOutputs turns the step's output bindings into process writes.
func (e *Engine) bindOutputs(ctx context.Context, sc *StepContext, res *StepResult) error {
	if len(sc.Step.Outputs) == 0 || res == nil {
		return nil
	}
	for _, name := range sortedKeys(sc.Step.Outputs) {
		v, err := e.eval.Query(ctx, sc.Step.Outputs[name], res.Output)
		if err != nil {
			return withStep(err, sc.Step.ID)
		}
		res.Writes = append(res.Writes, variables.Write{Scope: schema.ScopeProcess, Name: name, Value: v})
	}
	return nil
}

type attemptOutcome struct {
	res *StepResult
	err error
}

// runAttempt runs one attempt under the step timeout. At the deadline the
// attempt fails with TIMEOUT_ERROR whether or not the handler has returned.
// On cancellation a handler gets the detach grace to return before it is
// orphaned.
func (e *Engine) runAttempt(ctx context.Context, sc *StepContext) (*StepResult, error) {
	h, ok := e.handlers[sc.Step.Kind]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "no handler for step kind %q", sc.Step.Kind).WithStep(sc.Step.ID)
	}

	timeout := e.stepTimeout(sc.Step)
	attemptCtx, cancel := context.WithCancel(ctx)
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan attemptOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptOutcome{err: schema.NewErrorf(schema.ErrCodeStepFailed, "step panicked: %v", r).WithStep(sc.Step.ID)}
			}
		}()
		res, err := h.Execute(attemptCtx, sc)
		done <- attemptOutcome{res: res, err: err}
	}()

	var out attemptOutcome
	select {
	case out = <-done:
		if out.err == nil {
			return out.res, nil
		}
	case <-attemptCtx.Done():
		if ctx.Err() == nil {
			e.orphan(sc, done)
			return nil, timeoutError(sc.Step.ID, timeout)
		}
		grace := e.cfg.DetachGrace
		if e.detachable(sc.Step) {
			grace = 0
		}
		timer := time.NewTimer(grace)
		select {
		case out = <-done:
		case <-timer.C:
			e.reportDetached(sc)
		}
		timer.Stop()
	}

	switch {
	case ctx.Err() != nil:
		return out.res, cancelledError(sc.Step.ID, ctx.Err())
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return out.res, timeoutError(sc.Step.ID, timeout)
	}
	return out.res, withStep(out.err, sc.Step.ID)
}

// orphan lets a timed-out handler wind down in the background. One that is
// still running after the detach grace, or at once when its adapter ignores
// cancellation, is reported detached and its result is discarded.
func (e *Engine) orphan(sc *StepContext, done <-chan attemptOutcome) {
	select {
	case <-done:
		return
	default:
	}
	if e.detachable(sc.Step) {
		e.reportDetached(sc)
		return
	}
	grace := e.cfg.DetachGrace
	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			e.reportDetached(sc)
		}
	}()
}

func (e *Engine) reportDetached(sc *StepContext) {
	e.log.WarnContext(sc.logContext(), "step detached, adapter call orphaned",
		slog.Int("attempt", sc.Attempt), slog.Duration("grace", e.cfg.DetachGrace))
	if sc.notify != nil {
		sc.notify(workerReport{kind: reportDetached, stepID: sc.Step.ID})
	}
}

func timeoutError(stepID string, timeout time.Duration) error {
	return schema.NewErrorf(schema.ErrCodeTimeout, "step timed out after %s", timeout).
		WithStep(stepID).
		WithDetails(map[string]any{"timeout_ms": timeout.Milliseconds()}).
		AsRetryable()
}

func (e *Engine) stepTimeout(step *schema.StepDefinition) time.Duration {
	if step.TimeoutSeconds > 0 {
		return time.Duration(step.TimeoutSeconds * float64(time.Second))
	}
	return e.cfg.DefaultStepTimeout
}

// detachable reports whether the adapter behind step ignores cancellation.
func (e *Engine) detachable(step *schema.StepDefinition) bool {
	name := step.AdapterName()
	if name == "" {
		return false
	}
	a, err := e.deps.Adapters.Resolve(name)
	if err != nil {
		return false
	}
	d, ok := a.(adapters.Detachable)
	return ok && d.IgnoresCancellation()
}

func cancelledError(stepID string, cause error) error {
	return schema.NewError(schema.ErrCodeCancelled, "step cancelled").WithStep(stepID).WithCause(cause)
}

// withStep tags err with the step id when it is a SynthesisError without one.
func withStep(err error, stepID string) error {
	if err == nil {
		return nil
	}
	if se, ok := err.(*schema.SynthesisError); ok {
		if se.StepID != "" {
			return se
		}
		cp := *se
		return cp.WithStep(stepID)
	}
	if schema.CodeOf(err) == "" {
		return schema.NewError(schema.ErrCodeStepFailed, err.Error()).WithStep(stepID).WithCause(err)
	}
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
