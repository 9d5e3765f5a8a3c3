package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/synthesis-run/synthesis/internal/resolver"
	"github.com/synthesis-run/synthesis/internal/variables"
	"github.com/synthesis-run/synthesis/pkg/schema"
)

// nestedRunner runs the steps a container owns (loop bodies, parallel
// branches) as a scope of their own. Fan-out is bounded by errgroup so
// nested work never waits on pool slots held by its parent.
type nestedRunner struct {
	engine *Engine
}

// scopeResult is the outcome of one run of a nested scope.
type scopeResult struct {
	Outputs map[string]any // outputs of succeeded steps, by id
	Runs    map[string]*schema.StepRun
	Writes  []variables.Write // process and global writes, in completion order
	Err     error             // first unhandled failure
}

type nestedDone struct {
	stepID  string
	result  *StepResult
	err     error
	retries int
	ended   time.Time
}

// run executes the scope owned by sc.Step once, reading and writing frame.
// limit bounds concurrent nested steps; zero means no bound beyond the
// scope size.
func (r *nestedRunner) run(ctx context.Context, sc *StepContext, frame *variables.Store, limit int) (*scopeResult, error) {
	graph, err := resolver.BuildScope(sc.Definition, sc.Step.ID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > graph.Len() {
		limit = graph.Len()
	}

	res := &scopeResult{
		Outputs: make(map[string]any),
		Runs:    make(map[string]*schema.StepRun, graph.Len()),
	}
	for _, id := range graph.IDs() {
		res.Runs[id] = &schema.StepRun{StepID: id, Status: schema.StepPending}
	}
	steps := make(map[string]any)
	if outer, ok := frame.Get(stepsVar); ok {
		if m, ok := outer.(map[string]any); ok {
			for k, v := range m {
				steps[k] = v
			}
		}
	}

	var g errgroup.Group
	g.SetLimit(limit)
	results := make(chan nestedDone, graph.Len())
	held := make(map[string]nestedDone)
	inflight := 0

	record := func(id string) {
		steps[id] = stepEntry(res.Runs[id])
		frame.Set(stepsVar, steps)
	}
	finish := func(d nestedDone) {
		run := res.Runs[d.stepID]
		ended := d.ended
		run.Status = outcomeStatus(d.err)
		run.EndedAt = &ended
		run.RetryCount = d.retries
		run.Error = schema.NewStepError(d.err)
		if d.result != nil {
			run.Output = d.result.Output
		}
		if run.Status == schema.StepSucceeded && d.result != nil {
			res.Outputs[d.stepID] = d.result.Output
			for _, w := range d.result.Writes {
				if err := frame.Apply(w); err != nil {
					continue
				}
				if w.Scope != schema.ScopeStep {
					res.Writes = append(res.Writes, w)
				}
			}
			for _, id := range d.result.Skip {
				if other, ok := res.Runs[id]; ok && canSkip(other.Status) {
					other.Status = schema.StepSkipped
					record(id)
				}
			}
		}
		if run.Status == schema.StepFailed && res.Err == nil && !graph.HandlesFailure(d.stepID) {
			res.Err = d.err
		}
		record(d.stepID)
	}
	release := func(force bool) {
		for progress := true; progress && len(held) > 0; {
			progress = false
			for _, id := range graph.IDs() {
				d, ok := held[id]
				if !ok || (!force && !graph.CanFinish(id, res.Runs)) {
					continue
				}
				delete(held, id)
				finish(d)
				progress = true
			}
		}
	}

	for {
		plan := graph.ReadySet(res.Runs)
		for _, id := range plan.Skip {
			res.Runs[id].Status = schema.StepSkipped
			record(id)
		}
		for _, id := range plan.Ready {
			step, _ := sc.Definition.Step(id)
			now := time.Now().UTC()
			run := res.Runs[id]
			run.Status = schema.StepRunning
			run.StartedAt = &now
			inflight++

			vars := frame.Fork()
			g.Go(func() error {
				out, retries, err := r.engine.execute(ctx, sc.ExecutionID, sc.Definition, step, vars, sc.notify)
				results <- nestedDone{stepID: step.ID, result: out, err: err, retries: retries, ended: time.Now().UTC()}
				return nil
			})
		}
		if !plan.Empty() {
			release(false)
			continue
		}
		if inflight == 0 {
			break
		}

		d := <-results
		inflight--
		if !graph.CanFinish(d.stepID, res.Runs) {
			held[d.stepID] = d
			continue
		}
		finish(d)
		release(false)
	}
	release(true)
	_ = g.Wait()

	if ctx.Err() != nil {
		return res, cancelledError(sc.Step.ID, ctx.Err())
	}
	return res, nil
}
