package engine

import (
	"context"
	"encoding/json"

	"golang.org/x/sync/errgroup"

	"github.com/synthesis-run/synthesis/internal/variables"
	"github.com/synthesis-run/synthesis/pkg/schema"
)

const (
	// DefaultMaxIterations bounds a while loop that sets no max_iterations.
	DefaultMaxIterations = 1000
	// DefaultMaxRange bounds a for or count loop that sets no
	// max_iterations.
	DefaultMaxRange = 100_000
)

// loopHandler repeats the body steps of a loop step. Sequential modes run
// one iteration at a time and later iterations see the process writes of
// earlier ones. Parallel mode gives every iteration its own fork.
type loopHandler struct {
	engine *Engine
	runner *nestedRunner
}

// iteration is one entry of the loop output.
type iteration struct {
	Index   int
	Item    any
	Outputs map[string]any
	Error   *schema.StepError

	err    error
	writes []variables.Write
}

func (it *iteration) record() map[string]any {
	rec := map[string]any{"index": it.Index, "item": it.Item, "outputs": it.Outputs}
	if it.Error != nil {
		rec["error"] = map[string]any{"code": it.Error.Code, "message": it.Error.Message}
	} else {
		rec["error"] = nil
	}
	return rec
}

type loopVars struct {
	index, item string
}

func (h *loopHandler) Execute(ctx context.Context, sc *StepContext) (*StepResult, error) {
	lv := loopVars{index: stringParam(sc, "index_var"), item: stringParam(sc, "item_var")}
	if lv.index == "" {
		lv.index = "index"
	}
	if lv.item == "" {
		lv.item = "item"
	}
	abort := stringParam(sc, "failure_policy") != "continue"

	var (
		iters []*iteration
		err   error
	)
	switch mode := sc.Step.LoopMode(); mode {
	case schema.LoopFor:
		iters, err = h.runFor(ctx, sc, lv, abort)
	case schema.LoopWhile:
		iters, err = h.runWhile(ctx, sc, lv, abort)
	case schema.LoopForEach:
		var items []any
		if items, err = h.items(sc); err == nil {
			iters = h.runSequential(ctx, sc, lv, abort, len(items), func(i int) (any, any) { return i, items[i] })
		}
	case schema.LoopCount:
		var n int
		if n, err = h.count(sc); err == nil {
			iters = h.runSequential(ctx, sc, lv, abort, n, func(i int) (any, any) { return i, i })
		}
	case schema.LoopParallel:
		iters, err = h.runParallel(ctx, sc, lv, abort)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown loop mode %q", mode).WithStep(sc.Step.ID)
	}
	if err != nil && iters == nil {
		return nil, err
	}
	return h.finish(ctx, sc, iters, err, abort)
}

// finish builds the loop output and decides the step outcome.
func (h *loopHandler) finish(ctx context.Context, sc *StepContext, iters []*iteration, runErr error, abort bool) (*StepResult, error) {
	records := make([]any, 0, len(iters))
	var (
		writes []variables.Write
		failed []*iteration
	)
	for _, it := range iters {
		if it == nil {
			continue
		}
		records = append(records, it.record())
		writes = append(writes, it.writes...)
		if it.err != nil {
			failed = append(failed, it)
		}
	}
	out := map[string]any{"iterations": records, "count": len(records), "failed": len(failed)}
	res := &StepResult{Output: out}

	if ctx.Err() != nil {
		return res, cancelledError(sc.Step.ID, ctx.Err())
	}
	if runErr != nil {
		return res, runErr
	}
	if len(failed) == 0 {
		res.Writes = writes
		return res, nil
	}

	if abort {
		first := failed[0]
		return res, schema.NewErrorf(schema.ErrCodeStepFailed, "iteration %d failed: %s", first.Index, first.Error.Message).
			WithStep(sc.Step.ID).
			WithCause(first.err).
			WithDetails(map[string]any{"index": first.Index, "error": first.Error.Code})
	}
	errs := make([]any, len(failed))
	for i, it := range failed {
		errs[i] = map[string]any{"index": it.Index, "code": it.Error.Code, "message": it.Error.Message}
	}
	return res, schema.NewErrorf(schema.ErrCodeStepFailed, "%d of %d iterations failed", len(failed), len(records)).
		WithStep(sc.Step.ID).
		WithDetails(map[string]any{"errors": errs})
}

// iterate runs one iteration of the body over frame.
func (h *loopHandler) iterate(ctx context.Context, sc *StepContext, frame *variables.Store, index int, item any) *iteration {
	it := &iteration{Index: index, Item: item, Outputs: map[string]any{}}
	res, err := h.runner.run(ctx, sc, frame, 0)
	if res != nil {
		it.Outputs = res.Outputs
		it.writes = res.Writes
		if err == nil {
			err = res.Err
		}
	}
	if err != nil {
		it.err = err
		it.Error = schema.NewStepError(err)
	}
	return it
}

func (lv loopVars) frame(base *variables.Store, index, item any) *variables.Store {
	frame := base.Child()
	frame.Set(lv.index, index)
	frame.Set(lv.item, item)
	return frame
}

// runSequential runs n iterations in order. at yields the index variable
// and the item of iteration i.
func (h *loopHandler) runSequential(ctx context.Context, sc *StepContext, lv loopVars, abort bool, n int, at func(i int) (index, item any)) []*iteration {
	iters := make([]*iteration, 0, min(n, 64))
	for i := range n {
		if ctx.Err() != nil {
			break
		}
		index, item := at(i)
		it := h.iterate(ctx, sc, lv.frame(sc.Vars, index, item), i, item)
		iters = append(iters, it)
		if it.err != nil && abort {
			break
		}
	}
	return iters
}

// runFor counts from params.from towards params.to (exclusive) by
// params.step. The index variable holds the counter.
func (h *loopHandler) runFor(ctx context.Context, sc *StepContext, lv loopVars, abort bool) ([]*iteration, error) {
	from, err := h.engine.intParam(sc, "from", 0)
	if err != nil {
		return nil, err
	}
	to, err := h.engine.intParam(sc, "to", 0)
	if err != nil {
		return nil, err
	}
	step, err := h.engine.intParam(sc, "step", 1)
	if err != nil {
		return nil, err
	}
	if step == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "for loop step must not be zero").WithStep(sc.Step.ID)
	}
	n, err := h.checkRange(sc, rangeLen(from, to, step))
	if err != nil {
		return nil, err
	}
	return h.runSequential(ctx, sc, lv, abort, n, func(i int) (any, any) {
		counter := from + i*step
		return counter, counter
	}), nil
}

// rangeLen is the number of counters from..to (exclusive) by step.
func rangeLen(from, to, step int) uint64 {
	var span, stride uint64
	switch {
	case step > 0 && from < to:
		span, stride = uint64(to-from), uint64(step)
	case step < 0 && from > to:
		span, stride = uint64(from-to), uint64(-step)
	default:
		return 0
	}
	return (span-1)/stride + 1
}

// checkRange rejects a range longer than params.max_iterations.
func (h *loopHandler) checkRange(sc *StepContext, n uint64) (int, error) {
	limit, err := h.engine.intParam(sc, "max_iterations", DefaultMaxRange)
	if err != nil {
		return 0, err
	}
	if limit <= 0 {
		return 0, schema.NewError(schema.ErrCodeValidation, "max_iterations must be greater than zero").WithStep(sc.Step.ID)
	}
	if n > uint64(limit) {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "loop range of %d iterations exceeds %d", n, limit).
			WithStep(sc.Step.ID).
			WithDetails(map[string]any{"max_iterations": limit})
	}
	return int(n), nil
}

// runWhile evaluates params.condition before every iteration with the index
// variable bound. It fails once max_iterations iterations ran and the
// condition still holds.
func (h *loopHandler) runWhile(ctx context.Context, sc *StepContext, lv loopVars, abort bool) ([]*iteration, error) {
	limit, err := h.engine.intParam(sc, "max_iterations", DefaultMaxIterations)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "max_iterations must be greater than zero").WithStep(sc.Step.ID)
	}
	condition, engine := stringParam(sc, "condition"), stringParam(sc, "engine")

	iters := make([]*iteration, 0)
	for i := 0; ; i++ {
		if ctx.Err() != nil {
			return iters, nil
		}
		frame := lv.frame(sc.Vars, i, nil)
		ok, err := h.engine.eval.Condition(ctx, engine, condition, frame)
		if err != nil {
			return iters, withStep(err, sc.Step.ID)
		}
		if !ok {
			return iters, nil
		}
		if i >= limit {
			return iters, schema.NewErrorf(schema.ErrCodeStepFailed, "while loop exceeded %d iterations", limit).
				WithStep(sc.Step.ID).
				WithDetails(map[string]any{"max_iterations": limit})
		}
		it := h.iterate(ctx, sc, frame, i, nil)
		iters = append(iters, it)
		if it.err != nil && abort {
			return iters, nil
		}
	}
}

// runParallel runs the iterations concurrently, each on its own fork of the
// variables. Writes are returned in iteration order. With the abort policy
// the first failure cancels the iterations still running.
func (h *loopHandler) runParallel(ctx context.Context, sc *StepContext, lv loopVars, abort bool) ([]*iteration, error) {
	var items []any
	if _, ok := sc.Step.Params["items"]; ok {
		var err error
		if items, err = h.items(sc); err != nil {
			return nil, err
		}
	} else {
		n, err := h.count(sc)
		if err != nil {
			return nil, err
		}
		items = make([]any, n)
		for i := range items {
			items[i] = i
		}
	}
	limit, err := h.engine.intParam(sc, "concurrency", h.engine.cfg.PoolSize)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "concurrency must be greater than zero").WithStep(sc.Step.ID)
	}

	iters := make([]*iteration, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, item := range items {
		frame := lv.frame(sc.Vars.Fork(), i, item)
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			it := h.iterate(gctx, sc, frame, i, item)
			iters[i] = it
			if it.err != nil && abort {
				return it.err
			}
			return nil
		})
	}
	_ = g.Wait()

	if abort {
		// Iterations cancelled because a sibling failed are not failures
		// of their own.
		for i, it := range iters {
			if it != nil && it.err != nil && schema.IsCode(it.err, schema.ErrCodeCancelled) && ctx.Err() == nil {
				iters[i] = nil
			}
		}
	}
	return iters, nil
}

// items resolves params.items to a list. A string that holds a JSON array
// is decoded.
func (h *loopHandler) items(sc *StepContext) ([]any, error) {
	v, err := h.engine.eval.ResolveValue(sc.Step.Params["items"], sc.Vars)
	if err != nil {
		return nil, withStep(err, sc.Step.ID)
	}
	if s, ok := v.(string); ok {
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err == nil {
			v = decoded
		}
	}
	v, err = variables.Normalize(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "loop items are not a list").WithStep(sc.Step.ID).WithCause(err)
	}
	switch list := v.(type) {
	case []any:
		return list, nil
	case nil:
		return nil, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "loop items must be a list, got %T", v).WithStep(sc.Step.ID)
}

func (h *loopHandler) count(sc *StepContext) (int, error) {
	n, err := h.engine.intParam(sc, "count", 0)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "count must not be negative, got %d", n).WithStep(sc.Step.ID)
	}
	return h.checkRange(sc, uint64(n))
}
