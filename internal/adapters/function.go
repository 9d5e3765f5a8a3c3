package adapters

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/synthesis-run/synthesis/pkg/schema"
)

// Function is an in-process callable a function step can invoke by name.
type Function func(ctx context.Context, args map[string]any) (any, error)

// FunctionAdapter dispatches function steps to registered Go functions.
type FunctionAdapter struct {
	mu        sync.RWMutex
	functions map[string]Function
}

// NewFunctionAdapter creates an adapter with no functions registered.
func NewFunctionAdapter() *FunctionAdapter {
	return &FunctionAdapter{functions: make(map[string]Function)}
}

func (a *FunctionAdapter) Name() string { return CapabilityFunction }

// Register binds fn to name. Returns CONFLICT on duplicates.
func (a *FunctionAdapter) Register(name string, fn Function) error {
	if name == "" || fn == nil {
		return schema.NewError(schema.ErrCodeValidation, "function name and implementation are required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.functions[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "function %q already registered", name)
	}
	a.functions[name] = fn
	return nil
}

// Names returns the registered function names, sorted.
func (a *FunctionAdapter) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.functions))
	for n := range a.functions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Invoke calls the function named by params.name with params.args. Any
// returned error or panic is a failure.
func (a *FunctionAdapter) Invoke(ctx context.Context, input Input) (out *Output, err error) {
	name := stringParam(input.Params, "name", "")
	if name == "" {
		return nil, invalidInput(a.Name(), "missing required param 'name'")
	}

	a.mu.RLock()
	fn, ok := a.functions[name]
	a.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "function %q not registered", name).
			WithDetails(map[string]any{"function": name})
	}

	args := mapParam(input.Params, "args")
	if args == nil {
		args = map[string]any{}
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = schema.NewStepExecutionError(a.Name(), fmt.Errorf("function %q panicked: %v", name, r), false)
		}
	}()

	result, err := fn(ctx, args)
	if err != nil {
		return nil, Wrap(a.Name(), err)
	}
	return &Output{Data: result}, nil
}

var _ Adapter = (*FunctionAdapter)(nil)
