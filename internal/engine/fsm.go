package engine

import (
	"sync"

	"github.com/synthesis-run/synthesis/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// --- Execution FSM ---

type executionHookKey struct {
	from, to schema.ExecutionState
}

// ExecutionFSM manages execution lifecycle state transitions.
type ExecutionFSM struct {
	mu     sync.RWMutex
	before map[executionHookKey][]TransitionHook
	after  map[executionHookKey][]TransitionHook
}

// NewExecutionFSM creates an ExecutionFSM with no hooks.
func NewExecutionFSM() *ExecutionFSM {
	return &ExecutionFSM{
		before: make(map[executionHookKey][]TransitionHook),
		after:  make(map[executionHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before an execution transition. A hook
// error aborts the transition.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after an execution transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates an execution transition, runs its hooks and returns
// the event type the caller must publish. The caller owns the state and
// applies the change.
func (f *ExecutionFSM) Transition(executionID string, from, to schema.ExecutionState) (schema.EventType, error) {
	if !isValidExecutionTransition(from, to) {
		return "", schema.NewInvalidTransitionError("execution "+executionID, string(from), string(to)).
			WithDetails(map[string]any{"execution_id": executionID})
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	key := executionHookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return "", err
		}
	}
	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return "", err
		}
	}
	return executionEventType(from, to), nil
}

func isValidExecutionTransition(from, to schema.ExecutionState) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func executionEventType(from, to schema.ExecutionState) schema.EventType {
	switch to {
	case schema.ExecutionRunning:
		if from == schema.ExecutionPaused {
			return schema.EventExecutionResumed
		}
		return schema.EventExecutionStarted
	case schema.ExecutionPaused:
		return schema.EventExecutionPaused
	case schema.ExecutionCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionCancelled:
		return schema.EventExecutionCancelled
	default:
		return ""
	}
}

// --- Step FSM ---

// StepFSM validates step status transitions. Statuses only move forward;
// checkpoint restore resets interrupted steps without going through it.
type StepFSM struct{}

// Transition validates a step transition and returns the event type to
// publish, empty for transitions that publish nothing.
func (StepFSM) Transition(stepID string, from, to schema.StepStatus) (schema.EventType, error) {
	if !isValidStepTransition(from, to) {
		return "", schema.NewInvalidTransitionError("step", string(from), string(to)).WithStep(stepID)
	}
	return stepEventType(to), nil
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	for _, a := range ValidStepTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func stepEventType(to schema.StepStatus) schema.EventType {
	switch to {
	case schema.StepRunning:
		return schema.EventStepStarted
	case schema.StepSucceeded:
		return schema.EventStepSucceeded
	case schema.StepFailed:
		return schema.EventStepFailed
	case schema.StepSkipped:
		return schema.EventStepSkipped
	case schema.StepCancelled:
		return schema.EventStepCancelled
	default:
		return ""
	}
}

func canSkip(s schema.StepStatus) bool {
	return isValidStepTransition(s, schema.StepSkipped)
}

// --- Transition tables ---

// ValidExecutionTransitions defines the allowed state transitions for executions.
var ValidExecutionTransitions = map[schema.ExecutionState][]schema.ExecutionState{
	schema.ExecutionCreated:   {schema.ExecutionRunning, schema.ExecutionCancelled},
	schema.ExecutionRunning:   {schema.ExecutionPaused, schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionPaused:    {schema.ExecutionRunning, schema.ExecutionCancelled, schema.ExecutionFailed},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
	schema.ExecutionCancelled: {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepPending:   {schema.StepReady, schema.StepSkipped},
	schema.StepReady:     {schema.StepRunning, schema.StepSkipped},
	schema.StepRunning:   {schema.StepSucceeded, schema.StepFailed, schema.StepCancelled},
	schema.StepSucceeded: {},
	schema.StepFailed:    {},
	schema.StepSkipped:   {},
	schema.StepCancelled: {},
}
