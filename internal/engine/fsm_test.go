package engine

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synthesis-run/synthesis/pkg/schema"
)

// --- ExecutionFSM Tests ---

func TestExecutionFSM_ValidTransitions(t *testing.T) {
	fsm := NewExecutionFSM()

	steps := []struct {
		from, to schema.ExecutionState
		event    schema.EventType
	}{
		{schema.ExecutionCreated, schema.ExecutionRunning, schema.EventExecutionStarted},
		{schema.ExecutionRunning, schema.ExecutionPaused, schema.EventExecutionPaused},
		{schema.ExecutionPaused, schema.ExecutionRunning, schema.EventExecutionResumed},
		{schema.ExecutionRunning, schema.ExecutionCompleted, schema.EventExecutionCompleted},
	}
	for _, s := range steps {
		ev, err := fsm.Transition("ex-1", s.from, s.to)
		require.NoError(t, err, "%s -> %s", s.from, s.to)
		assert.Equal(t, s.event, ev)
	}
}

func TestExecutionFSM_InvalidTransition(t *testing.T) {
	fsm := NewExecutionFSM()

	_, err := fsm.Transition("ex-1", schema.ExecutionCreated, schema.ExecutionCompleted)
	require.Error(t, err)

	var se *schema.SynthesisError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, schema.ErrCodeInvalidTransition, se.Code)
	assert.Contains(t, se.Message, "created")
	assert.Contains(t, se.Message, "completed")
	assert.Equal(t, "ex-1", se.Details["execution_id"])
	assert.True(t, errors.Is(err, schema.ErrInvalidTransition))
}

func TestExecutionFSM_TerminalStatesRejectTransitions(t *testing.T) {
	fsm := NewExecutionFSM()
	for _, from := range []schema.ExecutionState{schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled} {
		for _, to := range []schema.ExecutionState{schema.ExecutionRunning, schema.ExecutionPaused, schema.ExecutionCancelled} {
			_, err := fsm.Transition("ex-1", from, to)
			assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition), "%s -> %s", from, to)
		}
	}
}

func TestExecutionFSM_PauseRequiresRunning(t *testing.T) {
	fsm := NewExecutionFSM()
	_, err := fsm.Transition("ex-1", schema.ExecutionCreated, schema.ExecutionPaused)
	assert.Error(t, err)
	_, err = fsm.Transition("ex-1", schema.ExecutionPaused, schema.ExecutionPaused)
	assert.Error(t, err)
}

func TestExecutionFSM_CancelFromNonTerminalStates(t *testing.T) {
	fsm := NewExecutionFSM()
	for _, from := range []schema.ExecutionState{schema.ExecutionCreated, schema.ExecutionRunning, schema.ExecutionPaused} {
		ev, err := fsm.Transition("ex-1", from, schema.ExecutionCancelled)
		require.NoError(t, err, from)
		assert.Equal(t, schema.EventExecutionCancelled, ev)
	}
}

func TestExecutionFSM_Hooks(t *testing.T) {
	fsm := NewExecutionFSM()

	var calls []string
	fsm.OnBefore(schema.ExecutionCreated, schema.ExecutionRunning, func(from, to string) error {
		calls = append(calls, "before:"+from+"->"+to)
		return nil
	})
	fsm.OnAfter(schema.ExecutionCreated, schema.ExecutionRunning, func(from, to string) error {
		calls = append(calls, "after:"+from+"->"+to)
		return nil
	})

	_, err := fsm.Transition("ex-1", schema.ExecutionCreated, schema.ExecutionRunning)
	require.NoError(t, err)
	assert.Equal(t, []string{"before:created->running", "after:created->running"}, calls)

	// Hooks are keyed by the exact pair.
	_, err = fsm.Transition("ex-1", schema.ExecutionRunning, schema.ExecutionPaused)
	require.NoError(t, err)
	assert.Len(t, calls, 2)
}

func TestExecutionFSM_BeforeHookError(t *testing.T) {
	fsm := NewExecutionFSM()
	afterCalled := false
	fsm.OnBefore(schema.ExecutionRunning, schema.ExecutionCompleted, func(_, _ string) error {
		return errors.New("blocked")
	})
	fsm.OnAfter(schema.ExecutionRunning, schema.ExecutionCompleted, func(_, _ string) error {
		afterCalled = true
		return nil
	})

	_, err := fsm.Transition("ex-1", schema.ExecutionRunning, schema.ExecutionCompleted)
	require.EqualError(t, err, "blocked")
	assert.False(t, afterCalled)
}

func TestExecutionFSM_ConcurrentTransitions(t *testing.T) {
	fsm := NewExecutionFSM()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fsm.Transition("ex", schema.ExecutionRunning, schema.ExecutionPaused)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

// --- StepFSM Tests ---

func TestStepFSM_ValidTransitions(t *testing.T) {
	var fsm StepFSM

	ev, err := fsm.Transition("a", schema.StepPending, schema.StepReady)
	require.NoError(t, err)
	assert.Empty(t, ev)

	ev, err = fsm.Transition("a", schema.StepReady, schema.StepRunning)
	require.NoError(t, err)
	assert.Equal(t, schema.EventStepStarted, ev)

	for to, want := range map[schema.StepStatus]schema.EventType{
		schema.StepSucceeded: schema.EventStepSucceeded,
		schema.StepFailed:    schema.EventStepFailed,
		schema.StepCancelled: schema.EventStepCancelled,
	} {
		ev, err = fsm.Transition("a", schema.StepRunning, to)
		require.NoError(t, err)
		assert.Equal(t, want, ev)
	}
}

func TestStepFSM_SkipOnlyBeforeRunning(t *testing.T) {
	var fsm StepFSM
	assert.True(t, canSkip(schema.StepPending))
	assert.True(t, canSkip(schema.StepReady))
	assert.False(t, canSkip(schema.StepRunning))

	_, err := fsm.Transition("a", schema.StepRunning, schema.StepSkipped)
	require.Error(t, err)
	var se *schema.SynthesisError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "a", se.StepID)
}

func TestStepFSM_NoBackwardTransitions(t *testing.T) {
	var fsm StepFSM
	cases := [][2]schema.StepStatus{
		{schema.StepReady, schema.StepPending},
		{schema.StepRunning, schema.StepReady},
		{schema.StepRunning, schema.StepPending},
		{schema.StepPending, schema.StepRunning},
		{schema.StepSucceeded, schema.StepRunning},
		{schema.StepFailed, schema.StepPending},
		{schema.StepSkipped, schema.StepReady},
	}
	for _, c := range cases {
		_, err := fsm.Transition("a", c[0], c[1])
		assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition), "%s -> %s", c[0], c[1])
	}
}

func TestExecutionTransitionTable_AllStatesPresent(t *testing.T) {
	for _, s := range []schema.ExecutionState{
		schema.ExecutionCreated, schema.ExecutionRunning, schema.ExecutionPaused,
		schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled,
	} {
		_, ok := ValidExecutionTransitions[s]
		assert.True(t, ok, "missing %s", s)
		if s.IsTerminal() {
			assert.Empty(t, ValidExecutionTransitions[s])
		}
	}
}

func TestStepTransitionTable_AllStatusesPresent(t *testing.T) {
	for _, s := range []schema.StepStatus{
		schema.StepPending, schema.StepReady, schema.StepRunning, schema.StepSucceeded,
		schema.StepFailed, schema.StepSkipped, schema.StepCancelled,
	} {
		_, ok := ValidStepTransitions[s]
		assert.True(t, ok, "missing %s", s)
		if s.IsTerminal() {
			assert.Empty(t, ValidStepTransitions[s])
		}
	}
}
