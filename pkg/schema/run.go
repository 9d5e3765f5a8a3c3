package schema

import (
	"errors"
	"time"
)

// StepRun is the mutable execution record for one step.
type StepRun struct {
	StepID     string     `json:"step_id"`
	Status     StepStatus `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Output     any        `json:"output,omitempty"`
	Error      *StepError `json:"error,omitempty"`
	RetryCount int        `json:"retry_count"`
}

// StepError is the captured failure of a StepRun.
type StepError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// NewStepError captures err for storage in a StepRun.
func NewStepError(err error) *StepError {
	if err == nil {
		return nil
	}
	se := &StepError{Code: CodeOf(err), Message: err.Error()}
	if se.Code == "" {
		se.Code = ErrCodeStepFailed
	}
	var e *SynthesisError
	if errors.As(err, &e) {
		se.Message = e.Message
		se.Details = e.Details
	}
	return se
}

// VariableSnapshot holds the persisted variable scopes of an execution.
type VariableSnapshot struct {
	Global  map[string]any `json:"global,omitempty"`
	Process map[string]any `json:"process,omitempty"`
}

// Checkpoint is the persisted form of an ExecutionContext. It holds enough
// to resume without repeating completed steps.
type Checkpoint struct {
	ExecutionID  string             `json:"execution_id"`
	Definition   *ProcessDefinition `json:"definition"`
	State        ExecutionState     `json:"state"`
	Variables    VariableSnapshot   `json:"variables"`
	StepRuns     []StepRun          `json:"step_runs"`
	Sequence     uint64             `json:"sequence"`
	Summary      string             `json:"summary,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	EndedAt      *time.Time         `json:"ended_at,omitempty"`
	CheckpointAt time.Time          `json:"checkpoint_at"`
}

// ExecutionStatus is the read-only snapshot returned to control callers.
type ExecutionStatus struct {
	ExecutionID string         `json:"execution_id"`
	ProcessID   string         `json:"process_id"`
	State       ExecutionState `json:"state"`
	StepRuns    []StepRun      `json:"step_runs"`
	Summary     string         `json:"summary,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
}

// StepRun returns the run record of the given step.
func (s *ExecutionStatus) StepRun(id string) (StepRun, bool) {
	for _, r := range s.StepRuns {
		if r.StepID == id {
			return r, true
		}
	}
	return StepRun{}, false
}
