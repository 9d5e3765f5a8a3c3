package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeStepFailed         = "STEP_FAILED"
	ErrCodeEvaluation         = "EVALUATION_ERROR"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeCheckpoint         = "CHECKPOINT_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeManualIntervention = "MANUAL_INTERVENTION"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
)

// SynthesisError is the structured error type for all engine operations.
type SynthesisError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	StepID    string         `json:"step_id,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
	Cause     error          `json:"-"`
}

func (e *SynthesisError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *SynthesisError) Unwrap() error {
	return e.Cause
}

// Is matches any SynthesisError carrying the same code, so sentinel values
// such as ErrNotFound work with errors.Is.
func (e *SynthesisError) Is(target error) bool {
	t, ok := target.(*SynthesisError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// IsRetryable reports whether the retry policy of a step may re-attempt it.
func (e *SynthesisError) IsRetryable() bool {
	return e.Retryable
}

// NewError creates a new SynthesisError.
func NewError(code, message string) *SynthesisError {
	return &SynthesisError{Code: code, Message: message}
}

// NewErrorf creates a new SynthesisError with a formatted message.
func NewErrorf(code, format string, args ...any) *SynthesisError {
	return &SynthesisError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *SynthesisError) WithStep(stepID string) *SynthesisError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *SynthesisError) WithCause(err error) *SynthesisError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details, merging with existing ones.
func (e *SynthesisError) WithDetails(details map[string]any) *SynthesisError {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// AsRetryable marks the error as retryable.
func (e *SynthesisError) AsRetryable() *SynthesisError {
	e.Retryable = true
	return e
}

// Sentinels for errors.Is checks. Never mutate them.
var (
	ErrNotFound          = NewError(ErrCodeNotFound, "not found")
	ErrValidation        = NewError(ErrCodeValidation, "validation failed")
	ErrInvalidTransition = NewError(ErrCodeInvalidTransition, "invalid state transition")
	ErrTimeout           = NewError(ErrCodeTimeout, "timed out")
	ErrEvaluation        = NewError(ErrCodeEvaluation, "evaluation failed")
	ErrCheckpoint        = NewError(ErrCodeCheckpoint, "checkpoint failed")
	ErrStepFailed        = NewError(ErrCodeStepFailed, "step failed")
	ErrCancelled         = NewError(ErrCodeCancelled, "cancelled")
)

// NewStepExecutionError wraps an adapter failure with the adapter name and
// its retry classification.
func NewStepExecutionError(adapter string, cause error, retryable bool) *SynthesisError {
	msg := "adapter failed"
	if cause != nil {
		msg = cause.Error()
	}
	e := NewErrorf(ErrCodeStepFailed, "%s: %s", adapter, msg).
		WithCause(cause).
		WithDetails(map[string]any{"adapter": adapter})
	e.Retryable = retryable
	return e
}

// NewEvaluationError reports an expression that could not be evaluated.
// ref names the offending variable reference when there is one.
func NewEvaluationError(ref, message string) *SynthesisError {
	e := NewError(ErrCodeEvaluation, message)
	if ref != "" {
		e.WithDetails(map[string]any{"reference": ref})
	}
	return e
}

// NewInvalidTransitionError reports a rejected lifecycle transition.
func NewInvalidTransitionError(subject, from, to string) *SynthesisError {
	return NewErrorf(ErrCodeInvalidTransition, "%s: cannot transition from %s to %s", subject, from, to).
		WithDetails(map[string]any{"from": from, "to": to})
}

// CodeOf returns the code of the first SynthesisError in err's chain.
func CodeOf(err error) string {
	var se *SynthesisError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
