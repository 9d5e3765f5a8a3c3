package adapters

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/synthesis-run/synthesis/pkg/schema"
)

// Wrap converts an adapter failure into a StepExecutionError carrying the
// adapter name and its retry classification. Errors that are already
// classified pass through unchanged.
func Wrap(adapter string, err error) error {
	if err == nil {
		return nil
	}
	switch schema.CodeOf(err) {
	case schema.ErrCodeStepFailed, schema.ErrCodeTimeout, schema.ErrCodeEvaluation,
		schema.ErrCodeCancelled, schema.ErrCodeValidation:
		return err
	}
	return schema.NewStepExecutionError(adapter, err, Retryable(err))
}

// Retryable classifies an error. Network failures, timeouts and overload
// responses are retryable; malformed input and unknown failures are
// terminal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var se *schema.SynthesisError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"unexpected eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// invalidInput reports a malformed adapter input. It is never retryable.
func invalidInput(adapter, format string, args ...any) error {
	return schema.NewStepExecutionError(adapter, fmt.Errorf(format, args...), false)
}
