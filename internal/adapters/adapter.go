// Package adapters holds the integration adapter registry and the built-in
// adapters that connect steps to the outside world: shell commands, HTTP
// APIs, in-process functions, MCP tool servers and sibling services.
package adapters

import "context"

// Input is the structured input handed to an adapter. Params have already
// been substituted by the caller.
type Input struct {
	Params      map[string]any `json:"params"`
	ExecutionID string         `json:"execution_id,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
}

// Output is the structured result of an adapter call.
type Output struct {
	Data any `json:"data,omitempty"`
}

// Adapter translates a step's structured input into an external call.
// Implementations must return once ctx is done unless they implement
// Detachable.
type Adapter interface {
	Name() string
	Invoke(ctx context.Context, input Input) (*Output, error)
}

// Detachable is implemented by adapters that cannot honor cancellation. On
// timeout the engine orphans their call and emits a warning event instead of
// waiting for it.
type Detachable interface {
	IgnoresCancellation() bool
}

// Capability names the engine resolves by default.
const (
	CapabilityCommand  = "command"
	CapabilityAPI      = "api"
	CapabilityFunction = "function"
)
