// Package checkpoint persists execution checkpoints. The engine only needs
// the key-value Store contract; memory, libSQL and Redis backends are
// provided.
package checkpoint

import (
	"context"

	"github.com/synthesis-run/synthesis/pkg/schema"
)

// ErrNotFound is returned by Load for unknown execution ids.
var ErrNotFound = schema.NewError(schema.ErrCodeNotFound, "checkpoint not found")

// Store is the key-value contract the engine persists checkpoints through.
// Values are opaque serialized schema.Checkpoint documents.
type Store interface {
	Save(ctx context.Context, executionID string, data []byte) error
	Load(ctx context.Context, executionID string) ([]byte, error)
	Delete(ctx context.Context, executionID string) error
	List(ctx context.Context) ([]string, error)
}

// EventLog is implemented by backends that also keep a durable event
// history per execution.
type EventLog interface {
	AppendEvent(ctx context.Context, event schema.Event) error
	Events(ctx context.Context, executionID string, since uint64) ([]schema.Event, error)
}

func notFound(executionID string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "checkpoint %q not found", executionID).
		WithCause(ErrNotFound).
		WithDetails(map[string]any{"execution_id": executionID})
}

func invalidID() error {
	return schema.NewError(schema.ErrCodeValidation, "execution id is empty")
}
