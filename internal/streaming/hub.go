// Package streaming fans execution events out to subscribers.
package streaming

import (
	"context"

	"github.com/synthesis-run/synthesis/pkg/schema"
)

// EventFilter specifies which events a subscriber wants to receive. Empty
// fields match everything.
type EventFilter struct {
	ExecutionID string             `json:"execution_id,omitempty"`
	StepID      string             `json:"step_id,omitempty"`
	Types       []schema.EventType `json:"types,omitempty"`
}

// Match reports whether e passes the filter.
func (f EventFilter) Match(e schema.Event) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if f.StepID != "" && f.StepID != e.StepID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

// EventHub provides pub/sub for execution events.
type EventHub interface {
	Publish(ctx context.Context, event schema.Event) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.Event, func(), error)
}
