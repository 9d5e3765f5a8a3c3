package checkpoint

import (
	"context"
	"sort"
	"sync"

	"github.com/synthesis-run/synthesis/pkg/schema"
)

// MemoryStore keeps checkpoints in process memory. Thread-safe.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	events map[string][]schema.Event
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:   make(map[string][]byte),
		events: make(map[string][]schema.Event),
	}
}

func (s *MemoryStore) Save(_ context.Context, executionID string, data []byte) error {
	if executionID == "" {
		return invalidID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[executionID] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Load(_ context.Context, executionID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[executionID]
	if !ok {
		return nil, notFound(executionID)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Delete(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, executionID)
	delete(s.events, executionID)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, event schema.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.events[event.ExecutionID]
	if n := len(log); n > 0 && event.Sequence <= log[n-1].Sequence {
		return schema.NewErrorf(schema.ErrCodeConflict, "event sequence %d of %q already recorded", event.Sequence, event.ExecutionID)
	}
	s.events[event.ExecutionID] = append(log, event)
	return nil
}

func (s *MemoryStore) Events(_ context.Context, executionID string, since uint64) ([]schema.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []schema.Event
	for _, e := range s.events[executionID] {
		if e.Sequence > since {
			out = append(out, e)
		}
	}
	return out, nil
}

var (
	_ Store    = (*MemoryStore)(nil)
	_ EventLog = (*MemoryStore)(nil)
)
