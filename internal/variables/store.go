// Package variables implements the scoped variable store of an execution.
//
// A store is a chain of frames: one global frame, one process frame and any
// number of step-local frames nested below it (a step, a loop iteration, a
// parallel branch). Reads resolve from the most specific frame outwards;
// writes land in the frame of the requested scope.
//
// A Store is not safe for concurrent use. The engine loop owns the store of
// an execution; workers receive a Fork and return proposed Writes.
package variables

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/synthesis-run/synthesis/pkg/schema"
)

// Write is a proposed assignment returned by a step for the owner of the
// store to apply.
type Write struct {
	Scope string `json:"scope"`
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Store is one frame of the scope chain.
type Store struct {
	parent *Store
	scope  string
	vars   map[string]any
}

// New creates a process frame on top of a global frame. Both maps are
// deep-copied.
func New(global, process map[string]any) *Store {
	g := &Store{scope: schema.ScopeGlobal, vars: deepCopyMap(global)}
	return &Store{parent: g, scope: schema.ScopeProcess, vars: deepCopyMap(process)}
}

// Restore rebuilds a store from a checkpointed snapshot.
func Restore(snap schema.VariableSnapshot) *Store {
	return New(snap.Global, snap.Process)
}

// Scope returns the scope of this frame.
func (s *Store) Scope() string {
	return s.scope
}

// Child returns a new step-local frame nested under s.
func (s *Store) Child() *Store {
	return &Store{parent: s, scope: schema.ScopeStep, vars: make(map[string]any)}
}

// Get returns the value bound to name in the most specific frame that has it.
func (s *Store) Get(name string) (any, bool) {
	for f := s; f != nil; f = f.parent {
		if v, ok := f.vars[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// Lookup resolves a dotted path such as "user.roles.0". A key containing
// dots wins over traversal when it is bound directly.
func (s *Store) Lookup(path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	if v, ok := s.Get(path); ok {
		return v, true
	}
	head, rest, found := strings.Cut(path, ".")
	if !found {
		return nil, false
	}
	root, ok := s.Get(head)
	if !ok {
		return nil, false
	}
	return Traverse(root, rest)
}

// Set binds name in this frame.
func (s *Store) Set(name string, value any) {
	s.vars[name] = value
}

// SetAt binds name in the nearest frame of the given scope.
func (s *Store) SetAt(scope, name string, value any) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "variable name is required")
	}
	f := s.frame(scope)
	if f == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "no %q scope available for variable %q", scope, name)
	}
	f.vars[name] = value
	return nil
}

// Apply performs a proposed write.
func (s *Store) Apply(w Write) error {
	return s.SetAt(w.Scope, w.Name, w.Value)
}

func (s *Store) frame(scope string) *Store {
	for f := s; f != nil; f = f.parent {
		if f.scope == scope {
			return f
		}
	}
	return nil
}

// Snapshot merges every frame into one map, more specific frames winning.
// Values are shared with the store, not copied.
func (s *Store) Snapshot() map[string]any {
	var chain []*Store
	for f := s; f != nil; f = f.parent {
		chain = append(chain, f)
	}
	out := make(map[string]any)
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].vars {
			out[k] = v
		}
	}
	return out
}

// Local returns a copy of the bindings of this frame only.
func (s *Store) Local() map[string]any {
	return deepCopyMap(s.vars)
}

// Fork deep-copies the whole chain so the copy can be read and written
// without affecting s.
func (s *Store) Fork() *Store {
	var parent *Store
	if s.parent != nil {
		parent = s.parent.Fork()
	}
	return &Store{parent: parent, scope: s.scope, vars: deepCopyMap(s.vars)}
}

// Export returns the global and process frames for checkpointing.
func (s *Store) Export() schema.VariableSnapshot {
	var snap schema.VariableSnapshot
	if f := s.frame(schema.ScopeGlobal); f != nil {
		snap.Global = deepCopyMap(f.vars)
	}
	if f := s.frame(schema.ScopeProcess); f != nil {
		snap.Process = deepCopyMap(f.vars)
	}
	return snap
}

// Names returns the sorted names visible from this frame.
func (s *Store) Names() []string {
	snap := s.Snapshot()
	names := make([]string, 0, len(snap))
	for k := range snap {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ValidScope reports whether scope names a writable scope.
func ValidScope(scope string) bool {
	switch scope {
	case schema.ScopeGlobal, schema.ScopeProcess, schema.ScopeStep:
		return true
	}
	return false
}

// Traverse walks a dotted path into maps and slices. Numeric segments index
// slices. Values of other types are normalized through JSON first, so struct
// outputs of in-process functions can be traversed too.
func Traverse(root any, path string) (any, bool) {
	current := root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, false
		}
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		case nil:
			return nil, false
		default:
			normalized, err := Normalize(v)
			if err != nil {
				return nil, false
			}
			switch normalized.(type) {
			case map[string]any, []any:
			default:
				return nil, false
			}
			next, ok := Traverse(normalized, seg)
			if !ok {
				return nil, false
			}
			current = next
		}
	}
	return current, true
}

// Normalize converts v to the generic JSON shape (map[string]any, []any,
// numbers, string, bool, nil). Values already in that shape are returned
// unchanged.
func Normalize(v any) (any, error) {
	if jsonShaped(v) {
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize %T: %w", v, err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("normalize %T: %w", v, err)
	}
	return out, nil
}

func jsonShaped(v any) bool {
	switch val := v.(type) {
	case nil, string, bool, float64, int:
		return true
	case map[string]any:
		for _, item := range val {
			if !jsonShaped(item) {
				return false
			}
		}
		return true
	case []any:
		for _, item := range val {
			if !jsonShaped(item) {
				return false
			}
		}
		return true
	}
	return false
}

func deepCopyMap(m map[string]any) map[string]any {
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		// Scalars are values; other types are treated as immutable.
		return v
	}
}
