package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/synthesis-run/synthesis/pkg/schema"
)

const (
	refOpen  = "{{"
	refClose = "}}"
)

// Vars is the read side of a variable store.
type Vars interface {
	Lookup(path string) (any, bool)
	Snapshot() map[string]any
}

// segment is either literal text or a reference.
type segment struct {
	text  string
	ref   string
	isRef bool
}

// parseTemplate splits a template into literal text and {{ ref }} segments.
func parseTemplate(template string) ([]segment, error) {
	var segs []segment
	rest := template
	for {
		start := strings.Index(rest, refOpen)
		if start < 0 {
			if rest != "" {
				segs = append(segs, segment{text: rest})
			}
			return segs, nil
		}
		if start > 0 {
			segs = append(segs, segment{text: rest[:start]})
		}
		after := rest[start+len(refOpen):]
		end := strings.Index(after, refClose)
		if end < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
				"unterminated reference in %q", template).
				WithDetails(map[string]any{"template": template})
		}
		ref := strings.TrimSpace(after[:end])
		if ref == "" {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
				"empty reference in %q", template).
				WithDetails(map[string]any{"template": template})
		}
		segs = append(segs, segment{ref: ref, isRef: true})
		rest = after[end+len(refClose):]
	}
}

// HasReferences reports whether s contains a {{ }} reference.
func HasReferences(s string) bool {
	return strings.Contains(s, refOpen)
}

// References returns the reference names used in a template, in order.
func References(template string) ([]string, error) {
	segs, err := parseTemplate(template)
	if err != nil {
		return nil, err
	}
	var refs []string
	for _, s := range segs {
		if s.isRef {
			refs = append(refs, s.ref)
		}
	}
	return refs, nil
}

func lookupRef(ref string, vars Vars) (any, error) {
	if vars != nil {
		if v, ok := vars.Lookup(ref); ok {
			return v, nil
		}
	}
	return nil, schema.NewEvaluationError(ref, fmt.Sprintf("unresolved reference %q", ref))
}

// inline renders a value for textual substitution. Strings are inserted
// verbatim, everything else as JSON.
func inline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case float64:
		return fmt.Sprintf("%v", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// literal renders a value as a JSON literal, which jq accepts as is.
func literal(val any) (string, error) {
	b, err := json.Marshal(val)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
