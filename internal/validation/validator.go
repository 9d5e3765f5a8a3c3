// Package validation checks process definitions before they are admitted:
// structure against a JSON Schema, kind-specific semantics, then the
// dependency graph.
package validation

import "github.com/synthesis-run/synthesis/pkg/schema"

// Validator checks process definitions for correctness before execution.
type Validator interface {
	Validate(def *schema.ProcessDefinition) *schema.ValidationResult
	ValidateDefinition(def *schema.ProcessDefinition) error
}

// AdapterLookup reports whether an adapter capability is registered.
type AdapterLookup interface {
	Has(name string) bool
}
