package validation

import (
	"errors"

	"github.com/synthesis-run/synthesis/internal/resolver"
	"github.com/synthesis-run/synthesis/pkg/schema"
)

// ProcessValidator runs the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (kind params, adapters, retry, bindings, schedule)
// 3. Graph (ownership, scopes, cycles)
type ProcessValidator struct {
	jsonSchema *JSONSchemaValidator
	adapters   AdapterLookup
}

// NewProcessValidator creates a ProcessValidator. lookup may be nil to
// skip adapter existence checks.
func NewProcessValidator(lookup AdapterLookup) (*ProcessValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &ProcessValidator{jsonSchema: jsv, adapters: lookup}, nil
}

// Validate runs the pipeline and returns an aggregated result. Structural
// errors short-circuit the later stages.
func (v *ProcessValidator) Validate(def *schema.ProcessDefinition) *schema.ValidationResult {
	result, _ := v.validate(def)
	return result
}

func (v *ProcessValidator) validate(def *schema.ProcessDefinition) (*schema.ValidationResult, *resolver.CycleError) {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "process definition is nil")
		return result, nil
	}

	violations, err := v.jsonSchema.Violations(def)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result, nil
	}
	for _, msg := range violations {
		result.AddError("", schema.ErrCodeValidation, msg)
	}
	if !result.Valid() {
		return result, nil
	}

	result.Merge(validateSemantic(def, v.adapters))
	graph, cycle := validateGraph(def)
	result.Merge(graph)
	return result, cycle
}

// ValidateDefinition satisfies the Validator interface. A definition whose
// only problem is a dependency cycle yields the *resolver.CycleError itself.
func (v *ProcessValidator) ValidateDefinition(def *schema.ProcessDefinition) error {
	result, cycle := v.validate(def)
	if cycle != nil && len(result.Errors) == 1 {
		return cycle
	}
	return result.ToError()
}

// validateGraph builds every scope graph. A cycle is reported with its
// chain in the details.
func validateGraph(def *schema.ProcessDefinition) (*schema.ValidationResult, *resolver.CycleError) {
	result := &schema.ValidationResult{}
	if _, err := resolver.Build(def); err != nil {
		var ce *resolver.CycleError
		if errors.As(err, &ce) {
			result.AddError("steps", schema.ErrCodeValidation, ce.Error())
			return result, ce
		}
		var se *schema.SynthesisError
		if errors.As(err, &se) {
			path := "steps"
			if se.StepID != "" {
				path = "steps." + se.StepID
			}
			result.AddError(path, se.Code, se.Message)
			return result, nil
		}
		result.AddError("steps", schema.ErrCodeValidation, err.Error())
	}
	return result, nil
}

var _ Validator = (*ProcessValidator)(nil)
