package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/synthesis-run/synthesis/pkg/schema"
)

const processSchemaURL = "https://synthesis.run/schemas/process.json"

// processSchemaJSON is the JSON Schema for ProcessDefinition documents.
const processSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://synthesis.run/schemas/process.json",
  "type": "object",
  "required": ["id", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "version": { "type": "string" },
    "description": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "variables": { "type": "object" },
    "error_policy": {
      "type": "string",
      "enum": ["abort-all", "isolate"]
    },
    "schedule": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "kind"],
      "properties": {
        "id": {
          "type": "string",
          "pattern": "^[^.\\s{}]+$"
        },
        "name": { "type": "string" },
        "kind": {
          "type": "string",
          "enum": ["command", "function", "api", "condition", "loop", "parallel", "variable"]
        },
        "params": { "type": "object" },
        "inputs": { "type": "object" },
        "outputs": {
          "type": "object",
          "additionalProperties": { "type": "string", "minLength": 1 }
        },
        "depends_on": {
          "type": "array",
          "items": { "$ref": "#/$defs/dependency" }
        },
        "timeout_seconds": { "type": "number", "minimum": 0 },
        "retry": { "$ref": "#/$defs/retry" },
        "ignore_exit_code": { "type": "boolean" },
        "non_idempotent": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "dependency": {
      "type": "object",
      "required": ["step"],
      "properties": {
        "step": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["finish-to-start", "start-to-start", "finish-to-finish"]
        },
        "gate": {
          "type": "string",
          "enum": ["on-success", "always", "on-failure"]
        }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": { "type": "integer", "minimum": 0 },
        "backoff": {
          "type": "string",
          "enum": ["fixed", "exponential"]
        },
        "delay": {
          "type": "string",
          "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
        },
        "max_delay": {
          "type": "string",
          "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates the structure of process definitions
// against JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	processSchema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the process schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(processSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal process schema: %w", err)
	}
	if err := c.AddResource(processSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add process schema resource: %w", err)
	}
	compiled, err := c.Compile(processSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile process schema: %w", err)
	}
	return &JSONSchemaValidator{processSchema: compiled}, nil
}

// Violations validates def and returns one message per failing leaf, each
// prefixed with its instance location.
func (v *JSONSchemaValidator) Violations(def *schema.ProcessDefinition) ([]string, error) {
	doc, err := toJSONValue(def)
	if err != nil {
		return nil, fmt.Errorf("serialize process definition: %w", err)
	}
	err = v.processSchema.Validate(doc)
	if err == nil {
		return nil, nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []string{err.Error()}, nil
	}
	violations := collectViolations(verr)
	if len(violations) == 0 {
		violations = []string{verr.Error()}
	}
	return violations, nil
}

// ValidateDefinition returns a VALIDATION_ERROR listing every structural
// violation, or nil.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.ProcessDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "process definition is nil")
	}
	violations, err := v.Violations(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize process definition").WithCause(err)
	}
	switch len(violations) {
	case 0:
		return nil
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
