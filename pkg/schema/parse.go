package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseDefinition decodes a ProcessDefinition from YAML or JSON. JSON is
// accepted because it is a subset of YAML.
func ParseDefinition(data []byte) (*ProcessDefinition, error) {
	var def ProcessDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "invalid process definition: %s", err.Error()).WithCause(err)
	}
	return &def, nil
}

// LoadDefinitionFile reads and parses a definition document from disk.
func LoadDefinitionFile(path string) (*ProcessDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}
	return ParseDefinition(data)
}
