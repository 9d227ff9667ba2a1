package pipeline

import (
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/prodpipe/prodpipe/internal/tools"
)

// Validator checks tool arguments against the catalog's JSON schemas.
// Schemas are compiled once and reused across requests.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*gojsonschema.Schema
}

// NewValidator compiles every catalog schema. A schema that fails to
// compile is a programmer error.
func NewValidator() (*Validator, error) {
	schemas := make(map[string]*gojsonschema.Schema)
	for _, def := range tools.Catalog() {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.InputSchema))
		if err != nil {
			return nil, fmt.Errorf("compiling schema for %s: %w", def.Name, err)
		}
		schemas[def.Name] = schema
	}
	return &Validator{schemas: schemas}, nil
}

// Validate checks args against the tool's schema and returns the violation
// messages, empty when the arguments are valid.
func (v *Validator) Validate(tool string, args map[string]interface{}) ([]string, error) {
	v.mu.RLock()
	schema, ok := v.schemas[tool]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", tools.ErrUnknownTool, tool)
	}

	if args == nil {
		args = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return nil, fmt.Errorf("validating %s arguments: %w", tool, err)
	}

	if result.Valid() {
		return nil, nil
	}

	violations := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, formatViolation(desc))
	}
	return violations, nil
}

// formatViolation renders one schema violation as "field: message", with
// friendlier phrasing for the common length constraints.
func formatViolation(desc gojsonschema.ResultError) string {
	field := desc.Field()
	if field == "(root)" {
		return desc.Description()
	}

	switch desc.Type() {
	case "string_gte":
		if min, ok := desc.Details()["min"]; ok {
			return fmt.Sprintf("%s: must be at least %v characters", field, min)
		}
	case "string_lte":
		if max, ok := desc.Details()["max"]; ok {
			return fmt.Sprintf("%s: must be at most %v characters", field, max)
		}
	}
	return fmt.Sprintf("%s: %s", field, desc.Description())
}
