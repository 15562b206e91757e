package brain

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// plannerSchema, toolcallerSchema and reviewerSchema are the JSON Schema
// documents every corresponding pipeline stage's output must validate
// against. A schema violation at any stage fails the run with a
// validation error (mapped by callers to UnprocessableEntity), matching
// §4.8's "any schema violation fails the run" rule.
const (
	plannerSchemaJSON = `{
		"type": "object",
		"required": ["steps"],
		"properties": {
			"steps": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["name", "tool", "args"],
					"properties": {
						"name": {"type": "string"},
						"tool": {"type": "string"},
						"args": {"type": "object"}
					}
				}
			}
		}
	}`

	toolcallerSchemaJSON = `{
		"type": "object",
		"required": ["tool", "args", "confidence", "rationale"],
		"properties": {
			"tool": {"type": "string"},
			"args": {"type": "object"},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1},
			"rationale": {"type": "string"}
		}
	}`

	reviewerSchemaJSON = `{
		"type": "object",
		"required": ["decision", "reasons"],
		"properties": {
			"decision": {"type": "string", "enum": ["allow", "block", "require_approval"]},
			"reasons": {"type": "array", "items": {"type": "string"}}
		}
	}`
)

// compiledSchema wraps a resolved jsonschema.Schema for instance validation.
type compiledSchema struct {
	resolved *jsonschema.Resolved
}

func mustCompile(raw string) *compiledSchema {
	c, err := compileSchema(raw)
	if err != nil {
		panic(fmt.Sprintf("brain: invalid built-in schema: %v", err))
	}
	return c
}

func compileSchema(raw string) (*compiledSchema, error) {
	var schema jsonschema.Schema
	if err := json.Unmarshal([]byte(raw), &schema); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve schema: %w", err)
	}
	return &compiledSchema{resolved: resolved}, nil
}

// validate decodes raw JSON into a generic instance and checks it against
// the compiled schema, returning a single descriptive error on the first
// violation found.
func (s *compiledSchema) validate(raw []byte) error {
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := s.resolved.Validate(instance); err != nil {
		return fmt.Errorf("schema violation: %w", err)
	}
	return nil
}

var (
	plannerSchema    = mustCompile(plannerSchemaJSON)
	toolcallerSchema = mustCompile(toolcallerSchemaJSON)
	reviewerSchema   = mustCompile(reviewerSchemaJSON)
)
