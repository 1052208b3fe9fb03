package spec

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// phaseSchemas holds the JSON Schema source for each phase's payload.
// Parsed agent output is validated against the owning phase's schema
// before being merged into the feature's spec output.
var phaseSchemas = map[Phase]string{
	PhaseConstitution: `{
		"type": "object",
		"required": ["constitution"],
		"properties": {
			"constitution": {"type": "string", "minLength": 1}
		}
	}`,
	PhaseSpecify: `{
		"type": "object",
		"required": ["spec"],
		"properties": {
			"spec": {
				"type": "object",
				"required": ["overview", "requirements", "acceptanceCriteria"],
				"properties": {
					"overview": {"type": "string"},
					"requirements": {"type": "array", "items": {"type": "string"}},
					"acceptanceCriteria": {"type": "array", "items": {"type": "string"}},
					"outOfScope": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}`,
	PhaseClarify: `{
		"type": "object",
		"required": ["clarifications"],
		"properties": {
			"clarifications": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["id", "question"],
					"properties": {
						"id": {"type": "string", "minLength": 1},
						"question": {"type": "string", "minLength": 1},
						"context": {"type": "string"},
						"response": {"type": "string"}
					}
				}
			}
		}
	}`,
	PhasePlan: `{
		"type": "object",
		"required": ["plan"],
		"properties": {
			"plan": {
				"type": "object",
				"required": ["architecture"],
				"properties": {
					"architecture": {"type": "string"},
					"techDecisions": {"type": "array", "items": {"type": "string"}},
					"fileStructure": {"type": "array", "items": {"type": "string"}},
					"dependencies": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}`,
	PhaseAnalyze: `{
		"type": "object",
		"required": ["analysis"],
		"properties": {
			"analysis": {
				"type": "object",
				"required": ["passed"],
				"properties": {
					"passed": {"type": "boolean"},
					"issues": {"type": "array", "items": {"type": "string"}},
					"suggestions": {"type": "array", "items": {"type": "string"}},
					"existingPatterns": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}`,
	PhaseTasks: `{
		"type": "object",
		"required": ["tasks"],
		"properties": {
			"tasks": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["id", "title"],
					"properties": {
						"id": {"type": "string", "minLength": 1},
						"title": {"type": "string", "minLength": 1},
						"description": {"type": "string"},
						"files": {"type": "array", "items": {"type": "string"}},
						"dependencies": {"type": "array", "items": {"type": "string"}}
					}
				}
			}
		}
	}`,
}

// SchemaSource returns the raw schema JSON for a phase. Used to inline the
// expected shape into parse-recovery prompts.
func SchemaSource(p Phase) string {
	return phaseSchemas[p]
}

// ValidatePayload validates a raw phase payload against the phase schema.
func ValidatePayload(p Phase, payload []byte) error {
	src, ok := phaseSchemas[p]
	if !ok {
		return fmt.Errorf("no schema for phase %q", p)
	}

	var schemaDoc any
	if err := json.Unmarshal([]byte(src), &schemaDoc); err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	var inst any
	if err := json.Unmarshal(payload, &inst); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("phase %s payload invalid: %w", p, err)
	}
	return nil
}
