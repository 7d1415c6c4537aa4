package services

import (
	"fmt"
	"strings"

	"github.com/dukex/journeys/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

// SchemaSource provides the configuration schema of each action type.
type SchemaSource interface {
	Schema(actionType models.ActionType) (map[string]any, bool)
}

var triggerSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"event_type": map[string]any{"type": "string", "minLength": 1},
		"conditions": map[string]any{"type": []any{"object", "array"}},
	},
	"required": []any{"event_type"},
}

var delaySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"duration":         map[string]any{"type": "string", "minLength": 1},
		"duration_seconds": map[string]any{"type": "number", "exclusiveMinimum": 0},
		"until":            map[string]any{"type": "string", "format": "date-time"},
	},
	"oneOf": []any{
		map[string]any{"required": []any{"duration"}},
		map[string]any{"required": []any{"duration_seconds"}},
		map[string]any{"required": []any{"until"}},
	},
}

var conditionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"conditions": map[string]any{"type": []any{"object", "array"}},
		"branches": map[string]any{
			"type":     "array",
			"minItems": 1,
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"handle":     map[string]any{"type": "string", "minLength": 1},
					"conditions": map[string]any{"type": []any{"object", "array"}},
				},
				"required": []any{"handle", "conditions"},
			},
		},
	},
	"oneOf": []any{
		map[string]any{"required": []any{"conditions"}},
		map[string]any{"required": []any{"branches"}},
	},
}

// stepSchema returns the schema a step configuration must satisfy.
func stepSchema(step *models.Step, actions SchemaSource) (map[string]any, error) {
	switch step.Type {
	case models.StepTypeTrigger:
		return triggerSchema, nil
	case models.StepTypeDelay:
		return delaySchema, nil
	case models.StepTypeCondition:
		return conditionSchema, nil
	case models.StepTypeAction:
		if actions == nil {
			return nil, nil
		}

		schema, ok := actions.Schema(step.ActionType)
		if !ok {
			return nil, fmt.Errorf("unknown action type %q", step.ActionType)
		}

		return schema, nil
	default:
		return nil, fmt.Errorf("unknown step type %q", step.Type)
	}
}

// validateConfig validates data against a JSON schema.
func validateConfig(schema map[string]any, data map[string]any) error {
	if schema == nil {
		return nil
	}

	if data == nil {
		data = map[string]any{}
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	dataLoader := gojsonschema.NewGoLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return err
	}

	if !result.Valid() {
		var errors []string
		for _, resultErr := range result.Errors() {
			errors = append(errors, resultErr.String())
		}

		return fmt.Errorf("config does not match schema: %s", strings.Join(errors, "; "))
	}

	return nil
}
