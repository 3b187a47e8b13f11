package pipelines

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"flowline/pkg/models"
)

// Per-action-type JSON Schemas for the config blob. Kept deliberately loose:
// unknown extra keys are allowed so handler config can grow without a schema
// migration, but the keys a handler cannot run without are required.
var actionConfigSchemas = map[models.ActionType]string{
	models.ActionUpdateField: `{
		"type": "object",
		"required": ["field"],
		"properties": {
			"field": {"type": "string", "minLength": 1},
			"value": {}
		}
	}`,
	models.ActionCreateRecord: `{
		"type": "object",
		"required": ["kind"],
		"properties": {
			"kind": {"type": "string", "minLength": 1},
			"display_name": {"type": "string"},
			"attrs": {"type": "object"}
		}
	}`,
	models.ActionSendNotification: `{
		"type": "object",
		"required": ["message"],
		"properties": {
			"message": {"type": "string", "minLength": 1},
			"channel": {"type": "string"}
		}
	}`,
	models.ActionDispatchJob: `{
		"type": "object",
		"required": ["job"],
		"properties": {
			"job": {"type": "string", "minLength": 1},
			"payload": {"type": "object"}
		}
	}`,
	models.ActionTriggerApproval: `{
		"type": "object",
		"properties": {
			"approvers": {"type": "array", "items": {"type": "string"}},
			"message": {"type": "string"}
		}
	}`,
	models.ActionWebhook: `{
		"type": "object",
		"required": ["url"],
		"properties": {
			"url": {"type": "string", "minLength": 1},
			"method": {"type": "string", "enum": ["POST", "PUT", "PATCH"]},
			"timeout_seconds": {"type": "integer", "minimum": 1, "maximum": 300}
		}
	}`,
	models.ActionCustom: `{
		"type": "object",
		"required": ["handler"],
		"properties": {
			"handler": {"type": "string", "minLength": 1}
		}
	}`,
}

var compiledConfigSchemas = func() map[models.ActionType]*gojsonschema.Schema {
	compiled := make(map[models.ActionType]*gojsonschema.Schema, len(actionConfigSchemas))
	for actionType, raw := range actionConfigSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			panic(fmt.Sprintf("invalid config schema for action type %s: %v", actionType, err))
		}
		compiled[actionType] = schema
	}
	return compiled
}()

// ValidateActionConfig checks an action config against the schema for its
// type. Returns human-readable problems; empty means valid.
func ValidateActionConfig(actionType models.ActionType, config map[string]any) []string {
	schema, ok := compiledConfigSchemas[actionType]
	if !ok {
		return []string{fmt.Sprintf("no config schema for action type %q", actionType)}
	}

	if config == nil {
		config = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(config))
	if err != nil {
		return []string{fmt.Sprintf("config validation failed: %v", err)}
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return problems
}
