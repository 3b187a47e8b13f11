package pipelines

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowline/pkg/models"
)

func validDefinition() *Definition {
	return &Definition{
		Code:       "asset-lifecycle",
		Name:       "Asset Lifecycle",
		EntityKind: "asset",
		States: []StateDefinition{
			{Code: "draft", Name: "Draft", Type: models.StateTypeInitial},
			{Code: "active", Name: "Active", Type: models.StateTypeIntermediate},
			{Code: "disposed", Name: "Disposed", Type: models.StateTypeFinal},
		},
		Transitions: []TransitionDefinition{
			{Code: "activate", Name: "Activate", From: "draft", To: "active"},
			{Code: "dispose", Name: "Dispose", From: "active", To: "disposed"},
		},
	}
}

func issueCodes(issues []ValidationIssue) []string {
	codes := make([]string, len(issues))
	for i, issue := range issues {
		codes[i] = issue.Code
	}
	return codes
}

func TestValidateDefinitionAcceptsValidDocument(t *testing.T) {
	result := ValidateDefinition(validDefinition())
	assert.True(t, result.OK(), "unexpected errors: %v", result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestValidateDefinitionRequiredFields(t *testing.T) {
	result := ValidateDefinition(&Definition{})
	require.False(t, result.OK())

	codes := issueCodes(result.Errors)
	assert.Contains(t, codes, "MISSING_PIPELINE_CODE")
	assert.Contains(t, codes, "MISSING_PIPELINE_NAME")
	assert.Contains(t, codes, "MISSING_ENTITY_KIND")
	assert.Contains(t, codes, "MISSING_STATES")
}

func TestValidateDefinitionMissingInitialState(t *testing.T) {
	def := validDefinition()
	def.States[0].Type = models.StateTypeIntermediate

	result := ValidateDefinition(def)
	assert.Contains(t, issueCodes(result.Errors), "MISSING_INITIAL_STATE")
}

func TestValidateDefinitionMultipleInitialStatesWarns(t *testing.T) {
	def := validDefinition()
	def.States[1].Type = models.StateTypeInitial

	result := ValidateDefinition(def)
	assert.True(t, result.OK())
	assert.Contains(t, issueCodes(result.Warnings), "MULTIPLE_INITIAL_STATES")
}

func TestValidateDefinitionRejectsSelfLoop(t *testing.T) {
	def := validDefinition()
	def.Transitions = append(def.Transitions, TransitionDefinition{
		Code: "touch", Name: "Touch", From: "active", To: "active",
	})

	result := ValidateDefinition(def)
	assert.Contains(t, issueCodes(result.Errors), "SELF_LOOP_TRANSITION")
}

func TestValidateDefinitionRejectsTransitionFromFinal(t *testing.T) {
	def := validDefinition()
	def.Transitions = append(def.Transitions, TransitionDefinition{
		Code: "revive", Name: "Revive", From: "disposed", To: "active",
	})

	result := ValidateDefinition(def)
	assert.Contains(t, issueCodes(result.Errors), "TRANSITION_FROM_FINAL")
}

func TestValidateDefinitionRejectsDuplicateEdge(t *testing.T) {
	def := validDefinition()
	def.Transitions = append(def.Transitions, TransitionDefinition{
		Code: "activate-again", Name: "Activate Again", From: "draft", To: "active",
	})

	result := ValidateDefinition(def)
	assert.Contains(t, issueCodes(result.Errors), "DUPLICATE_EDGE")
}

func TestValidateDefinitionRejectsUnknownStates(t *testing.T) {
	def := validDefinition()
	def.Transitions = append(def.Transitions, TransitionDefinition{
		Code: "teleport", Name: "Teleport", From: "nowhere", To: "elsewhere",
	})

	result := ValidateDefinition(def)
	codes := issueCodes(result.Errors)
	assert.Contains(t, codes, "UNKNOWN_FROM_STATE")
	assert.Contains(t, codes, "UNKNOWN_TO_STATE")
}

func TestValidateDefinitionDuplicateStateAndTransitionCodes(t *testing.T) {
	def := validDefinition()
	def.States = append(def.States, StateDefinition{Code: "draft", Name: "Draft Again"})
	def.Transitions = append(def.Transitions, TransitionDefinition{
		Code: "activate", Name: "Activate Copy", From: "active", To: "disposed",
	})

	result := ValidateDefinition(def)
	codes := issueCodes(result.Errors)
	assert.Contains(t, codes, "DUPLICATE_STATE_CODE")
	assert.Contains(t, codes, "DUPLICATE_TRANSITION_CODE")
}

func TestValidateDefinitionActionChecks(t *testing.T) {
	def := validDefinition()
	def.Transitions[0].Actions = []ActionDefinition{
		{Type: models.ActionUpdateField, Order: 10, Config: map[string]any{"field": "status", "value": "active"}},
		{Type: models.ActionUpdateField, Order: 10, Config: map[string]any{"field": "owner", "value": "x"}},
		{Type: "explode", Order: 20},
		{Type: models.ActionWebhook, Order: 30, OnFailure: "retry", Config: map[string]any{"url": "https://example.com"}},
		{Type: models.ActionWebhook, Order: 40, Config: map[string]any{}},
	}

	result := ValidateDefinition(def)
	codes := issueCodes(result.Errors)
	assert.Contains(t, codes, "DUPLICATE_EXECUTION_ORDER")
	assert.Contains(t, codes, "INVALID_ACTION_TYPE")
	assert.Contains(t, codes, "INVALID_FAILURE_POLICY")
	assert.Contains(t, codes, "INVALID_ACTION_CONFIG")
}

func TestValidateDefinitionGuardValidation(t *testing.T) {
	def := validDefinition()
	def.Transitions[0].Guard = &Condition{Op: "between", Field: "amount"}

	result := ValidateDefinition(def)
	assert.Contains(t, issueCodes(result.Errors), "INVALID_GUARD")
}
