package pipelines

import (
	"fmt"

	"flowline/pkg/models"
)

// ValidateDefinition checks a declarative pipeline document against the
// structural invariants of the definition store: unique codes, known state
// references, exactly one entry point, no edges out of final states, no
// self-loops, at most one transition per ordered state pair, ordered unique
// actions.
func ValidateDefinition(def *Definition) ValidationResult {
	var result ValidationResult

	if def.Code == "" {
		result.Errors = append(result.Errors, ValidationIssue{
			Code:    "MISSING_PIPELINE_CODE",
			Path:    "/code",
			Message: "Pipelines must declare a stable code",
			Hint:    "Add a 'code' field. Example: code: asset-lifecycle",
		})
	}
	if def.Name == "" {
		result.Errors = append(result.Errors, ValidationIssue{
			Code:    "MISSING_PIPELINE_NAME",
			Path:    "/name",
			Message: "Pipelines must have a display name",
		})
	}
	if def.EntityKind == "" {
		result.Errors = append(result.Errors, ValidationIssue{
			Code:    "MISSING_ENTITY_KIND",
			Path:    "/entity_kind",
			Message: "Pipelines are bound to exactly one entity kind",
			Hint:    "Set 'entity_kind' to the business object type, e.g. asset or purchase_order.",
		})
	}
	if len(def.States) == 0 {
		result.Errors = append(result.Errors, ValidationIssue{
			Code:    "MISSING_STATES",
			Path:    "/states",
			Message: "At least one state is required",
		})
	}

	if def.Conditions != nil {
		if err := def.Conditions.Validate(); err != nil {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "INVALID_PIPELINE_CONDITIONS",
				Path:    "/conditions",
				Message: err.Error(),
			})
		}
	}

	// First pass: index states, detect duplicates, count entry points.
	stateTypes := make(map[string]models.StateType)
	initialCount := 0
	for i, state := range def.States {
		path := fmt.Sprintf("/states/%d", i)
		if state.Code == "" {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "MISSING_STATE_CODE",
				Path:    path,
				Message: "Each state must have a code",
			})
			continue
		}
		if _, exists := stateTypes[state.Code]; exists {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "DUPLICATE_STATE_CODE",
				Path:    path,
				Message: fmt.Sprintf("State code '%s' is declared more than once", state.Code),
			})
			continue
		}

		stateType := state.Type
		if stateType == "" {
			stateType = models.StateTypeIntermediate
		}
		if !stateType.Valid() {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "INVALID_STATE_TYPE",
				Path:    path + "/type",
				Message: fmt.Sprintf("State type '%s' is not one of initial, intermediate, final", state.Type),
			})
			continue
		}
		if stateType == models.StateTypeInitial {
			initialCount++
		}
		stateTypes[state.Code] = stateType
	}

	if len(def.States) > 0 && initialCount == 0 {
		result.Errors = append(result.Errors, ValidationIssue{
			Code:    "MISSING_INITIAL_STATE",
			Path:    "/states",
			Message: "Pipelines need an initial state for entities to enter through",
			Hint:    "Mark exactly one state with type: initial.",
		})
	}
	if initialCount > 1 {
		result.Warnings = append(result.Warnings, ValidationIssue{
			Code:    "MULTIPLE_INITIAL_STATES",
			Path:    "/states",
			Message: "More than one initial state declared; entities enter through the first by sort order",
		})
	}

	// Second pass: transitions.
	transitionCodes := make(map[string]int)
	edges := make(map[string]int)
	for i, tr := range def.Transitions {
		path := fmt.Sprintf("/transitions/%d", i)
		if tr.Code == "" {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "MISSING_TRANSITION_CODE",
				Path:    path,
				Message: "Each transition must have a code",
			})
			continue
		}
		if prev, exists := transitionCodes[tr.Code]; exists {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "DUPLICATE_TRANSITION_CODE",
				Path:    path,
				Message: fmt.Sprintf("Transition code '%s' is already used at transitions/%d", tr.Code, prev),
			})
		}
		transitionCodes[tr.Code] = i

		fromType, fromKnown := stateTypes[tr.From]
		if !fromKnown {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "UNKNOWN_FROM_STATE",
				Path:    path + "/from",
				Message: fmt.Sprintf("Transition '%s' references undeclared state '%s'", tr.Code, tr.From),
			})
		}
		if _, toKnown := stateTypes[tr.To]; !toKnown {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "UNKNOWN_TO_STATE",
				Path:    path + "/to",
				Message: fmt.Sprintf("Transition '%s' references undeclared state '%s'", tr.Code, tr.To),
			})
		}

		// Self-loops are rejected: re-entering the same state has no
		// modeled meaning and confuses staleness tracking.
		if tr.From != "" && tr.From == tr.To {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "SELF_LOOP_TRANSITION",
				Path:    path,
				Message: fmt.Sprintf("Transition '%s' connects state '%s' to itself", tr.Code, tr.From),
			})
		}

		if fromKnown && fromType == models.StateTypeFinal {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "TRANSITION_FROM_FINAL",
				Path:    path + "/from",
				Message: fmt.Sprintf("State '%s' is final and cannot have outgoing transitions", tr.From),
			})
		}

		edgeKey := tr.From + "→" + tr.To
		if prev, exists := edges[edgeKey]; exists {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "DUPLICATE_EDGE",
				Path:    path,
				Message: fmt.Sprintf("Only one transition may connect '%s' to '%s' (already declared at transitions/%d)", tr.From, tr.To, prev),
			})
		}
		edges[edgeKey] = i

		if tr.Guard != nil {
			if err := tr.Guard.Validate(); err != nil {
				result.Errors = append(result.Errors, ValidationIssue{
					Code:    "INVALID_GUARD",
					Path:    path + "/guard",
					Message: err.Error(),
				})
			}
		}

		validateActions(tr, path, &result)
	}

	return result
}

func validateActions(tr TransitionDefinition, path string, result *ValidationResult) {
	orders := make(map[int64]int)
	for j, action := range tr.Actions {
		actionPath := fmt.Sprintf("%s/actions/%d", path, j)

		switch action.Type {
		case models.ActionUpdateField, models.ActionCreateRecord, models.ActionSendNotification,
			models.ActionDispatchJob, models.ActionTriggerApproval, models.ActionWebhook, models.ActionCustom:
		default:
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "INVALID_ACTION_TYPE",
				Path:    actionPath + "/type",
				Message: fmt.Sprintf("Unknown action type '%s'", action.Type),
			})
			continue
		}

		if action.OnFailure != "" && !action.OnFailure.Valid() {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "INVALID_FAILURE_POLICY",
				Path:    actionPath + "/on_failure",
				Message: fmt.Sprintf("on_failure '%s' is not one of abort, continue, log_and_continue", action.OnFailure),
			})
		}

		if prev, exists := orders[action.Order]; exists {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "DUPLICATE_EXECUTION_ORDER",
				Path:    actionPath + "/order",
				Message: fmt.Sprintf("Execution order %d is already used at actions/%d; order defines the side-effect sequence and must be unique", action.Order, prev),
			})
		}
		orders[action.Order] = j

		if issues := ValidateActionConfig(action.Type, action.Config); len(issues) > 0 {
			for _, issue := range issues {
				result.Errors = append(result.Errors, ValidationIssue{
					Code:    "INVALID_ACTION_CONFIG",
					Path:    actionPath + "/config",
					Message: issue,
				})
			}
		}
	}
}
