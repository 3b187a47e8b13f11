package pipelines

import (
	"encoding/json"

	"flowline/pkg/models"
)

// Definition is the declarative form of a pipeline: the document imported
// from YAML/JSON and validated before being written to the definition store.
type Definition struct {
	Code        string                 `json:"code" yaml:"code"`
	Name        string                 `json:"name" yaml:"name"`
	EntityKind  string                 `json:"entity_kind" yaml:"entity_kind"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Conditions  *Condition             `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	States      []StateDefinition      `json:"states" yaml:"states"`
	Transitions []TransitionDefinition `json:"transitions" yaml:"transitions"`
}

type StateDefinition struct {
	Code        string           `json:"code" yaml:"code"`
	Name        string           `json:"name" yaml:"name"`
	Type        models.StateType `json:"type" yaml:"type"`
	Color       string           `json:"color,omitempty" yaml:"color,omitempty"`
	Icon        string           `json:"icon,omitempty" yaml:"icon,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	SortOrder   int64            `json:"sort_order,omitempty" yaml:"sort_order,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

type TransitionDefinition struct {
	Code                 string             `json:"code" yaml:"code"`
	Name                 string             `json:"name" yaml:"name"`
	From                 string             `json:"from" yaml:"from"`
	To                   string             `json:"to" yaml:"to"`
	Description          string             `json:"description,omitempty" yaml:"description,omitempty"`
	RequiredPermission   string             `json:"required_permission,omitempty" yaml:"required_permission,omitempty"`
	Guard                *Condition         `json:"guard,omitempty" yaml:"guard,omitempty"`
	RequiresConfirmation bool               `json:"requires_confirmation,omitempty" yaml:"requires_confirmation,omitempty"`
	RequiresComment      bool               `json:"requires_comment,omitempty" yaml:"requires_comment,omitempty"`
	RequiresApproval     bool               `json:"requires_approval,omitempty" yaml:"requires_approval,omitempty"`
	SortOrder            int64              `json:"sort_order,omitempty" yaml:"sort_order,omitempty"`
	Actions              []ActionDefinition `json:"actions,omitempty" yaml:"actions,omitempty"`
}

type ActionDefinition struct {
	Type      models.ActionType    `json:"type" yaml:"type"`
	Order     int64                `json:"order" yaml:"order"`
	Config    map[string]any       `json:"config,omitempty" yaml:"config,omitempty"`
	IsAsync   bool                 `json:"is_async,omitempty" yaml:"is_async,omitempty"`
	OnFailure models.FailurePolicy `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
}

// ConfigJSON returns the action config as a JSON blob for storage.
func (a ActionDefinition) ConfigJSON() (json.RawMessage, error) {
	if a.Config == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(a.Config)
}

// ValidationIssue describes one validation finding with enough context for a
// caller to fix the document.
type ValidationIssue struct {
	Code    string `json:"code"`
	Path    string `json:"path"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// ValidationResult carries errors that block acceptance and warnings that do
// not.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r ValidationResult) OK() bool {
	return len(r.Errors) == 0
}
