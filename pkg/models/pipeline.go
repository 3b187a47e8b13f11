package models

import (
	"encoding/json"
	"time"
)

// Pipeline is a named, versioned workflow definition bound to one entity kind.
type Pipeline struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Code        string          `json:"code"`
	EntityKind  string          `json:"entity_kind"`
	Description *string         `json:"description,omitempty"`
	Version     int64           `json:"version"`
	IsActive    bool            `json:"is_active"`
	Conditions  json.RawMessage `json:"conditions,omitempty"`
	CreatedBy   *int64          `json:"created_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// PipelineState is one node in a pipeline's state graph.
type PipelineState struct {
	ID          int64           `json:"id"`
	PipelineID  int64           `json:"pipeline_id"`
	Code        string          `json:"code"`
	Name        string          `json:"name"`
	Type        StateType       `json:"type"`
	Color       *string         `json:"color,omitempty"`
	Icon        *string         `json:"icon,omitempty"`
	Description *string         `json:"description,omitempty"`
	SortOrder   int64           `json:"sort_order"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// PipelineTransition is a directed, guarded edge between two states of the
// same pipeline.
type PipelineTransition struct {
	ID                   int64           `json:"id"`
	PipelineID           int64           `json:"pipeline_id"`
	FromStateID          int64           `json:"from_state_id"`
	ToStateID            int64           `json:"to_state_id"`
	Code                 string          `json:"code"`
	Name                 string          `json:"name"`
	Description          *string         `json:"description,omitempty"`
	RequiredPermission   *string         `json:"required_permission,omitempty"`
	GuardConditions      json.RawMessage `json:"guard_conditions,omitempty"`
	RequiresConfirmation bool            `json:"requires_confirmation"`
	RequiresComment      bool            `json:"requires_comment"`
	RequiresApproval     bool            `json:"requires_approval"`
	SortOrder            int64           `json:"sort_order"`
	IsActive             bool            `json:"is_active"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// TransitionAction is an ordered side effect attached to a transition.
type TransitionAction struct {
	ID             int64           `json:"id"`
	TransitionID   int64           `json:"transition_id"`
	ActionType     ActionType      `json:"action_type"`
	ExecutionOrder int64           `json:"execution_order"`
	Config         json.RawMessage `json:"config,omitempty"`
	IsAsync        bool            `json:"is_async"`
	OnFailure      FailurePolicy   `json:"on_failure"`
	IsActive       bool            `json:"is_active"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// EntityState is the current-state pointer for one concrete business object
// within one pipeline. Exactly one row exists per (pipeline, kind, entity id).
type EntityState struct {
	ID                  int64           `json:"id"`
	PipelineID          int64           `json:"pipeline_id"`
	EntityKind          string          `json:"entity_kind"`
	EntityID            int64           `json:"entity_id"`
	CurrentStateID      int64           `json:"current_state_id"`
	LastTransitionedBy  *int64          `json:"last_transitioned_by,omitempty"`
	LastTransitionedAt  time.Time       `json:"last_transitioned_at"`
	Metadata            json.RawMessage `json:"metadata,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// StateLog is an append-only audit record of one state change. FromStateID is
// nil for the entry into the pipeline; TransitionID is nil for system state
// sets; PerformedBy is nil for system-initiated changes.
type StateLog struct {
	ID            int64           `json:"id"`
	EntityStateID int64           `json:"entity_state_id"`
	EntityKind    string          `json:"entity_kind"`
	EntityID      int64           `json:"entity_id"`
	FromStateID   *int64          `json:"from_state_id,omitempty"`
	ToStateID     int64           `json:"to_state_id"`
	TransitionID  *int64          `json:"transition_id,omitempty"`
	PerformedBy   *int64          `json:"performed_by,omitempty"`
	Comment       *string         `json:"comment,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	IPAddress     *string         `json:"ip_address,omitempty"`
	UserAgent     *string         `json:"user_agent,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// TransitionApproval tracks a pending human approval for a transition whose
// definition sets requires_approval.
type TransitionApproval struct {
	ID             int64      `json:"id"`
	ApprovalID     string     `json:"approval_id"`
	PipelineID     int64      `json:"pipeline_id"`
	TransitionID   int64      `json:"transition_id"`
	EntityKind     string     `json:"entity_kind"`
	EntityID       int64      `json:"entity_id"`
	RequestedBy    *int64     `json:"requested_by,omitempty"`
	Comment        *string    `json:"comment,omitempty"`
	Status         string     `json:"status"`
	DecidedBy      *int64     `json:"decided_by,omitempty"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
	DecisionReason *string    `json:"decision_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Entity is a generic business object tracked by pipelines. The ERP screens
// owning these records live elsewhere; this table carries the attribute
// snapshot used for guard evaluation.
type Entity struct {
	ID          int64           `json:"id"`
	Kind        string          `json:"kind"`
	DisplayName string          `json:"display_name"`
	Attrs       json.RawMessage `json:"attrs,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// User is a minimal principal record: display name plus a flat permission set.
type User struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	IsAdmin     bool      `json:"is_admin"`
	Permissions []string  `json:"permissions,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type StateType string

const (
	StateTypeInitial      StateType = "initial"
	StateTypeIntermediate StateType = "intermediate"
	StateTypeFinal        StateType = "final"
)

func (t StateType) Valid() bool {
	switch t {
	case StateTypeInitial, StateTypeIntermediate, StateTypeFinal:
		return true
	}
	return false
}

type ActionType string

const (
	ActionUpdateField      ActionType = "update_field"
	ActionCreateRecord     ActionType = "create_record"
	ActionSendNotification ActionType = "send_notification"
	ActionDispatchJob      ActionType = "dispatch_job"
	ActionTriggerApproval  ActionType = "trigger_approval"
	ActionWebhook          ActionType = "webhook"
	ActionCustom           ActionType = "custom"
)

// FailurePolicy controls what a failed action does to the transition it
// belongs to.
type FailurePolicy string

const (
	OnFailureAbort          FailurePolicy = "abort"
	OnFailureContinue       FailurePolicy = "continue"
	OnFailureLogAndContinue FailurePolicy = "log_and_continue"
)

func (p FailurePolicy) Valid() bool {
	switch p {
	case OnFailureAbort, OnFailureContinue, OnFailureLogAndContinue:
		return true
	}
	return false
}

const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusRejected = "rejected"
)
