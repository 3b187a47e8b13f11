package services

import (
	"errors"
	"fmt"
	"strings"

	"flowline/pkg/models"
)

// The engine's error taxonomy. Everything here is recoverable and
// user-facing: the caller shows the reason and retries or picks another
// transition. Infrastructure failures propagate as plain wrapped errors.
var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidTransition     = errors.New("transition does not start from the entity's current state")
	ErrTransitionNotAllowed  = errors.New("transition not allowed")
	ErrCommentRequired       = errors.New("a comment is required for this transition")
	ErrActionExecutionFailed = errors.New("transition action failed")
	ErrDefinitionConflict    = errors.New("pipeline definition conflict")
	ErrApprovalPending       = errors.New("transition is awaiting approval")
)

// NotAllowedError carries the machine-readable reasons a transition was
// rejected: which guard clause or permission failed.
type NotAllowedError struct {
	Reasons []string
}

func (e *NotAllowedError) Error() string {
	return fmt.Sprintf("transition not allowed: %s", strings.Join(e.Reasons, "; "))
}

func (e *NotAllowedError) Unwrap() error {
	return ErrTransitionNotAllowed
}

// ActionError identifies the action that failed a transition under the abort
// policy.
type ActionError struct {
	ActionID   int64
	ActionType models.ActionType
	Order      int64
	Err        error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s (order %d) failed: %v", e.ActionType, e.Order, e.Err)
}

func (e *ActionError) Unwrap() error {
	return ErrActionExecutionFailed
}

// ConflictError describes a structural edit that violates a definition
// invariant: duplicate code, cross-pipeline edge, state still in use.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("definition conflict: %s", e.Reason)
}

func (e *ConflictError) Unwrap() error {
	return ErrDefinitionConflict
}
