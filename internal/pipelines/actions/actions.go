package actions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"flowline/internal/pipelines"
	"flowline/pkg/models"
)

var (
	ErrHandlerNotFound = errors.New("no handler registered for action type")
	ErrBadConfig       = errors.New("invalid action config")
)

// ActionContext carries everything a handler may need about the transition
// being executed. Tx is the transition transaction: synchronous handlers
// write through it so their effects roll back with an aborted transition.
type ActionContext struct {
	Tx         *sql.Tx
	Entity     pipelines.EntityRef
	Attrs      map[string]any
	Pipeline   *models.Pipeline
	Transition *models.PipelineTransition
	FromState  *models.PipelineState
	ToState    *models.PipelineState
	Actor      pipelines.Actor
	Comment    string
}

// Result is what a handler reports back on success. Detail lands in the
// transition's audit metadata.
type Result struct {
	Detail   string         `json:"detail,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Handler executes one action type. Implementations register with a Registry;
// the engine never switches on action type itself.
type Handler interface {
	Type() models.ActionType
	Execute(ctx context.Context, action *models.TransitionAction, actx ActionContext) (Result, error)
}

// Registry maps action types to their handlers. New action types register
// here without touching the transition engine.
type Registry struct {
	handlers map[models.ActionType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.ActionType]Handler)}
}

func (r *Registry) Register(handler Handler) {
	r.handlers[handler.Type()] = handler
}

func (r *Registry) Get(actionType models.ActionType) (Handler, error) {
	handler, ok := r.handlers[actionType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, actionType)
	}
	return handler, nil
}

func (r *Registry) Types() []models.ActionType {
	types := make([]models.ActionType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// decodeConfig unmarshals an action's config blob into the handler's typed
// config struct.
func decodeConfig(action *models.TransitionAction, out any) error {
	raw := action.Config
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadConfig, err)
	}
	return nil
}
