package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"flowline/internal/db/repositories"
	"flowline/internal/logging"
	"flowline/internal/pipelines"
	"flowline/pkg/models"
)

// PermManagePipelines gates every structural edit to a pipeline definition.
const PermManagePipelines = "pipelines.manage"

// PipelineService is the definition store: CRUD over pipelines, their states,
// transitions, and attached actions, plus declarative import. Structural
// edits bump the pipeline version in place; tracked entities keep their
// current state across edits.
type PipelineService struct {
	repos *repositories.Repositories
}

func NewPipelineService(repos *repositories.Repositories) *PipelineService {
	return &PipelineService{repos: repos}
}

func (s *PipelineService) requireManage(actor pipelines.Actor) error {
	if !actor.Can(PermManagePipelines) {
		return &NotAllowedError{Reasons: []string{fmt.Sprintf("missing permission %q", PermManagePipelines)}}
	}
	return nil
}

// TransitionDetail is a transition together with its ordered actions.
type TransitionDetail struct {
	*models.PipelineTransition
	Actions []*models.TransitionAction `json:"actions,omitempty"`
}

// PipelineDetail is the full definition: the pipeline row plus its state
// graph.
type PipelineDetail struct {
	*models.Pipeline
	States      []*models.PipelineState `json:"states"`
	Transitions []*TransitionDetail     `json:"transitions"`
}

// CreatePipelineInput carries the writable fields of a new pipeline.
type CreatePipelineInput struct {
	Name        string          `json:"name"`
	Code        string          `json:"code"`
	EntityKind  string          `json:"entity_kind"`
	Description string          `json:"description"`
	Conditions  json.RawMessage `json:"conditions"`
}

func (s *PipelineService) CreatePipeline(actor pipelines.Actor, input CreatePipelineInput) (*models.Pipeline, error) {
	if err := s.requireManage(actor); err != nil {
		return nil, err
	}
	input.Code = strings.TrimSpace(input.Code)
	if input.Code == "" || input.Name == "" || input.EntityKind == "" {
		return nil, fmt.Errorf("%w: code, name and entity_kind are required", pipelines.ErrValidation)
	}
	if _, err := pipelines.ParseCondition(input.Conditions); err != nil {
		return nil, fmt.Errorf("%w: %v", pipelines.ErrValidation, err)
	}

	if _, err := s.repos.Pipelines.GetByCode(input.Code); err == nil {
		return nil, &ConflictError{Reason: fmt.Sprintf("pipeline code %q already exists", input.Code)}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to check pipeline code: %w", err)
	}

	pipeline, err := s.repos.Pipelines.Create(repositories.CreatePipelineParams{
		Name:        input.Name,
		Code:        input.Code,
		EntityKind:  input.EntityKind,
		Description: optionalString(input.Description),
		Conditions:  input.Conditions,
		CreatedBy:   &actor.UserID,
	})
	if err != nil {
		return nil, err
	}
	logging.Info("pipeline %q created for kind %q by %s", pipeline.Code, pipeline.EntityKind, actor.Name)
	return pipeline, nil
}

func (s *PipelineService) GetPipeline(id int64) (*PipelineDetail, error) {
	pipeline, err := s.repos.Pipelines.GetByID(id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: pipeline %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return s.detail(pipeline)
}

func (s *PipelineService) GetPipelineByCode(code string) (*PipelineDetail, error) {
	pipeline, err := s.repos.Pipelines.GetByCode(code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: pipeline %q", ErrNotFound, code)
	}
	if err != nil {
		return nil, err
	}
	return s.detail(pipeline)
}

func (s *PipelineService) detail(pipeline *models.Pipeline) (*PipelineDetail, error) {
	states, err := s.repos.States.ListByPipeline(pipeline.ID)
	if err != nil {
		return nil, err
	}
	transitions, err := s.repos.Transitions.ListByPipeline(pipeline.ID)
	if err != nil {
		return nil, err
	}

	details := make([]*TransitionDetail, 0, len(transitions))
	for _, tr := range transitions {
		trActions, err := s.repos.Actions.ListByTransition(tr.ID)
		if err != nil {
			return nil, err
		}
		details = append(details, &TransitionDetail{PipelineTransition: tr, Actions: trActions})
	}

	return &PipelineDetail{Pipeline: pipeline, States: states, Transitions: details}, nil
}

func (s *PipelineService) ListPipelines() ([]*models.Pipeline, error) {
	return s.repos.Pipelines.List()
}

// UpdatePipelineInput carries the mutable pipeline fields. Code and entity
// kind are immutable after creation.
type UpdatePipelineInput struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	IsActive    bool            `json:"is_active"`
	Conditions  json.RawMessage `json:"conditions"`
}

func (s *PipelineService) UpdatePipeline(actor pipelines.Actor, id int64, input UpdatePipelineInput) (*models.Pipeline, error) {
	if err := s.requireManage(actor); err != nil {
		return nil, err
	}
	existing, err := s.repos.Pipelines.GetByID(id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: pipeline %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if input.Name == "" {
		return nil, fmt.Errorf("%w: name is required", pipelines.ErrValidation)
	}
	if _, err := pipelines.ParseCondition(input.Conditions); err != nil {
		return nil, fmt.Errorf("%w: %v", pipelines.ErrValidation, err)
	}

	err = s.repos.Pipelines.Update(repositories.UpdatePipelineParams{
		ID:          id,
		Name:        input.Name,
		Description: optionalString(input.Description),
		IsActive:    input.IsActive,
		Conditions:  input.Conditions,
	})
	if err != nil {
		return nil, err
	}

	// Condition changes alter which entities may enter, so they count as a
	// structural edit.
	if !bytesEqualJSON(existing.Conditions, input.Conditions) {
		if err := s.repos.Pipelines.BumpVersion(id); err != nil {
			return nil, err
		}
	}
	return s.repos.Pipelines.GetByID(id)
}

// DeletePipeline removes a definition. It is blocked while any entity is
// still tracked by the pipeline.
func (s *PipelineService) DeletePipeline(actor pipelines.Actor, id int64) error {
	if err := s.requireManage(actor); err != nil {
		return err
	}
	pipeline, err := s.repos.Pipelines.GetByID(id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: pipeline %d", ErrNotFound, id)
	}
	if err != nil {
		return err
	}

	summary, err := s.repos.EntityStates.SummaryByState(id, "")
	if err != nil {
		return err
	}
	var tracked int64
	for _, row := range summary {
		tracked += row.Count
	}
	if tracked > 0 {
		return &ConflictError{Reason: fmt.Sprintf("pipeline %q still tracks %d entities", pipeline.Code, tracked)}
	}

	if err := s.repos.Pipelines.Delete(id); err != nil {
		return err
	}
	logging.Info("pipeline %q deleted by %s", pipeline.Code, actor.Name)
	return nil
}

// StateInput carries the writable fields of a pipeline state.
type StateInput struct {
	Code        string           `json:"code"`
	Name        string           `json:"name"`
	Type        models.StateType `json:"type"`
	Color       string           `json:"color"`
	Icon        string           `json:"icon"`
	Description string           `json:"description"`
	SortOrder   int64            `json:"sort_order"`
	Metadata    json.RawMessage  `json:"metadata"`
}

func (s *PipelineService) AddState(actor pipelines.Actor, pipelineID int64, input StateInput) (*models.PipelineState, error) {
	if err := s.requireManage(actor); err != nil {
		return nil, err
	}
	if _, err := s.repos.Pipelines.GetByID(pipelineID); errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: pipeline %d", ErrNotFound, pipelineID)
	} else if err != nil {
		return nil, err
	}
	if err := validateStateInput(input); err != nil {
		return nil, err
	}

	if _, err := s.repos.States.GetByCode(pipelineID, input.Code); err == nil {
		return nil, &ConflictError{Reason: fmt.Sprintf("state code %q already exists in this pipeline", input.Code)}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	state, err := s.repos.States.Create(repositories.CreateStateParams{
		PipelineID:  pipelineID,
		Code:        input.Code,
		Name:        input.Name,
		Type:        input.Type,
		Color:       optionalString(input.Color),
		Icon:        optionalString(input.Icon),
		Description: optionalString(input.Description),
		SortOrder:   input.SortOrder,
		Metadata:    input.Metadata,
	})
	if err != nil {
		return nil, err
	}
	if err := s.repos.Pipelines.BumpVersion(pipelineID); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *PipelineService) UpdateState(actor pipelines.Actor, stateID int64, input StateInput) (*models.PipelineState, error) {
	if err := s.requireManage(actor); err != nil {
		return nil, err
	}
	existing, err := s.repos.States.GetByID(stateID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: state %d", ErrNotFound, stateID)
	}
	if err != nil {
		return nil, err
	}
	if err := validateStateInput(input); err != nil {
		return nil, err
	}

	if input.Code != existing.Code {
		if _, err := s.repos.States.GetByCode(existing.PipelineID, input.Code); err == nil {
			return nil, &ConflictError{Reason: fmt.Sprintf("state code %q already exists in this pipeline", input.Code)}
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}

	err = s.repos.States.Update(repositories.UpdateStateParams{
		ID:          stateID,
		Code:        input.Code,
		Name:        input.Name,
		Type:        input.Type,
		Color:       optionalString(input.Color),
		Icon:        optionalString(input.Icon),
		Description: optionalString(input.Description),
		SortOrder:   input.SortOrder,
		Metadata:    input.Metadata,
	})
	if err != nil {
		return nil, err
	}

	if input.Code != existing.Code || input.Type != existing.Type {
		if err := s.repos.Pipelines.BumpVersion(existing.PipelineID); err != nil {
			return nil, err
		}
	}
	return s.repos.States.GetByID(stateID)
}

// DeleteState removes a state. It is blocked while entities currently sit in
// it or transitions still use it as an endpoint.
func (s *PipelineService) DeleteState(actor pipelines.Actor, stateID int64) error {
	if err := s.requireManage(actor); err != nil {
		return err
	}
	state, err := s.repos.States.GetByID(stateID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: state %d", ErrNotFound, stateID)
	}
	if err != nil {
		return err
	}

	occupied, err := s.repos.States.CountEntitiesIn(stateID)
	if err != nil {
		return err
	}
	if occupied > 0 {
		return &ConflictError{Reason: fmt.Sprintf("%d entities are currently in state %q", occupied, state.Code)}
	}

	transitions, err := s.repos.Transitions.ListByPipeline(state.PipelineID)
	if err != nil {
		return err
	}
	for _, tr := range transitions {
		if tr.FromStateID == stateID || tr.ToStateID == stateID {
			return &ConflictError{Reason: fmt.Sprintf("transition %q still uses state %q", tr.Code, state.Code)}
		}
	}

	if err := s.repos.States.Delete(stateID); err != nil {
		return err
	}
	return s.repos.Pipelines.BumpVersion(state.PipelineID)
}

// TransitionInput carries the writable fields of a transition, including its
// nested action list.
type TransitionInput struct {
	FromStateID          int64           `json:"from_state_id"`
	ToStateID            int64           `json:"to_state_id"`
	Code                 string          `json:"code"`
	Name                 string          `json:"name"`
	Description          string          `json:"description"`
	RequiredPermission   string          `json:"required_permission"`
	GuardConditions      json.RawMessage `json:"guard_conditions"`
	RequiresConfirmation bool            `json:"requires_confirmation"`
	RequiresComment      bool            `json:"requires_comment"`
	RequiresApproval     bool            `json:"requires_approval"`
	SortOrder            int64           `json:"sort_order"`
	IsActive             bool            `json:"is_active"`
	Actions              []ActionInput   `json:"actions"`
}

// ActionInput carries the writable fields of one transition action.
type ActionInput struct {
	Type      models.ActionType    `json:"type"`
	Order     int64                `json:"order"`
	Config    map[string]any       `json:"config"`
	IsAsync   bool                 `json:"is_async"`
	OnFailure models.FailurePolicy `json:"on_failure"`
}

func (s *PipelineService) AddTransition(actor pipelines.Actor, pipelineID int64, input TransitionInput) (*TransitionDetail, error) {
	if err := s.requireManage(actor); err != nil {
		return nil, err
	}
	if _, err := s.repos.Pipelines.GetByID(pipelineID); errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: pipeline %d", ErrNotFound, pipelineID)
	} else if err != nil {
		return nil, err
	}
	if err := s.validateTransitionInput(pipelineID, input); err != nil {
		return nil, err
	}

	if _, err := s.repos.Transitions.GetByEdge(pipelineID, input.FromStateID, input.ToStateID); err == nil {
		return nil, &ConflictError{Reason: "a transition between these states already exists"}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	tr, err := s.repos.Transitions.Create(repositories.CreateTransitionParams{
		PipelineID:           pipelineID,
		FromStateID:          input.FromStateID,
		ToStateID:            input.ToStateID,
		Code:                 input.Code,
		Name:                 input.Name,
		Description:          optionalString(input.Description),
		RequiredPermission:   optionalString(input.RequiredPermission),
		GuardConditions:      input.GuardConditions,
		RequiresConfirmation: input.RequiresConfirmation,
		RequiresComment:      input.RequiresComment,
		RequiresApproval:     input.RequiresApproval,
		SortOrder:            input.SortOrder,
		IsActive:             input.IsActive,
	})
	if err != nil {
		return nil, err
	}

	created, err := s.replaceActions(tr.ID, input.Actions)
	if err != nil {
		return nil, err
	}
	if err := s.repos.Pipelines.BumpVersion(pipelineID); err != nil {
		return nil, err
	}
	return &TransitionDetail{PipelineTransition: tr, Actions: created}, nil
}

func (s *PipelineService) UpdateTransition(actor pipelines.Actor, transitionID int64, input TransitionInput) (*TransitionDetail, error) {
	if err := s.requireManage(actor); err != nil {
		return nil, err
	}
	existing, err := s.repos.Transitions.GetByID(transitionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: transition %d", ErrNotFound, transitionID)
	}
	if err != nil {
		return nil, err
	}

	// Endpoints are immutable; delete and recreate to rewire an edge.
	input.FromStateID = existing.FromStateID
	input.ToStateID = existing.ToStateID
	if err := s.validateTransitionInput(existing.PipelineID, input); err != nil {
		return nil, err
	}

	err = s.repos.Transitions.Update(repositories.UpdateTransitionParams{
		ID:                   transitionID,
		Code:                 input.Code,
		Name:                 input.Name,
		Description:          optionalString(input.Description),
		RequiredPermission:   optionalString(input.RequiredPermission),
		GuardConditions:      input.GuardConditions,
		RequiresConfirmation: input.RequiresConfirmation,
		RequiresComment:      input.RequiresComment,
		RequiresApproval:     input.RequiresApproval,
		SortOrder:            input.SortOrder,
		IsActive:             input.IsActive,
	})
	if err != nil {
		return nil, err
	}

	created, err := s.replaceActions(transitionID, input.Actions)
	if err != nil {
		return nil, err
	}
	if err := s.repos.Pipelines.BumpVersion(existing.PipelineID); err != nil {
		return nil, err
	}
	tr, err := s.repos.Transitions.GetByID(transitionID)
	if err != nil {
		return nil, err
	}
	return &TransitionDetail{PipelineTransition: tr, Actions: created}, nil
}

func (s *PipelineService) DeleteTransition(actor pipelines.Actor, transitionID int64) error {
	if err := s.requireManage(actor); err != nil {
		return err
	}
	existing, err := s.repos.Transitions.GetByID(transitionID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: transition %d", ErrNotFound, transitionID)
	}
	if err != nil {
		return err
	}
	if err := s.repos.Transitions.Delete(transitionID); err != nil {
		return err
	}
	return s.repos.Pipelines.BumpVersion(existing.PipelineID)
}

// validateTransitionInput enforces the structural invariants of an edge: both
// endpoints exist, belong to the given pipeline, differ from each other, and
// the source is not a final state.
func (s *PipelineService) validateTransitionInput(pipelineID int64, input TransitionInput) error {
	if input.Code == "" || input.Name == "" {
		return fmt.Errorf("%w: code and name are required", pipelines.ErrValidation)
	}
	if input.FromStateID == input.ToStateID {
		return &ConflictError{Reason: "transition source and target must differ"}
	}

	from, err := s.repos.States.GetByID(input.FromStateID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: from state %d", ErrNotFound, input.FromStateID)
	}
	if err != nil {
		return err
	}
	to, err := s.repos.States.GetByID(input.ToStateID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: to state %d", ErrNotFound, input.ToStateID)
	}
	if err != nil {
		return err
	}

	if from.PipelineID != pipelineID || to.PipelineID != pipelineID {
		return &ConflictError{Reason: "transitions may only connect states of the same pipeline"}
	}
	if from.Type == models.StateTypeFinal {
		return &ConflictError{Reason: fmt.Sprintf("state %q is final and cannot have outgoing transitions", from.Code)}
	}

	guard, err := pipelines.ParseCondition(input.GuardConditions)
	if err != nil {
		return fmt.Errorf("%w: %v", pipelines.ErrValidation, err)
	}
	if guard != nil {
		if err := guard.Validate(); err != nil {
			return fmt.Errorf("%w: %v", pipelines.ErrValidation, err)
		}
	}

	return validateActionInputs(input.Actions)
}

func validateActionInputs(inputs []ActionInput) error {
	seen := make(map[int64]bool, len(inputs))
	for i, a := range inputs {
		if seen[a.Order] {
			return fmt.Errorf("%w: duplicate execution order %d", pipelines.ErrValidation, a.Order)
		}
		seen[a.Order] = true
		if a.OnFailure != "" && !a.OnFailure.Valid() {
			return fmt.Errorf("%w: actions[%d] has invalid on_failure %q", pipelines.ErrValidation, i, a.OnFailure)
		}
		if problems := pipelines.ValidateActionConfig(a.Type, a.Config); len(problems) > 0 {
			return fmt.Errorf("%w: actions[%d]: %s", pipelines.ErrValidation, i, strings.Join(problems, "; "))
		}
	}
	return nil
}

// replaceActions swaps a transition's action set wholesale inside a
// transaction.
func (s *PipelineService) replaceActions(transitionID int64, inputs []ActionInput) ([]*models.TransitionAction, error) {
	tx, err := s.repos.BeginTx()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if err := s.repos.Actions.DeleteByTransitionTx(tx, transitionID); err != nil {
		return nil, err
	}

	created := make([]*models.TransitionAction, 0, len(inputs))
	for _, input := range inputs {
		onFailure := input.OnFailure
		if onFailure == "" {
			onFailure = models.OnFailureAbort
		}
		config, err := json.Marshal(input.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to encode action config: %w", err)
		}
		if input.Config == nil {
			config = json.RawMessage(`{}`)
		}
		action, err := s.repos.Actions.CreateTx(tx, repositories.CreateActionParams{
			TransitionID:   transitionID,
			ActionType:     input.Type,
			ExecutionOrder: input.Order,
			Config:         config,
			IsAsync:        input.IsAsync,
			OnFailure:      onFailure,
			IsActive:       true,
		})
		if err != nil {
			return nil, err
		}
		created = append(created, action)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit action replacement: %w", err)
	}
	committed = true
	return created, nil
}

func validateStateInput(input StateInput) error {
	if input.Code == "" || input.Name == "" {
		return fmt.Errorf("%w: state code and name are required", pipelines.ErrValidation)
	}
	if !input.Type.Valid() {
		return fmt.Errorf("%w: invalid state type %q", pipelines.ErrValidation, input.Type)
	}
	return nil
}

func bytesEqualJSON(a, b json.RawMessage) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return string(a) == string(b)
}
