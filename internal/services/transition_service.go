package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowline/internal/db/repositories"
	"flowline/internal/dispatch"
	"flowline/internal/logging"
	"flowline/internal/pipelines"
	"flowline/internal/pipelines/actions"
	"flowline/pkg/models"
)

const defaultActionTimeout = 30 * time.Second

// TransitionService is the transition engine: it resolves an entity's current
// state, evaluates which transitions are available, and executes a transition
// atomically with its synchronous actions.
type TransitionService struct {
	repos         *repositories.Repositories
	registry      *actions.Registry
	dispatcher    dispatch.Dispatcher
	snapshots     *pipelines.SnapshotRegistry
	actionTimeout time.Duration
	locks         entityLocks
}

func NewTransitionService(
	repos *repositories.Repositories,
	registry *actions.Registry,
	dispatcher dispatch.Dispatcher,
	snapshots *pipelines.SnapshotRegistry,
) *TransitionService {
	if snapshots == nil {
		snapshots = pipelines.NewSnapshotRegistry()
	}
	s := &TransitionService{
		repos:         repos,
		registry:      registry,
		dispatcher:    dispatcher,
		snapshots:     snapshots,
		actionTimeout: defaultActionTimeout,
	}
	// Kinds without a dedicated provider fall back to the entities table.
	snapshots.SetFallback(pipelines.SnapshotFunc(func(ref pipelines.EntityRef) (map[string]any, error) {
		attrs, err := repos.Entities.Attrs(ref.Kind, ref.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return map[string]any{}, nil
		}
		return attrs, err
	}))
	return s
}

// SetActionTimeout overrides the per-action execution deadline.
func (s *TransitionService) SetActionTimeout(d time.Duration) {
	if d > 0 {
		s.actionTimeout = d
	}
}

// StateView is the wire shape of one state in engine responses.
type StateView struct {
	ID          int64            `json:"id"`
	Code        string           `json:"code"`
	Name        string           `json:"name"`
	Type        models.StateType `json:"type"`
	Color       *string          `json:"color,omitempty"`
	Description *string          `json:"description,omitempty"`
}

func stateView(st *models.PipelineState) StateView {
	return StateView{
		ID:          st.ID,
		Code:        st.Code,
		Name:        st.Name,
		Type:        st.Type,
		Color:       st.Color,
		Description: st.Description,
	}
}

// TransitionOption is one outgoing transition from the entity's current
// state, annotated with whether the calling actor may take it right now.
type TransitionOption struct {
	ID                   int64     `json:"id"`
	Code                 string    `json:"code"`
	Name                 string    `json:"name"`
	Description          *string   `json:"description,omitempty"`
	ToState              StateView `json:"to_state"`
	RequiresComment      bool      `json:"requires_comment"`
	RequiresConfirmation bool      `json:"requires_confirmation"`
	RequiresApproval     bool      `json:"requires_approval"`
	IsAllowed            bool      `json:"is_allowed"`
	RejectionReasons     []string  `json:"rejection_reasons,omitempty"`
}

// EntityStateView is the full answer to "where is this entity and what can I
// do with it". Entered is false when the entity has never transitioned: the
// current state shown is then the pipeline's initial state.
type EntityStateView struct {
	Entity               pipelines.EntityRef          `json:"entity"`
	PipelineID           int64                        `json:"pipeline_id"`
	PipelineCode         string                       `json:"pipeline_code"`
	PipelineName         string                       `json:"pipeline_name"`
	CurrentState         StateView                    `json:"current_state"`
	Entered              bool                         `json:"entered"`
	LastTransitionedAt   *time.Time                   `json:"last_transitioned_at,omitempty"`
	LastTransitionedBy   *int64                       `json:"last_transitioned_by,omitempty"`
	AvailableTransitions []TransitionOption           `json:"available_transitions"`
	PendingApprovals     []*models.TransitionApproval `json:"pending_approvals,omitempty"`
}

// GetEntityState resolves the entity's current state and its outgoing
// transitions. An entity that never transitioned is reported at the initial
// state of the active pipeline for its kind.
func (s *TransitionService) GetEntityState(ctx context.Context, actor pipelines.Actor, ref pipelines.EntityRef) (*EntityStateView, error) {
	es, err := s.repos.EntityStates.GetByEntity(ref.Kind, ref.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return s.untrackedView(actor, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entity state for %s: %w", ref, err)
	}

	pipeline, err := s.repos.Pipelines.GetByID(es.PipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline %d: %w", es.PipelineID, err)
	}
	current, err := s.repos.States.GetByID(es.CurrentStateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load state %d: %w", es.CurrentStateID, err)
	}

	options, err := s.transitionOptions(actor, ref, current)
	if err != nil {
		return nil, err
	}
	pending, err := s.repos.Approvals.ListPending(ref.Kind, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending approvals for %s: %w", ref, err)
	}

	lastAt := es.LastTransitionedAt
	return &EntityStateView{
		Entity:               ref,
		PipelineID:           pipeline.ID,
		PipelineCode:         pipeline.Code,
		PipelineName:         pipeline.Name,
		CurrentState:         stateView(current),
		Entered:              true,
		LastTransitionedAt:   &lastAt,
		LastTransitionedBy:   es.LastTransitionedBy,
		AvailableTransitions: options,
		PendingApprovals:     pending,
	}, nil
}

func (s *TransitionService) untrackedView(actor pipelines.Actor, ref pipelines.EntityRef) (*EntityStateView, error) {
	pipeline, initial, err := s.pipelineForKind(ref.Kind)
	if err != nil {
		return nil, err
	}
	options, err := s.transitionOptions(actor, ref, initial)
	if err != nil {
		return nil, err
	}
	return &EntityStateView{
		Entity:               ref,
		PipelineID:           pipeline.ID,
		PipelineCode:         pipeline.Code,
		PipelineName:         pipeline.Name,
		CurrentState:         stateView(initial),
		Entered:              false,
		AvailableTransitions: options,
	}, nil
}

// pipelineForKind finds the active pipeline an untracked entity of this kind
// would enter, together with its initial state.
func (s *TransitionService) pipelineForKind(kind string) (*models.Pipeline, *models.PipelineState, error) {
	candidates, err := s.repos.Pipelines.GetActiveByEntityKind(kind)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to look up pipelines for kind %q: %w", kind, err)
	}
	if len(candidates) == 0 {
		return nil, nil, fmt.Errorf("%w: no active pipeline for entity kind %q", ErrNotFound, kind)
	}
	pipeline := candidates[0]

	initial, err := s.repos.States.GetInitial(pipeline.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: pipeline %q has no initial state", ErrNotFound, pipeline.Code)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load initial state of pipeline %q: %w", pipeline.Code, err)
	}
	return pipeline, initial, nil
}

// transitionOptions lists the active outgoing transitions of a state and
// evaluates permission and guard checks for the actor. Final states have no
// outgoing transitions by construction; the empty list is returned without a
// query.
func (s *TransitionService) transitionOptions(actor pipelines.Actor, ref pipelines.EntityRef, from *models.PipelineState) ([]TransitionOption, error) {
	if from.Type == models.StateTypeFinal {
		return []TransitionOption{}, nil
	}

	outgoing, err := s.repos.Transitions.ListActiveFrom(from.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions from state %q: %w", from.Code, err)
	}
	if len(outgoing) == 0 {
		return []TransitionOption{}, nil
	}

	attrs, err := s.snapshots.Snapshot(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot %s for guard evaluation: %w", ref, err)
	}

	options := make([]TransitionOption, 0, len(outgoing))
	for _, tr := range outgoing {
		toState, err := s.repos.States.GetByID(tr.ToStateID)
		if err != nil {
			return nil, fmt.Errorf("failed to load target state of transition %q: %w", tr.Code, err)
		}
		reasons := s.rejectionReasons(actor, tr, attrs)
		options = append(options, TransitionOption{
			ID:                   tr.ID,
			Code:                 tr.Code,
			Name:                 tr.Name,
			Description:          tr.Description,
			ToState:              stateView(toState),
			RequiresComment:      tr.RequiresComment,
			RequiresConfirmation: tr.RequiresConfirmation,
			RequiresApproval:     tr.RequiresApproval,
			IsAllowed:            len(reasons) == 0,
			RejectionReasons:     reasons,
		})
	}
	return options, nil
}

// rejectionReasons evaluates permission and guard conditions for one
// transition. An empty result means the transition is allowed.
func (s *TransitionService) rejectionReasons(actor pipelines.Actor, tr *models.PipelineTransition, attrs map[string]any) []string {
	var reasons []string

	if tr.RequiredPermission != nil && *tr.RequiredPermission != "" && !actor.Can(*tr.RequiredPermission) {
		reasons = append(reasons, fmt.Sprintf("missing permission %q", *tr.RequiredPermission))
	}

	guard, err := pipelines.ParseCondition(tr.GuardConditions)
	if err != nil {
		reasons = append(reasons, fmt.Sprintf("invalid guard conditions: %v", err))
		return reasons
	}
	if guard != nil && !guard.Evaluate(attrs) {
		failed := guard.FailedClauses(attrs)
		if len(failed) == 0 {
			failed = []string{guard.Describe()}
		}
		for _, clause := range failed {
			reasons = append(reasons, fmt.Sprintf("guard failed: %s", clause))
		}
	}
	return reasons
}

// ExecuteRequest carries the caller-supplied parts of a transition execution.
type ExecuteRequest struct {
	TransitionID int64
	Comment      string
	IPAddress    string
	UserAgent    string
}

// ExecuteResult reports a committed transition: the audit row that was
// written plus the refreshed entity view.
type ExecuteResult struct {
	Log      *models.StateLog           `json:"log"`
	State    *EntityStateView           `json:"state"`
	Approval *models.TransitionApproval `json:"approval,omitempty"`
}

// ExecuteTransition runs one transition end to end: from-state check, guard
// and permission re-evaluation, comment requirement, synchronous actions
// inside the transaction, state pointer update, and the audit log append.
// Concurrent executions for the same entity are serialized; the loser of the
// race re-checks against the new current state and fails the from-state check.
func (s *TransitionService) ExecuteTransition(ctx context.Context, actor pipelines.Actor, ref pipelines.EntityRef, req ExecuteRequest) (*ExecuteResult, error) {
	return s.execute(ctx, actor, ref, req, false)
}

func (s *TransitionService) execute(ctx context.Context, actor pipelines.Actor, ref pipelines.EntityRef, req ExecuteRequest, approvalGranted bool) (*ExecuteResult, error) {
	tr, err := s.repos.Transitions.GetByID(req.TransitionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: transition %d", ErrNotFound, req.TransitionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transition %d: %w", req.TransitionID, err)
	}
	if !tr.IsActive {
		return nil, fmt.Errorf("%w: transition %q is disabled", ErrNotFound, tr.Code)
	}

	pipeline, err := s.repos.Pipelines.GetByID(tr.PipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline %d: %w", tr.PipelineID, err)
	}
	if !pipeline.IsActive {
		return nil, fmt.Errorf("%w: pipeline %q is inactive", ErrNotFound, pipeline.Code)
	}
	if pipeline.EntityKind != ref.Kind {
		return nil, fmt.Errorf("%w: pipeline %q tracks %q entities, not %q",
			ErrInvalidTransition, pipeline.Code, pipeline.EntityKind, ref.Kind)
	}

	fromState, err := s.repos.States.GetByID(tr.FromStateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load source state: %w", err)
	}
	toState, err := s.repos.States.GetByID(tr.ToStateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load target state: %w", err)
	}

	unlock := s.locks.lock(entityKey(pipeline.ID, ref))
	defer unlock()

	attrs, err := s.snapshots.Snapshot(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot %s for guard evaluation: %w", ref, err)
	}

	// The from-state check decides first: a stale client always gets
	// ErrInvalidTransition, even when the guard or comment requirement would
	// also fail. The keyed lock keeps this read stable until the transaction
	// below commits; every entity-state writer takes the same lock.
	tracked, err := s.repos.EntityStates.Get(pipeline.ID, ref.Kind, ref.ID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to load entity state: %w", err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		tracked = nil
	}
	if err := s.sourceStateError(tracked, pipeline, tr, attrs); err != nil {
		return nil, err
	}

	// Guards and permissions are re-evaluated here regardless of what an
	// earlier GetEntityState reported; the answer may have changed since.
	if reasons := s.rejectionReasons(actor, tr, attrs); len(reasons) > 0 {
		return nil, &NotAllowedError{Reasons: reasons}
	}
	if tr.RequiresComment && strings.TrimSpace(req.Comment) == "" {
		return nil, fmt.Errorf("%w: transition %q", ErrCommentRequired, tr.Code)
	}

	if tr.RequiresApproval && !approvalGranted {
		approval, err := s.requestApproval(actor, ref, pipeline, tr, req.Comment)
		if err != nil {
			return nil, err
		}
		return &ExecuteResult{Approval: approval}, fmt.Errorf("%w: approval %s", ErrApprovalPending, approval.ApprovalID)
	}

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

	es, err := s.resolveEntityState(tx, actor, ref, pipeline, tr, attrs)
	if err != nil {
		return nil, err
	}

	actionMeta, pendingAsync, err := s.runActions(ctx, tx, actor, ref, attrs, pipeline, tr, fromState, toState, req.Comment)
	if err != nil {
		return nil, err
	}

	if err := s.repos.EntityStates.UpdateStateTx(tx, es.ID, toState.ID, &actor.UserID); err != nil {
		return nil, err
	}

	metadata := map[string]any{
		"transition_code": tr.Code,
		"from_state":      fromState.Code,
		"to_state":        toState.Code,
	}
	for k, v := range actionMeta {
		metadata[k] = v
	}
	encodedMeta, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode log metadata: %w", err)
	}

	fromID := fromState.ID
	entry, err := s.repos.StateLogs.AppendTx(tx, repositories.AppendStateLogParams{
		EntityStateID: es.ID,
		EntityKind:    ref.Kind,
		EntityID:      ref.ID,
		FromStateID:   &fromID,
		ToStateID:     toState.ID,
		TransitionID:  &tr.ID,
		PerformedBy:   &actor.UserID,
		Comment:       optionalString(req.Comment),
		Metadata:      encodedMeta,
		IPAddress:     optionalString(req.IPAddress),
		UserAgent:     optionalString(req.UserAgent),
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	committed = true

	// Async actions only leave the process once the transition is durable. A
	// publish failure at this point cannot abort anymore; it is logged.
	for _, action := range pendingAsync {
		if err := s.publishAsyncAction(ctx, action, ref, pipeline, tr, req.Comment, actor); err != nil {
			logging.Error("async action %s (order %d) on transition %q failed to publish for %s: %v",
				action.ActionType, action.ExecutionOrder, tr.Code, ref, err)
		}
	}
	s.publishTransitionEvent(ctx, ref, pipeline, tr, fromState, toState, actor, req.Comment)
	logging.Info("transition %s: %s %s -> %s by %s", tr.Code, ref, fromState.Code, toState.Code, actor.Name)

	view, err := s.GetEntityState(ctx, actor, ref)
	if err != nil {
		return nil, err
	}
	return &ExecuteResult{Log: entry, State: view}, nil
}

// sourceStateError reports why the transition cannot leave from the entity's
// current position: the current state does not match the transition's source,
// or an untracked entity is asked to run a transition that does not start
// from the initial state, or the entity fails the pipeline's entry
// conditions. es is nil for an untracked entity. A nil return means the
// from-state lines up.
func (s *TransitionService) sourceStateError(
	es *models.EntityState,
	pipeline *models.Pipeline,
	tr *models.PipelineTransition,
	attrs map[string]any,
) error {
	if es != nil {
		if es.CurrentStateID != tr.FromStateID {
			current, err := s.repos.States.GetByID(es.CurrentStateID)
			if err != nil {
				return fmt.Errorf("failed to load current state: %w", err)
			}
			return fmt.Errorf("%w: entity is in state %q, transition %q starts from a different state",
				ErrInvalidTransition, current.Code, tr.Code)
		}
		return nil
	}

	// Entering the pipeline. Only transitions out of the initial state may
	// create the tracking row.
	initial, err := s.repos.States.GetInitial(pipeline.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: pipeline %q has no initial state", ErrInvalidTransition, pipeline.Code)
	}
	if err != nil {
		return fmt.Errorf("failed to load initial state: %w", err)
	}
	if tr.FromStateID != initial.ID {
		return fmt.Errorf("%w: entity has not entered pipeline %q and transition %q does not start from its initial state",
			ErrInvalidTransition, pipeline.Code, tr.Code)
	}

	// Pipeline-level conditions decide whether this entity belongs to the
	// pipeline at all. They are checked once, at entry.
	cond, err := pipelines.ParseCondition(pipeline.Conditions)
	if err != nil {
		return fmt.Errorf("invalid pipeline conditions on %q: %w", pipeline.Code, err)
	}
	if cond != nil && !cond.Evaluate(attrs) {
		return &NotAllowedError{
			Reasons: []string{fmt.Sprintf("entity does not match pipeline conditions: %s", cond.Describe())},
		}
	}
	return nil
}

// resolveEntityState loads the tracking row inside the transaction, creating
// it lazily when the entity enters the pipeline through a transition out of
// the initial state. The from-state was already verified under the keyed
// lock; it is re-checked here against the row the update will see.
func (s *TransitionService) resolveEntityState(
	tx *sql.Tx,
	actor pipelines.Actor,
	ref pipelines.EntityRef,
	pipeline *models.Pipeline,
	tr *models.PipelineTransition,
	attrs map[string]any,
) (*models.EntityState, error) {
	es, err := s.repos.EntityStates.GetTx(tx, pipeline.ID, ref.Kind, ref.ID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to load entity state: %w", err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		es = nil
	}
	if serr := s.sourceStateError(es, pipeline, tr, attrs); serr != nil {
		return nil, serr
	}
	if es != nil {
		return es, nil
	}

	// The transition's source is the verified initial state.
	return s.repos.EntityStates.CreateTx(tx, repositories.CreateEntityStateParams{
		PipelineID:     pipeline.ID,
		EntityKind:     ref.Kind,
		EntityID:       ref.ID,
		CurrentStateID: tr.FromStateID,
		TransitionedBy: &actor.UserID,
	})
}

// runActions executes the transition's active actions in execution order.
// Synchronous actions run inside the transaction with a per-action deadline.
// Asynchronous actions are only queued here; the caller publishes them after
// the transaction commits, so an abort later in the chain leaves nothing
// externally visible. The returned map is merged into the audit log metadata.
func (s *TransitionService) runActions(
	ctx context.Context,
	tx *sql.Tx,
	actor pipelines.Actor,
	ref pipelines.EntityRef,
	attrs map[string]any,
	pipeline *models.Pipeline,
	tr *models.PipelineTransition,
	fromState, toState *models.PipelineState,
	comment string,
) (map[string]any, []*models.TransitionAction, error) {
	list, err := s.repos.Actions.ListActiveByTransition(tr.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list actions for transition %q: %w", tr.Code, err)
	}
	if len(list) == 0 {
		return nil, nil, nil
	}

	actx := actions.ActionContext{
		Tx:         tx,
		Entity:     ref,
		Attrs:      attrs,
		Pipeline:   pipeline,
		Transition: tr,
		FromState:  fromState,
		ToState:    toState,
		Actor:      actor,
		Comment:    comment,
	}

	var executed []map[string]any
	var failures []map[string]any
	var pending []*models.TransitionAction
	for _, action := range list {
		var result actions.Result
		var execErr error

		if action.IsAsync {
			if s.dispatcher == nil {
				execErr = fmt.Errorf("async action %s requires a dispatcher and none is configured", action.ActionType)
			} else {
				pending = append(pending, action)
				result = actions.Result{Detail: "queued"}
			}
		} else {
			result, execErr = s.runSyncAction(ctx, action, actx)
		}

		if execErr != nil {
			if action.OnFailure == models.OnFailureAbort {
				return nil, nil, &ActionError{
					ActionID:   action.ID,
					ActionType: action.ActionType,
					Order:      action.ExecutionOrder,
					Err:        execErr,
				}
			}
			failures = append(failures, map[string]any{
				"action_id":       action.ID,
				"action_type":     action.ActionType,
				"execution_order": action.ExecutionOrder,
				"error":           execErr.Error(),
				"on_failure":      action.OnFailure,
			})
			if action.OnFailure == models.OnFailureLogAndContinue {
				logging.Error("action %s (order %d) on transition %q failed for %s: %v",
					action.ActionType, action.ExecutionOrder, tr.Code, ref, execErr)
			}
			continue
		}

		entry := map[string]any{
			"action_type":     action.ActionType,
			"execution_order": action.ExecutionOrder,
			"async":           action.IsAsync,
		}
		if result.Detail != "" {
			entry["detail"] = result.Detail
		}
		if len(result.Metadata) > 0 {
			entry["result"] = result.Metadata
		}
		executed = append(executed, entry)
	}

	meta := map[string]any{}
	if len(executed) > 0 {
		meta["actions"] = executed
	}
	if len(failures) > 0 {
		meta["action_failures"] = failures
	}
	return meta, pending, nil
}

func (s *TransitionService) runSyncAction(ctx context.Context, action *models.TransitionAction, actx actions.ActionContext) (actions.Result, error) {
	handler, err := s.registry.Get(action.ActionType)
	if err != nil {
		return actions.Result{}, err
	}
	actionCtx, cancel := context.WithTimeout(ctx, s.actionTimeout)
	defer cancel()
	return handler.Execute(actionCtx, action, actx)
}

// publishAsyncAction hands the action off to the dispatcher at its ordered
// position. The transition does not wait for the consumer.
func (s *TransitionService) publishAsyncAction(
	ctx context.Context,
	action *models.TransitionAction,
	ref pipelines.EntityRef,
	pipeline *models.Pipeline,
	tr *models.PipelineTransition,
	comment string,
	actor pipelines.Actor,
) error {
	if s.dispatcher == nil {
		return fmt.Errorf("async action %s requires a dispatcher and none is configured", action.ActionType)
	}
	subject := fmt.Sprintf("actions.%s", action.ActionType)
	return s.dispatcher.PublishAction(ctx, subject, map[string]any{
		"action_id":       action.ID,
		"action_type":     action.ActionType,
		"execution_order": action.ExecutionOrder,
		"config":          json.RawMessage(actionConfigOrEmpty(action)),
		"entity_kind":     ref.Kind,
		"entity_id":       ref.ID,
		"pipeline":        pipeline.Code,
		"transition":      tr.Code,
		"comment":         comment,
		"actor":           actor.Name,
	})
}

func actionConfigOrEmpty(action *models.TransitionAction) []byte {
	if len(action.Config) == 0 {
		return []byte(`{}`)
	}
	return action.Config
}

func (s *TransitionService) publishTransitionEvent(
	ctx context.Context,
	ref pipelines.EntityRef,
	pipeline *models.Pipeline,
	tr *models.PipelineTransition,
	fromState, toState *models.PipelineState,
	actor pipelines.Actor,
	comment string,
) {
	if s.dispatcher == nil {
		return
	}
	subject := fmt.Sprintf("events.%s.%d", ref.Kind, ref.ID)
	err := s.dispatcher.PublishEvent(ctx, subject, map[string]any{
		"event":       "transition.executed",
		"entity_kind": ref.Kind,
		"entity_id":   ref.ID,
		"pipeline":    pipeline.Code,
		"transition":  tr.Code,
		"from_state":  fromState.Code,
		"to_state":    toState.Code,
		"actor":       actor.Name,
		"comment":     comment,
		"occurred_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		// The transition is already committed; event delivery is best effort.
		logging.Error("failed to publish transition event for %s: %v", ref, err)
	}
}

// EnterPipeline seeds an entity directly into the pipeline's initial state
// without a transition. The log row records a nil from-state. Seeding an
// already tracked entity is a no-op returning the current view.
func (s *TransitionService) EnterPipeline(ctx context.Context, actor pipelines.Actor, ref pipelines.EntityRef) (*EntityStateView, error) {
	pipeline, initial, err := s.pipelineForKind(ref.Kind)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(entityKey(pipeline.ID, ref))
	defer unlock()

	attrs, err := s.snapshots.Snapshot(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot %s: %w", ref, err)
	}
	cond, err := pipelines.ParseCondition(pipeline.Conditions)
	if err != nil {
		return nil, fmt.Errorf("invalid pipeline conditions on %q: %w", pipeline.Code, err)
	}
	if cond != nil && !cond.Evaluate(attrs) {
		return nil, &NotAllowedError{
			Reasons: []string{fmt.Sprintf("entity does not match pipeline conditions: %s", cond.Describe())},
		}
	}

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

	if _, err := s.repos.EntityStates.GetTx(tx, pipeline.ID, ref.Kind, ref.ID); err == nil {
		return s.GetEntityState(ctx, actor, ref)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to load entity state: %w", err)
	}

	es, err := s.repos.EntityStates.CreateTx(tx, repositories.CreateEntityStateParams{
		PipelineID:     pipeline.ID,
		EntityKind:     ref.Kind,
		EntityID:       ref.ID,
		CurrentStateID: initial.ID,
		TransitionedBy: &actor.UserID,
	})
	if err != nil {
		return nil, err
	}

	_, err = s.repos.StateLogs.AppendTx(tx, repositories.AppendStateLogParams{
		EntityStateID: es.ID,
		EntityKind:    ref.Kind,
		EntityID:      ref.ID,
		ToStateID:     initial.ID,
		PerformedBy:   &actor.UserID,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit pipeline entry: %w", err)
	}
	committed = true

	logging.Info("entity %s entered pipeline %q at %q", ref, pipeline.Code, initial.Code)
	return s.GetEntityState(ctx, actor, ref)
}

// requestApproval records a pending approval for the transition, reusing an
// existing pending request instead of stacking duplicates.
func (s *TransitionService) requestApproval(
	actor pipelines.Actor,
	ref pipelines.EntityRef,
	pipeline *models.Pipeline,
	tr *models.PipelineTransition,
	comment string,
) (*models.TransitionApproval, error) {
	existing, err := s.repos.Approvals.GetPending(tr.ID, ref.Kind, ref.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to check pending approvals: %w", err)
	}

	approval, err := s.repos.Approvals.Create(repositories.CreateApprovalParams{
		ApprovalID:   newApprovalID(),
		PipelineID:   pipeline.ID,
		TransitionID: tr.ID,
		EntityKind:   ref.Kind,
		EntityID:     ref.ID,
		RequestedBy:  &actor.UserID,
		Comment:      optionalString(comment),
	})
	if err != nil {
		return nil, err
	}
	logging.Info("approval %s requested for transition %q on %s by %s", approval.ApprovalID, tr.Code, ref, actor.Name)
	return approval, nil
}

// ApproveTransition records the decision and immediately executes the
// approved transition attributed to the approver.
func (s *TransitionService) ApproveTransition(ctx context.Context, approver pipelines.Actor, approvalID, reason string) (*ExecuteResult, error) {
	approval, err := s.repos.Approvals.GetByApprovalID(approvalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: approval %s", ErrNotFound, approvalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load approval %s: %w", approvalID, err)
	}
	if approval.Status != models.ApprovalStatusPending {
		return nil, fmt.Errorf("%w: approval %s is already %s", ErrNotFound, approvalID, approval.Status)
	}

	if _, err := s.repos.Approvals.Decide(approvalID, models.ApprovalStatusApproved, approver.UserID, optionalString(reason)); err != nil {
		return nil, err
	}

	comment := ""
	if approval.Comment != nil {
		comment = *approval.Comment
	}
	ref := pipelines.EntityRef{Kind: approval.EntityKind, ID: approval.EntityID}
	return s.execute(ctx, approver, ref, ExecuteRequest{
		TransitionID: approval.TransitionID,
		Comment:      comment,
	}, true)
}

// RejectTransition records a rejection. The entity stays where it is.
func (s *TransitionService) RejectTransition(approver pipelines.Actor, approvalID, reason string) (*models.TransitionApproval, error) {
	approval, err := s.repos.Approvals.GetByApprovalID(approvalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: approval %s", ErrNotFound, approvalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load approval %s: %w", approvalID, err)
	}
	if approval.Status != models.ApprovalStatusPending {
		return nil, fmt.Errorf("%w: approval %s is already %s", ErrNotFound, approvalID, approval.Status)
	}
	return s.repos.Approvals.Decide(approvalID, models.ApprovalStatusRejected, approver.UserID, optionalString(reason))
}

// TimelinePage is one page of an entity's audit trail, newest first. States
// maps every state id referenced by the page to its display form.
type TimelinePage struct {
	Entries []*models.StateLog  `json:"entries"`
	States  map[int64]StateView `json:"states"`
	Page    int64               `json:"page"`
	PerPage int64               `json:"per_page"`
	Total   int64               `json:"total"`
}

// GetTimeline returns the paginated state history of an entity.
func (s *TransitionService) GetTimeline(ctx context.Context, ref pipelines.EntityRef, page, perPage int64) (*TimelinePage, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 200 {
		perPage = 20
	}

	entries, err := s.repos.StateLogs.ListByEntity(ref.Kind, ref.ID, page, perPage)
	if err != nil {
		return nil, err
	}
	total, err := s.repos.StateLogs.CountByEntity(ref.Kind, ref.ID)
	if err != nil {
		return nil, err
	}

	states := make(map[int64]StateView)
	resolve := func(id int64) error {
		if _, ok := states[id]; ok {
			return nil
		}
		st, err := s.repos.States.GetByID(id)
		if err != nil {
			return fmt.Errorf("failed to load state %d: %w", id, err)
		}
		states[id] = stateView(st)
		return nil
	}
	for _, entry := range entries {
		if entry.FromStateID != nil {
			if err := resolve(*entry.FromStateID); err != nil {
				return nil, err
			}
		}
		if err := resolve(entry.ToStateID); err != nil {
			return nil, err
		}
	}

	return &TimelinePage{
		Entries: entries,
		States:  states,
		Page:    page,
		PerPage: perPage,
		Total:   total,
	}, nil
}

// entityLocks serializes transitions per entity within this process. SQLite
// gives us a single writer anyway; the keyed lock makes the read-check-write
// sequence around the transaction race free.
type entityLocks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func entityKey(pipelineID int64, ref pipelines.EntityRef) string {
	return fmt.Sprintf("%d/%s/%d", pipelineID, ref.Kind, ref.ID)
}

func (l *entityLocks) lock(key string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*refLock)
	}
	entry, ok := l.locks[key]
	if !ok {
		entry = &refLock{}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func newApprovalID() string {
	return uuid.NewString()
}
