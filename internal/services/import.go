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

// ImportResult reports what one definition import did.
type ImportResult struct {
	PipelineID int64                       `json:"pipeline_id"`
	Code       string                      `json:"code"`
	Created    bool                        `json:"created"`
	Version    int64                       `json:"version"`
	Warnings   []pipelines.ValidationIssue `json:"warnings,omitempty"`
}

// ImportDefinition upserts a declarative pipeline definition. States are
// reconciled by code so tracked entities keep their positions; transitions
// and their actions are replaced wholesale.
func (s *PipelineService) ImportDefinition(actor pipelines.Actor, def *pipelines.Definition) (*ImportResult, error) {
	if err := s.requireManage(actor); err != nil {
		return nil, err
	}

	result := pipelines.ValidateDefinition(def)
	if !result.OK() {
		msgs := make([]string, 0, len(result.Errors))
		for _, issue := range result.Errors {
			msgs = append(msgs, fmt.Sprintf("%s: %s", issue.Path, issue.Message))
		}
		return nil, fmt.Errorf("%w: %s", pipelines.ErrValidation, strings.Join(msgs, "; "))
	}

	conditions, err := marshalCondition(def.Conditions)
	if err != nil {
		return nil, err
	}

	pipeline, err := s.repos.Pipelines.GetByCode(def.Code)
	created := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		pipeline, err = s.repos.Pipelines.Create(repositories.CreatePipelineParams{
			Name:        def.Name,
			Code:        def.Code,
			EntityKind:  def.EntityKind,
			Description: optionalString(def.Description),
			Conditions:  conditions,
			CreatedBy:   &actor.UserID,
		})
		if err != nil {
			return nil, err
		}
		created = true
	case err != nil:
		return nil, fmt.Errorf("failed to look up pipeline %q: %w", def.Code, err)
	default:
		if pipeline.EntityKind != def.EntityKind {
			return nil, &ConflictError{Reason: fmt.Sprintf(
				"pipeline %q tracks %q entities; the definition declares %q",
				def.Code, pipeline.EntityKind, def.EntityKind)}
		}
		err = s.repos.Pipelines.Update(repositories.UpdatePipelineParams{
			ID:          pipeline.ID,
			Name:        def.Name,
			Description: optionalString(def.Description),
			IsActive:    pipeline.IsActive,
			Conditions:  conditions,
		})
		if err != nil {
			return nil, err
		}
	}

	stateIDs, err := s.reconcileStates(pipeline.ID, def.States)
	if err != nil {
		return nil, err
	}
	if err := s.replaceTransitions(pipeline.ID, def.Transitions, stateIDs); err != nil {
		return nil, err
	}

	if !created {
		if err := s.repos.Pipelines.BumpVersion(pipeline.ID); err != nil {
			return nil, err
		}
	}
	pipeline, err = s.repos.Pipelines.GetByID(pipeline.ID)
	if err != nil {
		return nil, err
	}

	logging.Info("pipeline %q imported (version %d) by %s", pipeline.Code, pipeline.Version, actor.Name)
	return &ImportResult{
		PipelineID: pipeline.ID,
		Code:       pipeline.Code,
		Created:    created,
		Version:    pipeline.Version,
		Warnings:   result.Warnings,
	}, nil
}

// reconcileStates matches definition states to stored ones by code: matched
// states are updated in place, new ones created, and states absent from the
// definition deleted once nothing references them.
func (s *PipelineService) reconcileStates(pipelineID int64, defs []pipelines.StateDefinition) (map[string]int64, error) {
	existing, err := s.repos.States.ListByPipeline(pipelineID)
	if err != nil {
		return nil, err
	}
	byCode := make(map[string]*models.PipelineState, len(existing))
	for _, st := range existing {
		byCode[st.Code] = st
	}

	ids := make(map[string]int64, len(defs))
	wanted := make(map[string]bool, len(defs))
	for i, def := range defs {
		wanted[def.Code] = true
		sortOrder := def.SortOrder
		if sortOrder == 0 {
			sortOrder = int64(i)
		}
		metadata, err := marshalMap(def.Metadata)
		if err != nil {
			return nil, err
		}

		if current, ok := byCode[def.Code]; ok {
			err = s.repos.States.Update(repositories.UpdateStateParams{
				ID:          current.ID,
				Code:        def.Code,
				Name:        def.Name,
				Type:        def.Type,
				Color:       optionalString(def.Color),
				Icon:        optionalString(def.Icon),
				Description: optionalString(def.Description),
				SortOrder:   sortOrder,
				Metadata:    metadata,
			})
			if err != nil {
				return nil, err
			}
			ids[def.Code] = current.ID
			continue
		}

		state, err := s.repos.States.Create(repositories.CreateStateParams{
			PipelineID:  pipelineID,
			Code:        def.Code,
			Name:        def.Name,
			Type:        def.Type,
			Color:       optionalString(def.Color),
			Icon:        optionalString(def.Icon),
			Description: optionalString(def.Description),
			SortOrder:   sortOrder,
			Metadata:    metadata,
		})
		if err != nil {
			return nil, err
		}
		ids[def.Code] = state.ID
	}

	for _, st := range existing {
		if wanted[st.Code] {
			continue
		}
		occupied, err := s.repos.States.CountEntitiesIn(st.ID)
		if err != nil {
			return nil, err
		}
		if occupied > 0 {
			return nil, &ConflictError{Reason: fmt.Sprintf(
				"state %q was removed from the definition but %d entities are still in it", st.Code, occupied)}
		}
	}
	return ids, nil
}

// replaceTransitions drops the pipeline's transitions and recreates them from
// the definition, then deletes states no longer present. Deleting transitions
// first releases the foreign keys on removed states.
func (s *PipelineService) replaceTransitions(pipelineID int64, defs []pipelines.TransitionDefinition, stateIDs map[string]int64) error {
	existing, err := s.repos.Transitions.ListByPipeline(pipelineID)
	if err != nil {
		return err
	}
	for _, tr := range existing {
		if err := s.repos.Transitions.Delete(tr.ID); err != nil {
			return err
		}
	}

	for i, def := range defs {
		guard, err := marshalCondition(def.Guard)
		if err != nil {
			return err
		}
		sortOrder := def.SortOrder
		if sortOrder == 0 {
			sortOrder = int64(i)
		}

		tr, err := s.repos.Transitions.Create(repositories.CreateTransitionParams{
			PipelineID:           pipelineID,
			FromStateID:          stateIDs[def.From],
			ToStateID:            stateIDs[def.To],
			Code:                 def.Code,
			Name:                 def.Name,
			Description:          optionalString(def.Description),
			RequiredPermission:   optionalString(def.RequiredPermission),
			GuardConditions:      guard,
			RequiresConfirmation: def.RequiresConfirmation,
			RequiresComment:      def.RequiresComment,
			RequiresApproval:     def.RequiresApproval,
			SortOrder:            sortOrder,
			IsActive:             true,
		})
		if err != nil {
			return err
		}

		for _, actionDef := range def.Actions {
			config, err := actionDef.ConfigJSON()
			if err != nil {
				return err
			}
			onFailure := actionDef.OnFailure
			if onFailure == "" {
				onFailure = models.OnFailureAbort
			}
			_, err = s.repos.Actions.Create(repositories.CreateActionParams{
				TransitionID:   tr.ID,
				ActionType:     actionDef.Type,
				ExecutionOrder: actionDef.Order,
				Config:         config,
				IsAsync:        actionDef.IsAsync,
				OnFailure:      onFailure,
				IsActive:       true,
			})
			if err != nil {
				return err
			}
		}
	}

	return s.deleteOrphanStates(pipelineID, stateIDs)
}

func (s *PipelineService) deleteOrphanStates(pipelineID int64, keep map[string]int64) error {
	states, err := s.repos.States.ListByPipeline(pipelineID)
	if err != nil {
		return err
	}
	for _, st := range states {
		if _, ok := keep[st.Code]; ok {
			continue
		}
		if err := s.repos.States.Delete(st.ID); err != nil {
			return err
		}
	}
	return nil
}

// ImportFromDir loads every pipeline definition file in a directory and
// imports them one by one.
func (s *PipelineService) ImportFromDir(actor pipelines.Actor, dir string) ([]*ImportResult, error) {
	loader := pipelines.NewLoader(dir)
	loaded, err := loader.LoadAll()
	if err != nil {
		return nil, err
	}
	if len(loaded.Errors) > 0 {
		first := loaded.Errors[0]
		return nil, fmt.Errorf("failed to load %s: %w", first.FilePath, first.Error)
	}

	results := make([]*ImportResult, 0, len(loaded.Pipelines))
	for _, file := range loaded.Pipelines {
		result, err := s.ImportDefinition(actor, file.Definition)
		if err != nil {
			return results, fmt.Errorf("import of %s failed: %w", file.FilePath, err)
		}
		results = append(results, result)
	}
	return results, nil
}

func marshalCondition(c *pipelines.Condition) (json.RawMessage, error) {
	if c == nil {
		return nil, nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode conditions: %w", err)
	}
	return raw, nil
}

func marshalMap(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return raw, nil
}
