package services

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"flowline/internal/db"
	"flowline/internal/db/repositories"
	"flowline/internal/pipelines"
	"flowline/internal/pipelines/actions"
	"flowline/pkg/models"
)

// fixture wires a fresh database with an asset lifecycle pipeline:
//
//	draft --activate--> active --dispose--> disposed
//
// activate carries a guard (amount >= 100); dispose requires a comment and
// the asset.dispose permission.
type fixture struct {
	t           *testing.T
	db          *db.TestDB
	repos       *repositories.Repositories
	pipelineSvc *PipelineService
	transitions *TransitionService
	custom      *actions.CustomHandler
	admin       pipelines.Actor

	pipeline *models.Pipeline
	draft    *models.PipelineState
	active   *models.PipelineState
	disposed *models.PipelineState
	activate *TransitionDetail
	dispose  *TransitionDetail
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	database, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	repos := repositories.New(database)
	adminUser, err := repos.Users.Create("admin", true, nil)
	require.NoError(t, err)
	admin := pipelines.NewActor(adminUser.ID, adminUser.Username, true, nil)

	custom := actions.NewCustomHandler()
	registry := actions.NewRegistry()
	registry.Register(custom)
	registry.Register(actions.NewUpdateFieldHandler(repos.Entities))
	registry.Register(actions.NewCreateRecordHandler(repos.Entities))

	f := &fixture{
		t:           t,
		db:          database,
		repos:       repos,
		pipelineSvc: NewPipelineService(repos),
		transitions: NewTransitionService(repos, registry, nil, nil),
		custom:      custom,
		admin:       admin,
	}

	f.pipeline = f.createPipeline(CreatePipelineInput{
		Name:       "Asset Lifecycle",
		Code:       "asset-lifecycle",
		EntityKind: "asset",
	})
	f.draft = f.addState(StateInput{Code: "draft", Name: "Draft", Type: models.StateTypeInitial})
	f.active = f.addState(StateInput{Code: "active", Name: "Active", Type: models.StateTypeIntermediate})
	f.disposed = f.addState(StateInput{Code: "disposed", Name: "Disposed", Type: models.StateTypeFinal})

	f.activate = f.addTransition(TransitionInput{
		FromStateID:     f.draft.ID,
		ToStateID:       f.active.ID,
		Code:            "activate",
		Name:            "Activate",
		GuardConditions: json.RawMessage(`{"op":"gte","field":"amount","value":100}`),
		IsActive:        true,
	})
	f.dispose = f.addTransition(TransitionInput{
		FromStateID:        f.active.ID,
		ToStateID:          f.disposed.ID,
		Code:               "dispose",
		Name:               "Dispose",
		RequiredPermission: "asset.dispose",
		RequiresComment:    true,
		IsActive:           true,
	})
	return f
}

func (f *fixture) createPipeline(input CreatePipelineInput) *models.Pipeline {
	f.t.Helper()
	pipeline, err := f.pipelineSvc.CreatePipeline(f.admin, input)
	require.NoError(f.t, err)
	return pipeline
}

func (f *fixture) addState(input StateInput) *models.PipelineState {
	f.t.Helper()
	state, err := f.pipelineSvc.AddState(f.admin, f.pipeline.ID, input)
	require.NoError(f.t, err)
	return state
}

func (f *fixture) addTransition(input TransitionInput) *TransitionDetail {
	f.t.Helper()
	tr, err := f.pipelineSvc.AddTransition(f.admin, f.pipeline.ID, input)
	require.NoError(f.t, err)
	return tr
}

// setActions replaces a transition's action list, keeping everything else.
func (f *fixture) setActions(tr *TransitionDetail, inputs []ActionInput) *TransitionDetail {
	f.t.Helper()
	permission := ""
	if tr.RequiredPermission != nil {
		permission = *tr.RequiredPermission
	}
	updated, err := f.pipelineSvc.UpdateTransition(f.admin, tr.ID, TransitionInput{
		Code:               tr.Code,
		Name:               tr.Name,
		RequiredPermission: permission,
		GuardConditions:    tr.GuardConditions,
		RequiresComment:    tr.RequiresComment,
		RequiresApproval:   tr.RequiresApproval,
		SortOrder:          tr.SortOrder,
		IsActive:           tr.IsActive,
		Actions:            inputs,
	})
	require.NoError(f.t, err)
	return updated
}

// newEntity stores an asset with the given guard attributes and returns its
// ref.
func (f *fixture) newEntity(name string, attrs map[string]any) pipelines.EntityRef {
	f.t.Helper()
	encoded, err := json.Marshal(attrs)
	require.NoError(f.t, err)
	entity, err := f.repos.Entities.Create("asset", name, encoded)
	require.NoError(f.t, err)
	return pipelines.EntityRef{Kind: entity.Kind, ID: entity.ID}
}

func (f *fixture) newUser(username string, isAdmin bool, permissions []string) pipelines.Actor {
	f.t.Helper()
	user, err := f.repos.Users.Create(username, isAdmin, permissions)
	require.NoError(f.t, err)
	return pipelines.NewActor(user.ID, user.Username, user.IsAdmin, user.Permissions)
}

func (f *fixture) logCount(ref pipelines.EntityRef) int64 {
	f.t.Helper()
	count, err := f.repos.StateLogs.CountByEntity(ref.Kind, ref.ID)
	require.NoError(f.t, err)
	return count
}
