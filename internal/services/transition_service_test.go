package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowline/internal/pipelines"
	"flowline/internal/pipelines/actions"
	"flowline/pkg/models"
)

func TestGetEntityStateUntracked(t *testing.T) {
	f := newFixture(t)
	ref := f.newEntity("Printer", map[string]any{"amount": 500})

	view, err := f.transitions.GetEntityState(context.Background(), f.admin, ref)
	require.NoError(t, err)

	assert.False(t, view.Entered)
	assert.Equal(t, "draft", view.CurrentState.Code)
	assert.Equal(t, "asset-lifecycle", view.PipelineCode)
	require.Len(t, view.AvailableTransitions, 1)
	assert.Equal(t, "activate", view.AvailableTransitions[0].Code)
	assert.True(t, view.AvailableTransitions[0].IsAllowed)
}

func TestExecuteTransitionHappyPath(t *testing.T) {
	f := newFixture(t)
	ref := f.newEntity("Printer", map[string]any{"amount": 500})

	result, err := f.transitions.ExecuteTransition(context.Background(), f.admin, ref, ExecuteRequest{
		TransitionID: f.activate.ID,
	})
	require.NoError(t, err)

	require.NotNil(t, result.Log)
	require.NotNil(t, result.Log.FromStateID)
	assert.Equal(t, f.draft.ID, *result.Log.FromStateID)
	assert.Equal(t, f.active.ID, result.Log.ToStateID)
	require.NotNil(t, result.Log.TransitionID)
	assert.Equal(t, f.activate.ID, *result.Log.TransitionID)
	require.NotNil(t, result.Log.PerformedBy)
	assert.Equal(t, f.admin.UserID, *result.Log.PerformedBy)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(result.Log.Metadata, &meta))
	assert.Equal(t, "activate", meta["transition_code"])
	assert.Equal(t, "draft", meta["from_state"])
	assert.Equal(t, "active", meta["to_state"])

	assert.True(t, result.State.Entered)
	assert.Equal(t, "active", result.State.CurrentState.Code)
	assert.Equal(t, int64(1), f.logCount(ref))

	es, err := f.repos.EntityStates.GetByEntity(ref.Kind, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, f.active.ID, es.CurrentStateID)
}

func TestExecuteTransitionWrongFromState(t *testing.T) {
	f := newFixture(t)
	ref := f.newEntity("Printer", map[string]any{"amount": 500})

	_, err := f.transitions.ExecuteTransition(context.Background(), f.admin, ref, ExecuteRequest{TransitionID: f.activate.ID})
	require.NoError(t, err)

	// The entity is now in "active"; activate starts from "draft".
	_, err = f.transitions.ExecuteTransition(context.Background(), f.admin, ref, ExecuteRequest{TransitionID: f.activate.ID})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), `"active"`)

	es, err := f.repos.EntityStates.GetByEntity(ref.Kind, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, f.active.ID, es.CurrentStateID)
	assert.Equal(t, int64(1), f.logCount(ref))
}

func TestExecuteTransitionGuardDenied(t *testing.T) {
	f := newFixture(t)
	ref := f.newEntity("Cheap Stapler", map[string]any{"amount": 50})

	_, err := f.transitions.ExecuteTransition(context.Background(), f.admin, ref, ExecuteRequest{TransitionID: f.activate.ID})
	require.Error(t, err)

	var notAllowed *NotAllowedError
	require.ErrorAs(t, err, &notAllowed)
	require.NotEmpty(t, notAllowed.Reasons)
	assert.Contains(t, notAllowed.Reasons[0], "guard failed")
	assert.Contains(t, notAllowed.Reasons[0], "amount")

	// Nothing was tracked or logged.
	_, err = f.repos.EntityStates.GetByEntity(ref.Kind, ref.ID)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.Equal(t, int64(0), f.logCount(ref))
}

func TestExecuteTransitionPermissionDenied(t *testing.T) {
	f := newFixture(t)
	ref := f.newEntity("Printer", map[string]any{"amount": 500})
	clerk := f.newUser("clerk", false, nil)

	_, err := f.transitions.ExecuteTransition(context.Background(), clerk, ref, ExecuteRequest{TransitionID: f.activate.ID})
	require.NoError(t, err)

	_, err = f.transitions.ExecuteTransition(context.Background(), clerk, ref, ExecuteRequest{
		TransitionID: f.dispose.ID,
		Comment:      "end of life",
	})
	require.Error(t, err)
	var notAllowed *NotAllowedError
	require.ErrorAs(t, err, &notAllowed)
	assert.Contains(t, notAllowed.Reasons[0], `missing permission "asset.dispose"`)

	// The same call succeeds once the user holds the permission.
	operator := f.newUser("operator", false, []string{"asset.dispose"})
	result, err := f.transitions.ExecuteTransition(context.Background(), operator, ref, ExecuteRequest{
		TransitionID: f.dispose.ID,
		Comment:      "end of life",
	})
	require.NoError(t, err)
	assert.Equal(t, "disposed", result.State.CurrentState.Code)
}

func TestExecuteTransitionCommentRequired(t *testing.T) {
	f := newFixture(t)
	ref := f.newEntity("Printer", map[string]any{"amount": 500})

	_, err := f.transitions.ExecuteTransition(context.Background(), f.admin, ref, ExecuteRequest{TransitionID: f.activate.ID})
	require.NoError(t, err)

	_, err = f.transitions.ExecuteTransition(context.Background(), f.admin, ref, ExecuteRequest{
		TransitionID: f.dispose.ID,
		Comment:      "   ",
	})
	assert.ErrorIs(t, err, ErrCommentRequired)
	assert.Equal(t, int64(1), f.logCount(ref))

	result, err := f.transitions.ExecuteTransition(context.Background(), f.admin, ref, ExecuteRequest{
		TransitionID: f.dispose.ID,
		Comment:      "scrapped after audit",
	})
	require.NoError(t, err)
	require.NotNil(t, result.Log.Comment)
	assert.Equal(t, "scrapped after audit", *result.Log.Comment)
}

func TestExecuteTransitionAbortRollsBack(t *testing.T) {
	f := newFixture(t)
	f.custom.RegisterFunc("boom", func(ctx context.Context, actx actions.ActionContext, config map[string]any) (actions.Result, error) {
		return actions.Result{}, fmt.Errorf("downstream unavailable")
	})
	f.setActions(f.activate, []ActionInput{
		{Type: models.ActionCustom, Order: 10, Config: map[string]any{"handler": "boom"}, OnFailure: models.OnFailureAbort},
	})
	ref := f.newEntity("Printer", map[string]any{"amount": 500})

	_, err := f.transitions.ExecuteTransition(context.Background(), f.admin, ref, ExecuteRequest{TransitionID: f.activate.ID})
	require.Error(t, err)

	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, models.ActionCustom, actionErr.ActionType)
	assert.Equal(t, int64(10), actionErr.Order)
	assert.ErrorIs(t, err, ErrActionExecutionFailed)

	// Full rollback: no state change, no tracking row, no audit row.
	_, err = f.repos.EntityStates.GetByEntity(ref.Kind, ref.ID)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.Equal(t, int64(0), f.logCount(ref))
}

func TestExecuteTransitionContinueRecordsFailure(t *testing.T) {
	f := newFixture(t)
	var ran []string
	f.custom.RegisterFunc("boom", func(ctx context.Context, actx actions.ActionContext, config map[string]any) (actions.Result, error) {
		return actions.Result{}, fmt.Errorf("downstream unavailable")
	})
	f.custom.RegisterFunc("record", func(ctx context.Context, actx actions.ActionContext, config map[string]any) (actions.Result, error) {
		ran = append(ran, "record")
		return actions.Result{Detail: "recorded"}, nil
	})
	f.setActions(f.activate, []ActionInput{
		{Type: models.ActionCustom, Order: 10, Config: map[string]any{"handler": "boom"}, OnFailure: models.OnFailureContinue},
		{Type: models.ActionCustom, Order: 20, Config: map[string]any{"handler": "record"}, OnFailure: models.OnFailureAbort},
	})
	ref := f.newEntity("Printer", map[string]any{"amount": 500})

	result, err := f.transitions.ExecuteTransition(context.Background(), f.admin, ref, ExecuteRequest{TransitionID: f.activate.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"record"}, ran)
	assert.Equal(t, "active", result.State.CurrentState.Code)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(result.Log.Metadata, &meta))
	failures, ok := meta["action_failures"].([]any)
	require.True(t, ok, "expected action_failures in log metadata")
	require.Len(t, failures, 1)
	failure := failures[0].(map[string]any)
	assert.Equal(t, "custom", failure["action_type"])
	assert.Contains(t, failure["error"], "downstream unavailable")
	executed, ok := meta["actions"].([]any)
	require.True(t, ok)
	assert.Len(t, executed, 1)
}

func TestActionsRunInExecutionOrder(t *testing.T) {
	f := newFixture(t)
	var order []string
	f.custom.RegisterFunc("tag", func(ctx context.Context, actx actions.ActionContext, config map[string]any) (actions.Result, error) {
		order = append(order, config["tag"].(string))
		return actions.Result{}, nil
	})
	f.setActions(f.activate, []ActionInput{
		{Type: models.ActionCustom, Order: 30, Config: map[string]any{"handler": "tag", "params": map[string]any{"tag": "third"}}},
		{Type: models.ActionCustom, Order: 10, Config: map[string]any{"handler": "tag", "params": map[string]any{"tag": "first"}}},
		{Type: models.ActionCustom, Order: 20, Config: map[string]any{"handler": "tag", "params": map[string]any{"tag": "second"}}},
	})
	ref := f.newEntity("Printer", map[string]any{"amount": 500})

	_, err := f.transitions.ExecuteTransition(context.Background(), f.admin, ref, ExecuteRequest{TransitionID: f.activate.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestUpdateFieldActionWritesThroughTransaction(t *testing.T) {
	f := newFixture(t)
	f.setActions(f.activate, []ActionInput{
		{Type: models.ActionUpdateField, Order: 10, Config: map[string]any{"field": "status", "value": "in_service"}},
	})
	ref := f.newEntity("Printer", map[string]any{"amount": 500})

	_, err := f.transitions.ExecuteTransition(context.Background(), f.admin, ref, ExecuteRequest{TransitionID: f.activate.ID})
	require.NoError(t, err)

	attrs, err := f.repos.Entities.Attrs(ref.Kind, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, "in_service", attrs["status"])
	assert.EqualValues(t, 500, attrs["amount"])
}

func TestApprovalFlow(t *testing.T) {
	f := newFixture(t)
	updated, err := f.pipelineSvc.UpdateTransition(f.admin, f.dispose.ID, TransitionInput{
		Code:               "dispose",
		Name:               "Dispose",
		RequiredPermission: "asset.dispose",
		RequiresComment:    true,
		RequiresApproval:   true,
		IsActive:           true,
	})
	require.NoError(t, err)
	f.dispose = updated

	ref := f.newEntity("Printer", map[string]any{"amount": 500})
	_, err = f.transitions.ExecuteTransition(context.Background(), f.admin, ref, ExecuteRequest{TransitionID: f.activate.ID})
	require.NoError(t, err)

	result, err := f.transitions.ExecuteTransition(context.Background(), f.admin, ref, ExecuteRequest{
		TransitionID: f.dispose.ID,
		Comment:      "retiring",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrApprovalPending)
	require.NotNil(t, result)
	require.NotNil(t, result.Approval)
	assert.Equal(t, models.ApprovalStatusPending, result.Approval.Status)

	// Retrying while pending reuses the same approval instead of stacking.
	retry, err := f.transitions.ExecuteTransition(context.Background(), f.admin, ref, ExecuteRequest{
		TransitionID: f.dispose.ID,
		Comment:      "retiring",
	})
	require.ErrorIs(t, err, ErrApprovalPending)
	assert.Equal(t, result.Approval.ApprovalID, retry.Approval.ApprovalID)

	// The entity has not moved.
	view, err := f.transitions.GetEntityState(context.Background(), f.admin, ref)
	require.NoError(t, err)
	assert.Equal(t, "active", view.CurrentState.Code)

	approver := f.newUser("approver", true, nil)
	approved, err := f.transitions.ApproveTransition(context.Background(), approver, result.Approval.ApprovalID, "looks right")
	require.NoError(t, err)
	assert.Equal(t, "disposed", approved.State.CurrentState.Code)
	require.NotNil(t, approved.Log.PerformedBy)
	assert.Equal(t, approver.UserID, *approved.Log.PerformedBy)

	// A decided approval cannot be decided again.
	_, err = f.transitions.ApproveTransition(context.Background(), approver, result.Approval.ApprovalID, "again")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRejectTransitionLeavesEntityInPlace(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipelineSvc.UpdateTransition(f.admin, f.dispose.ID, TransitionInput{
		Code:             "dispose",
		Name:             "Dispose",
		RequiresApproval: true,
		IsActive:         true,
	})
	require.NoError(t, err)

	ref := f.newEntity("Printer", map[string]any{"amount": 500})
	_, err = f.transitions.ExecuteTransition(context.Background(), f.admin, ref, ExecuteRequest{TransitionID: f.activate.ID})
	require.NoError(t, err)

	result, err := f.transitions.ExecuteTransition(context.Background(), f.admin, ref, ExecuteRequest{TransitionID: f.dispose.ID})
	require.ErrorIs(t, err, ErrApprovalPending)

	approver := f.newUser("approver", true, nil)
	rejected, err := f.transitions.RejectTransition(approver, result.Approval.ApprovalID, "not yet")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusRejected, rejected.Status)
	require.NotNil(t, rejected.DecisionReason)
	assert.Equal(t, "not yet", *rejected.DecisionReason)

	view, err := f.transitions.GetEntityState(context.Background(), f.admin, ref)
	require.NoError(t, err)
	assert.Equal(t, "active", view.CurrentState.Code)
}

func TestEnterPipelineIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ref := f.newEntity("Printer", map[string]any{"amount": 500})

	view, err := f.transitions.EnterPipeline(context.Background(), f.admin, ref)
	require.NoError(t, err)
	assert.True(t, view.Entered)
	assert.Equal(t, "draft", view.CurrentState.Code)
	assert.Equal(t, int64(1), f.logCount(ref))

	// The entry row records no source state.
	logs, err := f.repos.StateLogs.ListByEntity(ref.Kind, ref.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Nil(t, logs[0].FromStateID)
	assert.Nil(t, logs[0].TransitionID)
	assert.Equal(t, f.draft.ID, logs[0].ToStateID)

	again, err := f.transitions.EnterPipeline(context.Background(), f.admin, ref)
	require.NoError(t, err)
	assert.Equal(t, "draft", again.CurrentState.Code)
	assert.Equal(t, int64(1), f.logCount(ref))
}

func TestGetTimelinePagination(t *testing.T) {
	f := newFixture(t)
	ref := f.newEntity("Printer", map[string]any{"amount": 500})

	_, err := f.transitions.EnterPipeline(context.Background(), f.admin, ref)
	require.NoError(t, err)
	_, err = f.transitions.ExecuteTransition(context.Background(), f.admin, ref, ExecuteRequest{TransitionID: f.activate.ID})
	require.NoError(t, err)
	_, err = f.transitions.ExecuteTransition(context.Background(), f.admin, ref, ExecuteRequest{
		TransitionID: f.dispose.ID,
		Comment:      "done",
	})
	require.NoError(t, err)

	page, err := f.transitions.GetTimeline(context.Background(), ref, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	require.Len(t, page.Entries, 2)
	// Newest first: the dispose row leads.
	assert.Equal(t, f.disposed.ID, page.Entries[0].ToStateID)
	assert.Contains(t, page.States, f.disposed.ID)
	assert.Contains(t, page.States, f.active.ID)

	last, err := f.transitions.GetTimeline(context.Background(), ref, 2, 2)
	require.NoError(t, err)
	require.Len(t, last.Entries, 1)
	assert.Nil(t, last.Entries[0].FromStateID)
}

func TestConcurrentExecutionsSerializePerEntity(t *testing.T) {
	f := newFixture(t)
	ref := f.newEntity("Printer", map[string]any{"amount": 500})

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, err := f.transitions.ExecuteTransition(context.Background(), f.admin, ref, ExecuteRequest{TransitionID: f.activate.ID})
			results[slot] = err
		}(i)
	}
	wg.Wait()

	var succeeded, conflicted int
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInvalidTransition):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, conflicted)
	assert.Equal(t, int64(1), f.logCount(ref))
}

func TestExecuteTransitionUnknownTransition(t *testing.T) {
	f := newFixture(t)
	ref := f.newEntity("Printer", map[string]any{"amount": 500})

	_, err := f.transitions.ExecuteTransition(context.Background(), f.admin, ref, ExecuteRequest{TransitionID: 9999})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecuteTransitionKindMismatch(t *testing.T) {
	f := newFixture(t)
	encoded, err := json.Marshal(map[string]any{"amount": 500})
	require.NoError(t, err)
	invoice, err := f.repos.Entities.Create("invoice", "INV-1", encoded)
	require.NoError(t, err)

	_, err = f.transitions.ExecuteTransition(context.Background(), f.admin,
		pipelines.EntityRef{Kind: "invoice", ID: invoice.ID}, ExecuteRequest{TransitionID: f.activate.ID})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPipelineConditionsGateEntry(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipelineSvc.UpdatePipeline(f.admin, f.pipeline.ID, UpdatePipelineInput{
		Name:       f.pipeline.Name,
		IsActive:   true,
		Conditions: json.RawMessage(`{"op":"eq","field":"category","value":"hardware"}`),
	})
	require.NoError(t, err)

	outsider := f.newEntity("Desk", map[string]any{"amount": 500, "category": "furniture"})
	_, err = f.transitions.ExecuteTransition(context.Background(), f.admin, outsider, ExecuteRequest{TransitionID: f.activate.ID})
	var notAllowed *NotAllowedError
	require.ErrorAs(t, err, &notAllowed)
	assert.Contains(t, notAllowed.Reasons[0], "pipeline conditions")

	member := f.newEntity("Printer", map[string]any{"amount": 500, "category": "hardware"})
	result, err := f.transitions.ExecuteTransition(context.Background(), f.admin, member, ExecuteRequest{TransitionID: f.activate.ID})
	require.NoError(t, err)
	assert.Equal(t, "active", result.State.CurrentState.Code)
}

func TestFromStateMismatchBeatsGuardAndComment(t *testing.T) {
	f := newFixture(t)
	ref := f.newEntity("Printer", map[string]any{"amount": 500})
	_, err := f.transitions.ExecuteTransition(context.Background(), f.admin, ref, ExecuteRequest{TransitionID: f.activate.ID})
	require.NoError(t, err)

	// The guard on activate fails too now; the from-state check still wins.
	encoded, err := json.Marshal(map[string]any{"amount": 50})
	require.NoError(t, err)
	require.NoError(t, f.repos.Entities.UpdateAttrs(ref.Kind, ref.ID, encoded))

	_, err = f.transitions.ExecuteTransition(context.Background(), f.admin, ref, ExecuteRequest{TransitionID: f.activate.ID})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	var notAllowed *NotAllowedError
	assert.False(t, errors.As(err, &notAllowed))

	// Same precedence over the comment requirement once the entity sits in
	// the final state.
	_, err = f.transitions.ExecuteTransition(context.Background(), f.admin, ref, ExecuteRequest{
		TransitionID: f.dispose.ID, Comment: "scrapped",
	})
	require.NoError(t, err)
	_, err = f.transitions.ExecuteTransition(context.Background(), f.admin, ref, ExecuteRequest{TransitionID: f.dispose.ID})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NotErrorIs(t, err, ErrCommentRequired)
}

// recordingDispatcher captures published subjects instead of talking to NATS.
type recordingDispatcher struct {
	mu      sync.Mutex
	actions []string
	events  []string
}

func (d *recordingDispatcher) PublishAction(ctx context.Context, subject string, payload any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions = append(d.actions, subject)
	return nil
}

func (d *recordingDispatcher) PublishEvent(ctx context.Context, subject string, payload any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, subject)
	return nil
}

func (d *recordingDispatcher) SubscribeDurable(subject, consumer string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	return nil, nil
}

func (d *recordingDispatcher) Close() {}

func TestAsyncActionPublishesAfterCommit(t *testing.T) {
	f := newFixture(t)
	rec := &recordingDispatcher{}
	registry := actions.NewRegistry()
	registry.Register(f.custom)
	svc := NewTransitionService(f.repos, registry, rec, nil)

	f.setActions(f.activate, []ActionInput{
		{Type: models.ActionDispatchJob, Order: 10, Config: map[string]any{"job": "reindex"}, IsAsync: true, OnFailure: models.OnFailureAbort},
	})
	ref := f.newEntity("Printer", map[string]any{"amount": 500})

	result, err := svc.ExecuteTransition(context.Background(), f.admin, ref, ExecuteRequest{TransitionID: f.activate.ID})
	require.NoError(t, err)
	assert.Equal(t, "active", result.State.CurrentState.Code)
	assert.Equal(t, []string{"actions.dispatch_job"}, rec.actions)
}

func TestAsyncActionNotPublishedWhenLaterActionAborts(t *testing.T) {
	f := newFixture(t)
	rec := &recordingDispatcher{}
	registry := actions.NewRegistry()
	registry.Register(f.custom)
	svc := NewTransitionService(f.repos, registry, rec, nil)

	f.custom.RegisterFunc("boom", func(ctx context.Context, actx actions.ActionContext, config map[string]any) (actions.Result, error) {
		return actions.Result{}, fmt.Errorf("downstream unavailable")
	})
	f.setActions(f.activate, []ActionInput{
		{Type: models.ActionDispatchJob, Order: 10, Config: map[string]any{"job": "reindex"}, IsAsync: true, OnFailure: models.OnFailureAbort},
		{Type: models.ActionCustom, Order: 20, Config: map[string]any{"handler": "boom"}, OnFailure: models.OnFailureAbort},
	})
	ref := f.newEntity("Printer", map[string]any{"amount": 500})

	_, err := svc.ExecuteTransition(context.Background(), f.admin, ref, ExecuteRequest{TransitionID: f.activate.ID})
	assert.ErrorIs(t, err, ErrActionExecutionFailed)

	// Nothing left the process and nothing was written.
	assert.Empty(t, rec.actions)
	_, err = f.repos.EntityStates.GetByEntity(ref.Kind, ref.ID)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.Equal(t, int64(0), f.logCount(ref))
}

func TestAsyncActionFailsWithoutDispatcher(t *testing.T) {
	f := newFixture(t)
	f.setActions(f.activate, []ActionInput{
		{Type: models.ActionDispatchJob, Order: 10, Config: map[string]any{"job": "reindex"}, IsAsync: true, OnFailure: models.OnFailureAbort},
	})
	ref := f.newEntity("Printer", map[string]any{"amount": 500})

	// The fixture service has no dispatcher wired.
	_, err := f.transitions.ExecuteTransition(context.Background(), f.admin, ref, ExecuteRequest{TransitionID: f.activate.ID})
	assert.ErrorIs(t, err, ErrActionExecutionFailed)
	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Contains(t, actionErr.Err.Error(), "dispatcher")

	_, err = f.repos.EntityStates.GetByEntity(ref.Kind, ref.ID)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestConcurrentExecutionsAcrossEntities(t *testing.T) {
	f := newFixture(t)
	refs := []pipelines.EntityRef{
		f.newEntity("Printer", map[string]any{"amount": 500}),
		f.newEntity("Scanner", map[string]any{"amount": 500}),
	}

	var wg sync.WaitGroup
	results := make([]error, len(refs))
	for i, ref := range refs {
		wg.Add(1)
		go func(slot int, ref pipelines.EntityRef) {
			defer wg.Done()
			_, err := f.transitions.ExecuteTransition(context.Background(), f.admin, ref, ExecuteRequest{TransitionID: f.activate.ID})
			results[slot] = err
		}(i, ref)
	}
	wg.Wait()

	for _, err := range results {
		require.NoError(t, err)
	}
	for _, ref := range refs {
		assert.Equal(t, int64(1), f.logCount(ref))
	}
}
