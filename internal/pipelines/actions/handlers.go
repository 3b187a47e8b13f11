package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flowline/internal/db/repositories"
	"flowline/internal/dispatch"
	"flowline/internal/notifications"
	"flowline/pkg/models"
)

// UpdateFieldHandler writes one attribute on the transitioning entity.
type UpdateFieldHandler struct {
	entities *repositories.EntityRepo
}

func NewUpdateFieldHandler(entities *repositories.EntityRepo) *UpdateFieldHandler {
	return &UpdateFieldHandler{entities: entities}
}

func (h *UpdateFieldHandler) Type() models.ActionType {
	return models.ActionUpdateField
}

type updateFieldConfig struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

func (h *UpdateFieldHandler) Execute(ctx context.Context, action *models.TransitionAction, actx ActionContext) (Result, error) {
	var cfg updateFieldConfig
	if err := decodeConfig(action, &cfg); err != nil {
		return Result{}, err
	}
	if cfg.Field == "" {
		return Result{}, fmt.Errorf("%w: update_field requires a field", ErrBadConfig)
	}

	if err := h.entities.SetAttrTx(actx.Tx, actx.Entity.Kind, actx.Entity.ID, cfg.Field, cfg.Value); err != nil {
		return Result{}, fmt.Errorf("failed to update field %q: %w", cfg.Field, err)
	}

	return Result{Detail: fmt.Sprintf("set %s = %v", cfg.Field, cfg.Value)}, nil
}

// CreateRecordHandler creates a related entity record, e.g. a disposal record
// when an asset is retired.
type CreateRecordHandler struct {
	entities *repositories.EntityRepo
}

func NewCreateRecordHandler(entities *repositories.EntityRepo) *CreateRecordHandler {
	return &CreateRecordHandler{entities: entities}
}

func (h *CreateRecordHandler) Type() models.ActionType {
	return models.ActionCreateRecord
}

type createRecordConfig struct {
	Kind        string         `json:"kind"`
	DisplayName string         `json:"display_name"`
	Attrs       map[string]any `json:"attrs"`
}

func (h *CreateRecordHandler) Execute(ctx context.Context, action *models.TransitionAction, actx ActionContext) (Result, error) {
	var cfg createRecordConfig
	if err := decodeConfig(action, &cfg); err != nil {
		return Result{}, err
	}
	if cfg.Kind == "" {
		return Result{}, fmt.Errorf("%w: create_record requires a kind", ErrBadConfig)
	}

	displayName := cfg.DisplayName
	if displayName == "" {
		displayName = fmt.Sprintf("%s for %s", cfg.Kind, actx.Entity)
	}

	attrs := cfg.Attrs
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrs["source_kind"] = actx.Entity.Kind
	attrs["source_id"] = actx.Entity.ID

	encoded, err := json.Marshal(attrs)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode record attrs: %w", err)
	}

	record, err := h.entities.CreateTx(actx.Tx, cfg.Kind, displayName, encoded)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create %s record: %w", cfg.Kind, err)
	}

	return Result{
		Detail:   fmt.Sprintf("created %s #%d", record.Kind, record.ID),
		Metadata: map[string]any{"record_kind": record.Kind, "record_id": record.ID},
	}, nil
}

// WebhookHandler posts the transition context to an external HTTP endpoint.
// Slow endpoints block the whole transition, so every call carries a timeout
// and a timeout failure is handled per the action's on_failure policy.
type WebhookHandler struct {
	sender *notifications.WebhookSender
}

func NewWebhookHandler(sender *notifications.WebhookSender) *WebhookHandler {
	return &WebhookHandler{sender: sender}
}

func (h *WebhookHandler) Type() models.ActionType {
	return models.ActionWebhook
}

type webhookConfig struct {
	URL            string `json:"url"`
	Method         string `json:"method"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (h *WebhookHandler) Execute(ctx context.Context, action *models.TransitionAction, actx ActionContext) (Result, error) {
	var cfg webhookConfig
	if err := decodeConfig(action, &cfg); err != nil {
		return Result{}, err
	}
	if cfg.URL == "" {
		return Result{}, fmt.Errorf("%w: webhook requires a url", ErrBadConfig)
	}

	payload := map[string]any{
		"event":       "transition.executed",
		"entity_kind": actx.Entity.Kind,
		"entity_id":   actx.Entity.ID,
		"pipeline":    actx.Pipeline.Code,
		"transition":  actx.Transition.Code,
		"from_state":  actx.FromState.Code,
		"to_state":    actx.ToState.Code,
		"actor":       actx.Actor.Name,
		"comment":     actx.Comment,
		"occurred_at": time.Now().UTC().Format(time.RFC3339),
	}

	err := h.sender.Send(ctx, notifications.WebhookRequest{
		URL:        cfg.URL,
		Method:     cfg.Method,
		Timeout:    time.Duration(cfg.TimeoutSeconds) * time.Second,
		EntityKind: actx.Entity.Kind,
		EntityID:   actx.Entity.ID,
		Payload:    payload,
	})
	if err != nil {
		return Result{}, err
	}

	return Result{Detail: fmt.Sprintf("webhook delivered to %s", cfg.URL)}, nil
}

// NotificationHandler emits a rendered message through the event dispatcher.
// Delivery to actual channels (mail, chat) is an external consumer's job.
type NotificationHandler struct {
	dispatcher dispatch.Dispatcher
}

func NewNotificationHandler(dispatcher dispatch.Dispatcher) *NotificationHandler {
	return &NotificationHandler{dispatcher: dispatcher}
}

func (h *NotificationHandler) Type() models.ActionType {
	return models.ActionSendNotification
}

type notificationConfig struct {
	Message string `json:"message"`
	Channel string `json:"channel"`
}

func (h *NotificationHandler) Execute(ctx context.Context, action *models.TransitionAction, actx ActionContext) (Result, error) {
	if h.dispatcher == nil {
		return Result{}, fmt.Errorf("send_notification requires a dispatcher and none is configured")
	}
	var cfg notificationConfig
	if err := decodeConfig(action, &cfg); err != nil {
		return Result{}, err
	}
	if cfg.Message == "" {
		return Result{}, fmt.Errorf("%w: send_notification requires a message", ErrBadConfig)
	}

	channel := cfg.Channel
	if channel == "" {
		channel = "default"
	}

	err := h.dispatcher.PublishEvent(ctx, fmt.Sprintf("notifications.%s", channel), map[string]any{
		"message":     cfg.Message,
		"channel":     channel,
		"entity_kind": actx.Entity.Kind,
		"entity_id":   actx.Entity.ID,
		"transition":  actx.Transition.Code,
		"actor":       actx.Actor.Name,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to publish notification: %w", err)
	}

	return Result{Detail: fmt.Sprintf("notification sent to %s", channel)}, nil
}

// DispatchJobHandler enqueues a named background job for an external worker
// pool.
type DispatchJobHandler struct {
	dispatcher dispatch.Dispatcher
}

func NewDispatchJobHandler(dispatcher dispatch.Dispatcher) *DispatchJobHandler {
	return &DispatchJobHandler{dispatcher: dispatcher}
}

func (h *DispatchJobHandler) Type() models.ActionType {
	return models.ActionDispatchJob
}

type dispatchJobConfig struct {
	Job     string         `json:"job"`
	Payload map[string]any `json:"payload"`
}

func (h *DispatchJobHandler) Execute(ctx context.Context, action *models.TransitionAction, actx ActionContext) (Result, error) {
	if h.dispatcher == nil {
		return Result{}, fmt.Errorf("dispatch_job requires a dispatcher and none is configured")
	}
	var cfg dispatchJobConfig
	if err := decodeConfig(action, &cfg); err != nil {
		return Result{}, err
	}
	if cfg.Job == "" {
		return Result{}, fmt.Errorf("%w: dispatch_job requires a job name", ErrBadConfig)
	}

	jobID := uuid.NewString()
	err := h.dispatcher.PublishAction(ctx, fmt.Sprintf("jobs.%s", cfg.Job), map[string]any{
		"job_id":      jobID,
		"job":         cfg.Job,
		"payload":     cfg.Payload,
		"entity_kind": actx.Entity.Kind,
		"entity_id":   actx.Entity.ID,
		"transition":  actx.Transition.Code,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to dispatch job %q: %w", cfg.Job, err)
	}

	return Result{
		Detail:   fmt.Sprintf("dispatched job %s", cfg.Job),
		Metadata: map[string]any{"job_id": jobID},
	}, nil
}

// TriggerApprovalHandler records a pending approval request tied to the
// transitioning entity. The approval decision itself arrives later through
// the approvals API.
type TriggerApprovalHandler struct {
	approvals *repositories.ApprovalRepo
}

func NewTriggerApprovalHandler(approvals *repositories.ApprovalRepo) *TriggerApprovalHandler {
	return &TriggerApprovalHandler{approvals: approvals}
}

func (h *TriggerApprovalHandler) Type() models.ActionType {
	return models.ActionTriggerApproval
}

type triggerApprovalConfig struct {
	Message string `json:"message"`
}

func (h *TriggerApprovalHandler) Execute(ctx context.Context, action *models.TransitionAction, actx ActionContext) (Result, error) {
	var cfg triggerApprovalConfig
	if err := decodeConfig(action, &cfg); err != nil {
		return Result{}, err
	}

	comment := cfg.Message
	if comment == "" {
		comment = actx.Comment
	}

	requestedBy := actx.Actor.UserID
	approval, err := h.approvals.CreateTx(actx.Tx, repositories.CreateApprovalParams{
		ApprovalID:   uuid.NewString(),
		PipelineID:   actx.Pipeline.ID,
		TransitionID: actx.Transition.ID,
		EntityKind:   actx.Entity.Kind,
		EntityID:     actx.Entity.ID,
		RequestedBy:  &requestedBy,
		Comment:      optional(comment),
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to create approval request: %w", err)
	}

	return Result{
		Detail:   "approval requested",
		Metadata: map[string]any{"approval_id": approval.ApprovalID},
	}, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
