package notifications

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventWebhookSent    EventType = "webhook_sent"
	EventWebhookSuccess EventType = "webhook_success"
	EventWebhookFailed  EventType = "webhook_failed"
	EventNotification   EventType = "notification"
	EventStaleDetected  EventType = "stale_detected"
)

type NotificationLog struct {
	ID             int64
	LogID          string
	EventType      EventType
	EntityKind     *string
	EntityID       *int64
	WebhookURL     *string
	RequestPayload *string
	ResponseStatus *int64
	ResponseBody   *string
	ErrorMessage   *string
	AttemptNumber  *int64
	DurationMs     *int64
	CreatedAt      time.Time
}

// AuditService records every outbound notification attempt so operators can
// trace why an integration did or did not fire.
type AuditService struct {
	db *sql.DB
}

func NewAuditService(db *sql.DB) *AuditService {
	return &AuditService{db: db}
}

type AuditEntry struct {
	EventType      EventType
	EntityKind     string
	EntityID       int64
	WebhookURL     string
	RequestPayload string
	ResponseStatus int64
	ResponseBody   string
	ErrorMessage   string
	AttemptNumber  int64
	DurationMs     int64
}

func (a *AuditService) Record(ctx context.Context, entry AuditEntry) (string, error) {
	logID := uuid.New().String()

	query := `
		INSERT INTO notification_logs (
			log_id, event_type, entity_kind, entity_id, webhook_url, request_payload,
			response_status, response_body, error_message, attempt_number, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := a.db.ExecContext(ctx, query,
		logID,
		string(entry.EventType),
		sqlNullIf(entry.EntityKind),
		sql.NullInt64{Int64: entry.EntityID, Valid: entry.EntityID != 0},
		sqlNullIf(entry.WebhookURL),
		sqlNullIf(entry.RequestPayload),
		sql.NullInt64{Int64: entry.ResponseStatus, Valid: entry.ResponseStatus != 0},
		sqlNullIf(entry.ResponseBody),
		sqlNullIf(entry.ErrorMessage),
		sql.NullInt64{Int64: entry.AttemptNumber, Valid: entry.AttemptNumber != 0},
		sql.NullInt64{Int64: entry.DurationMs, Valid: true},
	)
	if err != nil {
		return "", fmt.Errorf("failed to record notification log: %w", err)
	}

	return logID, nil
}

// ListRecent retrieves recent notification logs across all entities.
func (a *AuditService) ListRecent(ctx context.Context, limit int) ([]NotificationLog, error) {
	query := `
		SELECT id, log_id, event_type, entity_kind, entity_id, webhook_url, request_payload,
		       response_status, response_body, error_message, attempt_number, duration_ms, created_at
		FROM notification_logs
		ORDER BY created_at DESC
		LIMIT ?`

	rows, err := a.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification logs: %w", err)
	}
	defer rows.Close()

	var logs []NotificationLog
	for rows.Next() {
		var l NotificationLog
		var entityKind, webhookURL, requestPayload, responseBody, errorMessage sql.NullString
		var entityID, responseStatus, attemptNumber, durationMs sql.NullInt64

		err := rows.Scan(
			&l.ID,
			&l.LogID,
			&l.EventType,
			&entityKind,
			&entityID,
			&webhookURL,
			&requestPayload,
			&responseStatus,
			&responseBody,
			&errorMessage,
			&attemptNumber,
			&durationMs,
			&l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification log: %w", err)
		}

		l.EntityKind = strPtr(entityKind)
		l.EntityID = intPtr(entityID)
		l.WebhookURL = strPtr(webhookURL)
		l.RequestPayload = strPtr(requestPayload)
		l.ResponseStatus = intPtr(responseStatus)
		l.ResponseBody = strPtr(responseBody)
		l.ErrorMessage = strPtr(errorMessage)
		l.AttemptNumber = intPtr(attemptNumber)
		l.DurationMs = intPtr(durationMs)
		logs = append(logs, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notification logs: %w", err)
	}

	return logs, nil
}

func sqlNullIf(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func intPtr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}
