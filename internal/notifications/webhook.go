package notifications

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"flowline/internal/logging"
)

// WebhookSender delivers JSON payloads to external HTTP endpoints with
// bounded retries and per-attempt audit logging. Transition webhook actions
// and staleness alerts both go through it.
type WebhookSender struct {
	defaultTimeout time.Duration
	httpClient     *http.Client
	auditService   *AuditService
}

func NewWebhookSender(defaultTimeoutSeconds int, db *sql.DB) *WebhookSender {
	if defaultTimeoutSeconds <= 0 {
		defaultTimeoutSeconds = 10
	}

	var auditSvc *AuditService
	if db != nil {
		auditSvc = NewAuditService(db)
	}

	timeout := time.Duration(defaultTimeoutSeconds) * time.Second
	return &WebhookSender{
		defaultTimeout: timeout,
		auditService:   auditSvc,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type WebhookRequest struct {
	URL        string
	Method     string
	Timeout    time.Duration
	EntityKind string
	EntityID   int64
	Payload    any
}

// Send delivers the payload once, honoring the request timeout. Callers that
// want retries use SendWithRetry.
func (w *WebhookSender) Send(ctx context.Context, req WebhookRequest) error {
	return w.send(ctx, req, 1)
}

// SendWithRetry delivers the payload with quadratic backoff between attempts.
func (w *WebhookSender) SendWithRetry(ctx context.Context, req WebhookRequest, maxRetries int) error {
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := w.send(ctx, req, attempt)
		if err == nil {
			return nil
		}

		lastErr = err
		logging.Debug("webhook attempt %d/%d for %s failed: %v", attempt, maxRetries, req.URL, err)

		if attempt < maxRetries {
			backoff := time.Duration(attempt*attempt) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	logging.Error("all %d webhook attempts failed for %s", maxRetries, req.URL)
	return lastErr
}

func (w *WebhookSender) send(ctx context.Context, req WebhookRequest, attempt int) error {
	jsonData, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = w.defaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, req.URL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "Flowline-Webhook/1.0")

	startTime := time.Now()
	resp, err := w.httpClient.Do(httpReq)
	durationMs := time.Since(startTime).Milliseconds()

	if err != nil {
		w.audit(ctx, req, AuditEntry{
			EventType:     EventWebhookFailed,
			ErrorMessage:  err.Error(),
			AttemptNumber: int64(attempt),
			DurationMs:    durationMs,
		}, jsonData)
		return fmt.Errorf("request failed after %dms: %w", durationMs, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.audit(ctx, req, AuditEntry{
			EventType:      EventWebhookFailed,
			ResponseStatus: int64(resp.StatusCode),
			ErrorMessage:   fmt.Sprintf("HTTP %d", resp.StatusCode),
			AttemptNumber:  int64(attempt),
			DurationMs:     durationMs,
		}, jsonData)
		return fmt.Errorf("webhook returned status %d after %dms", resp.StatusCode, durationMs)
	}

	w.audit(ctx, req, AuditEntry{
		EventType:      EventWebhookSuccess,
		ResponseStatus: int64(resp.StatusCode),
		ResponseBody:   string(respBody),
		AttemptNumber:  int64(attempt),
		DurationMs:     durationMs,
	}, jsonData)

	return nil
}

func (w *WebhookSender) audit(ctx context.Context, req WebhookRequest, entry AuditEntry, payload []byte) {
	if w.auditService == nil {
		return
	}
	entry.EntityKind = req.EntityKind
	entry.EntityID = req.EntityID
	entry.WebhookURL = req.URL
	entry.RequestPayload = string(payload)
	if _, err := w.auditService.Record(ctx, entry); err != nil {
		logging.Error("failed to record webhook audit entry: %v", err)
	}
}
