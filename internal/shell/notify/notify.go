// Package notify delivers validation outcome notifications to the request
// creator via an outbound webhook. Delivery is fire-and-forget: failures
// are logged and never affect the validation result.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Event types emitted when a run reaches a terminal state.
const (
	EventValidationPassed = "validation.passed"
	EventValidationFailed = "validation.failed"
)

// Notifier sends outcome notifications.
type Notifier interface {
	// Notify delivers one notification. Errors are advisory; callers log
	// and move on.
	Notify(ctx context.Context, userID, eventType, requestID string, context map[string]string) error
}

// =============================================================================
// Webhook Notifier
// =============================================================================

// Config holds webhook delivery settings.
type Config struct {
	// Endpoint receives the notification POSTs. Empty disables delivery.
	Endpoint string

	// ServiceKey authenticates this service to the endpoint.
	ServiceKey string

	Timeout time.Duration
}

// WebhookNotifier implements Notifier over HTTP POST.
type WebhookNotifier struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(config Config, logger *slog.Logger) *WebhookNotifier {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger.With("component", "notify"),
	}
}

type notificationPayload struct {
	UserID    string            `json:"user_id"`
	EventType string            `json:"event_type"`
	RequestID string            `json:"request_id"`
	Timestamp string            `json:"timestamp"`
	Context   map[string]string `json:"context,omitempty"`
}

// Notify POSTs the notification to the configured endpoint. A missing
// endpoint is a silent no-op so deployments without a notification
// consumer need no special casing.
func (n *WebhookNotifier) Notify(ctx context.Context, userID, eventType, requestID string, eventContext map[string]string) error {
	if n.config.Endpoint == "" {
		return nil
	}

	payload := notificationPayload{
		UserID:    userID,
		EventType: eventType,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Context:   eventContext,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.config.ServiceKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.config.ServiceKey)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}

	n.logger.Debug("notification delivered",
		"user_id", userID, "event_type", eventType, "request_id", requestID)
	return nil
}

// =============================================================================
// Noop Notifier
// =============================================================================

// NoopNotifier discards notifications, for tests and local development.
type NoopNotifier struct{}

func (NoopNotifier) Notify(ctx context.Context, userID, eventType, requestID string, eventContext map[string]string) error {
	return nil
}
