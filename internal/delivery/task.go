package delivery

import (
	"time"

	"github.com/austindbirch/signal_hook/internal/webhook"
)

// Task is the queue message asking a worker to attempt one delivery log.
// The payload stays in the log; the task only points at it.
type Task struct {
	DeliveryID     string            `json:"delivery_id"`
	EventID        string            `json:"event_id"`
	TenantID       string            `json:"tenant_id"`
	SubscriptionID string            `json:"subscription_id"`
	EventType      string            `json:"event_type"`
	PublishedAt    string            `json:"published_at"`            // RFC3339
	TraceHeaders   map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// NewTask builds a task for a freshly created log.
func NewTask(log webhook.DeliveryLog, at time.Time, traceHeaders map[string]string) Task {
	return Task{
		DeliveryID:     log.ID,
		EventID:        log.EventID,
		TenantID:       log.TenantID,
		SubscriptionID: log.SubscriptionID,
		EventType:      log.EventType,
		PublishedAt:    at.UTC().Format(time.RFC3339),
		TraceHeaders:   traceHeaders,
	}
}
