package cmd

import (
	"encoding/json"
	"time"

	"github.com/austindbirch/signal_hook/internal/webhook"
)

// Client-side views of the API's JSON bodies.

type subscription struct {
	ID                   string          `json:"id"`
	TenantID             string          `json:"tenant_id"`
	Name                 string          `json:"name"`
	Description          string          `json:"description,omitempty"`
	URL                  string          `json:"url"`
	ContentType          string          `json:"content_type"`
	Headers              webhook.Headers `json:"headers"`
	TimeoutSeconds       int             `json:"timeout_seconds"`
	EventFilter          string          `json:"event_filter"`
	Secret               string          `json:"secret,omitempty"`
	RetryDelaysSeconds   []int           `json:"retry_delays_seconds"`
	MaxRetries           int             `json:"max_retries"`
	DisableAfterFailures int             `json:"disable_after_failures"`
	Active               bool            `json:"active"`
	DisabledAt           *time.Time      `json:"disabled_at,omitempty"`
	DisabledReason       string          `json:"disabled_reason,omitempty"`
	SuccessCount         int64           `json:"success_count"`
	FailureCount         int64           `json:"failure_count"`
	ConsecutiveFailures  int             `json:"consecutive_failures"`
	LastSuccessAt        *time.Time      `json:"last_success_at,omitempty"`
	LastFailureAt        *time.Time      `json:"last_failure_at,omitempty"`
	LastError            string          `json:"last_error,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

type subscriptionList struct {
	Subscriptions []subscription `json:"subscriptions"`
}

// subscriptionBody is sent on create and update; nil fields are omitted.
type subscriptionBody struct {
	Name                 *string          `json:"name,omitempty"`
	Description          *string          `json:"description,omitempty"`
	URL                  *string          `json:"url,omitempty"`
	ContentType          *string          `json:"content_type,omitempty"`
	Headers              *webhook.Headers `json:"headers,omitempty"`
	TimeoutSeconds       *int             `json:"timeout_seconds,omitempty"`
	EventFilter          *string          `json:"event_filter,omitempty"`
	RetryDelaysSeconds   *[]int           `json:"retry_delays_seconds,omitempty"`
	MaxRetries           *int             `json:"max_retries,omitempty"`
	DisableAfterFailures *int             `json:"disable_after_failures,omitempty"`
	RegenerateSecret     bool             `json:"regenerate_secret,omitempty"`
}

type deliveryLog struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	SubscriptionID  string          `json:"subscription_id"`
	EventType       string          `json:"event_type"`
	EventID         string          `json:"event_id"`
	Payload         json.RawMessage `json:"payload"`
	Signature       string          `json:"signature"`
	TargetURL       string          `json:"target_url"`
	RequestHeaders  webhook.Headers `json:"request_headers,omitempty"`
	Status          string          `json:"status"`
	AttemptCount    int             `json:"attempt_count"`
	MaxAttempts     int             `json:"max_attempts"`
	FirstAttemptAt  *time.Time      `json:"first_attempt_at,omitempty"`
	LastAttemptAt   *time.Time      `json:"last_attempt_at,omitempty"`
	NextRetryAt     *time.Time      `json:"next_retry_at,omitempty"`
	DeliveredAt     *time.Time      `json:"delivered_at,omitempty"`
	ResponseStatus  int             `json:"response_status,omitempty"`
	ResponseTimeMS  int64           `json:"response_time_ms,omitempty"`
	ResponseBody    string          `json:"response_body,omitempty"`
	ResponseHeaders webhook.Headers `json:"response_headers,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ErrorTrace      string          `json:"error_trace,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type deliveryList struct {
	Deliveries []deliveryLog `json:"deliveries"`
	Page       int           `json:"page"`
}

type triggerBody struct {
	EventType string          `json:"event_type"`
	EventID   string          `json:"event_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type triggerResult struct {
	EventID     string   `json:"event_id"`
	FanoutCount int      `json:"fanout_count"`
	DeliveryIDs []string `json:"delivery_ids,omitempty"`
}

type testResult struct {
	Success      bool   `json:"success"`
	StatusCode   int    `json:"status_code"`
	LatencyMS    int64  `json:"latency_ms"`
	ResponseBody string `json:"response_body,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}
