package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/austindbirch/signal_hook/internal/delivery"
	"github.com/austindbirch/signal_hook/internal/registry"
	"github.com/austindbirch/signal_hook/internal/webhook"
)

// Durations cross the API as whole seconds.

type triggerEventRequest struct {
	EventType string          `json:"event_type"`
	EventID   string          `json:"event_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type triggerEventResponse struct {
	EventID     string   `json:"event_id"`
	FanoutCount int      `json:"fanout_count"`
	DeliveryIDs []string `json:"delivery_ids,omitempty"`
}

// subscriptionRequest is the body of create and update. Unset fields keep
// their default on create and their current value on update.
type subscriptionRequest struct {
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

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func secondsList(in []int) []time.Duration {
	out := make([]time.Duration, len(in))
	for i, n := range in {
		out[i] = seconds(n)
	}
	return out
}

func (r subscriptionRequest) toCreate() registry.CreateRequest {
	var c registry.CreateRequest
	if r.Name != nil {
		c.Name = *r.Name
	}
	if r.Description != nil {
		c.Description = *r.Description
	}
	if r.URL != nil {
		c.URL = *r.URL
	}
	if r.ContentType != nil {
		c.ContentType = *r.ContentType
	}
	if r.Headers != nil {
		c.Headers = *r.Headers
	}
	if r.TimeoutSeconds != nil {
		c.Timeout = seconds(*r.TimeoutSeconds)
	}
	if r.EventFilter != nil {
		c.EventFilter = *r.EventFilter
	}
	if r.RetryDelaysSeconds != nil {
		c.RetryDelays = secondsList(*r.RetryDelaysSeconds)
	}
	if r.MaxRetries != nil {
		c.MaxRetries = *r.MaxRetries
	}
	c.DisableAfterFailures = r.DisableAfterFailures
	return c
}

func (r subscriptionRequest) toUpdate() registry.UpdateRequest {
	u := registry.UpdateRequest{
		Name:                 r.Name,
		Description:          r.Description,
		URL:                  r.URL,
		ContentType:          r.ContentType,
		Headers:              r.Headers,
		EventFilter:          r.EventFilter,
		MaxRetries:           r.MaxRetries,
		DisableAfterFailures: r.DisableAfterFailures,
		RegenerateSecret:     r.RegenerateSecret,
	}
	if r.TimeoutSeconds != nil {
		d := seconds(*r.TimeoutSeconds)
		u.Timeout = &d
	}
	if r.RetryDelaysSeconds != nil {
		ds := secondsList(*r.RetryDelaysSeconds)
		u.RetryDelays = &ds
	}
	return u
}

type subscriptionResponse struct {
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

func toSubscriptionResponse(s *webhook.Subscription) subscriptionResponse {
	delays := make([]int, len(s.RetryDelays))
	for i, d := range s.RetryDelays {
		delays[i] = int(d / time.Second)
	}
	return subscriptionResponse{
		ID:                   s.ID,
		TenantID:             s.TenantID,
		Name:                 s.Name,
		Description:          s.Description,
		URL:                  s.URL,
		ContentType:          s.ContentType,
		Headers:              s.Headers,
		TimeoutSeconds:       int(s.Timeout / time.Second),
		EventFilter:          s.EventFilter,
		Secret:               s.Secret,
		RetryDelaysSeconds:   delays,
		MaxRetries:           s.MaxRetries,
		DisableAfterFailures: s.DisableAfterFailures,
		Active:               s.Active,
		DisabledAt:           s.DisabledAt,
		DisabledReason:       s.DisabledReason,
		SuccessCount:         s.SuccessCount,
		FailureCount:         s.FailureCount,
		ConsecutiveFailures:  s.ConsecutiveFailures,
		LastSuccessAt:        s.LastSuccessAt,
		LastFailureAt:        s.LastFailureAt,
		LastError:            s.LastError,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
}

type deliveryResponse struct {
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

func toDeliveryResponse(l *webhook.DeliveryLog) deliveryResponse {
	return deliveryResponse{
		ID:              l.ID,
		TenantID:        l.TenantID,
		SubscriptionID:  l.SubscriptionID,
		EventType:       l.EventType,
		EventID:         l.EventID,
		Payload:         l.Payload,
		Signature:       l.Signature,
		TargetURL:       l.TargetURL,
		RequestHeaders:  l.RequestHeaders,
		Status:          string(l.Status),
		AttemptCount:    l.AttemptCount,
		MaxAttempts:     l.MaxAttempts,
		FirstAttemptAt:  l.FirstAttemptAt,
		LastAttemptAt:   l.LastAttemptAt,
		NextRetryAt:     l.NextRetryAt,
		DeliveredAt:     l.DeliveredAt,
		ResponseStatus:  l.ResponseStatus,
		ResponseTimeMS:  l.ResponseTime.Milliseconds(),
		ResponseBody:    l.ResponseBody,
		ResponseHeaders: l.ResponseHeaders,
		ErrorMessage:    l.ErrorMessage,
		ErrorTrace:      l.ErrorTrace,
		CreatedAt:       l.CreatedAt,
		UpdatedAt:       l.UpdatedAt,
	}
}

type testResponse struct {
	Success      bool   `json:"success"`
	StatusCode   int    `json:"status_code"`
	LatencyMS    int64  `json:"latency_ms"`
	ResponseBody string `json:"response_body,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func toTestResponse(r delivery.TestResult) testResponse {
	return testResponse{
		Success:      r.Success,
		StatusCode:   r.StatusCode,
		LatencyMS:    r.Latency.Milliseconds(),
		ResponseBody: r.ResponseBody,
		ErrorMessage: r.ErrorMessage,
	}
}

type disableRequest struct {
	Reason string `json:"reason,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", registry.ErrInvalidArgument, fmt.Sprintf(format, args...))
}
