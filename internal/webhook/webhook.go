// Package webhook holds the domain types shared by the delivery engine:
// subscriptions, delivery logs, the event envelope and the retry policy.
package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeFormat is the ISO-8601 layout used on the wire.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Status is the state of a delivery log.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusRetrying  Status = "retrying"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further attempt will be made.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Claimable reports whether a worker may claim the log for an attempt.
func (s Status) Claimable() bool {
	return s == StatusPending || s == StatusRetrying
}

// Subscription is one registered delivery target for a tenant.
type Subscription struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenant_id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	URL         string        `json:"url"`
	ContentType string        `json:"content_type"`
	Headers     Headers       `json:"headers"`
	Timeout     time.Duration `json:"timeout"`
	EventFilter string        `json:"event_filter"`
	Secret      string        `json:"secret,omitempty"`

	RetryDelays []time.Duration `json:"retry_delays"`
	MaxRetries  int             `json:"max_retries"`

	SuccessCount         int64      `json:"success_count"`
	FailureCount         int64      `json:"failure_count"`
	LastSuccessAt        *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt        *time.Time `json:"last_failure_at,omitempty"`
	LastError            string     `json:"last_error,omitempty"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	DisableAfterFailures int        `json:"disable_after_failures"`
	Active               bool       `json:"active"`
	DisabledAt           *time.Time `json:"disabled_at,omitempty"`
	DisabledReason       string     `json:"disabled_reason,omitempty"`
	Deleted              bool       `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Policy returns the retry policy configured on the subscription.
func (s *Subscription) Policy() RetryPolicy {
	return RetryPolicy{Delays: s.RetryDelays, MaxAttempts: s.MaxRetries}
}

// Selectable reports whether the subscription may receive new attempts.
func (s *Subscription) Selectable() bool {
	return s.Active && !s.Deleted
}

// Redacted returns a copy without the secret.
func (s Subscription) Redacted() Subscription {
	s.Secret = ""
	s.Headers = s.Headers.Clone()
	return s
}

// DeliveryLog records one attempt series for a (subscription, event) pair.
type DeliveryLog struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	SubscriptionID string          `json:"subscription_id"`
	EventType      string          `json:"event_type"`
	EventID        string          `json:"event_id"`
	Payload        json.RawMessage `json:"payload"`
	Signature      string          `json:"signature"`
	TargetURL      string          `json:"target_url"`
	RequestHeaders Headers         `json:"request_headers,omitempty"`

	Status         Status     `json:"status"`
	AttemptCount   int        `json:"attempt_count"`
	MaxAttempts    int        `json:"max_attempts"`
	FirstAttemptAt *time.Time `json:"first_attempt_at,omitempty"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`

	ResponseStatus  int           `json:"response_status,omitempty"`
	ResponseTime    time.Duration `json:"response_time,omitempty"`
	ResponseBody    string        `json:"response_body,omitempty"`
	ResponseHeaders Headers       `json:"response_headers,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	ErrorTrace      string        `json:"error_trace,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (l DeliveryLog) Clone() DeliveryLog {
	l.Payload = append(json.RawMessage(nil), l.Payload...)
	l.RequestHeaders = l.RequestHeaders.Clone()
	l.ResponseHeaders = l.ResponseHeaders.Clone()
	l.FirstAttemptAt = cloneTime(l.FirstAttemptAt)
	l.LastAttemptAt = cloneTime(l.LastAttemptAt)
	l.NextRetryAt = cloneTime(l.NextRetryAt)
	l.DeliveredAt = cloneTime(l.DeliveredAt)
	l.ClaimedAt = cloneTime(l.ClaimedAt)
	return l
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }

// Envelope is the JSON body sent to receivers. Field order is part of the wire
// contract.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	TenantID  string          `json:"tenantId"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope builds an envelope stamped with at.
func NewEnvelope(eventID, eventType, tenantID string, at time.Time, data json.RawMessage) Envelope {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return Envelope{
		ID:        eventID,
		Type:      eventType,
		Timestamp: at.UTC().Format(TimeFormat),
		TenantID:  tenantID,
		Data:      data,
	}
}

// Encode returns the exact body bytes that are signed and sent.
func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// RetryPolicy is an ordered backoff table and an attempt ceiling.
type RetryPolicy struct {
	Delays      []time.Duration
	MaxAttempts int
}

// Delay returns the wait after the given 1-based failed attempt. Attempts past
// the end of the table reuse the last entry.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Delays) {
		idx = len(p.Delays) - 1
	}
	return p.Delays[idx]
}

// Exhausted reports whether no attempt is left after the given count.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// ParseDelays parses a comma separated list of delays. Bare integers are
// seconds; anything else must be a Go duration.
func ParseDelays(s string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if n, err := strconv.Atoi(part); err == nil {
			out = append(out, time.Duration(n)*time.Second)
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("invalid retry delay %q", part)
		}
		out = append(out, d)
	}
	return out, nil
}

// FormatDelays renders delays as comma separated whole seconds.
func FormatDelays(delays []time.Duration) string {
	parts := make([]string, len(delays))
	for i, d := range delays {
		parts[i] = strconv.FormatInt(int64(d/time.Second), 10)
	}
	return strings.Join(parts, ",")
}
