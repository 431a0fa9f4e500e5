package delivery

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/austindbirch/signal_hook/internal/webhook"
)

func TestNewDeadLetter(t *testing.T) {
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		log    webhook.DeliveryLog
		reason string
	}{
		{
			name: "complete dead letter creation",
			log: webhook.DeliveryLog{
				ID:             "delivery-123",
				EventID:        "event-456",
				TenantID:       "tenant-789",
				SubscriptionID: "sub-abc",
				EventType:      "Assessment.Completed",
				TargetURL:      "https://example.com/webhook",
				AttemptCount:   5,
				ResponseStatus: 500,
				ErrorMessage:   "HTTP 500: Internal Server Error",
			},
			reason: "http_5xx",
		},
		{
			name: "minimal dead letter creation",
			log: webhook.DeliveryLog{
				ID:      "delivery-minimal",
				EventID: "event-minimal",
			},
			reason: "timeout",
		},
		{
			name:   "empty reason",
			log:    webhook.DeliveryLog{ID: "delivery-empty"},
			reason: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dl := NewDeadLetter(tt.log, tt.reason, at)

			if dl.Type != DLQType {
				t.Errorf("NewDeadLetter() Type = %q, want %q", dl.Type, DLQType)
			}
			if dl.Version != "v1" {
				t.Errorf("NewDeadLetter() Version = %q, want %q", dl.Version, "v1")
			}
			if dl.Reason != tt.reason {
				t.Errorf("NewDeadLetter() Reason = %q, want %q", dl.Reason, tt.reason)
			}
			if dl.Attempt != tt.log.AttemptCount {
				t.Errorf("NewDeadLetter() Attempt = %d, want %d", dl.Attempt, tt.log.AttemptCount)
			}
			if dl.HTTPStatus != tt.log.ResponseStatus {
				t.Errorf("NewDeadLetter() HTTPStatus = %d, want %d", dl.HTTPStatus, tt.log.ResponseStatus)
			}
			if dl.LastError != tt.log.ErrorMessage {
				t.Errorf("NewDeadLetter() LastError = %q, want %q", dl.LastError, tt.log.ErrorMessage)
			}
			if dl.DeliveryID != tt.log.ID {
				t.Errorf("NewDeadLetter() DeliveryID = %q, want %q", dl.DeliveryID, tt.log.ID)
			}
			parsed, err := time.Parse(time.RFC3339Nano, dl.At)
			if err != nil {
				t.Errorf("NewDeadLetter() At timestamp parse error: %v", err)
			}
			if !parsed.Equal(at) {
				t.Errorf("NewDeadLetter() At = %v, want %v", parsed, at)
			}
		})
	}
}

func TestNewTask(t *testing.T) {
	log := webhook.DeliveryLog{
		ID:             "d1",
		EventID:        "e1",
		TenantID:       "t1",
		SubscriptionID: "s1",
		EventType:      "User.Created",
	}
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	task := NewTask(log, at, map[string]string{"traceparent": "00-abc-def-01"})

	b, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("Task JSON marshal error: %v", err)
	}
	var got Task
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Task JSON unmarshal error: %v", err)
	}
	if got.DeliveryID != "d1" || got.SubscriptionID != "s1" || got.EventType != "User.Created" {
		t.Errorf("Task round trip = %+v", got)
	}
	if got.PublishedAt != "2026-02-03T04:05:06Z" {
		t.Errorf("Task PublishedAt = %q", got.PublishedAt)
	}
	if got.TraceHeaders["traceparent"] != "00-abc-def-01" {
		t.Errorf("Task TraceHeaders lost: %v", got.TraceHeaders)
	}
}

func TestDLQTypeConstant(t *testing.T) {
	expected := "delivery.dlq"
	if DLQType != expected {
		t.Errorf("DLQType constant = %q, want %q", DLQType, expected)
	}
}

func TestOutcomeReason(t *testing.T) {
	tests := []struct {
		name string
		out  Outcome
		want string
	}{
		{name: "success", out: Outcome{Kind: OutcomeSuccess, StatusCode: 200}, want: "none"},
		{name: "timeout", out: Outcome{Kind: OutcomeTimeout}, want: "timeout"},
		{name: "refused", out: Outcome{Kind: OutcomeConnectionError, Message: "Connection error: dial tcp: connection refused"}, want: "connection_refused"},
		{name: "dns", out: Outcome{Kind: OutcomeConnectionError, Message: "Connection error: lookup x: no such host"}, want: "dns_error"},
		{name: "network", out: Outcome{Kind: OutcomeConnectionError, Message: "Connection error: EOF"}, want: "network"},
		{name: "5xx", out: Outcome{Kind: OutcomeHTTPError, StatusCode: 503}, want: "http_5xx"},
		{name: "429", out: Outcome{Kind: OutcomeHTTPError, StatusCode: 429}, want: "http_429"},
		{name: "4xx", out: Outcome{Kind: OutcomeHTTPError, StatusCode: 404}, want: "http_4xx"},
		{name: "3xx", out: Outcome{Kind: OutcomeHTTPError, StatusCode: 302}, want: "other"},
		{name: "internal", out: Outcome{Kind: OutcomeInternalError}, want: "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.out.Reason(); got != tt.want {
				t.Errorf("Reason() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOutcomeClientError(t *testing.T) {
	tests := []struct {
		code int
		kind OutcomeKind
		want bool
	}{
		{400, OutcomeHTTPError, true},
		{404, OutcomeHTTPError, true},
		{408, OutcomeHTTPError, false},
		{429, OutcomeHTTPError, false},
		{500, OutcomeHTTPError, false},
		{0, OutcomeTimeout, false},
	}
	for _, tt := range tests {
		out := Outcome{Kind: tt.kind, StatusCode: tt.code}
		if got := out.ClientError(); got != tt.want {
			t.Errorf("ClientError(%d, %s) = %v, want %v", tt.code, tt.kind, got, tt.want)
		}
	}
}
