package delivery

import (
	"time"

	"github.com/austindbirch/signal_hook/internal/webhook"
)

const DLQType = "delivery.dlq"

// DeadLetter announces a delivery series that ended in failed.
type DeadLetter struct {
	Type           string `json:"type"`    // "delivery.dlq"
	Version        string `json:"version"` // schema version
	At             string `json:"at"`      // RFC3339 time the notice was emitted
	Reason         string `json:"reason"`  // outcome reason label
	DeliveryID     string `json:"delivery_id"`
	TenantID       string `json:"tenant_id"`
	SubscriptionID string `json:"subscription_id"`
	EventID        string `json:"event_id"`
	EventType      string `json:"event_type"`
	TargetURL      string `json:"target_url"`
	Attempt        int    `json:"attempt"` // attempt count when the series failed
	HTTPStatus     int    `json:"http_status,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}

// NewDeadLetter builds a notice from a failed log.
func NewDeadLetter(log webhook.DeliveryLog, reason string, at time.Time) DeadLetter {
	return DeadLetter{
		Type:           DLQType,
		Version:        "v1",
		At:             at.UTC().Format(time.RFC3339Nano),
		Reason:         reason,
		DeliveryID:     log.ID,
		TenantID:       log.TenantID,
		SubscriptionID: log.SubscriptionID,
		EventID:        log.EventID,
		EventType:      log.EventType,
		TargetURL:      log.TargetURL,
		Attempt:        log.AttemptCount,
		HTTPStatus:     log.ResponseStatus,
		LastError:      log.ErrorMessage,
	}
}
