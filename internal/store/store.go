// Package store persists subscriptions and delivery logs.
package store

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/austindbirch/signal_hook/internal/webhook"
)

var (
	// ErrNotFound is returned when a row does not exist or belongs to another tenant.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-set lost to another writer.
	ErrConflict = errors.New("conflict")
	// ErrDuplicate is returned when a log already exists for the subscription and event.
	ErrDuplicate = errors.New("duplicate delivery")
)

// DefaultPageSize is used when a list request carries no page size.
const DefaultPageSize = 50

// MaxPageSize caps list requests.
const MaxPageSize = 500

// Store is the persistence contract used by the registry and the dispatcher.
// Tenant-scoped reads return ErrNotFound for rows owned by another tenant.
type Store interface {
	CreateSubscription(ctx context.Context, sub *webhook.Subscription) error
	GetSubscription(ctx context.Context, tenantID, id string) (*webhook.Subscription, error)
	SubscriptionByID(ctx context.Context, id string) (*webhook.Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID string) ([]webhook.Subscription, error)
	ListActiveSubscriptions(ctx context.Context, tenantID string) ([]webhook.Subscription, error)
	// UpdateSubscription writes configuration fields, and the secret when it
	// is non-empty. Health counters are left untouched.
	UpdateSubscription(ctx context.Context, sub *webhook.Subscription) error
	DeleteSubscription(ctx context.Context, tenantID, id string, now time.Time) error
	// SetActive toggles a subscription. Enabling resets the consecutive failure
	// counter and clears the disabled reason and time.
	SetActive(ctx context.Context, tenantID, id string, active bool, reason string, now time.Time) (*webhook.Subscription, error)

	RecordSuccess(ctx context.Context, id string, at time.Time) error
	// RecordFailure counts a failed attempt. When terminal is set the
	// consecutive counter is incremented and the breaker evaluated in the same
	// write; tripped reports that this call deactivated the subscription.
	RecordFailure(ctx context.Context, id string, at time.Time, msg string, terminal bool) (tripped bool, err error)

	CreateDeliveryLog(ctx context.Context, log *webhook.DeliveryLog) error
	GetDeliveryLog(ctx context.Context, tenantID, id string) (*webhook.DeliveryLog, error)
	DeliveryLogByID(ctx context.Context, id string) (*webhook.DeliveryLog, error)
	ListDeliveryLogs(ctx context.Context, tenantID, subscriptionID string, page, pageSize int) ([]webhook.DeliveryLog, error)
	// ClaimDelivery moves a pending or retrying log at the given version to
	// in_flight. ErrConflict means another worker owns it or it moved on.
	ClaimDelivery(ctx context.Context, id string, version int64, now time.Time) (*webhook.DeliveryLog, error)
	// SaveAttempt writes the result of an attempt on a claimed log. The log's
	// Version must be the claim version; it is bumped on success.
	SaveAttempt(ctx context.Context, log *webhook.DeliveryLog) error
	CancelDelivery(ctx context.Context, id string, version int64, msg string, now time.Time) error
	// RequeueDelivery makes a pending log due immediately without counting an
	// attempt.
	RequeueDelivery(ctx context.Context, id string, version int64, now time.Time) error
	// DueRetries returns retrying logs due at now, oldest due first. A limit
	// that is not positive returns all of them.
	DueRetries(ctx context.Context, now time.Time, limit int) ([]webhook.DeliveryLog, error)
	// ReleaseStaleClaims makes in_flight logs claimed before olderThan, and
	// pending logs created before it, due now as retrying. It recovers work
	// orphaned by a crashed worker or a lost queue message.
	ReleaseStaleClaims(ctx context.Context, olderThan, now time.Time) (int, error)

	Ping(ctx context.Context) error
}

// maxPageOffset bounds list offsets; pages past it are empty.
const maxPageOffset = math.MaxInt32

// pageWindow turns a 1-based page into an offset and a clamped size. ok is
// false when the page starts beyond maxPageOffset.
func pageWindow(page, pageSize int) (offset, limit int, ok bool) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	if page-1 > maxPageOffset/pageSize {
		return 0, pageSize, false
	}
	return (page - 1) * pageSize, pageSize, true
}
