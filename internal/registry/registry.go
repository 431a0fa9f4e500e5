// Package registry manages tenant subscriptions. It changes configuration
// only; health counters are owned by the dispatcher.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/signal_hook/internal/delivery"
	"github.com/austindbirch/signal_hook/internal/logging"
	"github.com/austindbirch/signal_hook/internal/signing"
	"github.com/austindbirch/signal_hook/internal/store"
	"github.com/austindbirch/signal_hook/internal/webhook"
)

// ErrInvalidArgument wraps every validation failure.
var ErrInvalidArgument = errors.New("invalid argument")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// CreateRequest configures a new subscription. Zero values take the policy
// defaults.
type CreateRequest struct {
	Name                 string
	Description          string
	URL                  string
	ContentType          string
	Headers              webhook.Headers
	Timeout              time.Duration
	EventFilter          string
	RetryDelays          []time.Duration
	MaxRetries           int
	DisableAfterFailures *int
}

// UpdateRequest changes the fields that are set.
type UpdateRequest struct {
	Name                 *string
	Description          *string
	URL                  *string
	ContentType          *string
	Headers              *webhook.Headers
	Timeout              *time.Duration
	EventFilter          *string
	RetryDelays          *[]time.Duration
	MaxRetries           *int
	DisableAfterFailures *int
	RegenerateSecret     bool
}

type Registry struct {
	store     store.Store
	policy    delivery.Policy
	logger    *logging.Logger
	now       func() time.Time
	newSecret func() (string, error)
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithSecretGenerator replaces signing.GenerateSecret.
func WithSecretGenerator(fn func() (string, error)) Option {
	return func(r *Registry) { r.newSecret = fn }
}

func New(st store.Store, policy delivery.Policy, opts ...Option) *Registry {
	r := &Registry{
		store:     st,
		policy:    policy,
		logger:    logging.Default(),
		now:       time.Now,
		newSecret: signing.GenerateSecret,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Create registers a subscription. The returned value carries the secret;
// later reads do not.
func (r *Registry) Create(ctx context.Context, tenantID string, req CreateRequest) (*webhook.Subscription, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, invalid("tenant id is required")
	}
	secret, err := r.newSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	now := r.now().UTC()
	sub := &webhook.Subscription{
		ID:                   uuid.NewString(),
		TenantID:             tenantID,
		Name:                 strings.TrimSpace(req.Name),
		Description:          req.Description,
		URL:                  strings.TrimSpace(req.URL),
		ContentType:          req.ContentType,
		Headers:              req.Headers.Clone(),
		Timeout:              req.Timeout,
		EventFilter:          strings.TrimSpace(req.EventFilter),
		Secret:               secret,
		RetryDelays:          append([]time.Duration(nil), req.RetryDelays...),
		MaxRetries:           req.MaxRetries,
		DisableAfterFailures: r.policy.DisableAfterFailures,
		Active:               true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if req.DisableAfterFailures != nil {
		sub.DisableAfterFailures = *req.DisableAfterFailures
	}
	r.applyDefaults(sub)
	if err := r.validate(sub); err != nil {
		return nil, err
	}

	if err := r.store.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	r.logger.WithContext(ctx).WithTenant(tenantID).WithSubscription(sub.ID).
		WithField("event_filter", sub.EventFilter).Info("subscription created")
	return sub, nil
}

func (r *Registry) applyDefaults(sub *webhook.Subscription) {
	if sub.ContentType == "" {
		sub.ContentType = "application/json"
	}
	if sub.EventFilter == "" {
		sub.EventFilter = "*"
	}
	if sub.Timeout == 0 {
		sub.Timeout = r.policy.Timeout
	}
	if len(sub.RetryDelays) == 0 {
		sub.RetryDelays = append([]time.Duration(nil), r.policy.RetryDelays...)
	}
	if sub.MaxRetries == 0 {
		sub.MaxRetries = r.policy.MaxAttempts
	}
}

func (r *Registry) validate(sub *webhook.Subscription) error {
	if sub.Name == "" {
		return invalid("name is required")
	}
	if err := validateURL(sub.URL); err != nil {
		return err
	}
	if !webhook.ValidFilter(sub.EventFilter) {
		return invalid("event filter %q has no entries", sub.EventFilter)
	}
	if sub.Timeout <= 0 {
		return invalid("timeout must be positive")
	}
	if r.policy.MaxTimeout > 0 && sub.Timeout > r.policy.MaxTimeout {
		return invalid("timeout must not exceed %s", r.policy.MaxTimeout)
	}
	if sub.MaxRetries <= 0 {
		return invalid("max retries must be positive")
	}
	for _, d := range sub.RetryDelays {
		if d <= 0 {
			return invalid("retry delays must be positive")
		}
	}
	if sub.DisableAfterFailures < 0 {
		return invalid("disable_after_failures must not be negative")
	}
	for _, h := range sub.Headers {
		if strings.TrimSpace(h.Name) == "" || strings.ContainsAny(h.Name, " \t\r\n:") {
			return invalid("invalid header name %q", h.Name)
		}
		if strings.ContainsAny(h.Value, "\r\n") {
			return invalid("header %s contains a line break", h.Name)
		}
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return invalid("url %q must be absolute", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid("url scheme %q is not http or https", u.Scheme)
	}
	return nil
}

// Get returns the subscription without its secret.
func (r *Registry) Get(ctx context.Context, tenantID, id string) (*webhook.Subscription, error) {
	sub, err := r.store.GetSubscription(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	red := sub.Redacted()
	return &red, nil
}

// List returns the tenant's subscriptions without secrets.
func (r *Registry) List(ctx context.Context, tenantID string) ([]webhook.Subscription, error) {
	subs, err := r.store.ListSubscriptions(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for i := range subs {
		subs[i] = subs[i].Redacted()
	}
	return subs, nil
}

// Update applies a partial change. The secret is included in the result only
// when it was regenerated; the old secret stops working immediately.
func (r *Registry) Update(ctx context.Context, tenantID, id string, req UpdateRequest) (*webhook.Subscription, error) {
	sub, err := r.store.GetSubscription(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		sub.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		sub.Description = *req.Description
	}
	if req.URL != nil {
		sub.URL = strings.TrimSpace(*req.URL)
	}
	if req.ContentType != nil {
		sub.ContentType = *req.ContentType
	}
	if req.Headers != nil {
		sub.Headers = req.Headers.Clone()
	}
	if req.Timeout != nil {
		sub.Timeout = *req.Timeout
	}
	if req.EventFilter != nil {
		sub.EventFilter = strings.TrimSpace(*req.EventFilter)
	}
	if req.RetryDelays != nil {
		sub.RetryDelays = append([]time.Duration(nil), (*req.RetryDelays)...)
	}
	if req.MaxRetries != nil {
		sub.MaxRetries = *req.MaxRetries
	}
	if req.DisableAfterFailures != nil {
		sub.DisableAfterFailures = *req.DisableAfterFailures
	}
	if req.RegenerateSecret {
		if sub.Secret, err = r.newSecret(); err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
	}
	r.applyDefaults(sub)
	if err := r.validate(sub); err != nil {
		return nil, err
	}
	sub.UpdatedAt = r.now().UTC()

	// An empty secret leaves the stored one alone, so a concurrent
	// regeneration is never overwritten.
	write := *sub
	if !req.RegenerateSecret {
		write.Secret = ""
	}
	if err := r.store.UpdateSubscription(ctx, &write); err != nil {
		return nil, err
	}
	r.logger.WithContext(ctx).WithTenant(tenantID).WithSubscription(id).
		WithField("secret_regenerated", req.RegenerateSecret).Info("subscription updated")

	if req.RegenerateSecret {
		return sub, nil
	}
	red := sub.Redacted()
	return &red, nil
}

// Delete soft-deletes the subscription. Its retrying logs are cancelled by
// the next sweep.
func (r *Registry) Delete(ctx context.Context, tenantID, id string) error {
	if err := r.store.DeleteSubscription(ctx, tenantID, id, r.now().UTC()); err != nil {
		return err
	}
	r.logger.WithContext(ctx).WithTenant(tenantID).WithSubscription(id).Info("subscription deleted")
	return nil
}

// Enable reactivates the subscription and resets its consecutive failures.
func (r *Registry) Enable(ctx context.Context, tenantID, id string) (*webhook.Subscription, error) {
	sub, err := r.store.SetActive(ctx, tenantID, id, true, "", r.now().UTC())
	if err != nil {
		return nil, err
	}
	r.logger.WithContext(ctx).WithTenant(tenantID).WithSubscription(id).Info("subscription enabled")
	red := sub.Redacted()
	return &red, nil
}

// Disable deactivates the subscription with the given reason.
func (r *Registry) Disable(ctx context.Context, tenantID, id, reason string) (*webhook.Subscription, error) {
	if reason == "" {
		reason = "Disabled manually"
	}
	sub, err := r.store.SetActive(ctx, tenantID, id, false, reason, r.now().UTC())
	if err != nil {
		return nil, err
	}
	r.logger.WithContext(ctx).WithTenant(tenantID).WithSubscription(id).
		WithField("reason", reason).Info("subscription disabled")
	red := sub.Redacted()
	return &red, nil
}
