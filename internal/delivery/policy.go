package delivery

import (
	"time"

	"github.com/austindbirch/signal_hook/internal/webhook"
)

// Policy carries the delivery settings. It is passed explicitly to the
// executor and the dispatcher; nothing reads it from package state.
type Policy struct {
	RetryDelays          []time.Duration // default backoff table for new subscriptions
	MaxAttempts          int             // default attempt ceiling for new subscriptions
	Timeout              time.Duration   // default per-request timeout
	MaxTimeout           time.Duration   // ceiling for subscription timeouts, must stay below the claim TTL
	DisableAfterFailures int             // default breaker threshold, 0 disables the breaker
	MaxConcurrent        int             // concurrent attempts per sweep / local queue
	ResponseCap          int             // characters kept from response bodies and headers
	JitterPercent        float64         // +/- fraction applied to backoff delays
	RetryClientErrors    bool            // when false, 4xx other than 408/429 fail the series immediately
	PublishDeadLetters   bool            // publish a notice when a series ends in failed
	UserAgent            string
}

// DefaultPolicy returns the stock delivery settings.
func DefaultPolicy() Policy {
	return Policy{
		RetryDelays:          []time.Duration{10 * time.Second, 30 * time.Second, 120 * time.Second, 600 * time.Second, 3600 * time.Second},
		MaxAttempts:          5,
		Timeout:              30 * time.Second,
		MaxTimeout:           2 * time.Minute,
		DisableAfterFailures: 10,
		MaxConcurrent:        10,
		ResponseCap:          2000,
		JitterPercent:        0,
		RetryClientErrors:    true,
		UserAgent:            "signal-hook/1.0",
	}
}

// RetryPolicy returns the default retry table as a webhook.RetryPolicy.
func (p Policy) RetryPolicy() webhook.RetryPolicy {
	return webhook.RetryPolicy{Delays: p.RetryDelays, MaxAttempts: p.MaxAttempts}
}

// Concurrency returns MaxConcurrent clamped to at least one.
func (p Policy) Concurrency() int {
	if p.MaxConcurrent <= 0 {
		return 1
	}
	return p.MaxConcurrent
}

// AttemptLimit is the longest a single attempt may run when in_flight claims
// older than claimTTL are released. The remaining fifth of the TTL covers
// claiming and recording the result.
func AttemptLimit(claimTTL time.Duration) time.Duration {
	return claimTTL - claimTTL/5
}
