package delivery

import (
	"math/rand"
	"time"

	"github.com/austindbirch/signal_hook/internal/webhook"
)

// Effect is what an attempt means for the subscription's health counters.
type Effect int

const (
	// EffectSuccess resets the consecutive failure counter.
	EffectSuccess Effect = iota
	// EffectAttemptFailure counts a failed attempt; more attempts follow.
	EffectAttemptFailure
	// EffectSeriesFailure ends the series in failed and feeds the breaker.
	EffectSeriesFailure
)

func (e Effect) String() string {
	switch e {
	case EffectSuccess:
		return "success"
	case EffectAttemptFailure:
		return "attempt_failure"
	case EffectSeriesFailure:
		return "series_failure"
	}
	return "unknown"
}

// Result is the log after an attempt plus its health effect.
type Result struct {
	Log    webhook.DeliveryLog
	Effect Effect
}

// Transition applies an attempt outcome to a log. It is deterministic given
// its inputs when the policy has no jitter.
//
//	pending|retrying -> delivered  on 2xx
//	pending|retrying -> retrying   on failure with attempts left
//	pending|retrying -> failed     on failure with attempts exhausted
func Transition(log webhook.DeliveryLog, sub *webhook.Subscription, out Outcome, p Policy, now time.Time) Result {
	log = log.Clone()
	attemptAt := out.SentAt
	if attemptAt.IsZero() {
		attemptAt = now
	}

	log.AttemptCount++
	if log.FirstAttemptAt == nil {
		log.FirstAttemptAt = webhook.TimePtr(attemptAt)
	}
	log.LastAttemptAt = webhook.TimePtr(attemptAt)
	log.ClaimedAt = nil
	log.ResponseStatus = out.StatusCode
	log.ResponseTime = out.Latency
	log.ResponseBody = out.ResponseBody
	log.ResponseHeaders = out.ResponseHeaders
	if out.Signature != "" {
		log.Signature = out.Signature
	}
	if out.RequestHeaders != nil {
		log.RequestHeaders = out.RequestHeaders
	}
	log.UpdatedAt = now

	if out.OK() {
		log.Status = webhook.StatusDelivered
		log.DeliveredAt = webhook.TimePtr(now)
		log.NextRetryAt = nil
		log.ErrorMessage = ""
		log.ErrorTrace = ""
		return Result{Log: log, Effect: EffectSuccess}
	}

	log.ErrorMessage = out.Message
	log.ErrorTrace = out.Trace

	retry := sub.Policy()
	if log.MaxAttempts > 0 {
		retry.MaxAttempts = log.MaxAttempts
	}
	if retry.Exhausted(log.AttemptCount) || (!p.RetryClientErrors && out.ClientError()) {
		log.Status = webhook.StatusFailed
		log.NextRetryAt = nil
		return Result{Log: log, Effect: EffectSeriesFailure}
	}

	log.Status = webhook.StatusRetrying
	log.NextRetryAt = webhook.TimePtr(now.Add(jitter(retry.Delay(log.AttemptCount), p.JitterPercent)))
	return Result{Log: log, Effect: EffectAttemptFailure}
}

// Cancel marks a retrying log cancelled without an attempt.
func Cancel(log webhook.DeliveryLog, reason string, now time.Time) webhook.DeliveryLog {
	log = log.Clone()
	log.Status = webhook.StatusCancelled
	log.NextRetryAt = nil
	log.ClaimedAt = nil
	log.ErrorMessage = reason
	log.UpdatedAt = now
	return log
}

func jitter(base time.Duration, pct float64) time.Duration {
	if pct <= 0 {
		return base
	}
	j := 1 + (rand.Float64()*2-1)*pct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(base) * j)
}
