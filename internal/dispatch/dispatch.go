// Package dispatch drives delivery logs through their lifecycle: fan-out on
// trigger, one attempt per queued task, and the periodic retry sweep.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/signal_hook/internal/delivery"
	"github.com/austindbirch/signal_hook/internal/logging"
	"github.com/austindbirch/signal_hook/internal/metrics"
	"github.com/austindbirch/signal_hook/internal/registry"
	"github.com/austindbirch/signal_hook/internal/signing"
	"github.com/austindbirch/signal_hook/internal/store"
	"github.com/austindbirch/signal_hook/internal/tracing"
	"github.com/austindbirch/signal_hook/internal/webhook"
)

// Enqueuer hands a task to the workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, task delivery.Task) error
}

// DeadLetterPublisher announces series that ended in failed.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error
}

// Fanout is the answer to TriggerEvent.
type Fanout struct {
	EventID     string   `json:"event_id"`
	Count       int      `json:"fanout_count"`
	DeliveryIDs []string `json:"delivery_ids,omitempty"`
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Released  int `json:"released"`
	Picked    int `json:"picked"`
	Attempted int `json:"attempted"`
	Cancelled int `json:"cancelled"`
	Skipped   int `json:"skipped"`
}

type Dispatcher struct {
	store       store.Store
	exec        *delivery.Executor
	queue       Enqueuer
	local       *LocalQueue
	deadLetters DeadLetterPublisher
	policy      delivery.Policy
	logger      *logging.Logger
	now         func() time.Time
	batchSize   int
	claimTTL    time.Duration
}

type Option func(*Dispatcher)

// WithQueue sends tasks to q instead of the in-process queue.
func WithQueue(q Enqueuer) Option {
	return func(d *Dispatcher) { d.queue = q }
}

// WithDeadLetters publishes a notice for every series that ends in failed
// when the policy enables it.
func WithDeadLetters(p DeadLetterPublisher) Option {
	return func(d *Dispatcher) { d.deadLetters = p }
}

func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithSweep sets the sweep batch size and the age after which an in_flight
// claim is considered abandoned. Non-positive values keep the defaults.
func WithSweep(batchSize int, claimTTL time.Duration) Option {
	return func(d *Dispatcher) {
		if batchSize > 0 {
			d.batchSize = batchSize
		}
		if claimTTL > 0 {
			d.claimTTL = claimTTL
		}
	}
}

// New builds a dispatcher. Without WithQueue, tasks run on an in-process
// LocalQueue bounded by the policy concurrency.
func New(st store.Store, exec *delivery.Executor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:     st,
		exec:      exec,
		policy:    exec.Policy(),
		logger:    logging.Default(),
		now:       time.Now,
		batchSize: 100,
		claimTTL:  5 * time.Minute,
	}
	for _, o := range opts {
		o(d)
	}
	if d.queue == nil {
		d.local = NewLocalQueue(d.HandleTask, d.policy.Concurrency())
		d.queue = d.local
	}
	return d
}

// Close waits for tasks running on the in-process queue.
func (d *Dispatcher) Close() {
	if d.local != nil {
		d.local.Close()
	}
}

// TriggerEvent creates one pending log per matching active subscription and
// enqueues it. Delivery outcomes never surface here; only validation and
// subscription lookup failures are returned.
func (d *Dispatcher) TriggerEvent(ctx context.Context, tenantID, eventType, eventID string, data json.RawMessage) (Fanout, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.TriggerEvent",
		attribute.String("tenant_id", tenantID),
		attribute.String("event_type", eventType),
	)
	defer span.End()

	if strings.TrimSpace(tenantID) == "" {
		return Fanout{}, fmt.Errorf("%w: tenant id is required", registry.ErrInvalidArgument)
	}
	if strings.TrimSpace(eventType) == "" {
		return Fanout{}, fmt.Errorf("%w: event type is required", registry.ErrInvalidArgument)
	}
	if len(data) > 0 && !json.Valid(data) {
		return Fanout{}, fmt.Errorf("%w: payload is not valid JSON", registry.ErrInvalidArgument)
	}
	if eventID == "" {
		eventID = uuid.NewString()
	}
	span.SetAttributes(attribute.String("event_id", eventID))
	logger := d.logger.WithContext(ctx).WithTenant(tenantID).WithEvent(eventID)

	subs, err := d.store.ListActiveSubscriptions(ctx, tenantID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Fanout{}, fmt.Errorf("list subscriptions: %w", err)
	}

	now := d.now().UTC()
	body, err := webhook.NewEnvelope(eventID, eventType, tenantID, now, data).Encode()
	if err != nil {
		return Fanout{}, err
	}
	traceHeaders := tracing.InjectTask(ctx)

	out := Fanout{EventID: eventID}
	for i := range subs {
		sub := &subs[i]
		if !webhook.Matches(sub.EventFilter, eventType) {
			continue
		}
		log := d.newLog(sub, eventType, eventID, body, now)
		if err := d.store.CreateDeliveryLog(ctx, log); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				logger.WithSubscription(sub.ID).Debug("delivery already exists for event")
				continue
			}
			logger.WithSubscription(sub.ID).WithError(err).Error("create delivery log failed")
			continue
		}
		out.Count++
		out.DeliveryIDs = append(out.DeliveryIDs, log.ID)

		if err := d.queue.Enqueue(ctx, delivery.NewTask(*log, now, traceHeaders)); err != nil {
			// Hand the log to the sweep instead of leaving it pending.
			logger.WithDelivery(log.ID).WithError(err).Warn("enqueue failed, deferring to sweep")
			if rqErr := d.store.RequeueDelivery(ctx, log.ID, log.Version, now); rqErr != nil {
				logger.WithDelivery(log.ID).WithError(rqErr).Error("requeue after enqueue failure failed")
			}
		}
	}

	span.SetAttributes(attribute.Int("fanout_count", out.Count))
	metrics.RecordEventTriggered(tenantID, out.Count)
	logger.WithFields(map[string]any{
		"event_type": eventType,
		"fanout":     out.Count,
	}).Info("event triggered")
	return out, nil
}

func (d *Dispatcher) newLog(sub *webhook.Subscription, eventType, eventID string, body []byte, now time.Time) *webhook.DeliveryLog {
	maxAttempts := sub.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = d.policy.MaxAttempts
	}
	return &webhook.DeliveryLog{
		ID:             uuid.NewString(),
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		EventType:      eventType,
		EventID:        eventID,
		Payload:        append(json.RawMessage(nil), body...),
		Signature:      signing.Sign(body, sub.Secret),
		TargetURL:      sub.URL,
		Status:         webhook.StatusPending,
		MaxAttempts:    maxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// HandleTask runs one queued task under the trace context it carries.
func (d *Dispatcher) HandleTask(ctx context.Context, task delivery.Task) error {
	ctx = tracing.ExtractTask(ctx, task.TraceHeaders)
	return d.Deliver(ctx, task.DeliveryID)
}

// Deliver makes one attempt for the log if it is still waiting for one. A
// lost claim, a terminal log or a retry that is not yet due are no-ops. An
// error means the attempt could not be started or recorded.
func (d *Dispatcher) Deliver(ctx context.Context, deliveryID string) error {
	ctx, span := tracing.StartSpan(ctx, "dispatch.Deliver", attribute.String("delivery_id", deliveryID))
	defer span.End()

	log, err := d.store.DeliveryLogByID(ctx, deliveryID)
	if errors.Is(err, store.ErrNotFound) {
		d.logger.WithContext(ctx).WithDelivery(deliveryID).Warn("task for unknown delivery dropped")
		return nil
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("load delivery %s: %w", deliveryID, err)
	}
	if !log.Status.Claimable() {
		return nil
	}
	if log.Status == webhook.StatusRetrying && log.NextRetryAt != nil && log.NextRetryAt.After(d.now()) {
		return nil
	}
	_, err = d.process(ctx, log)
	return err
}

type processResult int

const (
	processSkipped processResult = iota
	processAttempted
	processCancelled
)

// process cancels a retrying log whose subscription stopped accepting
// deliveries, otherwise claims and attempts it.
func (d *Dispatcher) process(ctx context.Context, log *webhook.DeliveryLog) (processResult, error) {
	logger := d.logger.WithContext(ctx).WithTenant(log.TenantID).WithDelivery(log.ID).WithSubscription(log.SubscriptionID)

	sub, err := d.store.SubscriptionByID(ctx, log.SubscriptionID)
	if err != nil {
		return processSkipped, fmt.Errorf("load subscription %s: %w", log.SubscriptionID, err)
	}

	if !sub.Selectable() && log.Status == webhook.StatusRetrying {
		err := d.store.CancelDelivery(ctx, log.ID, log.Version, webhook.InactiveReason, d.now().UTC())
		if errors.Is(err, store.ErrConflict) {
			return processSkipped, nil
		}
		if err != nil {
			return processSkipped, fmt.Errorf("cancel delivery %s: %w", log.ID, err)
		}
		metrics.RecordCancelled()
		logger.Info("delivery cancelled, subscription inactive")
		return processCancelled, nil
	}

	claimed, err := d.store.ClaimDelivery(ctx, log.ID, log.Version, d.now().UTC())
	if errors.Is(err, store.ErrConflict) {
		logger.Debug("claim lost")
		return processSkipped, nil
	}
	if err != nil {
		return processSkipped, fmt.Errorf("claim delivery %s: %w", log.ID, err)
	}

	// Once claimed, the attempt and its bookkeeping run to completion even if
	// the caller is shutting down.
	if err := d.attempt(context.WithoutCancel(ctx), d.boundTimeout(sub), claimed); err != nil {
		return processAttempted, err
	}
	return processAttempted, nil
}

// boundTimeout caps the request timeout below the claim TTL, so a sweep never
// releases a claim whose attempt is still running.
func (d *Dispatcher) boundTimeout(sub *webhook.Subscription) *webhook.Subscription {
	limit := delivery.AttemptLimit(d.claimTTL)
	timeout := sub.Timeout
	if timeout <= 0 {
		timeout = d.policy.Timeout
	}
	if timeout > 0 && timeout <= limit {
		return sub
	}
	bounded := *sub
	bounded.Timeout = limit
	return &bounded
}

func (d *Dispatcher) attempt(ctx context.Context, sub *webhook.Subscription, claimed *webhook.DeliveryLog) error {
	out := d.exec.Attempt(ctx, sub, claimed)
	now := d.now().UTC()
	res := delivery.Transition(*claimed, sub, out, d.policy, now)
	saved := res.Log

	logger := d.logger.WithContext(ctx).WithTenant(saved.TenantID).WithDelivery(saved.ID).WithSubscription(saved.SubscriptionID)

	if err := d.store.SaveAttempt(ctx, &saved); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// The claim was released as stale while the attempt ran; the
			// newer owner records its own attempt.
			logger.Warn("attempt result discarded, claim no longer held")
			return nil
		}
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("save attempt %s: %w", saved.ID, err)
	}

	reason := out.Reason()
	metrics.RecordAttempt(string(saved.Status), string(out.Kind), out.Latency)
	if out.StatusCode > 0 {
		metrics.RecordHTTPStatus(strconv.Itoa(out.StatusCode))
	}

	fields := map[string]any{
		"attempt":    saved.AttemptCount,
		"status":     string(saved.Status),
		"latency_ms": out.Latency.Milliseconds(),
	}
	if out.StatusCode > 0 {
		fields["http_status"] = out.StatusCode
	}

	switch res.Effect {
	case delivery.EffectSuccess:
		if err := d.store.RecordSuccess(ctx, sub.ID, now); err != nil {
			logger.WithError(err).Error("record success failed")
		}
		logger.WithFields(fields).Info("delivery succeeded")

	case delivery.EffectAttemptFailure:
		metrics.RecordRetry(reason)
		if _, err := d.store.RecordFailure(ctx, sub.ID, now, saved.ErrorMessage, false); err != nil {
			logger.WithError(err).Error("record failure failed")
		}
		fields["next_retry_at"] = saved.NextRetryAt.Format(webhook.TimeFormat)
		logger.WithFields(fields).WithField("reason", reason).Warn(saved.ErrorMessage)

	case delivery.EffectSeriesFailure:
		metrics.RecordFailed(reason)
		tripped, err := d.store.RecordFailure(ctx, sub.ID, now, saved.ErrorMessage, true)
		if err != nil {
			logger.WithError(err).Error("record failure failed")
		}
		logger.WithFields(fields).WithField("reason", reason).Error("delivery failed permanently: " + saved.ErrorMessage)
		if tripped {
			metrics.RecordSubscriptionDisabled()
			logger.Warn("subscription auto-disabled after consecutive failures")
		}
		d.publishDeadLetter(ctx, saved, reason, now)
	}
	return nil
}

func (d *Dispatcher) publishDeadLetter(ctx context.Context, log webhook.DeliveryLog, reason string, now time.Time) {
	if !d.policy.PublishDeadLetters || d.deadLetters == nil {
		return
	}
	if err := d.deadLetters.PublishDeadLetter(ctx, delivery.NewDeadLetter(log, reason, now)); err != nil {
		d.logger.WithContext(ctx).WithDelivery(log.ID).WithError(err).Error("dead letter publish failed")
		tracing.SetSpanError(ctx, err)
		return
	}
	tracing.AddSpanEvent(ctx, "delivery.dead_letter")
}

// Sweep releases abandoned claims and processes due retries with bounded
// concurrency. Once ctx is done no new log is picked; attempts already
// started finish.
func (d *Dispatcher) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.Sweep")
	defer span.End()

	var res SweepResult
	now := d.now().UTC()
	released, err := d.store.ReleaseStaleClaims(ctx, now.Add(-d.claimTTL), now)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return res, fmt.Errorf("release stale claims: %w", err)
	}
	res.Released = released

	due, err := d.store.DueRetries(ctx, now, d.batchSize)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return res, fmt.Errorf("select due retries: %w", err)
	}
	res.Picked = len(due)
	span.SetAttributes(attribute.Int("sweep.picked", len(due)), attribute.Int("sweep.released", released))

	var attempted, cancelled, skipped atomic.Int64
	var g errgroup.Group
	g.SetLimit(d.policy.Concurrency())
	for i := range due {
		if ctx.Err() != nil {
			skipped.Add(int64(len(due) - i))
			break
		}
		log := due[i]
		g.Go(func() error {
			if ctx.Err() != nil {
				skipped.Add(1)
				return nil
			}
			r, err := d.process(ctx, &log)
			if err != nil {
				d.logger.WithContext(ctx).WithDelivery(log.ID).WithError(err).Error("sweep attempt failed")
			}
			switch r {
			case processAttempted:
				attempted.Add(1)
			case processCancelled:
				cancelled.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Attempted = int(attempted.Load())
	res.Cancelled = int(cancelled.Load())
	res.Skipped = int(skipped.Load())
	if res.Picked > 0 || res.Released > 0 {
		d.logger.WithContext(ctx).WithFields(map[string]any{
			"picked":    res.Picked,
			"attempted": res.Attempted,
			"cancelled": res.Cancelled,
			"skipped":   res.Skipped,
			"released":  res.Released,
		}).Info("sweep finished")
	}
	return res, nil
}

// SendTest performs one signed synthetic delivery. Nothing is persisted.
func (d *Dispatcher) SendTest(ctx context.Context, tenantID, subscriptionID string) (delivery.TestResult, error) {
	sub, err := d.store.GetSubscription(ctx, tenantID, subscriptionID)
	if err != nil {
		return delivery.TestResult{}, err
	}
	res := d.exec.Test(ctx, sub)
	d.logger.WithContext(ctx).WithTenant(tenantID).WithSubscription(subscriptionID).WithFields(map[string]any{
		"success":     res.Success,
		"http_status": res.StatusCode,
	}).Info("test delivery sent")
	return res, nil
}
