package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/signal_hook/internal/webhook"
)

// Querier is implemented by both *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
	q    Querier
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, q: pool}
}

const subscriptionColumns = `
	id, tenant_id, name, description, url, content_type, headers, timeout_ms,
	event_filter, secret, retry_delays_ms, max_retries, success_count, failure_count,
	last_success_at, last_failure_at, last_error, consecutive_failures,
	disable_after_failures, active, disabled_at, disabled_reason, deleted,
	created_at, updated_at`

const deliveryColumns = `
	id, tenant_id, subscription_id, event_type, event_id, payload, signature,
	target_url, request_headers, status, attempt_count, max_attempts,
	first_attempt_at, last_attempt_at, next_retry_at, delivered_at, claimed_at,
	response_status, response_time_ms, response_body, response_headers,
	error_message, error_trace, version, created_at, updated_at`

// mapError translates driver errors into store sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			if pgErr.ConstraintName == "delivery_logs_subscription_event_key" {
				return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.Detail)
			}
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Detail)
		case "22P02": // invalid_text_representation, e.g. a malformed uuid
			return ErrNotFound
		}
	}
	return err
}

func durationsToMillis(ds []time.Duration) []int64 {
	out := make([]int64, len(ds))
	for i, d := range ds {
		out[i] = d.Milliseconds()
	}
	return out
}

func millisToDurations(ms []int64) []time.Duration {
	out := make([]time.Duration, len(ms))
	for i, m := range ms {
		out[i] = time.Duration(m) * time.Millisecond
	}
	return out
}

func encodeHeaders(h webhook.Headers) ([]byte, error) {
	if h == nil {
		return nil, nil
	}
	return h.MarshalJSON()
}

func decodeHeaders(b []byte) (webhook.Headers, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var h webhook.Headers
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	return h, nil
}

func scanSubscription(row pgx.Row) (*webhook.Subscription, error) {
	var (
		s         webhook.Subscription
		headers   []byte
		timeoutMS int64
		delaysMS  []int64
	)
	err := row.Scan(
		&s.ID, &s.TenantID, &s.Name, &s.Description, &s.URL, &s.ContentType, &headers, &timeoutMS,
		&s.EventFilter, &s.Secret, &delaysMS, &s.MaxRetries, &s.SuccessCount, &s.FailureCount,
		&s.LastSuccessAt, &s.LastFailureAt, &s.LastError, &s.ConsecutiveFailures,
		&s.DisableAfterFailures, &s.Active, &s.DisabledAt, &s.DisabledReason, &s.Deleted,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	if s.Headers, err = decodeHeaders(headers); err != nil {
		return nil, err
	}
	s.Timeout = time.Duration(timeoutMS) * time.Millisecond
	s.RetryDelays = millisToDurations(delaysMS)
	return &s, nil
}

func scanDelivery(row pgx.Row) (*webhook.DeliveryLog, error) {
	var (
		l          webhook.DeliveryLog
		payload    []byte
		reqHeaders []byte
		resHeaders []byte
		status     string
		responseMS int64
	)
	err := row.Scan(
		&l.ID, &l.TenantID, &l.SubscriptionID, &l.EventType, &l.EventID, &payload, &l.Signature,
		&l.TargetURL, &reqHeaders, &status, &l.AttemptCount, &l.MaxAttempts,
		&l.FirstAttemptAt, &l.LastAttemptAt, &l.NextRetryAt, &l.DeliveredAt, &l.ClaimedAt,
		&l.ResponseStatus, &responseMS, &l.ResponseBody, &resHeaders,
		&l.ErrorMessage, &l.ErrorTrace, &l.Version, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	l.Payload = json.RawMessage(payload)
	l.Status = webhook.Status(status)
	l.ResponseTime = time.Duration(responseMS) * time.Millisecond
	if l.RequestHeaders, err = decodeHeaders(reqHeaders); err != nil {
		return nil, err
	}
	if l.ResponseHeaders, err = decodeHeaders(resHeaders); err != nil {
		return nil, err
	}
	return &l, nil
}

func (p *Postgres) CreateSubscription(ctx context.Context, sub *webhook.Subscription) error {
	headers, err := encodeHeaders(sub.Headers)
	if err != nil {
		return err
	}
	if headers == nil {
		headers = []byte("{}")
	}
	_, err = p.q.Exec(ctx, `
		INSERT INTO signalhook.subscriptions (
			id, tenant_id, name, description, url, content_type, headers, timeout_ms,
			event_filter, secret, retry_delays_ms, max_retries, disable_after_failures,
			active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		sub.ID, sub.TenantID, sub.Name, sub.Description, sub.URL, sub.ContentType, headers,
		sub.Timeout.Milliseconds(), sub.EventFilter, sub.Secret, durationsToMillis(sub.RetryDelays),
		sub.MaxRetries, sub.DisableAfterFailures, sub.Active, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", mapError(err))
	}
	return nil
}

func (p *Postgres) GetSubscription(ctx context.Context, tenantID, id string) (*webhook.Subscription, error) {
	return scanSubscription(p.q.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM signalhook.subscriptions
		WHERE id = $1 AND tenant_id = $2 AND NOT deleted`, id, tenantID))
}

func (p *Postgres) SubscriptionByID(ctx context.Context, id string) (*webhook.Subscription, error) {
	return scanSubscription(p.q.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM signalhook.subscriptions
		WHERE id = $1`, id))
}

func (p *Postgres) listSubscriptions(ctx context.Context, sql string, args ...any) ([]webhook.Subscription, error) {
	rows, err := p.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	out := make([]webhook.Subscription, 0)
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) ListSubscriptions(ctx context.Context, tenantID string) ([]webhook.Subscription, error) {
	return p.listSubscriptions(ctx, `
		SELECT `+subscriptionColumns+`
		FROM signalhook.subscriptions
		WHERE tenant_id = $1 AND NOT deleted
		ORDER BY created_at, id`, tenantID)
}

func (p *Postgres) ListActiveSubscriptions(ctx context.Context, tenantID string) ([]webhook.Subscription, error) {
	return p.listSubscriptions(ctx, `
		SELECT `+subscriptionColumns+`
		FROM signalhook.subscriptions
		WHERE tenant_id = $1 AND active AND NOT deleted
		ORDER BY created_at, id`, tenantID)
}

func (p *Postgres) UpdateSubscription(ctx context.Context, sub *webhook.Subscription) error {
	headers, err := encodeHeaders(sub.Headers)
	if err != nil {
		return err
	}
	if headers == nil {
		headers = []byte("{}")
	}
	tag, err := p.q.Exec(ctx, `
		UPDATE signalhook.subscriptions SET
			name = $3, description = $4, url = $5, content_type = $6, headers = $7,
			timeout_ms = $8, event_filter = $9, secret = COALESCE(NULLIF($10, ''), secret), retry_delays_ms = $11,
			max_retries = $12, disable_after_failures = $13, updated_at = $14
		WHERE id = $1 AND tenant_id = $2 AND NOT deleted`,
		sub.ID, sub.TenantID, sub.Name, sub.Description, sub.URL, sub.ContentType, headers,
		sub.Timeout.Milliseconds(), sub.EventFilter, sub.Secret, durationsToMillis(sub.RetryDelays),
		sub.MaxRetries, sub.DisableAfterFailures, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteSubscription(ctx context.Context, tenantID, id string, now time.Time) error {
	tag, err := p.q.Exec(ctx, `
		UPDATE signalhook.subscriptions
		SET deleted = TRUE, active = FALSE, updated_at = $3
		WHERE id = $1 AND tenant_id = $2 AND NOT deleted`, id, tenantID, now)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SetActive(ctx context.Context, tenantID, id string, active bool, reason string, now time.Time) (*webhook.Subscription, error) {
	if active {
		return scanSubscription(p.q.QueryRow(ctx, `
			UPDATE signalhook.subscriptions
			SET active = TRUE, consecutive_failures = 0, disabled_at = NULL,
				disabled_reason = '', updated_at = $3
			WHERE id = $1 AND tenant_id = $2 AND NOT deleted
			RETURNING `+subscriptionColumns, id, tenantID, now))
	}
	return scanSubscription(p.q.QueryRow(ctx, `
		UPDATE signalhook.subscriptions
		SET active = FALSE, disabled_at = $3, disabled_reason = $4, updated_at = $3
		WHERE id = $1 AND tenant_id = $2 AND NOT deleted
		RETURNING `+subscriptionColumns, id, tenantID, now, reason))
}

func (p *Postgres) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	tag, err := p.q.Exec(ctx, `
		UPDATE signalhook.subscriptions
		SET success_count = success_count + 1, last_success_at = $2,
			consecutive_failures = 0, updated_at = $2
		WHERE id = $1`, id, at)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordFailure evaluates the breaker against the pre-update row so the
// counter increment and the deactivation are one write.
func (p *Postgres) RecordFailure(ctx context.Context, id string, at time.Time, msg string, terminal bool) (bool, error) {
	var tripped bool
	err := p.q.QueryRow(ctx, `
		WITH prev AS (
			SELECT id, active, consecutive_failures + CASE WHEN $4::boolean THEN 1 ELSE 0 END AS next_count,
				$4::boolean AND active AND disable_after_failures > 0
					AND consecutive_failures + 1 >= disable_after_failures AS trip
			FROM signalhook.subscriptions
			WHERE id = $1
			FOR UPDATE
		)
		UPDATE signalhook.subscriptions s SET
			failure_count = s.failure_count + 1,
			last_failure_at = $2,
			last_error = $3,
			consecutive_failures = prev.next_count,
			active = CASE WHEN prev.trip THEN FALSE ELSE s.active END,
			disabled_at = CASE WHEN prev.trip THEN $2 ELSE s.disabled_at END,
			disabled_reason = CASE WHEN prev.trip
				THEN 'Auto-disabled after ' || prev.next_count || ' consecutive failures'
				ELSE s.disabled_reason END,
			updated_at = $2
		FROM prev
		WHERE s.id = prev.id
		RETURNING prev.trip`, id, at, msg, terminal).Scan(&tripped)
	if err != nil {
		return false, mapError(err)
	}
	return tripped, nil
}

func (p *Postgres) CreateDeliveryLog(ctx context.Context, log *webhook.DeliveryLog) error {
	reqHeaders, err := encodeHeaders(log.RequestHeaders)
	if err != nil {
		return err
	}
	if log.Version == 0 {
		log.Version = 1
	}
	_, err = p.q.Exec(ctx, `
		INSERT INTO signalhook.delivery_logs (
			id, tenant_id, subscription_id, event_type, event_id, payload, signature,
			target_url, request_headers, status, attempt_count, max_attempts,
			next_retry_at, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		log.ID, log.TenantID, log.SubscriptionID, log.EventType, log.EventID, []byte(log.Payload),
		log.Signature, log.TargetURL, reqHeaders, string(log.Status), log.AttemptCount, log.MaxAttempts,
		log.NextRetryAt, log.Version, log.CreatedAt, log.UpdatedAt,
	)
	if err != nil {
		return mapError(err)
	}
	return nil
}

func (p *Postgres) GetDeliveryLog(ctx context.Context, tenantID, id string) (*webhook.DeliveryLog, error) {
	return scanDelivery(p.q.QueryRow(ctx, `
		SELECT `+deliveryColumns+`
		FROM signalhook.delivery_logs
		WHERE id = $1 AND tenant_id = $2`, id, tenantID))
}

func (p *Postgres) DeliveryLogByID(ctx context.Context, id string) (*webhook.DeliveryLog, error) {
	return scanDelivery(p.q.QueryRow(ctx, `
		SELECT `+deliveryColumns+`
		FROM signalhook.delivery_logs
		WHERE id = $1`, id))
}

func (p *Postgres) listDeliveries(ctx context.Context, sql string, args ...any) ([]webhook.DeliveryLog, error) {
	rows, err := p.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query delivery logs: %w", mapError(err))
	}
	defer rows.Close()

	out := make([]webhook.DeliveryLog, 0)
	for rows.Next() {
		l, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) ListDeliveryLogs(ctx context.Context, tenantID, subscriptionID string, page, pageSize int) ([]webhook.DeliveryLog, error) {
	offset, limit, inRange := pageWindow(page, pageSize)
	if _, err := p.GetSubscription(ctx, tenantID, subscriptionID); err != nil {
		return nil, err
	}
	if !inRange {
		return []webhook.DeliveryLog{}, nil
	}
	return p.listDeliveries(ctx, `
		SELECT `+deliveryColumns+`
		FROM signalhook.delivery_logs
		WHERE subscription_id = $1 AND tenant_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4`, subscriptionID, tenantID, limit, offset)
}

// casMiss tells a lost compare-and-set apart from a missing row.
func (p *Postgres) casMiss(ctx context.Context, id string) error {
	var exists bool
	if err := p.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM signalhook.delivery_logs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return mapError(err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (p *Postgres) ClaimDelivery(ctx context.Context, id string, version int64, now time.Time) (*webhook.DeliveryLog, error) {
	l, err := scanDelivery(p.q.QueryRow(ctx, `
		UPDATE signalhook.delivery_logs
		SET status = 'in_flight', claimed_at = $3, version = version + 1, updated_at = $3
		WHERE id = $1 AND version = $2 AND status IN ('pending', 'retrying')
		RETURNING `+deliveryColumns, id, version, now))
	if errors.Is(err, ErrNotFound) {
		return nil, p.casMiss(ctx, id)
	}
	return l, err
}

func (p *Postgres) SaveAttempt(ctx context.Context, log *webhook.DeliveryLog) error {
	reqHeaders, err := encodeHeaders(log.RequestHeaders)
	if err != nil {
		return err
	}
	resHeaders, err := encodeHeaders(log.ResponseHeaders)
	if err != nil {
		return err
	}
	tag, err := p.q.Exec(ctx, `
		UPDATE signalhook.delivery_logs SET
			signature = $3, request_headers = $4, status = $5, attempt_count = $6,
			first_attempt_at = $7, last_attempt_at = $8, next_retry_at = $9, delivered_at = $10,
			claimed_at = $11, response_status = $12, response_time_ms = $13, response_body = $14,
			response_headers = $15, error_message = $16, error_trace = $17,
			version = version + 1, updated_at = $18
		WHERE id = $1 AND version = $2 AND status = 'in_flight'`,
		log.ID, log.Version, log.Signature, reqHeaders, string(log.Status), log.AttemptCount,
		log.FirstAttemptAt, log.LastAttemptAt, log.NextRetryAt, log.DeliveredAt,
		log.ClaimedAt, log.ResponseStatus, log.ResponseTime.Milliseconds(), log.ResponseBody,
		resHeaders, log.ErrorMessage, log.ErrorTrace, log.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save attempt: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return p.casMiss(ctx, log.ID)
	}
	log.Version++
	return nil
}

func (p *Postgres) CancelDelivery(ctx context.Context, id string, version int64, msg string, now time.Time) error {
	tag, err := p.q.Exec(ctx, `
		UPDATE signalhook.delivery_logs
		SET status = 'cancelled', next_retry_at = NULL, claimed_at = NULL,
			error_message = $3, version = version + 1, updated_at = $4
		WHERE id = $1 AND version = $2 AND status = 'retrying'`, id, version, msg, now)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return p.casMiss(ctx, id)
	}
	return nil
}

func (p *Postgres) RequeueDelivery(ctx context.Context, id string, version int64, now time.Time) error {
	tag, err := p.q.Exec(ctx, `
		UPDATE signalhook.delivery_logs
		SET status = 'retrying', next_retry_at = $3, version = version + 1, updated_at = $3
		WHERE id = $1 AND version = $2 AND status = 'pending'`, id, version, now)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return p.casMiss(ctx, id)
	}
	return nil
}

// LIMIT NULL is LIMIT ALL.
func (p *Postgres) DueRetries(ctx context.Context, now time.Time, limit int) ([]webhook.DeliveryLog, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	return p.listDeliveries(ctx, `
		SELECT `+deliveryColumns+`
		FROM signalhook.delivery_logs
		WHERE status = 'retrying' AND next_retry_at <= $1
		ORDER BY next_retry_at, id
		LIMIT $2`, now, lim)
}

func (p *Postgres) ReleaseStaleClaims(ctx context.Context, olderThan, now time.Time) (int, error) {
	tag, err := p.q.Exec(ctx, `
		UPDATE signalhook.delivery_logs
		SET status = 'retrying', claimed_at = NULL, next_retry_at = $2,
			version = version + 1, updated_at = $2
		WHERE (status = 'in_flight' AND claimed_at < $1)
			OR (status = 'pending' AND created_at < $1)`, olderThan, now)
	if err != nil {
		return 0, mapError(err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}
