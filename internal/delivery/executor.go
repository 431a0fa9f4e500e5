package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/signal_hook/internal/signing"
	"github.com/austindbirch/signal_hook/internal/tracing"
	"github.com/austindbirch/signal_hook/internal/webhook"
)

// Wire header names.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderTest      = "X-Webhook-Test"
	HeaderTraceID   = "X-Trace-Id"

	// TestEventType is sent in X-Webhook-Event by test deliveries.
	TestEventType = "test"
)

// drainLimit bounds how much of an oversized response is read to allow
// connection reuse.
const drainLimit = 64 << 10

// Executor sends single signed delivery attempts.
type Executor struct {
	client *http.Client
	policy Policy
	now    func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithHTTPClient replaces the HTTP client. Its Timeout should be zero; the
// executor bounds each request with the subscription timeout.
func WithHTTPClient(c *http.Client) ExecutorOption {
	return func(e *Executor) { e.client = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// NewExecutor builds an executor for the given policy.
func NewExecutor(policy Policy, opts ...ExecutorOption) *Executor {
	e := &Executor{
		client: &http.Client{},
		policy: policy,
		now:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy { return e.policy }

// Attempt sends the stored payload of log to the subscription once. The body
// is signed with the subscription's current secret. Attempt never returns an
// error: every failure, including a panic, becomes an Outcome.
func (e *Executor) Attempt(ctx context.Context, sub *webhook.Subscription, log *webhook.DeliveryLog) (out Outcome) {
	ctx, span := tracing.StartSpan(ctx, "delivery.Attempt",
		attribute.String("delivery_id", log.ID),
		attribute.String("subscription_id", sub.ID),
		attribute.String("event_type", log.EventType),
		attribute.Int("attempt", log.AttemptCount+1),
	)
	defer span.End()

	sentAt := e.now()
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{
				Kind:    OutcomeInternalError,
				Message: fmt.Sprint(r),
				Trace:   string(debug.Stack()),
				SentAt:  sentAt,
				Latency: e.now().Sub(sentAt),
			}
		}
		span.SetAttributes(
			attribute.String("delivery.outcome", string(out.Kind)),
			attribute.Int("http.status_code", out.StatusCode),
			attribute.Int64("http.latency_ms", out.Latency.Milliseconds()),
		)
		if !out.OK() {
			span.SetAttributes(attribute.String("delivery.error", out.Message))
		}
	}()

	sig := signing.Sign(log.Payload, sub.Secret)
	reserved := webhook.Headers{
		{Name: "Content-Type", Value: contentType(sub)},
		{Name: HeaderSignature, Value: signing.Header(sig)},
		{Name: HeaderEvent, Value: log.EventType},
		{Name: HeaderDelivery, Value: log.ID},
		{Name: HeaderTimestamp, Value: sentAt.UTC().Format(webhook.TimeFormat)},
		{Name: "User-Agent", Value: e.userAgent()},
	}
	headers := webhook.Merge(sub.Headers, reserved)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		if _, ok := headers.Get(HeaderTraceID); !ok {
			headers.Add(HeaderTraceID, traceID)
		}
	}

	out = e.send(ctx, sub, log.Payload, headers)
	out.Signature = sig
	out.RequestHeaders = headers.Truncate(e.policy.ResponseCap)
	out.SentAt = sentAt
	return out
}

// TestResult is the answer to a synthetic test delivery.
type TestResult struct {
	Success      bool          `json:"success"`
	StatusCode   int           `json:"status_code"`
	Latency      time.Duration `json:"latency"`
	ResponseBody string        `json:"response_body,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

type testPayload struct {
	Test      bool   `json:"test"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Test sends one signed synthetic payload and reports what happened. Nothing
// is persisted.
func (e *Executor) Test(ctx context.Context, sub *webhook.Subscription) TestResult {
	now := e.now()
	body, err := json.Marshal(testPayload{
		Test:      true,
		Message:   "This is a test webhook from signal-hook",
		Timestamp: now.UTC().Format(webhook.TimeFormat),
	})
	if err != nil {
		return TestResult{ErrorMessage: err.Error()}
	}
	reserved := webhook.Headers{
		{Name: "Content-Type", Value: contentType(sub)},
		{Name: HeaderSignature, Value: signing.Header(signing.Sign(body, sub.Secret))},
		{Name: HeaderEvent, Value: TestEventType},
		{Name: HeaderTest, Value: "true"},
		{Name: HeaderTimestamp, Value: now.UTC().Format(webhook.TimeFormat)},
		{Name: "User-Agent", Value: e.userAgent()},
	}
	out := e.send(ctx, sub, body, webhook.Merge(sub.Headers, reserved))
	res := TestResult{
		Success:      out.OK(),
		StatusCode:   out.StatusCode,
		Latency:      out.Latency,
		ResponseBody: out.ResponseBody,
	}
	if !out.OK() {
		res.ErrorMessage = out.Message
	}
	return res
}

func (e *Executor) send(ctx context.Context, sub *webhook.Subscription, body []byte, headers webhook.Headers) Outcome {
	timeout := sub.Timeout
	if timeout <= 0 {
		timeout = e.policy.Timeout
	}
	if e.policy.MaxTimeout > 0 && timeout > e.policy.MaxTimeout {
		timeout = e.policy.MaxTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return Outcome{Kind: OutcomeInternalError, Message: err.Error(), cause: err}
	}
	headers.Each(func(name, value string) { req.Header.Set(name, value) })

	start := e.now()
	resp, err := e.client.Do(req)
	latency := e.now().Sub(start)
	if err != nil {
		return classifyError(err, latency)
	}
	defer resp.Body.Close()

	respBody, readErr := readCapped(resp.Body, e.policy.ResponseCap)
	out := Outcome{
		StatusCode:      resp.StatusCode,
		Latency:         latency,
		ResponseBody:    respBody,
		ResponseHeaders: responseHeaders(resp.Header).Truncate(e.policy.ResponseCap),
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		out.Kind = OutcomeSuccess
		return out
	}
	out.Kind = OutcomeHTTPError
	out.Message = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, reasonPhrase(resp))
	if readErr != nil {
		out.Trace = "reading response body: " + readErr.Error()
	}
	return out
}

func (e *Executor) userAgent() string {
	if e.policy.UserAgent != "" {
		return e.policy.UserAgent
	}
	return "signal-hook"
}

func contentType(sub *webhook.Subscription) string {
	if sub.ContentType != "" {
		return sub.ContentType
	}
	return "application/json"
}

func classifyError(err error, latency time.Duration) Outcome {
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return Outcome{Kind: OutcomeTimeout, Message: "Request timeout", Latency: latency, cause: err}
	}
	cause := err
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Err != nil {
		cause = uerr.Err
	}
	return Outcome{
		Kind:    OutcomeConnectionError,
		Message: "Connection error: " + cause.Error(),
		Latency: latency,
		cause:   err,
	}
}

func reasonPhrase(resp *http.Response) string {
	if p := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode))); p != "" {
		return p
	}
	return http.StatusText(resp.StatusCode)
}

// readCapped returns at most limit characters of r and drains a bounded
// remainder.
func readCapped(r io.Reader, limit int) (string, error) {
	if limit <= 0 {
		_, err := io.Copy(io.Discard, io.LimitReader(r, drainLimit))
		return "", err
	}
	b, err := io.ReadAll(io.LimitReader(r, int64(limit)*utf8.UTFMax))
	_, _ = io.Copy(io.Discard, io.LimitReader(r, drainLimit))
	return truncate(string(b), limit), err
}

// truncate cuts s to n characters without splitting a rune.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i, count := 0, 0
	for i < len(s) && count < n {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		count++
	}
	return s[:i]
}

func responseHeaders(h http.Header) webhook.Headers {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make(webhook.Headers, 0, len(names))
	for _, name := range names {
		out = append(out, webhook.Header{Name: name, Value: strings.Join(h[name], ", ")})
	}
	return out
}
