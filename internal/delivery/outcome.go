package delivery

import (
	"strings"
	"time"

	"github.com/austindbirch/signal_hook/internal/webhook"
)

// OutcomeKind tags the result of one delivery attempt.
type OutcomeKind string

const (
	OutcomeSuccess         OutcomeKind = "success"
	OutcomeHTTPError       OutcomeKind = "http_error"
	OutcomeTimeout         OutcomeKind = "timeout"
	OutcomeConnectionError OutcomeKind = "connection_error"
	OutcomeInternalError   OutcomeKind = "internal_error"
)

// Outcome is everything observed during one attempt.
type Outcome struct {
	Kind            OutcomeKind
	StatusCode      int
	Latency         time.Duration
	ResponseBody    string
	ResponseHeaders webhook.Headers
	Message         string
	Trace           string

	Signature      string
	RequestHeaders webhook.Headers
	SentAt         time.Time

	// cause is kept for reason classification only.
	cause error
}

// OK reports a 2xx response.
func (o Outcome) OK() bool { return o.Kind == OutcomeSuccess }

// ClientError reports a 4xx response other than 408 and 429.
func (o Outcome) ClientError() bool {
	if o.Kind != OutcomeHTTPError {
		return false
	}
	switch o.StatusCode {
	case 408, 429:
		return false
	}
	return o.StatusCode >= 400 && o.StatusCode < 500
}

// Reason returns a low-cardinality label describing a failed outcome.
func (o Outcome) Reason() string {
	switch o.Kind {
	case OutcomeSuccess:
		return "none"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeInternalError:
		return "internal"
	case OutcomeConnectionError:
		msg := strings.ToLower(o.Message)
		if o.cause != nil {
			msg = strings.ToLower(o.cause.Error())
		}
		switch {
		case strings.Contains(msg, "connection refused"):
			return "connection_refused"
		case strings.Contains(msg, "no such host"), strings.Contains(msg, "dns"):
			return "dns_error"
		}
		return "network"
	case OutcomeHTTPError:
		switch {
		case o.StatusCode >= 500:
			return "http_5xx"
		case o.StatusCode == 429:
			return "http_429"
		case o.StatusCode >= 400:
			return "http_4xx"
		}
	}
	return "other"
}
