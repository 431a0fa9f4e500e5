package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/signal_hook/internal/config"
	"github.com/austindbirch/signal_hook/internal/delivery"
	"github.com/austindbirch/signal_hook/internal/signing"
	"github.com/austindbirch/signal_hook/internal/webhook"
)

func TestVerifySignature(t *testing.T) {
	secret := "test-secret"
	body := []byte(`{"id":"evt-1","type":"Order.Paid"}`)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	leeway := 5 * time.Minute
	ts := now.Format(webhook.TimeFormat)
	validSig := signing.Header(signing.Sign(body, secret))

	tests := []struct {
		name        string
		secret      string
		timestamp   string
		signature   string
		leeway      time.Duration
		expectValid bool
		expectedMsg string
	}{
		{"valid signature", secret, ts, validSig, leeway, true, ""},
		{"uppercase hex accepted", secret, ts, signing.Prefix + strings.ToUpper(signing.Sign(body, secret)), leeway, true, ""},
		{"missing timestamp", secret, "", validSig, leeway, false, "missing headers"},
		{"missing signature", secret, ts, "", leeway, false, "missing headers"},
		{"unix timestamp rejected", secret, "1717243200", validSig, leeway, false, "invalid timestamp"},
		{"timestamp too old", secret, now.Add(-leeway - 10*time.Second).Format(webhook.TimeFormat), validSig, leeway, false, "timestamp outside leeway"},
		{"timestamp too new", secret, now.Add(leeway + 10*time.Second).Format(webhook.TimeFormat), validSig, leeway, false, "timestamp outside leeway"},
		{"old timestamp without leeway check", secret, now.Add(-time.Hour).Format(webhook.TimeFormat), validSig, 0, true, ""},
		{"bad signature scheme", secret, ts, "md5=abcdef", leeway, false, "bad signature scheme"},
		{"signature not hex", secret, ts, "sha256=not-hex", leeway, false, "signature not hex"},
		{"signature mismatch", secret, ts, "sha256=deadbeef", leeway, false, "sig mismatch"},
		{"wrong secret", "wrong-secret", ts, validSig, leeway, false, "sig mismatch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			valid, msg := verifySignature(tt.secret, body, tt.timestamp, tt.signature, tt.leeway, now)
			if valid != tt.expectValid {
				t.Errorf("verifySignature() valid = %v, want %v", valid, tt.expectValid)
			}
			if msg != tt.expectedMsg {
				t.Errorf("verifySignature() msg = %q, want %q", msg, tt.expectedMsg)
			}
		})
	}
}

func TestAbs64(t *testing.T) {
	tests := []struct {
		name     string
		input    int64
		expected int64
	}{
		{
			name:     "positive number",
			input:    42,
			expected: 42,
		},
		{
			name:     "negative number",
			input:    -42,
			expected: 42,
		},
		{
			name:     "zero",
			input:    0,
			expected: 0,
		},
		{
			name:     "max int64",
			input:    9223372036854775807,
			expected: 9223372036854775807,
		},
		{
			name:     "min int64 + 1",
			input:    -9223372036854775807,
			expected: 9223372036854775807,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := abs64(tt.input)
			if result != tt.expected {
				t.Errorf("abs64(%d) = %d, want %d", tt.input, result, tt.expected)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		length   int
		expected string
	}{
		{
			name:     "string shorter than limit",
			input:    "hello",
			length:   10,
			expected: "hello",
		},
		{
			name:     "string equal to limit",
			input:    "hello",
			length:   5,
			expected: "hello",
		},
		{
			name:     "string longer than limit",
			input:    "hello world",
			length:   5,
			expected: "hello...",
		},
		{
			name:     "empty string",
			input:    "",
			length:   5,
			expected: "",
		},
		{
			name:     "zero length limit",
			input:    "hello",
			length:   0,
			expected: "...",
		},
		{
			name:     "very long string",
			input:    "this is a very long string that should be truncated",
			length:   10,
			expected: "this is a ...",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := truncate(tt.input, tt.length)
			if result != tt.expected {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.length, result, tt.expected)
			}
		})
	}
}

func TestHandleHook(t *testing.T) {
	cfg := config.FromEnv()
	body := `{"id":"evt-1"}`
	signed := func() map[string]string {
		return map[string]string{
			delivery.HeaderTimestamp: time.Now().UTC().Format(webhook.TimeFormat),
			delivery.HeaderSignature: signing.Header(signing.Sign([]byte(body), "test-secret")),
		}
	}

	tests := []struct {
		name                 string
		headers              map[string]string
		cfgOverrides         config.FakeReceiver
		expectedStatus       int
		expectedBodyContains string
	}{
		{
			name:                 "successful request",
			headers:              map[string]string{},
			cfgOverrides:         config.FakeReceiver{},
			expectedStatus:       http.StatusOK,
			expectedBodyContains: "ok",
		},
		{
			name:                 "fail first request",
			headers:              map[string]string{},
			cfgOverrides:         config.FakeReceiver{FailFirstN: 1},
			expectedStatus:       http.StatusInternalServerError,
			expectedBodyContains: "temporary failure",
		},
		{
			name: "missing signature with secret configured",
			headers: map[string]string{
				delivery.HeaderTimestamp: time.Now().UTC().Format(webhook.TimeFormat),
			},
			cfgOverrides:         config.FakeReceiver{EndpointSecret: "test-secret", SigningLeewaySeconds: 300},
			expectedStatus:       http.StatusUnauthorized,
			expectedBodyContains: "invalid signature",
		},
		{
			name:                 "valid signature with secret",
			headers:              signed(),
			cfgOverrides:         config.FakeReceiver{EndpointSecret: "test-secret", SigningLeewaySeconds: 300},
			expectedStatus:       http.StatusOK,
			expectedBodyContains: "ok",
		},
		{
			name:                 "signature checked before scripted failure",
			headers:              map[string]string{},
			cfgOverrides:         config.FakeReceiver{FailFirstN: 1, EndpointSecret: "test-secret"},
			expectedStatus:       http.StatusUnauthorized,
			expectedBodyContains: "missing headers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reqCount.Store(0)
			testCfg := cfg
			testCfg.FakeReceiver = tt.cfgOverrides

			req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(body))
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			handleHook(w, req, testCfg)

			if w.Code != tt.expectedStatus {
				t.Errorf("handleHook() status = %d, want %d", w.Code, tt.expectedStatus)
			}
			if !strings.Contains(w.Body.String(), tt.expectedBodyContains) {
				t.Errorf("handleHook() body = %q, want to contain %q", w.Body.String(), tt.expectedBodyContains)
			}
		})
	}
}

func TestHandleHookFailsOnlyFirstN(t *testing.T) {
	reqCount.Store(0)
	cfg := config.FromEnv()
	cfg.FakeReceiver = config.FakeReceiver{FailFirstN: 2}

	var codes []int
	for i := 0; i < 4; i++ {
		w := httptest.NewRecorder()
		handleHook(w, httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader("{}")), cfg)
		codes = append(codes, w.Code)
	}
	want := []int{500, 500, 200, 200}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("status sequence = %v, want %v", codes, want)
		}
	}
}
