package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type mockPinger struct {
	err error
}

func (m mockPinger) Ping(ctx context.Context) error { return m.err }

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name               string
		db                 Pinger
		extra              map[string]Pinger
		expectedStatusCode int
		expectedStatus     Status
	}{
		{
			name:               "healthy with nil db",
			db:                 nil,
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Database: true},
		},
		{
			name:               "healthy with working database",
			db:                 mockPinger{},
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Database: true},
		},
		{
			name:               "unhealthy with database ping failure",
			db:                 mockPinger{err: context.DeadlineExceeded},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus:     Status{OK: false, Message: "db ping failed", Database: false},
		},
		{
			name:               "unhealthy extra dependency",
			db:                 mockPinger{},
			extra:              map[string]Pinger{"redis": mockPinger{err: errors.New("refused")}},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus:     Status{OK: false, Message: "redis ping failed", Database: true, Checks: map[string]bool{"redis": false}},
		},
		{
			name:               "healthy extra dependency",
			db:                 mockPinger{},
			extra:              map[string]Pinger{"nsq": PingFunc(func(context.Context) error { return nil })},
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Database: true, Checks: map[string]bool{"nsq": true}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			w := httptest.NewRecorder()
			HTTPHandler(tt.db, tt.extra).ServeHTTP(w, req)

			if w.Code != tt.expectedStatusCode {
				t.Errorf("status code = %d, want %d", w.Code, tt.expectedStatusCode)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}
			var got Status
			if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.OK != tt.expectedStatus.OK || got.Message != tt.expectedStatus.Message || got.Database != tt.expectedStatus.Database {
				t.Errorf("status = %+v, want %+v", got, tt.expectedStatus)
			}
			for k, v := range tt.expectedStatus.Checks {
				if got.Checks[k] != v {
					t.Errorf("checks[%s] = %v, want %v", k, got.Checks[k], v)
				}
			}
		})
	}
}

func TestHTTPHandler_RequestContext(t *testing.T) {
	var deadline time.Time
	var hasDeadline bool
	p := PingFunc(func(ctx context.Context) error {
		deadline, hasDeadline = ctx.Deadline()
		return nil
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	HTTPHandler(p, nil).ServeHTTP(httptest.NewRecorder(), req)

	if !hasDeadline {
		t.Fatal("ping context has no deadline")
	}
	if time.Until(deadline) > time.Second {
		t.Errorf("ping deadline %v is more than 1s away", time.Until(deadline))
	}
}

func TestStatusJSONOmitempty(t *testing.T) {
	b, err := json.Marshal(Status{OK: false})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"ok":false}` {
		t.Errorf("json = %s", b)
	}
}
