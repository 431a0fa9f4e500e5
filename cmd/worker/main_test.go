package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/signal_hook/internal/config"
	"github.com/austindbirch/signal_hook/internal/health"
	"github.com/austindbirch/signal_hook/internal/lock"
	"github.com/austindbirch/signal_hook/internal/metrics"
	"github.com/austindbirch/signal_hook/internal/store"
)

func TestNewLockerNoop(t *testing.T) {
	l, closeFn, err := newLocker(context.Background(), config.Redis{})
	if err != nil {
		t.Fatalf("newLocker() error: %v", err)
	}
	defer closeFn()
	if _, ok := l.(lock.Noop); !ok {
		t.Errorf("newLocker() = %T, want lock.Noop", l)
	}
}

func TestNewLockerRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	l, closeFn, err := newLocker(ctx, config.Redis{URL: "redis://" + mr.Addr() + "/0"})
	if err != nil {
		t.Fatalf("newLocker() error: %v", err)
	}
	defer closeFn()

	release, ok, err := l.TryLock(ctx, "signalhook:sweep", time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryLock() = %v, %v", ok, err)
	}
	if !mr.Exists("signalhook:sweep") {
		t.Error("lock key not set in redis")
	}
	release()

	if _, ok := l.(health.Pinger); !ok {
		t.Error("redis locker should be usable as a health check")
	}
}

func TestNewLockerUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := newLocker(ctx, config.Redis{URL: "redis://127.0.0.1:1/0"}); err == nil {
		t.Error("newLocker() error = nil for an unreachable redis")
	}
}

func TestOpenStoreMemory(t *testing.T) {
	st, closeFn, err := openStore(context.Background(), config.Config{StoreDriver: "memory"})
	if err != nil {
		t.Fatalf("openStore() error: %v", err)
	}
	defer closeFn()
	if err := st.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
	if _, _, err := openStore(context.Background(), config.Config{StoreDriver: "bolt"}); err == nil {
		t.Error("openStore(bolt) error = nil, want error")
	}
}

func TestWorkerMux(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	metrics.RecordSweep("ok", 3)

	h := newMux(store.NewMemory(), nil, reg)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz = %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "signalhook_sweep_runs_total") {
		t.Errorf("metrics output missing sweep counter")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ping", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("worker should not serve the API, got %d", rec.Code)
	}
}
