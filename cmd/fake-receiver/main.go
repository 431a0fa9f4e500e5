package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/austindbirch/signal_hook/internal/config"
	"github.com/austindbirch/signal_hook/internal/delivery"
	"github.com/austindbirch/signal_hook/internal/logging"
	"github.com/austindbirch/signal_hook/internal/signing"
)

var (
	reqCount atomic.Int64
	logger   = logging.New("signalhook-fake-receiver")
)

func main() {
	cfg := config.Load()
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", func(w http.ResponseWriter, r *http.Request) { handleHook(w, r, cfg) })

	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      mux,
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}
	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":         srv.Addr,
			"fail_first_n": cfg.FakeReceiver.FailFirstN,
			"verify":       cfg.FakeReceiver.EndpointSecret != "",
		}).Info("fake-receiver listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("fake-receiver serve failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	logger.Plain().Info("fake-receiver stopped")
}

func handleHook(w http.ResponseWriter, r *http.Request, cfg config.Config) {
	n := reqCount.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	fr := cfg.FakeReceiver
	entry := logger.Plain().WithDelivery(r.Header.Get(delivery.HeaderDelivery)).WithFields(map[string]any{
		"event_type": r.Header.Get(delivery.HeaderEvent),
		"request":    n,
	})

	if fr.EndpointSecret != "" {
		leeway := time.Duration(fr.SigningLeewaySeconds) * time.Second
		if ok, msg := verifySignature(fr.EndpointSecret, b, r.Header.Get(delivery.HeaderTimestamp), r.Header.Get(delivery.HeaderSignature), leeway, time.Now()); !ok {
			entry.WithField("reason", msg).Warn("signature verification failed")
			http.Error(w, "invalid signature: "+msg, http.StatusUnauthorized)
			return
		}
	}

	if fr.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(fr.ResponseDelayMS) * time.Millisecond)
	}

	// first N requests fail with 500
	if n <= int64(fr.FailFirstN) {
		entry.WithField("body", truncate(string(b), 160)).Infof("failing request %d/%d", n, fr.FailFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	entry.WithField("body", truncate(string(b), 160)).Info("webhook accepted")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// verifySignature checks the signature over the raw body. A positive leeway
// also rejects timestamps too far from now.
func verifySignature(secret string, body []byte, ts, sigHeaderVal string, leeway time.Duration, now time.Time) (bool, string) {
	if ts == "" || sigHeaderVal == "" {
		return false, "missing headers"
	}
	sent, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return false, "invalid timestamp"
	}
	if leeway > 0 && abs64(now.Sub(sent).Milliseconds()) > leeway.Milliseconds() {
		return false, "timestamp outside leeway"
	}
	if !strings.HasPrefix(sigHeaderVal, signing.Prefix) {
		return false, "bad signature scheme"
	}
	if _, err := hex.DecodeString(strings.TrimPrefix(sigHeaderVal, signing.Prefix)); err != nil {
		return false, "signature not hex"
	}
	if !signing.Verify(body, sigHeaderVal, secret) {
		return false, "sig mismatch"
	}
	return true, ""
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

// truncate shortens s to n bytes and marks the cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
