package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/signal_hook/internal/config"
	"github.com/austindbirch/signal_hook/internal/db"
	"github.com/austindbirch/signal_hook/internal/delivery"
	"github.com/austindbirch/signal_hook/internal/dispatch"
	"github.com/austindbirch/signal_hook/internal/health"
	"github.com/austindbirch/signal_hook/internal/lock"
	"github.com/austindbirch/signal_hook/internal/logging"
	"github.com/austindbirch/signal_hook/internal/metrics"
	"github.com/austindbirch/signal_hook/internal/queue"
	"github.com/austindbirch/signal_hook/internal/store"
	"github.com/austindbirch/signal_hook/internal/tracing"
)

const (
	serviceName     = "signalhook-worker"
	monitorInterval = 15 * time.Second
)

func main() {
	cfg := config.Load()
	logging.SetDefaultService(serviceName)
	logger := logging.New(serviceName)
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Warn("tracing disabled")
		shutdownTracing = func() {}
	}
	defer shutdownTracing()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("store init failed")
	}
	defer closeStore()

	checks := map[string]health.Pinger{}
	opts := []dispatch.Option{
		dispatch.WithLogger(logger),
		dispatch.WithSweep(cfg.Sweep.BatchSize, cfg.Sweep.ClaimTTL),
	}
	useNSQ := cfg.QueueDriver == "nsq"
	if useNSQ {
		// Requeues from a failed enqueue and dead letters go back to the broker.
		pub, err := queue.NewPublisher(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.DeliveriesTopic, cfg.NSQ.DLQTopic)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer init failed")
		}
		defer pub.Stop()
		checks["nsq"] = pub
		opts = append(opts, dispatch.WithQueue(pub), dispatch.WithDeadLetters(pub))
	}

	d := dispatch.New(st, delivery.NewExecutor(cfg.Delivery), opts...)
	defer d.Close()

	var consumer *queue.Consumer
	if useNSQ {
		consumer, err = queue.NewConsumer(cfg.NSQ.DeliveriesTopic, cfg.NSQ.WorkerChannel, cfg.NSQ.MaxInFlight, d.HandleTask, logger)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq consumer init failed")
		}
		if err := consumer.Start(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.LookupHTTPAddr); err != nil {
			logger.Plain().WithError(err).Fatal("nsq connect failed")
		}

		mon := queue.NewMonitor(cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.DeliveriesTopic, cfg.NSQ.WorkerChannel, logger, cfg.NSQ.DLQTopic)
		go mon.Run(ctx, monitorInterval)
	}

	locker, closeLocker, err := newLocker(ctx, cfg.Redis)
	if err != nil {
		logger.Plain().WithError(err).Fatal("redis lock init failed")
	}
	defer closeLocker()
	if p, ok := locker.(health.Pinger); ok {
		checks["redis"] = p
	}

	var sweeper *dispatch.Sweeper
	if cfg.Sweep.Enabled {
		sweeper, err = dispatch.NewSweeper(d, cfg.Sweep.Schedule, locker, cfg.Redis.LockKey, cfg.Redis.LockTTL)
		if err != nil {
			logger.Plain().WithError(err).Fatal("sweeper init failed")
		}
		sweeper.Start()
	}

	promReg := prometheus.NewRegistry()
	metrics.MustRegister(promReg)
	httpSrv := &http.Server{
		Addr:              cfg.WorkerHTTPPort,
		Handler:           newMux(st, checks, promReg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":          cfg.WorkerHTTPPort,
			"queue_driver":  cfg.QueueDriver,
			"sweep_enabled": cfg.Sweep.Enabled,
			"concurrency":   cfg.Delivery.Concurrency(),
		}).Info("worker HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	<-ctx.Done()
	logger.Plain().Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if consumer != nil {
		if err := consumer.Stop(shutdownCtx); err != nil {
			logger.Plain().WithError(err).Warn("consumer stop incomplete")
		}
	}
	if sweeper != nil {
		if err := sweeper.Stop(shutdownCtx); err != nil {
			logger.Plain().WithError(err).Warn("sweeper stop incomplete")
		}
	}
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("worker stopped")
}

// newLocker returns a Redis lock when a URL is configured, so that only one
// worker sweeps at a time, and a no-op lock otherwise.
func newLocker(ctx context.Context, cfg config.Redis) (lock.Locker, func(), error) {
	if cfg.URL == "" {
		return lock.Noop{}, func() {}, nil
	}
	r, err := lock.NewRedis(ctx, cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	return r, func() { _ = r.Close() }, nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		return store.NewMemory(), func() {}, nil
	case "postgres", "":
		if cfg.MigrateOnStart {
			if err := db.Migrate(cfg.DSN()); err != nil {
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		pool, err := db.Connect(ctx, cfg.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		return store.NewPostgres(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func newMux(st health.Pinger, checks map[string]health.Pinger, reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(st, checks))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
