package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/signal_hook/internal/config"
	"github.com/austindbirch/signal_hook/internal/db"
	"github.com/austindbirch/signal_hook/internal/delivery"
	"github.com/austindbirch/signal_hook/internal/dispatch"
	"github.com/austindbirch/signal_hook/internal/health"
	"github.com/austindbirch/signal_hook/internal/ingest"
	"github.com/austindbirch/signal_hook/internal/lock"
	"github.com/austindbirch/signal_hook/internal/logging"
	"github.com/austindbirch/signal_hook/internal/metrics"
	"github.com/austindbirch/signal_hook/internal/queue"
	"github.com/austindbirch/signal_hook/internal/registry"
	"github.com/austindbirch/signal_hook/internal/store"
	"github.com/austindbirch/signal_hook/internal/tracing"
)

const serviceName = "signalhook-ingest"

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
	if cfg.QueueDriver == "nsq" {
		pub, err := queue.NewPublisher(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.DeliveriesTopic, cfg.NSQ.DLQTopic)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer init failed")
		}
		defer pub.Stop()
		checks["nsq"] = pub
		opts = append(opts, dispatch.WithQueue(pub), dispatch.WithDeadLetters(pub))
	}

	exec := delivery.NewExecutor(cfg.Delivery)
	d := dispatch.New(st, exec, opts...)
	defer d.Close()

	// Without a broker there is no worker process, so retries are swept here.
	var sweeper *dispatch.Sweeper
	if cfg.QueueDriver != "nsq" && cfg.Sweep.Enabled {
		sweeper, err = dispatch.NewSweeper(d, cfg.Sweep.Schedule, lock.Noop{}, cfg.Redis.LockKey, cfg.Redis.LockTTL)
		if err != nil {
			logger.Plain().WithError(err).Fatal("sweeper init failed")
		}
		sweeper.Start()
	}

	reg := registry.New(st, cfg.Delivery, registry.WithLogger(logger))
	api, err := ingest.NewServer(reg, d, st, logger).Handler()
	if err != nil {
		logger.Plain().WithError(err).Fatal("api routes init failed")
	}

	promReg := prometheus.NewRegistry()
	metrics.MustRegister(promReg)

	// gRPC health for orchestrators that probe over gRPC
	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)

	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("ingest gRPC health listening")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Fatal("gRPC serve failed")
		}
	}()

	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           newMux(api, st, checks, promReg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":         cfg.HTTPPort,
			"store_driver": cfg.StoreDriver,
			"queue_driver": cfg.QueueDriver,
		}).Info("ingest HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	<-ctx.Done()
	logger.Plain().Info("shutting down")
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Plain().WithError(err).Warn("HTTP shutdown incomplete")
	}
	if sweeper != nil {
		if err := sweeper.Stop(shutdownCtx); err != nil {
			logger.Plain().WithError(err).Warn("sweeper stop incomplete")
		}
	}
	grpcSrv.GracefulStop()
	logger.Plain().Info("ingest stopped")
}

// openStore builds the configured store, running migrations first when
// asked to. The returned func releases its resources.
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

// newMux mounts health, metrics and the tenant API on one listener.
func newMux(api http.Handler, st health.Pinger, checks map[string]health.Pinger, reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(st, checks))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", api)
	return mux
}
