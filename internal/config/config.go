package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/austindbirch/signal_hook/internal/delivery"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr     string // e.g. nsqd:4150
	NsqdHTTPAddr    string // e.g. nsqd:4151, used for stats
	LookupHTTPAddr  string // e.g. http://nsqlookupd:4161
	DeliveriesTopic string // NSQ topic for delivery tasks
	DLQTopic        string // NSQ topic for dead-letter notices
	WorkerChannel   string // NSQ channel name for workers
	MaxInFlight     int
}

type Redis struct {
	URL     string // redis://host:6379/0; empty disables the distributed sweep lock
	LockKey string
	LockTTL time.Duration
}

type Sweep struct {
	Enabled   bool
	Schedule  string        // robfig/cron spec, e.g. "@every 30s"
	BatchSize int           // due logs picked per sweep
	ClaimTTL  time.Duration // in_flight claims older than this are released
}

type FakeReceiver struct {
	FailFirstN           int           // Number of requests to fail initially
	EndpointSecret       string        // Secret for webhook signature verification
	SigningLeewaySeconds int           // Allowed timestamp skew in seconds
	ResponseDelayMS      int           // Simulated response delay in milliseconds
	Port                 string        // Server listen port
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

type Config struct {
	AppName        string
	HTTPPort       string // :8080
	GRPCPort       string // :50051
	WorkerHTTPPort string // :8083
	LogLevel       string
	StoreDriver    string // postgres | memory
	QueueDriver    string // nsq | local
	MigrateOnStart bool
	DB             DB
	NSQ            NSQ
	Redis          Redis
	Delivery       delivery.Policy
	Sweep          Sweep
	FakeReceiver   FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parseBackoffSchedule accepts whole seconds ("10,30,120") or Go durations
// ("10s,1m"). Unparseable entries are skipped; an empty result falls back to
// the default table.
func parseBackoffSchedule(schedule string) []time.Duration {
	def := delivery.DefaultPolicy().RetryDelays
	if schedule == "" {
		return def
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if n, err := strconv.Atoi(part); err == nil && n > 0 {
			durations = append(durations, time.Duration(n)*time.Second)
			continue
		}
		if d, err := time.ParseDuration(part); err == nil && d > 0 {
			durations = append(durations, d)
		}
	}

	if len(durations) == 0 {
		return def
	}
	return durations
}

const (
	defaultSweepBatch = 100
	defaultClaimTTL   = 5 * time.Minute
)

// Load reads a .env file when present, then the environment.
func Load(files ...string) Config {
	_ = godotenv.Load(files...)
	return FromEnv()
}

func FromEnv() Config {
	def := delivery.DefaultPolicy()
	cfg := Config{
		AppName:        getenv("APP_NAME", "signalhook"),
		HTTPPort:       getenv("HTTP_PORT", ":8080"),
		GRPCPort:       getenv("GRPC_PORT", ":50051"),
		WorkerHTTPPort: ":" + getenv("WORKER_HTTP_PORT", "8083"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		StoreDriver:    getenv("STORE_DRIVER", "postgres"),
		QueueDriver:    getenv("QUEUE_DRIVER", "nsq"),
		MigrateOnStart: getenvBool("MIGRATE_ON_START", true),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "signalhook"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:     getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:    getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr:  getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			DeliveriesTopic: getenv("NSQ_DELIVERIES_TOPIC", "deliveries"),
			DLQTopic:        getenv("NSQ_DLQ_TOPIC", "deliveries_dlq"),
			WorkerChannel:   getenv("NSQ_WORKER_CHANNEL", "workers"),
			MaxInFlight:     getenvInt("NSQ_MAX_IN_FLIGHT", 100),
		},
		Redis: Redis{
			URL:     getenv("REDIS_URL", ""),
			LockKey: getenv("SWEEP_LOCK_KEY", "signalhook:sweep"),
			LockTTL: getenvDuration("SWEEP_LOCK_TTL", 2*time.Minute),
		},
		Delivery: delivery.Policy{
			RetryDelays:          parseBackoffSchedule(getenv("RETRY_DELAYS", "")),
			MaxAttempts:          getenvInt("MAX_ATTEMPTS", def.MaxAttempts),
			Timeout:              getenvDuration("DELIVERY_TIMEOUT", def.Timeout),
			MaxTimeout:           getenvDuration("DELIVERY_MAX_TIMEOUT", def.MaxTimeout),
			DisableAfterFailures: getenvInt("DISABLE_AFTER_FAILURES", def.DisableAfterFailures),
			MaxConcurrent:        getenvInt("MAX_CONCURRENT_DELIVERIES", def.MaxConcurrent),
			ResponseCap:          getenvInt("RESPONSE_CAPTURE_CHARS", def.ResponseCap),
			JitterPercent:        getenvFloat("BACKOFF_JITTER_PCT", def.JitterPercent),
			RetryClientErrors:    getenvBool("RETRY_CLIENT_ERRORS", def.RetryClientErrors),
			PublishDeadLetters:   getenvBool("PUBLISH_DLQ_TOPIC", false),
			UserAgent:            getenv("DELIVERY_USER_AGENT", def.UserAgent),
		},
		Sweep: Sweep{
			Enabled:   getenvBool("SWEEP_ENABLED", true),
			Schedule:  getenv("SWEEP_SCHEDULE", "@every 30s"),
			BatchSize: getenvInt("SWEEP_BATCH_SIZE", defaultSweepBatch),
			ClaimTTL:  getenvDuration("CLAIM_TTL", defaultClaimTTL),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:       getenv("ENDPOINT_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS:      getenvInt("RESPONSE_DELAY_MS", 0),
			Port:                 getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:          getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:          getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}

	if cfg.Sweep.BatchSize <= 0 {
		cfg.Sweep.BatchSize = defaultSweepBatch
	}
	if cfg.Sweep.ClaimTTL <= 0 {
		cfg.Sweep.ClaimTTL = defaultClaimTTL
	}
	// Attempts must end before a sweep may treat their claim as stale.
	if limit := delivery.AttemptLimit(cfg.Sweep.ClaimTTL); cfg.Delivery.MaxTimeout <= 0 || cfg.Delivery.MaxTimeout > limit {
		cfg.Delivery.MaxTimeout = limit
	}
	return cfg
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
