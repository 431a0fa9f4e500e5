package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/signal_hook/internal/db"
	"github.com/austindbirch/signal_hook/internal/webhook"
)

// TestPostgresStoreContract runs the shared store cases against a real
// database. Set TEST_DATABASE_URL to a disposable database; its signalhook
// tables are truncated before every case.
func TestPostgresStoreContract(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping Postgres store tests")
	}
	if err := db.Migrate(dsn); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := db.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	t.Cleanup(pool.Close)

	runStoreContract(t, func(t *testing.T) Store {
		t.Helper()
		if _, err := pool.Exec(context.Background(),
			`TRUNCATE signalhook.delivery_logs, signalhook.subscriptions`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return NewPostgres(pool)
	})
}

func TestMapError(t *testing.T) {
	other := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"no rows", fmt.Errorf("scan: %w", pgx.ErrNoRows), ErrNotFound},
		{"duplicate delivery", &pgconn.PgError{Code: "23505", ConstraintName: "delivery_logs_subscription_event_key"}, ErrDuplicate},
		{"other unique violation", &pgconn.PgError{Code: "23505", ConstraintName: "subscriptions_pkey"}, ErrConflict},
		{"malformed uuid", &pgconn.PgError{Code: "22P02"}, ErrNotFound},
		{"passthrough", other, other},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError(tt.err)
			if tt.want == nil {
				if got != nil {
					t.Errorf("mapError() = %v, want nil", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Errorf("mapError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDurationMillisRoundTrip(t *testing.T) {
	in := []time.Duration{1500 * time.Millisecond, 10 * time.Second, time.Hour}
	if got := millisToDurations(durationsToMillis(in)); !reflect.DeepEqual(got, in) {
		t.Errorf("round trip = %v, want %v", got, in)
	}
}

func TestHeadersColumnEncoding(t *testing.T) {
	b, err := encodeHeaders(nil)
	if err != nil || b != nil {
		t.Errorf("encodeHeaders(nil) = %q, %v", b, err)
	}

	h := webhook.Headers{{Name: "X-B", Value: "2"}, {Name: "X-A", Value: "1"}}
	b, err = encodeHeaders(h)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"X-B":"2","X-A":"1"}` {
		t.Errorf("encodeHeaders() = %s, want insertion order", b)
	}
	back, err := decodeHeaders(b)
	if err != nil || !reflect.DeepEqual(back, h) {
		t.Errorf("decodeHeaders() = %v, %v", back, err)
	}
}

var _ Store = (*Postgres)(nil)
var _ Store = (*Memory)(nil)
