package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	l, err := NewRedis(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedis() error: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, mr
}

func TestRedisTryLockExclusive(t *testing.T) {
	l, mr := setupRedis(t)
	ctx := context.Background()

	release, ok, err := l.TryLock(ctx, "sweep", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first TryLock() = %v, %v", ok, err)
	}
	if _, ok, _ := l.TryLock(ctx, "sweep", time.Minute); ok {
		t.Errorf("second TryLock() granted while held")
	}
	if ttl := mr.TTL("sweep"); ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, want (0, 1m]", ttl)
	}

	release()
	release()
	if mr.Exists("sweep") {
		t.Errorf("key still present after release")
	}
	if _, ok, _ := l.TryLock(ctx, "sweep", time.Minute); !ok {
		t.Errorf("TryLock() after release not granted")
	}
}

func TestRedisLockExpires(t *testing.T) {
	l, mr := setupRedis(t)
	ctx := context.Background()

	if _, ok, _ := l.TryLock(ctx, "sweep", time.Second); !ok {
		t.Fatal("TryLock() not granted")
	}
	mr.FastForward(2 * time.Second)
	if _, ok, _ := l.TryLock(ctx, "sweep", time.Second); !ok {
		t.Errorf("TryLock() after expiry not granted")
	}
}

func TestRedisReleaseKeepsForeignLock(t *testing.T) {
	l, mr := setupRedis(t)
	ctx := context.Background()

	release, ok, _ := l.TryLock(ctx, "sweep", time.Second)
	if !ok {
		t.Fatal("TryLock() not granted")
	}
	mr.FastForward(2 * time.Second)
	if _, ok, _ := l.TryLock(ctx, "sweep", time.Minute); !ok {
		t.Fatal("second holder not granted")
	}

	release()
	if !mr.Exists("sweep") {
		t.Errorf("stale release removed the new holder's lock")
	}
}

func TestRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedisWithClient(client)
	mr.Close()

	if _, ok, err := l.TryLock(context.Background(), "sweep", time.Second); err == nil || ok {
		t.Errorf("TryLock() on closed server = %v, %v", ok, err)
	}
}

func TestNewRedisInvalidURL(t *testing.T) {
	if _, err := NewRedis(context.Background(), "not-a-url"); err == nil {
		t.Errorf("NewRedis() expected error for invalid URL")
	}
}

func TestNoop(t *testing.T) {
	release, ok, err := Noop{}.TryLock(context.Background(), "k", time.Second)
	if !ok || err != nil || release == nil {
		t.Errorf("Noop.TryLock() = %v, %v", ok, err)
	}
	release()
}
