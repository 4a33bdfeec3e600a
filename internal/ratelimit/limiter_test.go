package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/avfleet/device-sync-agent/internal/store"
)

func TestAcquireEnforcesInterval(t *testing.T) {
	l := New(store.NewMemory(), zap.NewNop().Sugar())
	ctx := context.Background()

	if err := l.Acquire(ctx, "vendor-a", "GET /devices", 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	start := time.Now()
	if err := l.Acquire(ctx, "vendor-a", "GET /devices", 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("expected second acquire to wait >=200ms, waited %v", elapsed)
	}
}

func TestAcquireIndependentKeys(t *testing.T) {
	l := New(store.NewMemory(), zap.NewNop().Sugar())
	ctx := context.Background()

	if err := l.Acquire(ctx, "vendor-a", "GET /devices", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	start := time.Now()
	if err := l.Acquire(ctx, "vendor-b", "GET /devices", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Acquire(ctx, "vendor-a", "PUT /config/discovery/ips", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("different keys must not block each other, waited %v", elapsed)
	}
}

func TestAcquireDisabled(t *testing.T) {
	l := New(store.NewMemory(), zap.NewNop().Sugar())

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Acquire(context.Background(), "vendor-a", "GET /devices", 0); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("rate 0 must disable limiting, waited %v", elapsed)
	}
}

type brokenStore struct{}

func (brokenStore) Get(ctx context.Context, key string) (string, error) {
	return "", errors.New("store down")
}

func (brokenStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return errors.New("store down")
}

func (brokenStore) Delete(ctx context.Context, key string) error {
	return errors.New("store down")
}

func TestAcquireFailsOpen(t *testing.T) {
	l := New(brokenStore{}, zap.NewNop().Sugar())

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Acquire(context.Background(), "vendor-a", "GET /devices", 1); err != nil {
			t.Fatalf("expected fail-open, got %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("store outage must not block callers, waited %v", elapsed)
	}
}

func TestAcquireCancelledWhileWaiting(t *testing.T) {
	l := New(store.NewMemory(), zap.NewNop().Sugar())

	if err := l.Acquire(context.Background(), "vendor-a", "GET /devices", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx, "vendor-a", "GET /devices", 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
