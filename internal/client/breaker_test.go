package client

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestCircuitBreakerTransitions(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cb := NewCircuitBreaker("vendor-a", 5, 30*time.Second)
	cb.SetClock(clock.Now)

	if cb.State() != StateClosed {
		t.Fatalf("expected initial state closed, got %s", cb.State())
	}
	if !cb.AllowRequest() {
		t.Fatal("expected requests allowed while closed")
	}

	// Five consecutive failures open the breaker.
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected state open after 5 failures, got %s", cb.State())
	}
	if cb.AllowRequest() {
		t.Fatal("expected requests rejected while open")
	}

	// After the recovery timeout, the next check transitions to half_open.
	clock.Advance(31 * time.Second)
	if !cb.AllowRequest() {
		t.Fatal("expected trial request allowed after recovery timeout")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected state half_open, got %s", cb.State())
	}

	// Trial success closes and resets.
	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Fatalf("expected state closed after trial success, got %s", cb.State())
	}
	if cb.ConsecutiveFailures() != 0 {
		t.Fatalf("expected failure count reset, got %d", cb.ConsecutiveFailures())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cb := NewCircuitBreaker("vendor-a", 2, 10*time.Second)
	cb.SetClock(clock.Now)

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("expected state open, got %s", cb.State())
	}

	clock.Advance(11 * time.Second)
	if !cb.AllowRequest() {
		t.Fatal("expected trial request allowed")
	}

	// Trial failure reopens and restarts the timer.
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("expected state open after trial failure, got %s", cb.State())
	}
	clock.Advance(5 * time.Second)
	if cb.AllowRequest() {
		t.Fatal("expected requests rejected, recovery timer should have restarted")
	}
}

func TestCircuitBreakerFastFailDoesNotCount(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cb := NewCircuitBreaker("vendor-a", 3, time.Minute)
	cb.SetClock(clock.Now)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	before := cb.ConsecutiveFailures()

	for i := 0; i < 10; i++ {
		if cb.AllowRequest() {
			t.Fatal("expected request rejected while open")
		}
	}
	if got := cb.ConsecutiveFailures(); got != before {
		t.Fatalf("fast-fail altered failure count: before %d, after %d", before, got)
	}
}
