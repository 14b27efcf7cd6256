package chain

import (
	"testing"
	"time"

	"PaimonControl/internal/fault"
)

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBreaker("test")
	b.now = func() time.Time { return now }
	return b, &now
}

func record(b *Breaker, success bool, n int) {
	for i := 0; i < n; i++ {
		b.Record(success)
	}
}

func TestBreakerStaysClosedAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)

	// 20 failures in a full window of 100 is exactly 20%: not over.
	record(b, true, 80)
	record(b, false, 20)

	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state = %v, want CLOSED", got)
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() = %v, want nil", err)
	}
}

func TestBreakerTripsOverThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)

	record(b, true, 79)
	record(b, false, 21)

	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state = %v, want OPEN", got)
	}
	err := b.Allow()
	if err == nil {
		t.Fatal("Allow() on open breaker = nil, want error")
	}
	if !fault.Is(err, fault.KindTransientRpc) {
		t.Fatalf("Allow() kind = %v, want TransientRpcError", fault.KindOf(err))
	}
}

func TestBreakerIgnoresSparseFailures(t *testing.T) {
	b, _ := newTestBreaker(t)

	// Below the minimum sample count nothing trips, even at 100% failure.
	record(b, false, breakerMinSamples-1)

	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state = %v, want CLOSED", got)
	}
}

func TestBreakerHalfOpenProbeCloses(t *testing.T) {
	b, now := newTestBreaker(t)

	record(b, false, breakerMinSamples)
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state = %v, want OPEN", got)
	}

	*now = now.Add(breakerCooldown + time.Second)

	// First caller after the cooldown is the probe.
	if err := b.Allow(); err != nil {
		t.Fatalf("probe Allow() = %v, want nil", err)
	}
	if got := b.State(); got != BreakerHalfOpen {
		t.Fatalf("state = %v, want HALF_OPEN", got)
	}
	// Second caller is rejected while the probe is in flight.
	if err := b.Allow(); err == nil {
		t.Fatal("concurrent Allow() during probe = nil, want error")
	}

	b.Record(true)
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state after successful probe = %v, want CLOSED", got)
	}

	// The window restarted: old failures no longer count.
	record(b, true, breakerMinSamples)
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state = %v, want CLOSED", got)
	}
}

func TestBreakerHalfOpenProbeReopens(t *testing.T) {
	b, now := newTestBreaker(t)

	record(b, false, breakerMinSamples)
	*now = now.Add(breakerCooldown + time.Second)

	if err := b.Allow(); err != nil {
		t.Fatalf("probe Allow() = %v, want nil", err)
	}
	b.Record(false)

	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state after failed probe = %v, want OPEN", got)
	}
	if err := b.Allow(); err == nil {
		t.Fatal("Allow() after failed probe = nil, want error")
	}

	// A second cooldown admits a fresh probe.
	*now = now.Add(breakerCooldown + time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("second probe Allow() = %v, want nil", err)
	}
	b.Record(true)
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state = %v, want CLOSED", got)
	}
}

func TestBreakerWindowSlides(t *testing.T) {
	b, _ := newTestBreaker(t)

	// 10% failure rate, then a full window of successes evicts the failures.
	record(b, true, 90)
	record(b, false, 10)
	record(b, true, breakerWindow)
	record(b, false, 6)

	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state = %v, want CLOSED (old failures evicted)", got)
	}
	if b.failures != 6 {
		t.Fatalf("failures = %d, want 6", b.failures)
	}
}

func TestBreakerStateChangeHook(t *testing.T) {
	b, now := newTestBreaker(t)

	var seen []BreakerState
	b.OnStateChange(func(s BreakerState) { seen = append(seen, s) })

	record(b, false, breakerMinSamples)
	*now = now.Add(breakerCooldown + time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() = %v", err)
	}
	b.Record(true)

	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transition[%d] = %v, want %v", i, seen[i], want[i])
		}
	}
}
