package pipeline

import (
	"testing"
	"time"
)

func TestRetryDelay_FollowsLadderWithJitter(t *testing.T) {
	for attempt, base := range retryBaseDelays {
		d := retryDelay(attempt)
		if d < base {
			t.Fatalf("attempt %d: delay %v should be at least the base %v", attempt, d, base)
		}
		if d > base+base/5+time.Nanosecond {
			t.Fatalf("attempt %d: delay %v exceeds base+20%% jitter %v", attempt, d, base)
		}
	}
}

func TestRetryDelay_CapsAtLastRung(t *testing.T) {
	last := retryBaseDelays[len(retryBaseDelays)-1]
	d := retryDelay(len(retryBaseDelays) + 3)
	if d < last {
		t.Fatalf("delay past the table should still be at least %v, got %v", last, d)
	}
}

func TestBreakerRegistry_OpensAfterThresholdFailures(t *testing.T) {
	b := NewBreakerRegistry(3, 10*time.Millisecond)
	host := "remote.example"

	for i := 0; i < 3; i++ {
		if !b.Allow(host) {
			t.Fatalf("failure %d: breaker should still be closed", i)
		}
		b.Failure(host)
	}
	if b.Allow(host) {
		t.Fatalf("breaker should be open immediately after the 3rd consecutive failure")
	}
}

func TestBreakerRegistry_HalfOpenAfterResetTimeout(t *testing.T) {
	b := NewBreakerRegistry(3, 10*time.Millisecond)
	host := "remote.example"
	for i := 0; i < 3; i++ {
		b.Failure(host)
	}
	if b.Allow(host) {
		t.Fatalf("breaker should be open right after tripping")
	}

	time.Sleep(15 * time.Millisecond)
	if !b.Allow(host) {
		t.Fatalf("breaker should allow one half-open trial once resetTimeout has elapsed")
	}
	if b.Allow(host) {
		t.Fatalf("a second concurrent call should not get a half-open trial while one is in flight")
	}
}

func TestBreakerRegistry_SuccessClosesCircuit(t *testing.T) {
	b := NewBreakerRegistry(3, 10*time.Millisecond)
	host := "remote.example"
	for i := 0; i < 3; i++ {
		b.Failure(host)
	}
	time.Sleep(15 * time.Millisecond)
	if !b.Allow(host) {
		t.Fatalf("expected a half-open trial to be granted")
	}
	b.Success(host)

	failureCount, opensUntil := b.State(host)
	if failureCount != 0 || !opensUntil.IsZero() {
		t.Fatalf("success should reset state, got failureCount=%d opensUntil=%v", failureCount, opensUntil)
	}
	if !b.Allow(host) {
		t.Fatalf("breaker should be closed again after a successful trial")
	}
}

func TestBreakerRegistry_FailureDuringHalfOpenReopens(t *testing.T) {
	b := NewBreakerRegistry(3, 10*time.Millisecond)
	host := "remote.example"
	for i := 0; i < 3; i++ {
		b.Failure(host)
	}
	time.Sleep(15 * time.Millisecond)
	if !b.Allow(host) {
		t.Fatalf("expected a half-open trial to be granted")
	}
	b.Failure(host)

	if b.Allow(host) {
		t.Fatalf("a failed half-open trial should reopen the circuit")
	}
}

func TestShardFor_SameTargetAlwaysSameLane(t *testing.T) {
	for i := 0; i < 50; i++ {
		if got := shardFor("!room:example.org", 10); got != shardFor("!room:example.org", 10) {
			t.Fatalf("shardFor should be deterministic, got %d and %d", got, shardFor("!room:example.org", 10))
		}
	}
}

func TestShardFor_WithinRange(t *testing.T) {
	targets := []string{"!a:example.org", "!b:example.org", "remote.example", "https://fed.example/activities/1"}
	for _, target := range targets {
		if lane := shardFor(target, 10); lane < 0 || lane >= 10 {
			t.Fatalf("shardFor(%q, 10) = %d, out of range", target, lane)
		}
	}
}

func TestBreakerRegistry_IndependentPerHost(t *testing.T) {
	b := NewBreakerRegistry(1, time.Hour)
	b.Failure("a.example")
	if b.Allow("a.example") {
		t.Fatalf("a.example should be open")
	}
	if !b.Allow("b.example") {
		t.Fatalf("b.example should be unaffected by a.example's failures")
	}
}
