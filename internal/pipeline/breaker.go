package pipeline

import (
	"sync"
	"time"
)

// breakerState is one remote host's circuit state.
type breakerState struct {
	mu            sync.Mutex
	failureCount  int
	opensUntil    time.Time
	halfOpenTrial bool
}

// BreakerRegistry is the per-remote-host circuit breaker §4.6 describes:
// observable state is host -> {failureCount, opensUntil?}, each entry
// guarded by its own lock per §5's shared-resource rules. It has no teacher
// analog: internal/federation/sync.go's retry consumer is a pure
// backoff-and-dead-letter mechanism with no notion of an open circuit.
type BreakerRegistry struct {
	mu           sync.Mutex
	hosts        map[string]*breakerState
	threshold    int
	resetTimeout time.Duration
}

// NewBreakerRegistry builds a registry, falling back to §4.6's defaults
// (threshold 5, resetTimeout 60s) when threshold or resetTimeout is zero.
func NewBreakerRegistry(threshold int, resetTimeout time.Duration) *BreakerRegistry {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if resetTimeout <= 0 {
		resetTimeout = DefaultBreakerResetTimeout
	}
	return &BreakerRegistry{
		hosts:        make(map[string]*breakerState),
		threshold:    threshold,
		resetTimeout: resetTimeout,
	}
}

func (r *BreakerRegistry) stateFor(host string) *breakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.hosts[host]
	if !ok {
		st = &breakerState{}
		r.hosts[host] = st
	}
	return st
}

// Allow reports whether a delivery attempt to host may proceed: true while
// closed, true exactly once for a half-open trial once resetTimeout has
// elapsed since the circuit opened, false otherwise.
func (r *BreakerRegistry) Allow(host string) bool {
	st := r.stateFor(host)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.failureCount < r.threshold {
		return true
	}
	if st.halfOpenTrial {
		return false
	}
	if time.Now().Before(st.opensUntil) {
		return false
	}
	st.halfOpenTrial = true
	return true
}

// Success resets the breaker for host to closed (§4.6 "success resets the
// counters").
func (r *BreakerRegistry) Success(host string) {
	st := r.stateFor(host)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.failureCount = 0
	st.halfOpenTrial = false
	st.opensUntil = time.Time{}
}

// Failure records a delivery failure to host, opening or re-opening the
// circuit once failureCount reaches threshold (§4.6 "failure reopens the
// circuit").
func (r *BreakerRegistry) Failure(host string) {
	st := r.stateFor(host)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.failureCount++
	st.halfOpenTrial = false
	if st.failureCount >= r.threshold {
		st.opensUntil = time.Now().Add(r.resetTimeout)
	}
}

// State reports the current failure count and open-until time for host,
// for observability/metrics wiring.
func (r *BreakerRegistry) State(host string) (failureCount int, opensUntil time.Time) {
	st := r.stateFor(host)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.failureCount, st.opensUntil
}
