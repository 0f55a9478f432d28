package inbox

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// limiterEntry pairs a token bucket with the last time it was touched, so
// idle hosts can be swept out of the map (§4.5 "cleaned up every minute").
type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// rateLimiter is a per-remote-host token bucket, backed by
// golang.org/x/time/rate instead of a hand-rolled counter, matching
// spec.md's "host -> (count, resetTime)" state.
type rateLimiter struct {
	entries sync.Map // string host -> *limiterEntry
	rps     rate.Limit
	burst   int
}

func newRateLimiter(perMinute int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		rps:   rate.Limit(float64(perMinute) / window.Seconds()),
		burst: perMinute,
	}
}

func (rl *rateLimiter) allow(host string) bool {
	v, _ := rl.entries.LoadOrStore(host, &limiterEntry{limiter: rate.NewLimiter(rl.rps, rl.burst)})
	e := v.(*limiterEntry)
	e.lastSeen.Store(time.Now().UnixNano())
	return e.limiter.Allow()
}

// cleanup drops any host entry untouched for longer than maxIdle, bounding
// memory growth from one-off remote hosts.
func (rl *rateLimiter) cleanup(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle).UnixNano()
	rl.entries.Range(func(key, value any) bool {
		if value.(*limiterEntry).lastSeen.Load() < cutoff {
			rl.entries.Delete(key)
		}
		return true
	})
}

// StartCleanup sweeps idle rate-limit entries once a minute until ctx is
// cancelled.
func (s *Server) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.limiter.cleanup(10 * time.Minute)
			}
		}
	}()
}

// hostFromRequest extracts the remote host a request is billed against:
// the keyId URL's host if a signature is present, else X-Forwarded-For,
// else the peer address (§4.5 "the host is extracted from...").
func hostFromRequest(r *http.Request) string {
	if sig := r.Header.Get("Signature"); sig != "" {
		if keyID := extractKeyID(sig); keyID != "" {
			if u, err := url.Parse(keyID); err == nil && u.Host != "" {
				return u.Host
			}
		}
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

func extractKeyID(sigHeader string) string {
	for _, part := range strings.Split(sigHeader, ",") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, `keyId="`) {
			return strings.TrimSuffix(strings.TrimPrefix(part, `keyId="`), `"`)
		}
	}
	return ""
}

// rateLimitMiddleware enforces the per-host token bucket ahead of every
// route this server mounts.
func (s *Server) rateLimitMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host := hostFromRequest(r)
			if !s.limiter.allow(host) {
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, "rate limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
