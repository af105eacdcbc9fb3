// Package httplimit protects the read-only HTTP query surface (spec.md
// §6.3) against abusive polling. It is SPEC_FULL.md's domain-stack
// extension: the spec names the surface but not a rate-limit policy for
// it, so this reuses the teacher's Redis token-bucket idiom
// (internal/rl.Limiter) one bucket per caller identity, keyed by API token
// or, lacking one, remote IP — mirroring the teacher's
// internal/middleware.RateLimiter client-identity resolution.
package httplimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"ipwarden/internal/rl"
	"ipwarden/pkg/metrics"
)

// Policy is the single query-surface bucket's shape (config.QueryLimit).
type Policy struct {
	RPS   float64
	Burst int64
}

// Middleware rate-limits requests by caller identity before the request
// reaches the handler. A Redis error fails open (matches spec.md §7's
// general swallow-and-log posture for non-core-path failures) and logs.
type Middleware struct {
	limiter *rl.Limiter
	policy  Policy
}

// New builds a Middleware backed by limiter and applying policy uniformly
// to every query-surface route.
func New(limiter *rl.Limiter, policy Policy) *Middleware {
	return &Middleware{limiter: limiter, policy: policy}
}

func (m *Middleware) Wrap(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.policy.RPS <= 0 || m.policy.Burst <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		id := callerID(r)
		key := "ipwarden:qlimit:" + id
		allowed, remaining, retryAfter, resetAfter, err := m.limiter.Consume(r.Context(), key, m.policy.RPS, m.policy.Burst, 1)
		if err != nil {
			log.Error().Err(err).Str("key", key).Msg("query_limiter_error_allowing")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(m.policy.RPS, 'f', -1, 64))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatFloat(remaining, 'f', -1, 64))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(int64(resetAfter/time.Second), 10))

		if !allowed {
			if retryAfter > 0 {
				w.Header().Set("Retry-After", strconv.FormatInt(int64((retryAfter+time.Second-1)/time.Second), 10))
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limited"}`))
			metrics.QueryLimited.WithLabelValues(route).Inc()
			return
		}

		next.ServeHTTP(w, r)
	})
}

// callerID prefers the bearer/query token (stable per caller even behind a
// shared NAT); falls back to remote IP.
func callerID(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return "tok:" + strings.TrimPrefix(auth, "Bearer ")
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return "tok:" + tok
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
