package server

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles requests per client IP with a token bucket. It writes
// the normalized x-ratelimit-* headers on every response it handles.
type RateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	idle     time.Duration
	visitors map[string]*visitor
	now      func() time.Time

	lastSweep time.Time
}

// sweepEvery bounds how often idle visitors are scanned for.
const sweepEvery = time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMinute requests per client with the given burst.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if burst <= 0 {
		burst = perMinute
	}
	return &RateLimiter{
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    burst,
		idle:     10 * time.Minute,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

func (l *RateLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= sweepEvery {
		l.lastSweep = now
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > l.idle {
				delete(l.visitors, k)
			}
		}
	}

	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

// Middleware rejects requests over the limit with 429 and Retry-After.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lim := l.get(clientIP(r))
		now := l.now()
		allowed := lim.AllowN(now, 1)

		h := w.Header()
		h.Set("x-ratelimit-limit-requests", strconv.Itoa(l.burst))
		remaining := int(math.Max(0, math.Floor(lim.TokensAt(now))))
		h.Set("x-ratelimit-remaining-requests", strconv.Itoa(remaining))

		if !allowed {
			wait := time.Second
			if l.limit > 0 {
				wait = time.Duration(float64(time.Second) / float64(l.limit))
			}
			h.Set("x-ratelimit-reset-requests", wait.String())
			h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			AddLogField(r.Context(), "rate_limited", "true")
			WriteError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
