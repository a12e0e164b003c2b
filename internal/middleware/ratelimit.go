package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/darkden-lab/notifier/internal/httputil"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

const (
	limiterSweepInterval = time.Minute
	limiterIdleTTL       = 3 * time.Minute
)

// ipLimiter holds a rate limiter and the last time it was used, in unix nanos.
type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// limiterStore manages per-IP rate limiters and evicts idle ones until its
// context is cancelled.
type limiterStore struct {
	limiters sync.Map
	rps      float64
	burst    int
}

func newLimiterStore(ctx context.Context, rps float64, burst int) *limiterStore {
	s := &limiterStore{rps: rps, burst: burst}
	go s.sweep(ctx)
	return s
}

// get returns the limiter for ip, creating one if needed.
func (s *limiterStore) get(ip string) *rate.Limiter {
	now := time.Now().UnixNano()

	if v, ok := s.limiters.Load(ip); ok {
		entry := v.(*ipLimiter)
		entry.lastSeen.Store(now)
		return entry.limiter
	}

	entry := &ipLimiter{limiter: rate.NewLimiter(rate.Limit(s.rps), s.burst)}
	entry.lastSeen.Store(now)
	actual, _ := s.limiters.LoadOrStore(ip, entry)
	existing := actual.(*ipLimiter)
	existing.lastSeen.Store(now)
	return existing.limiter
}

func (s *limiterStore) sweep(ctx context.Context) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictIdle(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (s *limiterStore) evictIdle(now time.Time) {
	s.limiters.Range(func(key, value any) bool {
		entry := value.(*ipLimiter)
		if now.Sub(time.Unix(0, entry.lastSeen.Load())) > limiterIdleTTL {
			s.limiters.Delete(key)
		}
		return true
	})
}

func (s *limiterStore) size() int {
	n := 0
	s.limiters.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// clientIP returns the host part of RemoteAddr. X-Forwarded-For is not
// trusted.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port.
		return r.RemoteAddr
	}
	return ip
}

// RateLimitMiddleware returns a gorilla/mux middleware that enforces per-IP
// rate limiting using a token bucket. rps is the sustained requests-per-second
// rate and burst is the maximum burst size. Idle limiters are evicted until
// ctx is cancelled.
func RateLimitMiddleware(ctx context.Context, rps float64, burst int) mux.MiddlewareFunc {
	store := newLimiterStore(ctx, rps, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !store.get(clientIP(r)).Allow() {
				httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
