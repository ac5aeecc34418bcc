package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"relaycast/internal/observability/logging"
)

const limiterIdleTTL = 10 * time.Minute

// RateLimitConfig bounds request rates per client address. RPS and Burst
// apply to every request; MutationLimit per MutationWindow additionally
// applies to POST, PUT and DELETE and is shared across instances when
// RedisAddr is set.
type RateLimitConfig struct {
	RPS            float64
	Burst          int
	MutationLimit  int
	MutationWindow time.Duration
	RedisAddr      string
	RedisPassword  string
	RedisTimeout   time.Duration
	RedisCAFile    string
	TrustProxy     bool
}

type windowStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
	Close() error
}

type rateLimiter struct {
	rps            rate.Limit
	burst          int
	mutationLimit  int
	mutationWindow time.Duration
	trustProxy     bool
	store          windowStore
	now            func() time.Time

	mu        sync.Mutex
	clients   map[string]*clientLimiter
	mutations map[string]*clientLimiter
	lastSweep time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(cfg RateLimitConfig) (*rateLimiter, error) {
	rl := &rateLimiter{
		rps:            rate.Limit(cfg.RPS),
		burst:          cfg.Burst,
		mutationLimit:  cfg.MutationLimit,
		mutationWindow: cfg.MutationWindow,
		trustProxy:     cfg.TrustProxy,
		now:            time.Now,
		clients:        make(map[string]*clientLimiter),
		mutations:      make(map[string]*clientLimiter),
	}
	if cfg.RPS > 0 && rl.burst <= 0 {
		rl.burst = int(cfg.RPS)
		if rl.burst < 1 {
			rl.burst = 1
		}
	}
	if rl.mutationWindow <= 0 {
		rl.mutationWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.mutationLimit > 0 {
		store, err := newRedisStore(redisStoreConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Timeout:  cfg.RedisTimeout,
			TLS:      RedisTLSConfig{CAFile: cfg.RedisCAFile},
		})
		if err != nil {
			return nil, err
		}
		rl.store = store
	}
	return rl, nil
}

// Allow reports whether a request from key may proceed and, if not, how long
// the client should wait.
func (r *rateLimiter) Allow(ctx context.Context, key string, mutation bool) (bool, time.Duration, error) {
	if r == nil {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.rps > 0 && !r.limiter(r.clients, key, r.rps, r.burst).Allow() {
		return false, time.Second, nil
	}
	if !mutation || r.mutationLimit <= 0 {
		return true, 0, nil
	}
	if r.store != nil {
		return r.store.Allow(ctx, "relaycast:ratelimit:"+key, r.mutationLimit, r.mutationWindow)
	}
	every := rate.Every(r.mutationWindow / time.Duration(r.mutationLimit))
	reservation := r.limiter(r.mutations, key, every, r.mutationLimit).Reserve()
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		return false, delay, nil
	}
	return true, 0, nil
}

func (r *rateLimiter) limiter(set map[string]*clientLimiter, key string, limit rate.Limit, burst int) *rate.Limiter {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(now)
	entry, ok := set[key]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(limit, burst)}
		set[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

func (r *rateLimiter) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < time.Minute {
		return
	}
	r.lastSweep = now
	cutoff := now.Add(-limiterIdleTTL)
	for _, set := range []map[string]*clientLimiter{r.clients, r.mutations} {
		for key, entry := range set {
			if entry.lastSeen.Before(cutoff) {
				delete(set, key)
			}
		}
	}
}

// Close releases the shared store, if any.
func (r *rateLimiter) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		mutation := r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodDelete
		allowed, retryAfter, err := rl.Allow(r.Context(), clientIP(r, rl.trustProxy), mutation)
		if err != nil {
			logging.WithContext(r.Context(), logger).Warn("rate limiter unavailable", "error", err)
		}
		if err == nil && !allowed {
			if retryAfter > 0 {
				seconds := int((retryAfter + time.Second - 1) / time.Second)
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
			}
			writeMiddlewareError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the caller's address. Forwarding headers are honoured only
// behind a trusted proxy.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			return xrip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
