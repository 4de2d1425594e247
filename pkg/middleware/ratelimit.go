package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig holds rate limit configuration. SkipPrefixes name
// path prefixes exempt from limiting (probes, metrics, the websocket
// upgrade, and webhook ingress, which applies its own admission
// control).
type RateLimitConfig struct {
	RequestsPerMinute int
	BurstSize         int
	KeyFunc           func(r *http.Request) string
	SkipPrefixes      []string
}

// DefaultRateLimitConfig returns default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerMinute: 100,
		BurstSize:         200,
		KeyFunc:           clientIP,
		SkipPrefixes:      []string{"/health", "/metrics", "/ws", "/hooks/"},
	}
}

// bucket is one caller's token-bucket state.
type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// RateLimiter applies a token bucket per key, evicting buckets idle
// past their refill horizon instead of wiping all callers at once.
type RateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	maxTokens  float64
	refillRate float64 // tokens per second
	lastSweep  time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		buckets:    make(map[string]*bucket),
		maxTokens:  float64(config.BurstSize),
		refillRate: float64(config.RequestsPerMinute) / 60.0,
		lastSweep:  time.Now(),
	}
}

// Allow consumes one token for key, reporting whether it fit and how
// many tokens remain.
func (rl *RateLimiter) Allow(key string) (allowed bool, remaining int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.sweepLocked(now)

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.maxTokens}
		rl.buckets[key] = b
	} else {
		b.tokens += now.Sub(b.lastSeen).Seconds() * rl.refillRate
		if b.tokens > rl.maxTokens {
			b.tokens = rl.maxTokens
		}
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false, 0
	}
	b.tokens--
	return true, int(b.tokens)
}

// sweepLocked drops buckets idle long enough to have fully refilled;
// keeping them would only leak memory across many distinct callers.
func (rl *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(rl.lastSweep) < time.Minute {
		return
	}
	idleHorizon := time.Duration(rl.maxTokens/rl.refillRate) * time.Second
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > idleHorizon {
			delete(rl.buckets, key)
		}
	}
	rl.lastSweep = now
}

// RateLimit creates rate limiting middleware
func RateLimit(config *RateLimitConfig) func(http.Handler) http.Handler {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if config.KeyFunc == nil {
		config.KeyFunc = clientIP
	}
	limiter := NewRateLimiter(config)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range config.SkipPrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}

			allowed, remaining := limiter.Allow(config.KeyFunc(r))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.RequestsPerMinute))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			if !allowed {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "60")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"success":false,"error":{"code":"RATE_LIMIT_EXCEEDED","message":"Too many requests"}}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the caller's address, trusting forwarding headers
// the way the webhook ingress does.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
