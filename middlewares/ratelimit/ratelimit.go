// Package ratelimit is a mizu middleware implementing a per-key token
// bucket rate limiter, keyed by client IP by default.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Tembocs/entidb-sync-sub000"
)

// Info describes the limiter state after a decision.
type Info struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// Options configures the limiter.
type Options struct {
	// Rate is the number of requests allowed per Interval. Required.
	Rate int
	// Interval over which Rate tokens refill. Required.
	Interval time.Duration
	// Burst caps the token bucket size. Defaults to Rate.
	Burst int
	// Headers, when true, sets X-RateLimit-* response headers.
	Headers bool
	// KeyFunc derives the bucket key from the request. Defaults to the
	// client's remote IP.
	KeyFunc func(c *mizu.Ctx) string
	// Skip bypasses limiting entirely for matching requests.
	Skip func(c *mizu.Ctx) bool
	// ErrorHandler responds when the limit is exceeded. Defaults to a 429
	// text response with a Retry-After header.
	ErrorHandler func(c *mizu.Ctx) error
	// Store holds bucket state. Defaults to a new MemoryStore.
	Store *MemoryStore
}

// New wraps routes with a rate limiter allowing rate requests per interval,
// keyed by client IP.
func New(rate int, interval time.Duration) mizu.Middleware {
	return WithOptions(Options{Rate: rate, Interval: interval})
}

// PerSecond wraps routes allowing rate requests per second.
func PerSecond(rate int) mizu.Middleware { return New(rate, time.Second) }

// PerMinute wraps routes allowing rate requests per minute.
func PerMinute(rate int) mizu.Middleware { return New(rate, time.Minute) }

// PerHour wraps routes allowing rate requests per hour.
func PerHour(rate int) mizu.Middleware { return New(rate, time.Hour) }

// WithOptions wraps routes with a rate limiter per opts.
func WithOptions(opts Options) mizu.Middleware {
	burst := opts.Burst
	if burst == 0 {
		burst = opts.Rate
	}
	keyFunc := opts.KeyFunc
	if keyFunc == nil {
		keyFunc = clientIP
	}
	errorHandler := opts.ErrorHandler
	if errorHandler == nil {
		errorHandler = func(c *mizu.Ctx) error {
			return c.Text(http.StatusTooManyRequests, "rate limit exceeded")
		}
	}
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}

	return func(next mizu.Handler) mizu.Handler {
		return func(c *mizu.Ctx) error {
			if opts.Skip != nil && opts.Skip(c) {
				return next(c)
			}

			key := keyFunc(c)
			allowed, info := store.Allow(key, opts.Rate, opts.Interval, burst)

			if opts.Headers {
				c.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
				c.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
				c.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.Reset.Unix(), 10))
			}
			if !allowed {
				c.Header().Set("Retry-After", strconv.Itoa(int(opts.Interval.Seconds())+1))
				return errorHandler(c)
			}
			return next(c)
		}
	}
}

func clientIP(c *mizu.Ctx) string {
	r := c.Request()
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

type bucket struct {
	tokens float64
	last   time.Time
}

// MemoryStore is an in-process token bucket per key.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*bucket)}
}

// Allow consumes one token from key's bucket (capacity burst, refilling at
// rate tokens per interval), reporting whether the request may proceed.
func (s *MemoryStore) Allow(key string, rate int, interval time.Duration, burst int) (bool, Info) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(burst), last: now}
		s.buckets[key] = b
	} else {
		elapsed := now.Sub(b.last)
		refill := elapsed.Seconds() / interval.Seconds() * float64(rate)
		b.tokens += refill
		if b.tokens > float64(burst) {
			b.tokens = float64(burst)
		}
		b.last = now
	}

	info := Info{Limit: rate, Reset: now.Add(interval)}
	if b.tokens < 1 {
		info.Remaining = 0
		return false, info
	}
	b.tokens--
	info.Remaining = int(b.tokens)
	return true, info
}
