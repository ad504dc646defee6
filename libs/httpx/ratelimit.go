package httpx

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// KeyFunc selects the bucket a request is counted against.
type KeyFunc func(*http.Request) string

// ByClientIP counts every caller address separately.
func ByClientIP(r *http.Request) string {
	return ClientIP(r)
}

// ByRouteAndClientIP keeps one noisy endpoint from exhausting a caller's budget on the others.
func ByRouteAndClientIP(r *http.Request) string {
	return r.URL.Path + "|" + ClientIP(r)
}

// RateLimiter is a process-local fixed-window limiter.
type RateLimiter struct {
	limit  int
	window time.Duration
	key    KeyFunc
	now    func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	count int
	reset time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		key:     ByClientIP,
		now:     time.Now,
		buckets: map[string]*bucket{},
	}
}

// WithKey replaces the bucket selector; nil keeps ByClientIP.
func (rl *RateLimiter) WithKey(fn KeyFunc) *RateLimiter {
	if fn != nil {
		rl.key = fn
	}
	return rl
}

func (rl *RateLimiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			count, reset := rl.take(rl.key(r))
			if !admit(w, rl.limit, int64(count), reset.Sub(rl.now())) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) take(key string) (int, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) >= rl.window {
		for k, b := range rl.buckets {
			if !now.Before(b.reset) {
				delete(rl.buckets, k)
			}
		}
		rl.lastSweep = now
	}

	b := rl.buckets[key]
	if b == nil || !now.Before(b.reset) {
		b = &bucket{reset: now.Add(rl.window)}
		rl.buckets[key] = b
	}
	b.count++
	return b.count, b.reset
}

// admit sets the X-RateLimit headers and rejects with 429 once count exceeds limit.
func admit(w http.ResponseWriter, limit int, count int64, resetIn time.Duration) bool {
	remaining := int64(limit) - count
	if remaining < 0 {
		remaining = 0
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	if count <= int64(limit) {
		return true
	}
	if resetIn < time.Second {
		resetIn = time.Second
	}
	h.Set("Retry-After", strconv.Itoa(int(math.Ceil(resetIn.Seconds()))))
	http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	return false
}
