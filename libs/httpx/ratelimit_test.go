package httpx

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func noContent(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func hit(h http.Handler, path, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.RemoteAddr = remote
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	return rw
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	h := rl.Middleware()(http.HandlerFunc(noContent))

	first := hit(h, "/v1/callbacks/delivery", "10.0.0.1:5555")
	if first.Code != http.StatusNoContent || first.Header().Get("X-RateLimit-Remaining") != "1" {
		t.Fatalf("first: %d remaining=%q", first.Code, first.Header().Get("X-RateLimit-Remaining"))
	}
	hit(h, "/v1/callbacks/delivery", "10.0.0.1:5555")

	now = now.Add(15 * time.Second)
	third := hit(h, "/v1/callbacks/delivery", "10.0.0.1:5555")
	if third.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", third.Code)
	}
	if got := third.Header().Get("Retry-After"); got != "45" {
		t.Fatalf("expected Retry-After 45, got %q", got)
	}
	if other := hit(h, "/v1/callbacks/delivery", "10.0.0.2:5555"); other.Code != http.StatusNoContent {
		t.Fatalf("other caller should have its own bucket, got %d", other.Code)
	}

	now = now.Add(time.Minute)
	if again := hit(h, "/v1/callbacks/delivery", "10.0.0.1:5555"); again.Code != http.StatusNoContent {
		t.Fatalf("window should have reset, got %d", again.Code)
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.buckets) != 1 {
		t.Fatalf("expired buckets not swept: %d left", len(rl.buckets))
	}
}

func TestRateLimiterByRoute(t *testing.T) {
	h := NewRateLimiter(1, time.Minute).WithKey(ByRouteAndClientIP).Middleware()(http.HandlerFunc(noContent))

	if rw := hit(h, "/v1/callbacks/twilio", "10.0.0.1:1"); rw.Code != http.StatusNoContent {
		t.Fatalf("twilio: %d", rw.Code)
	}
	if rw := hit(h, "/v1/callbacks/delivery", "10.0.0.1:1"); rw.Code != http.StatusNoContent {
		t.Fatalf("delivery should use a separate bucket: %d", rw.Code)
	}
	if rw := hit(h, "/v1/callbacks/twilio", "10.0.0.1:1"); rw.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rw.Code)
	}
}

func TestRedisRateLimiterWhenRedisIsDown(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := NewRedisRateLimiter(rdb, 1, time.Minute, "test")

	open := rl.Middleware(logger, true)(http.HandlerFunc(noContent))
	if rw := hit(open, "/v1/callbacks/twilio", "10.0.0.1:1"); rw.Code != http.StatusNoContent {
		t.Fatalf("fail-open: expected 204, got %d", rw.Code)
	}
	closed := rl.Middleware(logger, false)(http.HandlerFunc(noContent))
	if rw := hit(closed, "/v1/callbacks/twilio", "10.0.0.1:1"); rw.Code != http.StatusServiceUnavailable {
		t.Fatalf("fail-closed: expected 503, got %d", rw.Code)
	}
}
