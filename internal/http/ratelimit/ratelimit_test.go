package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestAllowEnforcesBurst(t *testing.T) {
	l := NewIPRateLimiter(rate.Limit(1), 2, time.Hour, nil)

	if !l.Allow("10.0.0.1") || !l.Allow("10.0.0.1") {
		t.Fatal("burst of 2 should admit two immediate requests")
	}
	if l.Allow("10.0.0.1") {
		t.Error("third immediate request should be rejected")
	}
	if !l.Allow("10.0.0.2") {
		t.Error("a different client has its own bucket")
	}
}

func TestClientIPIgnoresForwardedFromUntrustedPeer(t *testing.T) {
	l := NewIPRateLimiter(rate.Limit(1), 1, time.Hour, []string{"10.0.0.0/8"})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.9:4411"
	r.Header.Set("X-Forwarded-For", "198.51.100.77")

	if got := l.ClientIP(r); got != "203.0.113.9" {
		t.Errorf("ClientIP = %q, want the direct peer", got)
	}
}

func TestClientIPHonorsForwardedFromTrustedProxy(t *testing.T) {
	l := NewIPRateLimiter(rate.Limit(1), 1, time.Hour, []string{"10.0.0.1"})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:4411"
	r.Header.Set("X-Forwarded-For", "198.51.100.77, 10.0.0.1")

	if got := l.ClientIP(r); got != "198.51.100.77" {
		t.Errorf("ClientIP = %q, want the leftmost forwarded client", got)
	}
}

func TestClientIPFallsBackToRealIP(t *testing.T) {
	l := NewIPRateLimiter(rate.Limit(1), 1, time.Hour, []string{"10.0.0.1"})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:4411"
	r.Header.Set("X-Real-IP", "198.51.100.88")

	if got := l.ClientIP(r); got != "198.51.100.88" {
		t.Errorf("ClientIP = %q", got)
	}
}

func TestMiddlewareAnswers429(t *testing.T) {
	l := NewIPRateLimiter(rate.Limit(1), 1, time.Hour, nil)
	handler := l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", rec.Code)
	}
}

func TestEvictionCapsTable(t *testing.T) {
	l := NewIPRateLimiter(rate.Limit(1), 1, time.Hour, nil)
	l.clients["old"] = &client{limiter: rate.NewLimiter(1, 1), lastSeen: time.Now().Add(-time.Hour)}
	for i := 0; i < maxClients-1; i++ {
		l.clients[string(rune(i))+"x"] = &client{limiter: rate.NewLimiter(1, 1), lastSeen: time.Now()}
	}

	l.Allow("fresh")
	if _, ok := l.clients["old"]; ok {
		t.Error("oldest entry should be evicted at the cap")
	}
	if len(l.clients) > maxClients {
		t.Errorf("table size = %d, want at most %d", len(l.clients), maxClients)
	}
}
