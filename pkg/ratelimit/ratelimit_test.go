package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLimiter(t *testing.T) {
	// Burst of 2 means two immediate requests pass
	limiter := NewLimiter(10, 2)

	if !limiter.Allow("test-key") {
		t.Error("First request should be allowed")
	}
	if !limiter.Allow("test-key") {
		t.Error("Second request should be allowed")
	}
	if limiter.Allow("test-key") {
		t.Error("Third request should be rate limited")
	}

	// Keys are independent
	if !limiter.Allow("other-key") {
		t.Error("A different key should have its own bucket")
	}

	// 10 req/s refills one token every 100ms
	time.Sleep(150 * time.Millisecond)

	if !limiter.Allow("test-key") {
		t.Error("Request after waiting should be allowed")
	}
}

func TestMiddleware(t *testing.T) {
	limiter := NewLimiter(10, 2)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrappedHandler := limiter.Middleware(func(r *http.Request) string {
		return "test-key"
	})(handler)

	for i, want := range []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests} {
		rr := httptest.NewRecorder()
		wrappedHandler.ServeHTTP(rr, httptest.NewRequest("POST", "/events/storage", nil))
		if rr.Code != want {
			t.Errorf("Request %d: expected status %d, got %d", i+1, want, rr.Code)
		}
		if want == http.StatusTooManyRequests && rr.Header().Get("Retry-After") != "1" {
			t.Errorf("Expected Retry-After 1, got %q", rr.Header().Get("Retry-After"))
		}
	}
}

func TestCleanupOldLimiters(t *testing.T) {
	limiter := NewLimiter(10, 2)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	limiter.Allow("stale")
	now = now.Add(10 * time.Minute)
	limiter.Allow("fresh")

	if removed := limiter.CleanupOldLimiters(5 * time.Minute); removed != 1 {
		t.Errorf("Expected 1 limiter removed, got %d", removed)
	}
	if limiter.Len() != 1 {
		t.Errorf("Expected 1 limiter left, got %d", limiter.Len())
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name          string
		remoteAddr    string
		xForwardedFor string
		expectedKey   string
	}{
		{
			name:        "Direct connection",
			remoteAddr:  "192.168.1.1:12345",
			expectedKey: "192.168.1.1",
		},
		{
			name:          "Behind proxy",
			remoteAddr:    "127.0.0.1:12345",
			xForwardedFor: "203.0.113.1",
			expectedKey:   "203.0.113.1",
		},
		{
			name:          "Proxy chain",
			remoteAddr:    "127.0.0.1:12345",
			xForwardedFor: "203.0.113.1, 10.0.0.2",
			expectedKey:   "203.0.113.1",
		},
		{
			name:        "Address without port",
			remoteAddr:  "unix-socket",
			expectedKey: "unix-socket",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}

			if key := IPKeyFunc(req); key != tt.expectedKey {
				t.Errorf("Expected key %s, got %s", tt.expectedKey, key)
			}
		})
	}
}

func TestAPIKeyFunc(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	if key := APIKeyFunc(req); key != "192.168.1.1" {
		t.Errorf("Expected address fallback, got %s", key)
	}

	req.Header.Set("Authorization", "Bearer abc")
	if key := APIKeyFunc(req); key != "Bearer abc" {
		t.Errorf("Expected authorization key, got %s", key)
	}
}
