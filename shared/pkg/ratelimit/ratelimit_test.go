package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLimiter(t *testing.T) {
	// With rate.NewLimiter(10, 2), the bucket starts with 2 tokens
	limiter := NewLimiter(10, 2)

	if !limiter.Allow("node-a") {
		t.Error("First request should be allowed")
	}
	if !limiter.Allow("node-a") {
		t.Error("Second request should be allowed")
	}
	if limiter.Allow("node-a") {
		t.Error("Third request should be rate limited")
	}

	// Keys are limited independently
	if !limiter.Allow("node-b") {
		t.Error("Another key should have its own bucket")
	}

	// Wait for token refill (10 req/s = 100ms per token)
	time.Sleep(150 * time.Millisecond)

	if !limiter.Allow("node-a") {
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

	expected := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i, code := range expected {
		rr := httptest.NewRecorder()
		wrappedHandler.ServeHTTP(rr, httptest.NewRequest("PUT", "/nodes/n1/resources", nil))
		if rr.Code != code {
			t.Errorf("request %d: got status %d, expected %d", i+1, rr.Code, code)
		}
	}
}

func TestCleanupOldLimiters(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewLimiter(10, 2)
	limiter.now = func() time.Time { return now }

	limiter.Allow("stale")
	now = now.Add(10 * time.Minute)
	limiter.Allow("fresh")

	if removed := limiter.CleanupOldLimiters(5 * time.Minute); removed != 1 {
		t.Errorf("CleanupOldLimiters() = %d, expected 1", removed)
	}
	if limiter.Len() != 1 {
		t.Errorf("Len() = %d, expected 1", limiter.Len())
	}
}

func TestKeyFuncs(t *testing.T) {
	tests := []struct {
		name          string
		keyFunc       func(*http.Request) string
		remoteAddr    string
		xForwardedFor string
		nodeID        string
		expectedKey   string
	}{
		{
			name:        "Direct connection",
			keyFunc:     IPKeyFunc,
			remoteAddr:  "192.168.1.1:12345",
			expectedKey: "192.168.1.1:12345",
		},
		{
			name:          "Behind proxy",
			keyFunc:       IPKeyFunc,
			remoteAddr:    "127.0.0.1:12345",
			xForwardedFor: "203.0.113.1",
			expectedKey:   "203.0.113.1",
		},
		{
			name:          "Proxy chain",
			keyFunc:       IPKeyFunc,
			remoteAddr:    "127.0.0.1:12345",
			xForwardedFor: "203.0.113.1, 10.0.0.2",
			expectedKey:   "203.0.113.1",
		},
		{
			name:        "Node header",
			keyFunc:     NodeKeyFunc,
			remoteAddr:  "10.0.0.5:4000",
			nodeID:      "edge-1",
			expectedKey: "node:edge-1",
		},
		{
			name:        "Node without header",
			keyFunc:     NodeKeyFunc,
			remoteAddr:  "10.0.0.5:4000",
			expectedKey: "10.0.0.5:4000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if tt.nodeID != "" {
				req.Header.Set("X-Node-ID", tt.nodeID)
			}

			if key := tt.keyFunc(req); key != tt.expectedKey {
				t.Errorf("Expected key %s, got %s", tt.expectedKey, key)
			}
		})
	}
}
