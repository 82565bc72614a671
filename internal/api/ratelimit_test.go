package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimit_Disabled(t *testing.T) {
	t.Parallel()
	handler := RateLimit(0)(okHandler())
	req := httptest.NewRequest(http.MethodPost, analysesPath, nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestRateLimit_BlocksOverLimit(t *testing.T) {
	t.Parallel()
	// rps=1, burst=1: the second request from the same IP is blocked.
	handler := RateLimit(1)(okHandler())

	send := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, analysesPath, nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	if rr := send("5.6.7.8:1234"); rr.Code != http.StatusOK {
		t.Errorf("first request: status = %d, want 200", rr.Code)
	}
	rr := send("5.6.7.8:4321")
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("429 without Retry-After")
	}
	if rr := send("1.1.1.1:1"); rr.Code != http.StatusOK {
		t.Errorf("other IP: status = %d, want 200", rr.Code)
	}
}

func TestRateLimit_OnlyAppliesToStarts(t *testing.T) {
	t.Parallel()
	handler := RateLimit(1)(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/status?session_id=x", nil)
		req.RemoteAddr = "9.9.9.9:9999"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("GET request %d: status = %d, want 200", i+1, rr.Code)
		}
	}
}

func TestRateLimiter_EvictsIdle(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 10, 16, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1)
	rl.now = func() time.Time { return now }

	rl.Allow("a")
	rl.Allow("b")
	now = now.Add(10 * time.Minute)
	rl.Allow("c")
	if n := rl.size(); n != 1 {
		t.Errorf("tracked IPs = %d, want 1", n)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		fwd    string
		want   string
	}{
		{"remote addr", "1.2.3.4:5678", "", "1.2.3.4"},
		{"ipv6 remote", "[::1]:8080", "", "::1"},
		{"forwarded chain", "10.0.0.1:1", "203.0.113.9, 10.0.0.1", "203.0.113.9"},
		{"no port", "1.2.3.4", "", "1.2.3.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.fwd != "" {
				req.Header.Set("X-Forwarded-For", tt.fwd)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
