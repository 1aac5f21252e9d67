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
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want 200", i+1, rr.Code)
		}
	}
}

func TestRateLimit_BlocksOverLimit(t *testing.T) {
	t.Parallel()
	// rps=1, burst=1: the second request from the same IP is blocked.
	handler := RateLimit(1)(okHandler())

	send := func(method, path, remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.RemoteAddr = remote
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	if rr := send(http.MethodPost, "/api/v1/jobs", "5.6.7.8:1234"); rr.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want 200", rr.Code)
	}
	rr := send(http.MethodPost, "/api/v1/jobs", "5.6.7.8:4321")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", rr.Header().Get("Retry-After"))
	}

	// The contact endpoint shares the bucket.
	if rr := send(http.MethodPut, "/api/v1/jobs/abc/contact", "5.6.7.8:1"); rr.Code != http.StatusTooManyRequests {
		t.Errorf("contact request: status = %d, want 429", rr.Code)
	}
	// Another client is unaffected.
	if rr := send(http.MethodPost, "/api/v1/jobs", "1.1.1.1:1"); rr.Code != http.StatusOK {
		t.Errorf("other client: status = %d, want 200", rr.Code)
	}
}

func TestRateLimit_ReadsAreNotLimited(t *testing.T) {
	t.Parallel()
	handler := RateLimit(1)(okHandler())

	for _, path := range []string{"/api/v1/jobs/abc", "/api/v1/health", "/files/tok"} {
		for i := 0; i < 3; i++ {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			req.RemoteAddr = "9.9.9.9:9999"
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != http.StatusOK {
				t.Errorf("GET %s #%d: status = %d, want 200", path, i+1, rr.Code)
			}
		}
	}
}

func TestRateLimiter_EvictsIdleClients(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(1)
	rl.now = func() time.Time { return now }

	if wait := rl.reserve("a"); wait != 0 {
		t.Fatalf("first reserve waited %v", wait)
	}
	if wait := rl.reserve("a"); wait == 0 {
		t.Fatal("second reserve should be limited")
	}

	now = now.Add(idleTTL + time.Second)
	rl.reserve("b")
	if _, ok := rl.clients["a"]; ok {
		t.Error("idle client was not evicted")
	}
	if wait := rl.reserve("a"); wait != 0 {
		t.Errorf("evicted client waited %v", wait)
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		remote string
		fwd    string
		want   string
	}{
		{"ipv4", "10.0.0.1:5555", "", "10.0.0.1"},
		{"ipv6", "[2001:db8::1]:443", "", "2001:db8::1"},
		{"no port", "10.0.0.2", "", "10.0.0.2"},
		{"forwarded chain", "10.0.0.1:1", "203.0.113.7, 10.0.0.9", "203.0.113.7"},
		{"forwarded single", "10.0.0.1:1", " 203.0.113.8 ", "203.0.113.8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
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
