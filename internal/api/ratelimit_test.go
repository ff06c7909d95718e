package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func sendFrom(h http.Handler, method, path, addr string) int {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = addr
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr.Code
}

func TestRateLimit_Disabled(t *testing.T) {
	t.Parallel()
	handler := RateLimit(0)(okHandler)
	for i := 0; i < 3; i++ {
		if code := sendFrom(handler, http.MethodPost, "/api/v1/jobs", "1.2.3.4:5678"); code != http.StatusOK {
			t.Errorf("request %d: status = %d, want 200", i+1, code)
		}
	}
}

func TestRateLimit_BlocksOverLimit(t *testing.T) {
	t.Parallel()
	for _, path := range []string{"/api/v1/jobs", "/api/v1/jobs/bulk", "/api/v1/jobs/abc/publish", "/api/v1/sweep"} {
		t.Run(path, func(t *testing.T) {
			t.Parallel()
			// rps=1, burst=1: the second request from the same IP is blocked.
			handler := RateLimit(1)(okHandler)
			if code := sendFrom(handler, http.MethodPost, path, "5.6.7.8:1234"); code != http.StatusOK {
				t.Errorf("first request: status = %d, want 200", code)
			}
			if code := sendFrom(handler, http.MethodPost, path, "5.6.7.8:1234"); code != http.StatusTooManyRequests {
				t.Errorf("second request: status = %d, want 429", code)
			}
			// Other clients keep their own budget.
			if code := sendFrom(handler, http.MethodPost, path, "5.6.7.9:1234"); code != http.StatusOK {
				t.Errorf("other client: status = %d, want 200", code)
			}
		})
	}
}

func TestRateLimit_SetsRetryAfter(t *testing.T) {
	t.Parallel()
	handler := RateLimit(1)(okHandler)
	sendFrom(handler, http.MethodPost, "/api/v1/sweep", "5.6.7.8:1234")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sweep", nil)
	req.RemoteAddr = "5.6.7.8:1234"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
}

func TestRateLimit_SkipsReads(t *testing.T) {
	t.Parallel()
	handler := RateLimit(1)(okHandler)
	for _, path := range []string{"/api/v1/jobs", "/api/v1/jobs/abc", "/api/v1/schedule", "/health"} {
		for i := 0; i < 3; i++ {
			if code := sendFrom(handler, http.MethodGet, path, "9.9.9.9:9999"); code != http.StatusOK {
				t.Errorf("GET %s #%d: status = %d, want 200", path, i+1, code)
			}
		}
	}
}

func TestRateLimit_CustomPatterns(t *testing.T) {
	t.Parallel()
	handler := RateLimit(1, "DELETE /api/v1/jobs/{id}")(okHandler)
	for i := 0; i < 3; i++ {
		if code := sendFrom(handler, http.MethodPost, "/api/v1/jobs", "9.9.9.9:9999"); code != http.StatusOK {
			t.Errorf("POST #%d: status = %d, want 200", i+1, code)
		}
	}
	sendFrom(handler, http.MethodDelete, "/api/v1/jobs/abc", "9.9.9.9:9999")
	if code := sendFrom(handler, http.MethodDelete, "/api/v1/jobs/abc", "9.9.9.9:9999"); code != http.StatusTooManyRequests {
		t.Errorf("second DELETE: status = %d, want 429", code)
	}
}

func TestClientLimiter_PrunesIdleClients(t *testing.T) {
	t.Parallel()
	cl := newClientLimiter(1)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cl.now = func() time.Time { return now }

	cl.reserve("10.0.0.1")
	cl.reserve("10.0.0.2")
	if n := cl.size(); n != 2 {
		t.Fatalf("size = %d, want 2", n)
	}

	now = now.Add(clientIdleTTL + time.Second)
	if ok, _ := cl.reserve("10.0.0.3"); !ok {
		t.Error("new client was limited")
	}
	if n := cl.size(); n != 1 {
		t.Errorf("size after idle period = %d, want 1", n)
	}
	// A pruned client starts with a full bucket.
	if ok, _ := cl.reserve("10.0.0.1"); !ok {
		t.Error("returning client was limited")
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, remote, forwarded, want string
	}{
		{"remote addr", "10.0.0.1:4000", "", "10.0.0.1"},
		{"forwarded single", "10.0.0.1:4000", "203.0.113.7", "203.0.113.7"},
		{"forwarded chain", "10.0.0.1:4000", "203.0.113.7, 10.0.0.2", "203.0.113.7"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		if tt.forwarded != "" {
			req.Header.Set("X-Forwarded-For", tt.forwarded)
		}
		if got := clientIP(req); got != tt.want {
			t.Errorf("%s: clientIP = %q, want %q", tt.name, got, tt.want)
		}
	}
}
