package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alecgard/gabelle/internal/auth"
)

func TestMiddleware_KeysByOrganization(t *testing.T) {
	now, _ := testClock(time.Now())
	l := newTestLimiter(10, time.Minute, now)

	handler := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Organization with a custom rate of 2.
	org := &auth.Organization{ID: "org-1", RateLimit: 2}

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(auth.ContextWithOrg(req.Context(), org))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	rr := do()
	if rr.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Errorf("expected custom limit header 2, got %q", got)
	}

	do()
	rr = do()
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("third request should be rejected, got %d", rr.Code)
	}
}

func TestMiddleware_FallsBackToClientIP(t *testing.T) {
	now, _ := testClock(time.Now())
	l := newTestLimiter(1, time.Minute, now)

	handler := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(remoteAddr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remoteAddr
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	if rr := do("10.0.0.1:1234"); rr.Code != http.StatusOK {
		t.Fatalf("first request from IP should pass, got %d", rr.Code)
	}
	if rr := do("10.0.0.1:5678"); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request from same IP should be rejected, got %d", rr.Code)
	}
	// A different IP has its own bucket.
	if rr := do("10.0.0.2:1234"); rr.Code != http.StatusOK {
		t.Fatalf("request from different IP should pass, got %d", rr.Code)
	}
}

func TestMiddleware_RejectCallback(t *testing.T) {
	now, _ := testClock(time.Now())
	l := newTestLimiter(1, time.Minute, now)

	rejected := 0
	handler := Middleware(l, func() { rejected++ })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:1"
	handler.ServeHTTP(httptest.NewRecorder(), req)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if rejected != 1 {
		t.Fatalf("expected 1 reject callback, got %d", rejected)
	}
}
