package gateway

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testTool(endpoint string) Tool {
	return Tool{Slug: "transcribe", Endpoint: endpoint, Cost: 10}
}

func TestHandler_ForwardsAndStampsJobID(t *testing.T) {
	var upstreamPath, upstreamJobID, upstreamAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamPath = r.URL.Path
		upstreamJobID = r.Header.Get("X-Job-ID")
		upstreamAuth = r.Header.Get("Authorization")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	h := NewHandler(testTool(upstream.URL), 5*time.Second, 1<<20)

	req := httptest.NewRequest(http.MethodPost, "/tools/transcribe/v1/run?lang=en", strings.NewReader("payload"))
	req.Header.Set("Authorization", "Bearer gab_secret")
	req.Header.Set("X-Custom", "kept")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if upstreamPath != "/v1/run" {
		t.Errorf("expected upstream path /v1/run, got %q", upstreamPath)
	}
	if upstreamAuth != "" {
		t.Error("platform API key must not be forwarded upstream")
	}

	jobID := rr.Header().Get("X-Job-ID")
	if jobID == "" {
		t.Fatal("expected X-Job-ID on the response")
	}
	if upstreamJobID != jobID {
		t.Errorf("upstream job id %q does not match response %q", upstreamJobID, jobID)
	}
	if rr.Header().Get("X-Upstream") != "yes" {
		t.Error("upstream response headers should be copied")
	}

	body, _ := io.ReadAll(rr.Body)
	if string(body) != `{"ok":true}` {
		t.Errorf("unexpected body %q", body)
	}
}

func TestHandler_UpstreamFailureReturns502(t *testing.T) {
	// Point at a closed port.
	h := NewHandler(testTool("http://127.0.0.1:1"), time.Second, 1<<20)

	req := httptest.NewRequest(http.MethodGet, "/tools/transcribe/run", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
}

func TestHandler_PreservesUpstreamStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer upstream.Close()

	h := NewHandler(testTool(upstream.URL), 5*time.Second, 1<<20)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/tools/transcribe/run", nil))

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
}

func TestToolCostFunc(t *testing.T) {
	tests := []struct {
		name string
		tool Tool
		body int
		want int64
	}{
		{"flat cost", Tool{Cost: 10}, 0, 10},
		{"flat cost ignores body", Tool{Cost: 10}, 5000, 10},
		{"per kb rounds up", Tool{CostPerKB: 2}, 1500, 4},
		{"per kb exact boundary", Tool{CostPerKB: 2}, 2048, 4},
		{"per kb with flat minimum", Tool{Cost: 5, CostPerKB: 2}, 100, 5},
		{"zero cost", Tool{}, 100, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", tt.body)))
			if got := tt.tool.CostFunc()(req); got != tt.want {
				t.Errorf("cost = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestToolValidate(t *testing.T) {
	tests := []struct {
		name    string
		tool    Tool
		wantErr bool
	}{
		{"valid", Tool{Slug: "a", Endpoint: "http://x", Cost: 1}, false},
		{"missing slug", Tool{Endpoint: "http://x"}, true},
		{"missing endpoint", Tool{Slug: "a"}, true},
		{"negative cost", Tool{Slug: "a", Endpoint: "http://x", Cost: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tool.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
