package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alecgard/gabelle/internal/admission"
	"github.com/alecgard/gabelle/internal/auth"
	"github.com/alecgard/gabelle/internal/credit"
	"github.com/alecgard/gabelle/internal/gateway"
	"github.com/alecgard/gabelle/internal/ratelimit"
)

// ---------------------------------------------------------------------------
// Health check and manifest
// ---------------------------------------------------------------------------

func TestHealthCheck_OK(t *testing.T) {
	handler := NewRouter(RouterDeps{AllowedOrigins: []string{"*"}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", body["status"])
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}
}

func TestWellKnownHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/.well-known/gabelle.json", nil)
	rec := httptest.NewRecorder()
	WellKnownHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var manifest map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&manifest); err != nil {
		t.Fatalf("failed to decode manifest: %v", err)
	}

	requiredFields := []string{"name", "description", "version", "api_base", "auth", "endpoints", "health"}
	for _, field := range requiredFields {
		if _, ok := manifest[field]; !ok {
			t.Errorf("manifest missing required field %q", field)
		}
	}

	if name, _ := manifest["name"].(string); name != "Gabelle" {
		t.Errorf("expected name=Gabelle, got %q", name)
	}

	endpoints, ok := manifest["endpoints"].(map[string]interface{})
	if !ok {
		t.Fatal("endpoints field is not an object")
	}
	for _, ep := range []string{"balance", "history", "usage_stats", "purchase", "tools"} {
		if _, ok := endpoints[ep]; !ok {
			t.Errorf("endpoints missing %q", ep)
		}
	}
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func TestRequestIDMiddleware(t *testing.T) {
	handler := NewRouter(RouterDeps{})

	t.Run("generates an id when absent", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		id := rec.Header().Get("X-Request-ID")
		if len(id) != 32 {
			t.Errorf("expected 32-char generated request id, got %q", id)
		}
	})

	t.Run("echoes a provided id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Request-ID", "req-123")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if got := rec.Header().Get("X-Request-ID"); got != "req-123" {
			t.Errorf("expected request id req-123, got %q", got)
		}
	})
}

func TestCORSPreflight(t *testing.T) {
	handler := NewRouter(RouterDeps{AllowedOrigins: []string{"https://app.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/credits/balance", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("expected allowed origin echoed, got %q", got)
	}

	t.Run("unknown origin gets no allow header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/health", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("expected no allow-origin header, got %q", got)
		}
	})
}

func TestSecureHeaders(t *testing.T) {
	handler := NewRouter(RouterDeps{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("expected nosniff, got %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("expected DENY, got %q", got)
	}
}

// ---------------------------------------------------------------------------
// Error mapping
// ---------------------------------------------------------------------------

func TestWriteDomainError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "insufficient credits",
			err:        &credit.InsufficientCreditsError{OrganizationID: "org-1", Required: 10, Available: 3},
			wantStatus: http.StatusPaymentRequired,
			wantCode:   "insufficient_credits",
		},
		{
			name:       "balance not found",
			err:        &credit.BalanceNotFoundError{OrganizationID: "org-1"},
			wantStatus: http.StatusNotFound,
			wantCode:   "balance_not_found",
		},
		{
			name:       "transaction not found",
			err:        &credit.TransactionNotFoundError{TransactionID: "txn-1"},
			wantStatus: http.StatusNotFound,
			wantCode:   "transaction_not_found",
		},
		{
			name:       "unknown plan",
			err:        &credit.UnknownPlanError{PlanID: "mega"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "unknown_plan",
		},
		{
			name:       "invalid amount",
			err:        credit.ErrInvalidAmount,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_amount",
		},
		{
			name:       "not refundable",
			err:        credit.ErrNotRefundable,
			wantStatus: http.StatusBadRequest,
			wantCode:   "not_refundable",
		},
		{
			name:       "unknown error stays generic",
			err:        errors.New("pg: connection refused"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "internal_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeDomainError(rec, tt.err, "something failed")

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}

			var env errorEnvelope
			if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
				t.Fatalf("failed to decode error envelope: %v", err)
			}
			if env.Error.Code != tt.wantCode {
				t.Errorf("expected code %q, got %q", tt.wantCode, env.Error.Code)
			}
			if tt.wantCode == "internal_error" && strings.Contains(env.Error.Message, "pg:") {
				t.Error("internal error detail leaked into the response")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Query parsing
// ---------------------------------------------------------------------------

func TestParseTimeParam(t *testing.T) {
	t.Run("empty is zero", func(t *testing.T) {
		got, err := parseTimeParam("")
		if err != nil || !got.IsZero() {
			t.Errorf("expected zero time, got %v, %v", got, err)
		}
	})

	t.Run("date only", func(t *testing.T) {
		got, err := parseTimeParam("2025-06-15")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
		if !got.Equal(want) {
			t.Errorf("expected %v, got %v", want, got)
		}
	})

	t.Run("rfc3339", func(t *testing.T) {
		got, err := parseTimeParam("2025-06-15T10:30:00Z")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Hour() != 10 || got.Minute() != 30 {
			t.Errorf("unexpected parsed time %v", got)
		}
	})

	t.Run("garbage fails", func(t *testing.T) {
		if _, err := parseTimeParam("not-a-date"); err == nil {
			t.Error("expected error for invalid date")
		}
	})
}

func TestParseEndTimeParam(t *testing.T) {
	t.Run("empty is zero", func(t *testing.T) {
		got, err := parseEndTimeParam("")
		if err != nil || !got.IsZero() {
			t.Errorf("expected zero time, got %v, %v", got, err)
		}
	})

	t.Run("date only covers the whole day", func(t *testing.T) {
		got, err := parseEndTimeParam("2025-06-15")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := time.Date(2025, 6, 15, 23, 59, 59, 999999999, time.UTC)
		if !got.Equal(want) {
			t.Errorf("expected %v, got %v", want, got)
		}
	})

	t.Run("rfc3339 is used verbatim", func(t *testing.T) {
		got, err := parseEndTimeParam("2025-06-15T10:30:00Z")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
		if !got.Equal(want) {
			t.Errorf("expected %v, got %v", want, got)
		}
	})

	t.Run("garbage fails", func(t *testing.T) {
		if _, err := parseEndTimeParam("not-a-date"); err == nil {
			t.Error("expected error for invalid date")
		}
	})
}

func TestBuildHistoryQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/credits/history?tool_slug=transcribe&type=USAGE&start_date=2025-06-01&end_date=2025-07-01&limit=25&offset=50", nil)

	q, err := buildHistoryQuery(req, "org-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if q.OrganizationID != "org-1" {
		t.Errorf("expected org-1, got %q", q.OrganizationID)
	}
	if q.ToolSlug != "transcribe" {
		t.Errorf("expected tool_slug transcribe, got %q", q.ToolSlug)
	}
	if q.Type != credit.TypeUsage {
		t.Errorf("expected type USAGE, got %q", q.Type)
	}
	if want := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC); !q.StartDate.Equal(want) {
		t.Errorf("expected start %v, got %v", want, q.StartDate)
	}
	// The inclusive end bound covers the whole end day.
	if want := time.Date(2025, 7, 1, 23, 59, 59, 999999999, time.UTC); !q.EndDate.Equal(want) {
		t.Errorf("expected end %v, got %v", want, q.EndDate)
	}
	if q.Limit != 25 || q.Offset != 50 {
		t.Errorf("expected limit 25 offset 50, got %d/%d", q.Limit, q.Offset)
	}

	t.Run("rejects bad limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/credits/history?limit=zero", nil)
		if _, err := buildHistoryQuery(req, "org-1"); err == nil {
			t.Error("expected error for non-numeric limit")
		}
	})

	t.Run("rejects negative offset", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/credits/history?offset=-1", nil)
		if _, err := buildHistoryQuery(req, "org-1"); err == nil {
			t.Error("expected error for negative offset")
		}
	})
}

// ---------------------------------------------------------------------------
// Admin auth
// ---------------------------------------------------------------------------

func TestAdminRoutesRequireAdminKey(t *testing.T) {
	handler := NewRouter(RouterDeps{AdminKey: "admin-secret"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/orgs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without admin key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/orgs", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong admin key, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Stripe webhook
// ---------------------------------------------------------------------------

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	handler := NewRouter(RouterDeps{StripeWebhookSecret: "whsec_test"})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe",
		strings.NewReader(`{"type":"checkout.session.completed"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=bogus")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad signature, got %d", rec.Code)
	}

	var env errorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("failed to decode error envelope: %v", err)
	}
	if env.Error.Code != "invalid_signature" {
		t.Errorf("expected invalid_signature, got %q", env.Error.Code)
	}
}

// ---------------------------------------------------------------------------
// Metered tool flow through the full router
// ---------------------------------------------------------------------------

type routerOrgLookup struct {
	hash string
	org  *auth.Organization
}

func (m *routerOrgLookup) GetByKeyHash(_ context.Context, hash string) (*auth.Organization, error) {
	if m.org != nil && hash == m.hash {
		return m.org, nil
	}
	return nil, errors.New("organization not found")
}

type routerChecker struct {
	check credit.Check
}

func (c *routerChecker) HasCredits(context.Context, string, int64) (credit.Check, error) {
	return c.check, nil
}

type routerEnqueuer struct {
	mu   sync.Mutex
	jobs []credit.DeductInput
}

func (e *routerEnqueuer) Enqueue(in credit.DeductInput) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, in)
}

func TestMeteredToolInvoke(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"result":"done"}`))
	}))
	defer upstream.Close()

	const apiKey = "gab_router_test_key"
	lookup := &routerOrgLookup{
		hash: auth.HashKey(apiKey),
		org:  &auth.Organization{ID: "org-1", Name: "Acme", RateLimit: 100},
	}
	checker := &routerChecker{check: credit.Check{Allowed: true, Available: 500}}
	enqueuer := &routerEnqueuer{}

	deps := RouterDeps{
		Auth:           auth.NewService(lookup),
		Limiter:        ratelimit.New(100, time.Minute),
		Guard:          admission.NewGuard(checker, enqueuer),
		Tools:          []gateway.Tool{{Slug: "echo", Endpoint: upstream.URL, Cost: 5}},
		GatewayTimeout: 5 * time.Second,
		GatewayMaxSize: 1 << 20,
	}
	handler := NewRouter(deps)

	t.Run("authenticated call is forwarded and charged", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/tools/echo/invoke",
			strings.NewReader(`{"input":"hi"}`))
		req.Header.Set("Authorization", "Bearer "+apiKey)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if rec.Header().Get("X-Job-ID") == "" {
			t.Error("expected a job id on the response")
		}

		enqueuer.mu.Lock()
		defer enqueuer.mu.Unlock()
		if len(enqueuer.jobs) != 1 {
			t.Fatalf("expected 1 enqueued deduction, got %d", len(enqueuer.jobs))
		}
		job := enqueuer.jobs[0]
		if job.OrganizationID != "org-1" || job.Amount != 5 || job.ToolSlug != "echo" {
			t.Errorf("unexpected deduction %+v", job)
		}
	})

	t.Run("missing key is rejected before the upstream", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/tools/echo/invoke", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("insufficient credits is a 402", func(t *testing.T) {
		checker.check = credit.Check{Allowed: false, Available: 2}
		defer func() { checker.check = credit.Check{Allowed: true, Available: 500} }()

		req := httptest.NewRequest(http.MethodPost, "/api/v1/tools/echo/invoke", nil)
		req.Header.Set("Authorization", "Bearer "+apiKey)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusPaymentRequired {
			t.Fatalf("expected 402, got %d", rec.Code)
		}
	})
}
