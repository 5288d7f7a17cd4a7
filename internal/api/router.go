package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/alecgard/gabelle/internal/admission"
	"github.com/alecgard/gabelle/internal/auth"
	"github.com/alecgard/gabelle/internal/billing"
	"github.com/alecgard/gabelle/internal/credit"
	"github.com/alecgard/gabelle/internal/gateway"
	"github.com/alecgard/gabelle/internal/metrics"
	"github.com/alecgard/gabelle/internal/org"
	"github.com/alecgard/gabelle/internal/ratelimit"
	"github.com/alecgard/gabelle/internal/usage"
)

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Orgs        *org.Store
	Credits     *credit.Service
	CreditStore *credit.Store
	Usage       *usage.Store
	Auth        *auth.Service
	Limiter     *ratelimit.Limiter
	Guard       *admission.Guard
	Checkout    *billing.CheckoutClient
	Metrics     *metrics.Metrics

	Tools          []gateway.Tool
	GatewayTimeout time.Duration
	GatewayMaxSize int64

	AdminKey            string
	StripeWebhookSecret string
	AllowedOrigins      []string
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	r.Use(slogRequestLogger)

	// Handlers.
	credits := newCreditsHandler(deps.Credits, deps.CreditStore, deps.Usage, deps.Checkout)
	admin := newAdminHandler(deps.Orgs, deps.Credits, deps.CreditStore, deps.Usage)
	webhooks := newBillingHandler(deps.Checkout, deps.StripeWebhookSecret)

	var onRateLimitReject []func()
	management := func(next http.Handler) http.Handler { return next }
	meteredKind := management
	if deps.Metrics != nil {
		management = metricsMiddleware(deps.Metrics, "management")
		meteredKind = metricsMiddleware(deps.Metrics, "gateway")
		onRateLimitReject = append(onRateLimitReject, deps.Metrics.IncRateLimitRejection)
	}

	// Health check.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Well-known manifest.
	r.Get("/.well-known/gabelle.json", WellKnownHandler)

	// Live metrics summary.
	if deps.Metrics != nil {
		r.Get("/metrics/summary", deps.Metrics.Handler())
	}

	// Stripe webhooks authenticate with the signature header, not an API key.
	r.Group(func(wr chi.Router) {
		wr.Use(management)
		wr.Post("/webhooks/stripe", webhooks.StripeWebhook)
	})

	// Public catalog routes: optional auth, anonymous callers are rate
	// limited per client IP.
	r.Group(func(pr chi.Router) {
		pr.Use(management)
		pr.Use(auth.OptionalOrgAuthMiddleware(deps.Auth))
		pr.Use(ratelimit.Middleware(deps.Limiter, onRateLimitReject...))

		pr.Get("/api/v1/credits/packs", credits.ListPacks)
	})

	// Org-authed routes (API key + rate limiting).
	r.Route("/api/v1/credits", func(cr chi.Router) {
		cr.Use(management)
		cr.Use(auth.OrgAuthMiddleware(deps.Auth))
		cr.Use(ratelimit.Middleware(deps.Limiter, onRateLimitReject...))

		cr.Get("/balance", credits.GetBalance)
		cr.Get("/history", credits.GetHistory)
		cr.Get("/usage-stats", credits.GetUsageStats)
		cr.Post("/purchase", credits.CreatePurchase)
	})

	// Admin routes (require admin key).
	r.Route("/api/v1/admin", func(ar chi.Router) {
		ar.Use(management)
		ar.Use(auth.AdminAuthMiddleware(deps.AdminKey))

		ar.Post("/orgs", admin.CreateOrg)
		ar.Get("/orgs", admin.ListOrgs)
		ar.Get("/orgs/{id}", admin.GetOrg)
		ar.Put("/orgs/{id}", admin.UpdateOrg)
		ar.Delete("/orgs/{id}", admin.DeleteOrg)
		ar.Post("/orgs/{id}/regenerate-key", admin.RegenerateKey)

		ar.Post("/orgs/{id}/grant", admin.GrantCredits)
		ar.Post("/orgs/{id}/reset", admin.ResetPeriod)
		ar.Get("/orgs/{id}/history", admin.GetOrgHistory)
		ar.Get("/orgs/{id}/usage-stats", admin.GetOrgUsageStats)

		ar.Post("/transactions/{id}/refund", admin.RefundTransaction)
		ar.Get("/balances/unreported", admin.ListUnreportedBalances)
	})

	// Metered tool routes: one gateway handler per configured tool, each
	// behind auth, rate limiting and the credit admission guard.
	r.Route("/api/v1/tools", func(tr chi.Router) {
		tr.Use(meteredKind)
		tr.Use(auth.OrgAuthMiddleware(deps.Auth))
		tr.Use(ratelimit.Middleware(deps.Limiter, onRateLimitReject...))

		for _, tool := range deps.Tools {
			h := gateway.NewHandler(tool, deps.GatewayTimeout, deps.GatewayMaxSize)
			if deps.Metrics != nil {
				h.SetMetrics(deps.Metrics)
			}
			guarded := deps.Guard.Middleware(tool.Slug, tool.CostFunc())(h)
			tr.Handle("/"+tool.Slug+"/*", guarded)
			tr.Handle("/"+tool.Slug, guarded)
		}
	})

	return r
}

// slogRequestLogger is a simple structured logging middleware using slog.
func slogRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", ww.BytesWritten(),
			"request_id", RequestIDFromContext(r.Context()),
		)
	})
}
