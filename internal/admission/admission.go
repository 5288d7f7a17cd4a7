package admission

import (
	"context"
	"encoding/json"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/alecgard/gabelle/internal/auth"
	"github.com/alecgard/gabelle/internal/credit"
)

// CostFunc computes the credit cost of a request. It runs before the
// request is served, so it can only look at request attributes; a cost
// of zero or less exempts the request from metering.
type CostFunc func(r *http.Request) int64

// FlatCost returns a CostFunc that charges the same amount per request.
func FlatCost(amount int64) CostFunc {
	return func(*http.Request) int64 { return amount }
}

// CreditChecker is the advisory read used before serving a request.
type CreditChecker interface {
	HasCredits(ctx context.Context, orgID string, amount int64) (credit.Check, error)
}

// Enqueuer schedules the post-response deduction.
type Enqueuer interface {
	Enqueue(in credit.DeductInput)
}

// GuardMetrics is an optional interface for recording admission outcomes.
type GuardMetrics interface {
	IncAdmissionRejection(toolSlug string)
	IncAdmissionAllowed(toolSlug string, overage bool)
}

// Guard gates metered endpoints on the organization's credit balance.
// The pre-check is advisory: the binding sufficiency decision happens
// inside the deduction transaction, so a narrowly passing check can
// still end in a dropped deduction under concurrent spend. The guard
// only charges for requests the upstream actually served (2xx).
type Guard struct {
	credits CreditChecker
	queue   Enqueuer
	metrics GuardMetrics
}

// NewGuard creates an admission guard.
func NewGuard(credits CreditChecker, queue Enqueuer) *Guard {
	return &Guard{credits: credits, queue: queue}
}

// SetMetrics sets the optional metrics recorder.
func (g *Guard) SetMetrics(m GuardMetrics) {
	g.metrics = m
}

// Middleware returns middleware that admits or rejects requests for the
// named tool. Requests without an authenticated organization in the
// context are not metered at all; anonymous traffic is governed by IP
// rate limiting alone. On a 2xx response a deduction tagged with the
// response's X-Job-ID header is enqueued.
func (g *Guard) Middleware(toolSlug string, cost CostFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			org := auth.OrgFromContext(r.Context())
			if org == nil {
				next.ServeHTTP(w, r)
				return
			}

			amount := cost(r)
			if amount <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			check, err := g.credits.HasCredits(r.Context(), org.ID, amount)
			if err != nil {
				writeGuardError(w, http.StatusInternalServerError, "internal_error", "credit check failed")
				return
			}
			if !check.Allowed {
				if g.metrics != nil {
					g.metrics.IncAdmissionRejection(toolSlug)
				}
				writeInsufficient(w, amount, check.Available)
				return
			}
			if g.metrics != nil {
				g.metrics.IncAdmissionAllowed(toolSlug, check.IsOverage)
			}

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			// Only successful upstream work costs credits. The job id is
			// stamped on the response by the gateway so the ledger entry
			// can be traced back to the work it paid for.
			if ww.Status() >= 200 && ww.Status() < 300 {
				g.queue.Enqueue(credit.DeductInput{
					OrganizationID: org.ID,
					Amount:         amount,
					ToolSlug:       toolSlug,
					JobID:          ww.Header().Get("X-Job-ID"),
				})
			}
		})
	}
}

type guardError struct {
	Error guardErrorBody `json:"error"`
}

type guardErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Required  int64  `json:"required,omitempty"`
	Available int64  `json:"available,omitempty"`
}

func writeInsufficient(w http.ResponseWriter, required, available int64) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(guardError{
		Error: guardErrorBody{
			Code:      "insufficient_credits",
			Message:   "Not enough credits to perform this operation.",
			Required:  required,
			Available: available,
		},
	})
}

func writeGuardError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(guardError{
		Error: guardErrorBody{
			Code:    code,
			Message: message,
		},
	})
}
