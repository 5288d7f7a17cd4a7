package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/alecgard/gabelle/internal/auth"
	"github.com/alecgard/gabelle/internal/billing"
	"github.com/alecgard/gabelle/internal/credit"
	"github.com/alecgard/gabelle/internal/usage"
)

// recentPurchaseLimit caps the purchase entries shown on the balance view.
const recentPurchaseLimit = 10

// creditsHandler groups the organization-facing credit endpoints.
type creditsHandler struct {
	svc      *credit.Service
	store    *credit.Store
	usage    *usage.Store
	checkout *billing.CheckoutClient
}

func newCreditsHandler(svc *credit.Service, store *credit.Store, usageStore *usage.Store, checkout *billing.CheckoutClient) *creditsHandler {
	return &creditsHandler{
		svc:      svc,
		store:    store,
		usage:    usageStore,
		checkout: checkout,
	}
}

// parseTimeParam parses a date query param in YYYY-MM-DD or RFC3339 format.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	// Try RFC3339 first.
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	// Fall back to date-only.
	t, err = time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// parseEndTimeParam parses an end-of-range date param. The range is
// inclusive, so a date-only value advances to the last instant of that
// day; otherwise every transaction on the end day would fall outside
// the bound.
func parseEndTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	return t.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
}

// GetBalance handles GET /api/v1/credits/balance (org-authed).
func (h *creditsHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	o := auth.OrgFromContext(r.Context())
	if o == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no authenticated organization")
		return
	}

	bal, err := h.svc.GetOrCreateBalance(r.Context(), o.ID)
	if err != nil {
		writeDomainError(w, err, "failed to get credit balance")
		return
	}

	status, err := h.svc.GetCreditStatus(r.Context(), o.ID)
	if err != nil {
		writeDomainError(w, err, "failed to get credit status")
		return
	}

	purchases, err := h.store.ListPurchases(r.Context(), bal.ID, recentPurchaseLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list purchases")
		return
	}
	if purchases == nil {
		purchases = []*credit.Transaction{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance":          status,
		"plan":             h.svc.PlanName(o.PlanID),
		"recent_purchases": purchases,
	})
}

// buildHistoryQuery constructs a HistoryQuery from query params.
func buildHistoryQuery(r *http.Request, orgID string) (usage.HistoryQuery, error) {
	q := usage.HistoryQuery{
		OrganizationID: orgID,
		ToolSlug:       r.URL.Query().Get("tool_slug"),
		Type:           credit.TransactionType(r.URL.Query().Get("type")),
	}

	start, err := parseTimeParam(r.URL.Query().Get("start_date"))
	if err != nil {
		return q, err
	}
	q.StartDate = start

	end, err := parseEndTimeParam(r.URL.Query().Get("end_date"))
	if err != nil {
		return q, err
	}
	q.EndDate = end

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, lErr := strconv.Atoi(limitStr)
		if lErr != nil || l < 1 {
			return q, errInvalidLimit
		}
		q.Limit = l
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		o, oErr := strconv.Atoi(offsetStr)
		if oErr != nil || o < 0 {
			return q, errInvalidOffset
		}
		q.Offset = o
	}

	return q, nil
}

// GetHistory handles GET /api/v1/credits/history (org-authed).
func (h *creditsHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	o := auth.OrgFromContext(r.Context())
	if o == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no authenticated organization")
		return
	}

	q, err := buildHistoryQuery(r, o.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters: "+err.Error())
		return
	}

	page, err := h.usage.History(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get usage history")
		return
	}
	if page.Transactions == nil {
		page.Transactions = []*credit.Transaction{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": page.Transactions,
		"total":        page.Total,
	})
}

// GetUsageStats handles GET /api/v1/credits/usage-stats (org-authed).
func (h *creditsHandler) GetUsageStats(w http.ResponseWriter, r *http.Request) {
	o := auth.OrgFromContext(r.Context())
	if o == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no authenticated organization")
		return
	}

	start, err := parseTimeParam(r.URL.Query().Get("start_date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid 'start_date' parameter")
		return
	}
	end, err := parseEndTimeParam(r.URL.Query().Get("end_date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid 'end_date' parameter")
		return
	}

	stats, err := h.usage.Stats(r.Context(), o.ID, start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get usage stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// ListPacks handles GET /api/v1/credits/packs (org-authed).
func (h *creditsHandler) ListPacks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"packs": h.checkout.Packs(),
	})
}

// purchaseRequest is the JSON body for starting a credit pack purchase.
type purchaseRequest struct {
	PackID     string `json:"pack_id"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

// CreatePurchase handles POST /api/v1/credits/purchase (org-authed).
// Delegates payment to a hosted Stripe checkout session; credits land
// via the checkout.session.completed webhook.
func (h *creditsHandler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	o := auth.OrgFromContext(r.Context())
	if o == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no authenticated organization")
		return
	}

	var req purchaseRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.PackID == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "pack_id is required")
		return
	}
	if req.SuccessURL == "" || req.CancelURL == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "success_url and cancel_url are required")
		return
	}

	url, err := h.checkout.CreateCheckout(r.Context(), o.ID, req.PackID, req.SuccessURL, req.CancelURL)
	if err != nil {
		writeDomainError(w, err, "failed to create checkout session")
		return
	}

	auditLog(r, "create_checkout", "credit_pack", req.PackID)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"checkout_url": url,
	})
}
