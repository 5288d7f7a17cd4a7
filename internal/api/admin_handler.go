package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/gabelle/internal/auth"
	"github.com/alecgard/gabelle/internal/credit"
	"github.com/alecgard/gabelle/internal/org"
	"github.com/alecgard/gabelle/internal/usage"
)

// adminHandler groups the admin-key-protected management endpoints.
type adminHandler struct {
	orgs        *org.Store
	svc         *credit.Service
	creditStore *credit.Store
	usage       *usage.Store
}

func newAdminHandler(orgs *org.Store, svc *credit.Service, creditStore *credit.Store, usageStore *usage.Store) *adminHandler {
	return &adminHandler{
		orgs:        orgs,
		svc:         svc,
		creditStore: creditStore,
		usage:       usageStore,
	}
}

// createOrgRequest is the JSON body for registering an organization.
type createOrgRequest struct {
	Name      string `json:"name"`
	PlanID    string `json:"plan_id"`
	RateLimit int    `json:"rate_limit"`
}

// orgWithKey renders an organization together with a freshly issued
// plaintext API key. The key is only ever shown in this response.
func orgWithKey(o *org.Organization, plaintext string) map[string]interface{} {
	return map[string]interface{}{
		"id":             o.ID,
		"name":           o.Name,
		"api_key_prefix": o.APIKeyPrefix,
		"api_key":        plaintext,
		"plan_id":        o.PlanID,
		"rate_limit":     o.RateLimit,
		"created_at":     o.CreatedAt,
	}
}

// CreateOrg handles POST /api/v1/admin/orgs.
// Issues the organization's API key and, when a plan is set, grants the
// plan's included credits for an initial one-month billing period.
func (h *adminHandler) CreateOrg(w http.ResponseWriter, r *http.Request) {
	var req createOrgRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "name is required")
		return
	}

	apiKey, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to generate api key")
		return
	}

	o, err := h.orgs.Create(r.Context(), org.CreateInput{
		Name:         req.Name,
		APIKeyHash:   apiKey.Hash,
		APIKeyPrefix: apiKey.Prefix,
		PlanID:       req.PlanID,
		RateLimit:    req.RateLimit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create organization")
		return
	}

	if req.PlanID != "" {
		start := time.Now().UTC()
		if _, err := h.svc.GrantSubscriptionCredits(r.Context(), credit.GrantInput{
			OrganizationID: o.ID,
			PlanID:         req.PlanID,
			PeriodStart:    start,
			PeriodEnd:      start.AddDate(0, 1, 0),
		}); err != nil {
			// The org exists but has no credits; surface the plan problem.
			writeDomainError(w, err, "failed to grant plan credits")
			return
		}
	}

	auditLog(r, "create", "organization", o.ID, "name", o.Name, "plan", o.PlanID)

	writeJSON(w, http.StatusCreated, orgWithKey(o, plaintext))
}

// ListOrgs handles GET /api/v1/admin/orgs.
func (h *adminHandler) ListOrgs(w http.ResponseWriter, r *http.Request) {
	params := org.ListParams{
		Cursor: r.URL.Query().Get("cursor"),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		params.Limit = l
	}

	orgs, nextCursor, err := h.orgs.List(r.Context(), params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list organizations")
		return
	}

	resp := map[string]interface{}{
		"organizations": orgs,
	}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetOrg handles GET /api/v1/admin/orgs/{id}.
func (h *adminHandler) GetOrg(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	o, err := h.orgs.GetByID(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "failed to get organization")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// UpdateOrg handles PUT /api/v1/admin/orgs/{id}.
func (h *adminHandler) UpdateOrg(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var input org.UpdateInput
	if err := readJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	o, err := h.orgs.Update(r.Context(), id, input)
	if err != nil {
		writeDomainError(w, err, "failed to update organization")
		return
	}

	auditLog(r, "update", "organization", id)

	writeJSON(w, http.StatusOK, o)
}

// DeleteOrg handles DELETE /api/v1/admin/orgs/{id}.
func (h *adminHandler) DeleteOrg(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.orgs.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete organization")
		return
	}

	auditLog(r, "delete", "organization", id)

	w.WriteHeader(http.StatusNoContent)
}

// RegenerateKey handles POST /api/v1/admin/orgs/{id}/regenerate-key.
func (h *adminHandler) RegenerateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	apiKey, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to generate api key")
		return
	}

	o, err := h.orgs.RegenerateKey(r.Context(), id, apiKey.Hash, apiKey.Prefix)
	if err != nil {
		writeDomainError(w, err, "failed to regenerate key")
		return
	}

	auditLog(r, "regenerate_key", "organization", id)

	writeJSON(w, http.StatusOK, orgWithKey(o, plaintext))
}

// periodRequest is the JSON body for grant and reset operations. Omitted
// bounds default to a one-month period starting now.
type periodRequest struct {
	PlanID      string    `json:"plan_id,omitempty"`
	PeriodStart time.Time `json:"period_start,omitempty"`
	PeriodEnd   time.Time `json:"period_end,omitempty"`
}

func (p *periodRequest) defaults() {
	if p.PeriodStart.IsZero() {
		p.PeriodStart = time.Now().UTC()
	}
	if p.PeriodEnd.IsZero() {
		p.PeriodEnd = p.PeriodStart.AddDate(0, 1, 0)
	}
}

// GrantCredits handles POST /api/v1/admin/orgs/{id}/grant.
// Grants the plan's included credits for a billing period. The plan
// defaults to the organization's own.
func (h *adminHandler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req periodRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	req.defaults()

	planID := req.PlanID
	if planID == "" {
		o, err := h.orgs.GetByID(r.Context(), id)
		if err != nil {
			writeDomainError(w, err, "failed to get organization")
			return
		}
		planID = o.PlanID
	}

	bal, err := h.svc.GrantSubscriptionCredits(r.Context(), credit.GrantInput{
		OrganizationID: id,
		PlanID:         planID,
		PeriodStart:    req.PeriodStart,
		PeriodEnd:      req.PeriodEnd,
	})
	if err != nil {
		writeDomainError(w, err, "failed to grant credits")
		return
	}

	auditLog(r, "grant_credits", "organization", id, "plan", planID, "included", bal.Included)

	writeJSON(w, http.StatusOK, bal)
}

// ResetPeriod handles POST /api/v1/admin/orgs/{id}/reset.
func (h *adminHandler) ResetPeriod(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req periodRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	req.defaults()

	bal, err := h.svc.ResetBillingPeriod(r.Context(), id, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		writeDomainError(w, err, "failed to reset billing period")
		return
	}

	auditLog(r, "reset_period", "organization", id)

	writeJSON(w, http.StatusOK, bal)
}

// refundRequest is the JSON body for refunding a transaction.
type refundRequest struct {
	Reason string `json:"reason"`
}

// RefundTransaction handles POST /api/v1/admin/transactions/{id}/refund.
func (h *adminHandler) RefundTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req refundRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "reason is required")
		return
	}

	txn, err := h.svc.RefundCredits(r.Context(), id, req.Reason)
	if err != nil {
		writeDomainError(w, err, "failed to refund transaction")
		return
	}

	auditLog(r, "refund", "credit_transaction", id, "amount", txn.Amount, "reason", req.Reason)

	writeJSON(w, http.StatusOK, txn)
}

// ListUnreportedBalances handles GET /api/v1/admin/balances/unreported.
// Returns balances whose ended billing period has overage not yet pushed
// to Stripe, for reconciliation.
func (h *adminHandler) ListUnreportedBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := h.creditStore.ListNeedingUsageReport(r.Context(), time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list unreported balances")
		return
	}
	if balances == nil {
		balances = []*credit.Balance{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balances": balances,
	})
}

// GetOrgHistory handles GET /api/v1/admin/orgs/{id}/history.
func (h *adminHandler) GetOrgHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	q, err := buildHistoryQuery(r, id)
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

// GetOrgUsageStats handles GET /api/v1/admin/orgs/{id}/usage-stats.
func (h *adminHandler) GetOrgUsageStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

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

	stats, err := h.usage.Stats(r.Context(), id, start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get usage stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}
