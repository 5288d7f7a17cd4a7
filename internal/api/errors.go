package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/alecgard/gabelle/internal/billing"
	"github.com/alecgard/gabelle/internal/credit"
	"github.com/alecgard/gabelle/internal/org"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

var (
	errInvalidLimit  = errors.New("limit must be a positive integer")
	errInvalidOffset = errors.New("offset must be a non-negative integer")
)

// errorEnvelope is the standard error response shape.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeDomainError maps domain errors onto the error envelope. Unknown
// errors become a generic 500 with the given fallback message so internal
// detail never leaks.
func writeDomainError(w http.ResponseWriter, err error, fallback string) {
	var insufficient *credit.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		writeError(w, http.StatusPaymentRequired, "insufficient_credits", insufficient.Error())
		return
	}

	var noBalance *credit.BalanceNotFoundError
	if errors.As(err, &noBalance) {
		writeError(w, http.StatusNotFound, "balance_not_found", noBalance.Error())
		return
	}

	var noTxn *credit.TransactionNotFoundError
	if errors.As(err, &noTxn) {
		writeError(w, http.StatusNotFound, "transaction_not_found", noTxn.Error())
		return
	}

	var badPlan *credit.UnknownPlanError
	if errors.As(err, &badPlan) {
		writeError(w, http.StatusBadRequest, "unknown_plan", badPlan.Error())
		return
	}

	switch {
	case errors.Is(err, credit.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "invalid_amount", err.Error())
	case errors.Is(err, credit.ErrNotRefundable):
		writeError(w, http.StatusBadRequest, "not_refundable", err.Error())
	case errors.Is(err, billing.ErrUnknownPack):
		writeError(w, http.StatusBadRequest, "unknown_pack", err.Error())
	case errors.Is(err, billing.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "billing_unavailable", "billing is not configured")
	case errors.Is(err, org.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", fallback)
	}
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON decodes the request body into v, enforcing a size limit.
func readJSON(r *http.Request, v interface{}) error {
	lr := io.LimitReader(r.Body, maxBodySize)
	return json.NewDecoder(lr).Decode(v)
}
