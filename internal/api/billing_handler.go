package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/alecgard/gabelle/internal/billing"
)

// billingHandler receives Stripe webhook events.
type billingHandler struct {
	checkout      *billing.CheckoutClient
	webhookSecret string
}

func newBillingHandler(checkout *billing.CheckoutClient, webhookSecret string) *billingHandler {
	return &billingHandler{
		checkout:      checkout,
		webhookSecret: webhookSecret,
	}
}

// StripeWebhook handles POST /webhooks/stripe. The signature check
// authenticates the caller; there is no API key on this route.
func (h *billingHandler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to read webhook payload")
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_signature", "webhook signature verification failed")
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_event", "failed to parse checkout session")
			return
		}
		if err := h.checkout.ProcessCheckoutCompleted(r.Context(), &sess); err != nil {
			slog.Error("processing checkout completion failed",
				"session", sess.ID, "error", err)
			// Non-2xx makes Stripe redeliver; the purchase grant is safe
			// to retry because it only lands once processing succeeds.
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to process checkout")
			return
		}
		auditLog(r, "checkout_completed", "stripe_session", sess.ID)
	default:
		slog.Debug("ignoring stripe event", "type", event.Type)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"received": true})
}
