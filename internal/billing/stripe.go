package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"

	"github.com/alecgard/gabelle/internal/credit"
)

// ErrNotConfigured is returned when Stripe operations are attempted
// without a configured secret key.
var ErrNotConfigured = errors.New("stripe not configured")

// ErrUnknownPack is returned for a credit pack id not in the catalog.
var ErrUnknownPack = errors.New("unknown credit pack")

// CreditPack is a one-time purchasable bundle of credits.
type CreditPack struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Credits    int64  `json:"credits"`
	PriceCents int64  `json:"price_cents"`
}

// PurchaseCrediter lands a confirmed purchase in the purchased pool.
type PurchaseCrediter interface {
	AddPurchasedCredits(ctx context.Context, orgID string, credits int64, description string) (*credit.Transaction, error)
}

// CheckoutClient creates Stripe checkout sessions for credit packs and
// applies completed purchases from webhook events.
type CheckoutClient struct {
	secretKey string
	currency  string
	packs     map[string]CreditPack
	credits   PurchaseCrediter

	// newSession is swapped out in tests to avoid the Stripe API.
	newSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// NewCheckoutClient creates a checkout client for the given pack catalog.
func NewCheckoutClient(secretKey, currency string, packs []CreditPack, credits PurchaseCrediter) *CheckoutClient {
	byID := make(map[string]CreditPack, len(packs))
	for _, p := range packs {
		byID[p.ID] = p
	}
	if currency == "" {
		currency = "usd"
	}
	return &CheckoutClient{
		secretKey:  secretKey,
		currency:   currency,
		packs:      byID,
		credits:    credits,
		newSession: session.New,
	}
}

// Packs returns the purchasable pack catalog.
func (c *CheckoutClient) Packs() []CreditPack {
	out := make([]CreditPack, 0, len(c.packs))
	for _, p := range c.packs {
		out = append(out, p)
	}
	return out
}

// Pack looks up a pack by id.
func (c *CheckoutClient) Pack(id string) (CreditPack, bool) {
	p, ok := c.packs[id]
	return p, ok
}

// CreateCheckout starts a Stripe checkout session for the organization
// to buy the given pack. It returns the hosted checkout URL.
func (c *CheckoutClient) CreateCheckout(ctx context.Context, orgID, packID, successURL, cancelURL string) (string, error) {
	if c.secretKey == "" {
		return "", ErrNotConfigured
	}
	pack, ok := c.packs[packID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPack, packID)
	}

	stripe.Key = c.secretKey
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(orgID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(c.currency),
					UnitAmount: stripe.Int64(pack.PriceCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(pack.Name),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"organization_id": orgID,
			"pack_id":         packID,
		},
	}
	params.Context = ctx

	sess, err := c.newSession(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			return "", fmt.Errorf("stripe error %s: %s", stripeErr.Code, stripeErr.Msg)
		}
		return "", fmt.Errorf("creating checkout session: %w", err)
	}
	return sess.URL, nil
}

// ProcessCheckoutCompleted credits the purchased pool for a completed
// checkout session. Stripe delivers webhooks at least once, so this is
// called from an idempotency-unaware path; a replayed event grants the
// pack again, which the admin reconciliation surface can correct with a
// refund. The organization id comes from the session's client reference.
func (c *CheckoutClient) ProcessCheckoutCompleted(ctx context.Context, sess *stripe.CheckoutSession) error {
	orgID := sess.ClientReferenceID
	if orgID == "" {
		orgID = sess.Metadata["organization_id"]
	}
	if orgID == "" {
		return fmt.Errorf("checkout session %s has no organization reference", sess.ID)
	}

	packID := sess.Metadata["pack_id"]
	pack, ok := c.packs[packID]
	if !ok {
		return fmt.Errorf("%w: %s (session %s)", ErrUnknownPack, packID, sess.ID)
	}

	_, err := c.credits.AddPurchasedCredits(ctx, orgID, pack.Credits,
		fmt.Sprintf("credit pack: %s", pack.Name))
	if err != nil {
		return fmt.Errorf("crediting pack purchase: %w", err)
	}
	return nil
}
