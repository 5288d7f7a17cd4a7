package org

import "time"

// Organization is a tenant of the platform. Each organization owns one
// credit balance and authenticates with a single API key, stored as a
// sha256 hash alongside a short display prefix.
type Organization struct {
	ID                     string    `json:"id"`
	Name                   string    `json:"name"`
	APIKeyHash             string    `json:"-"`
	APIKeyPrefix           string    `json:"api_key_prefix"`
	PlanID                 string    `json:"plan_id"`
	RateLimit              int       `json:"rate_limit"`
	StripeCustomerID       string    `json:"-"`
	StripeSubscriptionItem string    `json:"-"`
	CreatedAt              time.Time `json:"created_at"`
}

// CreateInput holds the fields required to register a new organization.
type CreateInput struct {
	Name         string `json:"name"`
	APIKeyHash   string `json:"api_key_hash"`
	APIKeyPrefix string `json:"api_key_prefix"`
	PlanID       string `json:"plan_id"`
	RateLimit    int    `json:"rate_limit"`
}

// UpdateInput holds optional fields for a partial organization update.
type UpdateInput struct {
	Name                   *string `json:"name,omitempty"`
	PlanID                 *string `json:"plan_id,omitempty"`
	RateLimit              *int    `json:"rate_limit,omitempty"`
	StripeCustomerID       *string `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionItem *string `json:"stripe_subscription_item,omitempty"`
}

// ListParams controls cursor-based pagination for listing organizations.
type ListParams struct {
	Cursor string `json:"cursor"`
	Limit  int    `json:"limit"`
}
