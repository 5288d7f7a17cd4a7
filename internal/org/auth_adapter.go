package org

import (
	"context"

	"github.com/alecgard/gabelle/internal/auth"
)

// AuthAdapter wraps an organization Store to satisfy auth.OrgLookup.
type AuthAdapter struct {
	store *Store
}

// NewAuthAdapter creates an adapter that bridges org.Store to auth.OrgLookup.
func NewAuthAdapter(store *Store) *AuthAdapter {
	return &AuthAdapter{store: store}
}

// GetByKeyHash looks up an organization by API key hash and converts to
// auth.Organization.
func (a *AuthAdapter) GetByKeyHash(ctx context.Context, hash string) (*auth.Organization, error) {
	o, err := a.store.GetByKeyHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	return &auth.Organization{
		ID:        o.ID,
		Name:      o.Name,
		PlanID:    o.PlanID,
		RateLimit: o.RateLimit,
	}, nil
}
