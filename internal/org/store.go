package org

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when an organization does not exist.
var ErrNotFound = errors.New("organization not found")

const orgCols = `id, name, api_key_hash, api_key_prefix, plan_id, rate_limit,
	stripe_customer_id, stripe_subscription_item, created_at`

// Store provides database operations for organizations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new organization store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanOrg(row pgx.Row) (*Organization, error) {
	o := &Organization{}
	err := row.Scan(&o.ID, &o.Name, &o.APIKeyHash, &o.APIKeyPrefix, &o.PlanID,
		&o.RateLimit, &o.StripeCustomerID, &o.StripeSubscriptionItem, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Create inserts a new organization and returns the created record.
func (s *Store) Create(ctx context.Context, in CreateInput) (*Organization, error) {
	o, err := scanOrg(s.pool.QueryRow(ctx,
		`INSERT INTO organizations (name, api_key_hash, api_key_prefix, plan_id, rate_limit)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+orgCols,
		in.Name, in.APIKeyHash, in.APIKeyPrefix, in.PlanID, in.RateLimit))
	if err != nil {
		return nil, fmt.Errorf("creating organization: %w", err)
	}
	return o, nil
}

// GetByID retrieves an organization by its primary key.
func (s *Store) GetByID(ctx context.Context, id string) (*Organization, error) {
	o, err := scanOrg(s.pool.QueryRow(ctx,
		`SELECT `+orgCols+` FROM organizations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting organization by id: %w", err)
	}
	return o, nil
}

// GetByKeyHash retrieves an organization by its API key hash, used for
// authentication.
func (s *Store) GetByKeyHash(ctx context.Context, hash string) (*Organization, error) {
	o, err := scanOrg(s.pool.QueryRow(ctx,
		`SELECT `+orgCols+` FROM organizations WHERE api_key_hash = $1`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting organization by key hash: %w", err)
	}
	return o, nil
}

// GetByStripeCustomer retrieves an organization by its Stripe customer id.
func (s *Store) GetByStripeCustomer(ctx context.Context, customerID string) (*Organization, error) {
	o, err := scanOrg(s.pool.QueryRow(ctx,
		`SELECT `+orgCols+` FROM organizations WHERE stripe_customer_id = $1`, customerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting organization by stripe customer: %w", err)
	}
	return o, nil
}

// List returns a page of organizations ordered by created_at DESC, id
// DESC using cursor-based pagination. It returns the organizations, the
// next cursor (empty if no more results), and any error.
func (s *Store) List(ctx context.Context, params ListParams) ([]*Organization, string, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}

	var rows pgx.Rows
	var err error

	if params.Cursor != "" {
		cursorTime, cursorID, cerr := decodeCursor(params.Cursor)
		if cerr != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", cerr)
		}
		rows, err = s.pool.Query(ctx,
			`SELECT `+orgCols+` FROM organizations
			 WHERE (created_at, id) < ($1, $2)
			 ORDER BY created_at DESC, id DESC
			 LIMIT $3`,
			cursorTime, cursorID, limit+1)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+orgCols+` FROM organizations
			 ORDER BY created_at DESC, id DESC
			 LIMIT $1`,
			limit+1)
	}
	if err != nil {
		return nil, "", fmt.Errorf("listing organizations: %w", err)
	}
	defer rows.Close()

	var orgs []*Organization
	for rows.Next() {
		o, err := scanOrg(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scanning organization row: %w", err)
		}
		orgs = append(orgs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating organization rows: %w", err)
	}

	var nextCursor string
	if len(orgs) > limit {
		last := orgs[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		orgs = orgs[:limit]
	}

	return orgs, nextCursor, nil
}

// Update performs a partial update on the organization with the given id
// and returns the updated record.
func (s *Store) Update(ctx context.Context, id string, in UpdateInput) (*Organization, error) {
	var setClauses []string
	var args []any
	argIdx := 1

	add := func(col string, val any) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, argIdx))
		args = append(args, val)
		argIdx++
	}

	if in.Name != nil {
		add("name", *in.Name)
	}
	if in.PlanID != nil {
		add("plan_id", *in.PlanID)
	}
	if in.RateLimit != nil {
		add("rate_limit", *in.RateLimit)
	}
	if in.StripeCustomerID != nil {
		add("stripe_customer_id", *in.StripeCustomerID)
	}
	if in.StripeSubscriptionItem != nil {
		add("stripe_subscription_item", *in.StripeSubscriptionItem)
	}

	if len(setClauses) == 0 {
		return s.GetByID(ctx, id)
	}

	args = append(args, id)
	query := fmt.Sprintf(
		`UPDATE organizations SET %s WHERE id = $%d RETURNING `+orgCols,
		strings.Join(setClauses, ", "), argIdx)

	o, err := scanOrg(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("updating organization: %w", err)
	}
	return o, nil
}

// RegenerateKey replaces the organization's API key hash and prefix,
// invalidating the previous key immediately.
func (s *Store) RegenerateKey(ctx context.Context, id, keyHash, keyPrefix string) (*Organization, error) {
	o, err := scanOrg(s.pool.QueryRow(ctx,
		`UPDATE organizations SET api_key_hash = $1, api_key_prefix = $2
		WHERE id = $3 RETURNING `+orgCols,
		keyHash, keyPrefix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("regenerating organization key: %w", err)
	}
	return o, nil
}

// Delete removes an organization by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM organizations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting organization: %w", err)
	}
	return nil
}

// encodeCursor produces a base64 string from a created_at timestamp and id.
func encodeCursor(createdAt time.Time, id string) string {
	raw := createdAt.Format(time.RFC3339Nano) + "|" + id
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// decodeCursor parses a base64 cursor back into its created_at and id parts.
func decodeCursor(cursor string) (time.Time, string, error) {
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor base64: %w", err)
	}

	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("invalid cursor format")
	}

	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor time: %w", err)
	}

	return t, parts[1], nil
}
