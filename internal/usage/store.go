package usage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alecgard/gabelle/internal/credit"
)

const (
	defaultLimit = 50
	maxLimit     = 100
)

// Store answers usage queries against the transaction ledger. It only
// reads; all writes go through the credit store.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new usage store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// balanceID resolves the organization's balance row. A missing balance
// is not an error here: an organization that never consumed anything
// simply has an empty history.
func (s *Store) balanceID(ctx context.Context, orgID string) (string, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM credit_balances WHERE organization_id = $1`, orgID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolving balance for usage query: %w", err)
	}
	return id, true, nil
}

// History returns a page of ledger entries matching the query, newest
// first, along with the total match count independent of the page
// window.
func (s *Store) History(ctx context.Context, q HistoryQuery) (*HistoryPage, error) {
	balID, ok, err := s.balanceID(ctx, q.OrganizationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &HistoryPage{}, nil
	}

	where, args := buildWhereClause(balID, q)

	var total int64
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM credit_transactions`+where, args...).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("counting usage history: %w", err)
	}

	limit := clampLimit(q.Limit)
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT id, balance_id, amount, type, tool_slug, job_id, description, created_at
		FROM credit_transactions` + where +
		` ORDER BY created_at DESC, id DESC` +
		` LIMIT $` + strconv.Itoa(len(args)+1) +
		` OFFSET $` + strconv.Itoa(len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing usage history: %w", err)
	}
	defer rows.Close()

	page := &HistoryPage{Total: total}
	for rows.Next() {
		var t credit.Transaction
		if err := rows.Scan(&t.ID, &t.BalanceID, &t.Amount, &t.Type, &t.ToolSlug,
			&t.JobID, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning usage history row: %w", err)
		}
		page.Transactions = append(page.Transactions, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage history rows: %w", err)
	}
	return page, nil
}

// Stats aggregates consumption for an organization over the inclusive
// [start, end] window. Zero time bounds mean an unbounded window on
// that side.
func (s *Store) Stats(ctx context.Context, orgID string, start, end time.Time) (*Stats, error) {
	balID, ok, err := s.balanceID(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Stats{}, nil
	}

	where, args := buildWhereClause(balID, HistoryQuery{StartDate: start, EndDate: end})
	where += fmt.Sprintf(" AND type IN ($%d, $%d)", len(args)+1, len(args)+2)
	args = append(args, credit.TypeUsage, credit.TypeOverage)

	stats := &Stats{}

	err = s.pool.QueryRow(ctx,
		`SELECT
			COALESCE(-SUM(CASE WHEN type = $`+strconv.Itoa(len(args)+1)+` THEN amount ELSE 0 END), 0),
			COALESCE(-SUM(CASE WHEN type = $`+strconv.Itoa(len(args)+2)+` THEN amount ELSE 0 END), 0)
		FROM credit_transactions`+where,
		append(append([]any{}, args...), credit.TypeUsage, credit.TypeOverage)...,
	).Scan(&stats.TotalUsed, &stats.TotalOverage)
	if err != nil {
		return nil, fmt.Errorf("querying usage totals: %w", err)
	}

	rows, err := s.pool.Query(ctx, toolRollupQuery(where), args...)
	if err != nil {
		return nil, fmt.Errorf("querying per-tool usage: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tu ToolUsage
		if err := rows.Scan(&tu.ToolSlug, &tu.Credits, &tu.Calls); err != nil {
			return nil, fmt.Errorf("scanning per-tool usage row: %w", err)
		}
		stats.ByTool = append(stats.ByTool, tu)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating per-tool usage rows: %w", err)
	}

	rows, err = s.pool.Query(ctx, dayRollupQuery(where), args...)
	if err != nil {
		return nil, fmt.Errorf("querying daily usage: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var du DailyUsage
		if err := rows.Scan(&du.Date, &du.Credits); err != nil {
			return nil, fmt.Errorf("scanning daily usage row: %w", err)
		}
		stats.ByDay = append(stats.ByDay, du)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating daily usage rows: %w", err)
	}

	return stats, nil
}

// toolRollupQuery aggregates per tool, largest spend first. Rows with
// no tool slug (grants, purchases, manual adjustments) are not tool
// usage and are excluded.
func toolRollupQuery(where string) string {
	return `SELECT tool_slug, COALESCE(-SUM(amount), 0), COUNT(*)
		FROM credit_transactions` + where + ` AND tool_slug <> ''
		GROUP BY tool_slug
		ORDER BY 2 DESC`
}

// dayRollupQuery aggregates per UTC calendar day, newest day first.
func dayRollupQuery(where string) string {
	return `SELECT to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD'), COALESCE(-SUM(amount), 0)
		FROM credit_transactions` + where + `
		GROUP BY 1
		ORDER BY 1 DESC`
}

// buildWhereClause constructs a WHERE clause and positional arguments
// from a HistoryQuery. The balance id condition is always present, so
// the returned string always starts with " WHERE".
func buildWhereClause(balanceID string, q HistoryQuery) (string, []any) {
	args := []any{balanceID}
	conditions := []string{"balance_id = $1"}

	if q.ToolSlug != "" {
		args = append(args, q.ToolSlug)
		conditions = append(conditions, fmt.Sprintf("tool_slug = $%d", len(args)))
	}
	if q.Type != "" {
		args = append(args, q.Type)
		conditions = append(conditions, fmt.Sprintf("type = $%d", len(args)))
	}
	if !q.StartDate.IsZero() {
		args = append(args, q.StartDate)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !q.EndDate.IsZero() {
		args = append(args, q.EndDate)
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", len(args)))
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultLimit
	case limit > maxLimit:
		return maxLimit
	default:
		return limit
	}
}
