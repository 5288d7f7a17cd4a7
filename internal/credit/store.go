package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const balanceCols = `id, organization_id, included, used, overage, purchased_credits,
	period_start, period_end, stripe_usage_reported, created_at, updated_at`

const txnCols = `id, balance_id, amount, type, tool_slug, job_id, description, created_at`

// Store provides database operations for credit balances and their
// transaction ledger. Every compound operation runs inside a single
// database transaction with the balance row locked, so partial
// application is impossible and the admit/split decision cannot race a
// concurrent deduction.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new credit store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBalance(row rowScanner) (*Balance, error) {
	b := &Balance{}
	err := row.Scan(&b.ID, &b.OrganizationID, &b.Included, &b.Used, &b.Overage,
		&b.PurchasedCredits, &b.PeriodStart, &b.PeriodEnd, &b.StripeUsageReported,
		&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	t := &Transaction{}
	err := row.Scan(&t.ID, &t.BalanceID, &t.Amount, &t.Type, &t.ToolSlug,
		&t.JobID, &t.Description, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetByOrganization retrieves the balance owned by the given organization.
func (s *Store) GetByOrganization(ctx context.Context, orgID string) (*Balance, error) {
	b, err := scanBalance(s.pool.QueryRow(ctx,
		`SELECT `+balanceCols+` FROM credit_balances WHERE organization_id = $1`, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &BalanceNotFoundError{OrganizationID: orgID}
	}
	if err != nil {
		return nil, fmt.Errorf("getting balance by organization: %w", err)
	}
	return b, nil
}

// GetByID retrieves a balance by its primary key.
func (s *Store) GetByID(ctx context.Context, id string) (*Balance, error) {
	b, err := scanBalance(s.pool.QueryRow(ctx,
		`SELECT `+balanceCols+` FROM credit_balances WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("balance %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting balance by id: %w", err)
	}
	return b, nil
}

// GetTransaction retrieves a ledger entry by id.
func (s *Store) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+txnCols+` FROM credit_transactions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &TransactionNotFoundError{TransactionID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("getting transaction: %w", err)
	}
	return t, nil
}

// lockBalance reads the organization's balance row FOR UPDATE inside tx.
func lockBalance(ctx context.Context, tx pgx.Tx, orgID string) (*Balance, error) {
	b, err := scanBalance(tx.QueryRow(ctx,
		`SELECT `+balanceCols+` FROM credit_balances WHERE organization_id = $1 FOR UPDATE`, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &BalanceNotFoundError{OrganizationID: orgID}
	}
	if err != nil {
		return nil, fmt.Errorf("locking balance: %w", err)
	}
	return b, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, balanceID string, amount int64,
	typ TransactionType, toolSlug, jobID, description string) (*Transaction, error) {
	t, err := scanTransaction(tx.QueryRow(ctx,
		`INSERT INTO credit_transactions (balance_id, amount, type, tool_slug, job_id, description)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+txnCols,
		balanceID, amount, typ, toolSlug, jobID, description))
	if err != nil {
		return nil, fmt.Errorf("inserting %s transaction: %w", typ, err)
	}
	return t, nil
}

// Deduct atomically consumes credits. The sufficiency check and the
// overage split are computed under the row lock, so two concurrent
// deductions against the same balance serialize and neither can
// overdraw. On InsufficientCreditsError the balance is untouched.
func (s *Store) Deduct(ctx context.Context, in DeductInput) (*Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning deduct transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	bal, err := lockBalance(ctx, tx, in.OrganizationID)
	if err != nil {
		return nil, err
	}

	out, err := splitDeduction(bal, in.Amount)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE credit_balances
		 SET used = used + $1, overage = overage + $2,
		     purchased_credits = purchased_credits - $3, updated_at = now()
		 WHERE id = $4`,
		out.UsedDelta, out.OverageDelta, out.PurchasedDelta, bal.ID)
	if err != nil {
		return nil, fmt.Errorf("applying deduction: %w", err)
	}

	txn, err := insertTransaction(ctx, tx, bal.ID, -in.Amount, out.Type,
		in.ToolSlug, in.JobID, in.Description)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing deduction: %w", err)
	}
	return txn, nil
}

// Refund atomically reverses a consumption transaction by writing a
// compensating REFUND entry and restoring the pool it was charged
// against. The original entry is never mutated.
func (s *Store) Refund(ctx context.Context, transactionID, reason string) (*Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning refund transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	orig, err := scanTransaction(tx.QueryRow(ctx,
		`SELECT `+txnCols+` FROM credit_transactions WHERE id = $1`, transactionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &TransactionNotFoundError{TransactionID: transactionID}
	}
	if err != nil {
		return nil, fmt.Errorf("reading original transaction: %w", err)
	}

	// Lock the balance row before deciding the compensation; the split
	// depends on the current counters.
	bal, err := scanBalance(tx.QueryRow(ctx,
		`SELECT `+balanceCols+` FROM credit_balances WHERE id = $1 FOR UPDATE`, orig.BalanceID))
	if err != nil {
		return nil, fmt.Errorf("locking balance for refund: %w", err)
	}

	out, err := splitRefund(bal, orig)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE credit_balances
		 SET used = used + $1, overage = overage + $2,
		     purchased_credits = purchased_credits + $3, updated_at = now()
		 WHERE id = $4`,
		out.UsedDelta, out.OverageDelta, out.PurchasedDelta, orig.BalanceID)
	if err != nil {
		return nil, fmt.Errorf("applying refund: %w", err)
	}

	txn, err := insertTransaction(ctx, tx, orig.BalanceID, -orig.Amount, TypeRefund,
		orig.ToolSlug, orig.JobID, reason)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing refund: %w", err)
	}
	return txn, nil
}

// Grant upserts the organization's balance with the included credits and
// period bounds, and records a GRANT entry. Repeated grants for the same
// period simply reset included; used and purchased credits are preserved.
func (s *Store) Grant(ctx context.Context, orgID string, included int64, periodStart, periodEnd time.Time) (*Balance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning grant transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	bal, err := scanBalance(tx.QueryRow(ctx,
		`INSERT INTO credit_balances (organization_id, included, period_start, period_end)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (organization_id)
		 DO UPDATE SET included = EXCLUDED.included,
		               period_start = EXCLUDED.period_start,
		               period_end = EXCLUDED.period_end,
		               updated_at = now()
		 RETURNING `+balanceCols,
		orgID, included, periodStart, periodEnd))
	if err != nil {
		return nil, fmt.Errorf("upserting balance: %w", err)
	}

	if _, err := insertTransaction(ctx, tx, bal.ID, included, TypeGrant, "", "",
		"subscription credit grant"); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing grant: %w", err)
	}
	return bal, nil
}

// Reset starts a new billing period: used and overage are zeroed, the
// period bounds replaced and the usage-reported flag cleared, while
// included and purchased credits are preserved. Fails with
// BalanceNotFoundError before any write if the organization has no
// balance.
func (s *Store) Reset(ctx context.Context, orgID string, periodStart, periodEnd time.Time) (*Balance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning reset transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := lockBalance(ctx, tx, orgID); err != nil {
		return nil, err
	}

	bal, err := scanBalance(tx.QueryRow(ctx,
		`UPDATE credit_balances
		 SET used = 0, overage = 0, period_start = $1, period_end = $2,
		     stripe_usage_reported = false, updated_at = now()
		 WHERE organization_id = $3
		 RETURNING `+balanceCols,
		periodStart, periodEnd, orgID))
	if err != nil {
		return nil, fmt.Errorf("resetting balance: %w", err)
	}

	if _, err := insertTransaction(ctx, tx, bal.ID, 0, TypeAdjustment, "", "",
		"billing period reset"); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing reset: %w", err)
	}
	return bal, nil
}

// AddPurchased credits the purchased pool and records a PURCHASE entry.
// The balance must already exist (callers go through get-or-create).
func (s *Store) AddPurchased(ctx context.Context, orgID string, credits int64, description string) (*Transaction, error) {
	if credits <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning purchase transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	bal, err := lockBalance(ctx, tx, orgID)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE credit_balances
		 SET purchased_credits = purchased_credits + $1, updated_at = now()
		 WHERE id = $2`,
		credits, bal.ID)
	if err != nil {
		return nil, fmt.Errorf("crediting purchased pool: %w", err)
	}

	txn, err := insertTransaction(ctx, tx, bal.ID, credits, TypePurchase, "", "", description)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing purchase: %w", err)
	}
	return txn, nil
}

// ListPurchases returns the most recent PURCHASE entries for a balance.
func (s *Store) ListPurchases(ctx context.Context, balanceID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+txnCols+` FROM credit_transactions
		 WHERE balance_id = $1 AND type = $2
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`,
		balanceID, TypePurchase, limit)
	if err != nil {
		return nil, fmt.Errorf("listing purchases: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning purchase row: %w", err)
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// ListNeedingUsageReport returns balances whose billing period has ended
// without the period's overage having been reported to the billing
// provider yet.
func (s *Store) ListNeedingUsageReport(ctx context.Context, now time.Time) ([]*Balance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+balanceCols+` FROM credit_balances
		 WHERE period_end <= $1 AND NOT stripe_usage_reported
		 ORDER BY period_end`,
		now)
	if err != nil {
		return nil, fmt.Errorf("listing balances needing usage report: %w", err)
	}
	defer rows.Close()

	var balances []*Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning balance row: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// MarkUsageReported flags a balance's current period overage as reported.
func (s *Store) MarkUsageReported(ctx context.Context, balanceID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE credit_balances SET stripe_usage_reported = true, updated_at = now()
		 WHERE id = $1`,
		balanceID)
	if err != nil {
		return fmt.Errorf("marking usage reported: %w", err)
	}
	return nil
}
