package credit

import (
	"context"
	"errors"
	"time"
)

// Ledger is the storage surface the accounting service depends on. The
// compound operations are atomic: they either fully apply or leave the
// balance untouched.
type Ledger interface {
	GetByOrganization(ctx context.Context, orgID string) (*Balance, error)
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	Deduct(ctx context.Context, in DeductInput) (*Transaction, error)
	Refund(ctx context.Context, transactionID, reason string) (*Transaction, error)
	Grant(ctx context.Context, orgID string, included int64, periodStart, periodEnd time.Time) (*Balance, error)
	Reset(ctx context.Context, orgID string, periodStart, periodEnd time.Time) (*Balance, error)
	AddPurchased(ctx context.Context, orgID string, credits int64, description string) (*Transaction, error)
}

// Service implements the credit accounting rules on top of a Ledger.
// It adds validation and plan resolution; it never swallows ledger
// errors and adds no retry logic.
type Service struct {
	ledger Ledger
	plans  PlanCatalog
	now    func() time.Time // injectable clock for testing
}

// NewService creates an accounting service.
func NewService(ledger Ledger, plans PlanCatalog) *Service {
	return &Service{ledger: ledger, plans: plans, now: time.Now}
}

// GetOrCreateBalance returns the organization's balance, lazily creating
// an empty one (zero included credits, one-month period) on first access.
func (s *Service) GetOrCreateBalance(ctx context.Context, orgID string) (*Balance, error) {
	bal, err := s.ledger.GetByOrganization(ctx, orgID)
	if err == nil {
		return bal, nil
	}

	var notFound *BalanceNotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}

	start := s.now().UTC()
	return s.ledger.Grant(ctx, orgID, 0, start, start.AddDate(0, 1, 0))
}

// HasCredits reports whether the organization can afford amount. This is
// a pure advisory read: admission is finally decided inside the deduction
// transaction, so a passing check does not reserve anything.
func (s *Service) HasCredits(ctx context.Context, orgID string, amount int64) (Check, error) {
	bal, err := s.ledger.GetByOrganization(ctx, orgID)
	if err != nil {
		var notFound *BalanceNotFoundError
		if errors.As(err, &notFound) {
			return Check{}, nil
		}
		return Check{}, err
	}
	return checkAvailability(bal, amount), nil
}

// GetCreditStatus returns the balance snapshot, failing with
// BalanceNotFoundError if the organization has none.
func (s *Service) GetCreditStatus(ctx context.Context, orgID string) (*Status, error) {
	bal, err := s.ledger.GetByOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return &Status{
		Included:         bal.Included,
		Used:             bal.Used,
		Overage:          bal.Overage,
		PurchasedCredits: bal.PurchasedCredits,
		Remaining:        bal.RemainingIncluded(),
		TotalAvailable:   bal.TotalAvailable(),
		PeriodStart:      bal.PeriodStart,
		PeriodEnd:        bal.PeriodEnd,
	}, nil
}

// DeductCredits consumes credits for a metered operation. It fails with
// BalanceNotFoundError when the organization has no balance and with
// InsufficientCreditsError when both pools together cannot cover the
// amount; there is no implicit overage beyond the purchased pool.
func (s *Service) DeductCredits(ctx context.Context, in DeductInput) (*Transaction, error) {
	if in.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.ledger.Deduct(ctx, in)
}

// RefundCredits reverses a consumption transaction with a compensating
// REFUND entry. Refunding a non-consumption entry fails with
// ErrNotRefundable and mutates nothing.
func (s *Service) RefundCredits(ctx context.Context, transactionID, reason string) (*Transaction, error) {
	return s.ledger.Refund(ctx, transactionID, reason)
}

// GrantSubscriptionCredits resolves the plan and grants its included
// credits for the billing period.
func (s *Service) GrantSubscriptionCredits(ctx context.Context, in GrantInput) (*Balance, error) {
	plan, ok := s.plans.Plan(in.PlanID)
	if !ok {
		return nil, &UnknownPlanError{PlanID: in.PlanID}
	}
	return s.ledger.Grant(ctx, in.OrganizationID, plan.IncludedCredits, in.PeriodStart, in.PeriodEnd)
}

// ResetBillingPeriod rolls the balance into a new period, zeroing used
// and overage while preserving included and purchased credits.
func (s *Service) ResetBillingPeriod(ctx context.Context, orgID string, periodStart, periodEnd time.Time) (*Balance, error) {
	return s.ledger.Reset(ctx, orgID, periodStart, periodEnd)
}

// AddPurchasedCredits lands a confirmed credit-pack purchase in the
// purchased pool, lazily creating the balance for first-time buyers.
func (s *Service) AddPurchasedCredits(ctx context.Context, orgID string, credits int64, description string) (*Transaction, error) {
	if _, err := s.GetOrCreateBalance(ctx, orgID); err != nil {
		return nil, err
	}
	return s.ledger.AddPurchased(ctx, orgID, credits, description)
}

// PlanName resolves the display name for a plan id, falling back to the
// id itself when the catalog does not know it.
func (s *Service) PlanName(planID string) string {
	if p, ok := s.plans.Plan(planID); ok {
		return p.Name
	}
	return planID
}
