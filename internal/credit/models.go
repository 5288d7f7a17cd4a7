package credit

import "time"

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TypeGrant      TransactionType = "GRANT"
	TypeUsage      TransactionType = "USAGE"
	TypeOverage    TransactionType = "OVERAGE"
	TypeRefund     TransactionType = "REFUND"
	TypePurchase   TransactionType = "PURCHASE"
	TypeAdjustment TransactionType = "ADJUSTMENT"
)

// IsConsumption reports whether the type records credit consumption
// (a negative-amount entry charged against one of the two pools).
func (t TransactionType) IsConsumption() bool {
	return t == TypeUsage || t == TypeOverage
}

// Balance is the single credit row for an organization. Included credits
// come from the subscription plan and reset every billing period;
// purchased credits are a standing pool bought as one-time packs and
// drained as overage accrues.
type Balance struct {
	ID                  string    `json:"id"`
	OrganizationID      string    `json:"organization_id"`
	Included            int64     `json:"included"`
	Used                int64     `json:"used"`
	Overage             int64     `json:"overage"`
	PurchasedCredits    int64     `json:"purchased_credits"`
	PeriodStart         time.Time `json:"period_start"`
	PeriodEnd           time.Time `json:"period_end"`
	StripeUsageReported bool      `json:"stripe_usage_reported"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// RemainingIncluded returns the unspent portion of the included pool,
// floored at zero.
func (b *Balance) RemainingIncluded() int64 {
	r := b.Included - b.Used
	if r < 0 {
		return 0
	}
	return r
}

// TotalAvailable returns the credits the organization can still spend:
// remaining included plus the purchased pool.
func (b *Balance) TotalAvailable() int64 {
	return b.RemainingIncluded() + b.PurchasedCredits
}

// Transaction is an immutable ledger entry against a balance. Negative
// amounts record consumption; refunds are compensating positive entries
// rather than mutations of the original.
type Transaction struct {
	ID          string          `json:"id"`
	BalanceID   string          `json:"balance_id"`
	Amount      int64           `json:"amount"`
	Type        TransactionType `json:"type"`
	ToolSlug    string          `json:"tool_slug,omitempty"`
	JobID       string          `json:"job_id,omitempty"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Check is the result of an advisory availability check. It is a point-in-time
// read; admission is ultimately decided inside the deduction transaction.
type Check struct {
	Allowed   bool  `json:"allowed"`
	Available int64 `json:"available"`
	IsOverage bool  `json:"is_overage"`
}

// Status is the balance snapshot returned to callers.
type Status struct {
	Included         int64     `json:"included"`
	Used             int64     `json:"used"`
	Overage          int64     `json:"overage"`
	PurchasedCredits int64     `json:"purchased_credits"`
	Remaining        int64     `json:"remaining"`
	TotalAvailable   int64     `json:"total_available"`
	PeriodStart      time.Time `json:"period_start"`
	PeriodEnd        time.Time `json:"period_end"`
}

// DeductInput describes a consumption request.
type DeductInput struct {
	OrganizationID string
	Amount         int64
	ToolSlug       string
	JobID          string
	Description    string
}

// GrantInput describes a subscription credit grant for a billing period.
type GrantInput struct {
	OrganizationID string
	PlanID         string
	PeriodStart    time.Time
	PeriodEnd      time.Time
}
