package credit

import (
	"errors"
	"fmt"
)

// ErrNotRefundable is returned when a refund targets a transaction that
// did not consume credits (GRANT, REFUND, PURCHASE or ADJUSTMENT).
var ErrNotRefundable = errors.New("transaction is not a consumption and cannot be refunded")

// ErrInvalidAmount is returned for zero or negative deduction amounts.
var ErrInvalidAmount = errors.New("amount must be positive")

// InsufficientCreditsError is returned when a deduction exceeds the total
// available credits across both pools. It carries the amounts so callers
// can render an actionable message.
type InsufficientCreditsError struct {
	OrganizationID string
	Required       int64
	Available      int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for organization %s: required %d, available %d",
		e.OrganizationID, e.Required, e.Available)
}

// BalanceNotFoundError is returned when no balance row exists for an
// organization.
type BalanceNotFoundError struct {
	OrganizationID string
}

func (e *BalanceNotFoundError) Error() string {
	return fmt.Sprintf("no credit balance for organization %s", e.OrganizationID)
}

// TransactionNotFoundError is returned when a transaction id is unknown.
type TransactionNotFoundError struct {
	TransactionID string
}

func (e *TransactionNotFoundError) Error() string {
	return fmt.Sprintf("credit transaction %s not found", e.TransactionID)
}

// UnknownPlanError is returned when a plan id cannot be resolved against
// the catalog.
type UnknownPlanError struct {
	PlanID string
}

func (e *UnknownPlanError) Error() string {
	return fmt.Sprintf("unknown plan %q", e.PlanID)
}
