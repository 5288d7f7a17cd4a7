package credit

// deductOutcome describes how a deduction splits across the two pools.
// All deltas are non-negative; PurchasedDelta is subtracted from the
// purchased pool while UsedDelta and OverageDelta are added to their
// respective counters.
type deductOutcome struct {
	UsedDelta      int64
	OverageDelta   int64
	PurchasedDelta int64
	Type           TransactionType
}

// splitDeduction decides, for the current balance state, whether amount
// fits in the included pool or must dip into purchased credits, and by
// how much. It rejects with InsufficientCreditsError when both pools
// together cannot cover the amount. The store calls this under a row
// lock so the decision and the write are one atomic unit.
func splitDeduction(b *Balance, amount int64) (deductOutcome, error) {
	if amount <= 0 {
		return deductOutcome{}, ErrInvalidAmount
	}

	remaining := b.RemainingIncluded()
	available := remaining + b.PurchasedCredits
	if available < amount {
		return deductOutcome{}, &InsufficientCreditsError{
			OrganizationID: b.OrganizationID,
			Required:       amount,
			Available:      available,
		}
	}

	if amount <= remaining {
		return deductOutcome{UsedDelta: amount, Type: TypeUsage}, nil
	}

	// Consume exactly what is left of the included pool; the rest is
	// overage drawn from purchased credits.
	over := amount - remaining
	return deductOutcome{
		UsedDelta:      remaining,
		OverageDelta:   over,
		PurchasedDelta: over,
		Type:           TypeOverage,
	}, nil
}

// refundOutcome describes the balance field changes for a refund.
// Deltas are signed and applied as-is.
type refundOutcome struct {
	UsedDelta      int64
	OverageDelta   int64
	PurchasedDelta int64
}

// splitRefund computes the compensating balance changes for refunding
// orig against the current balance state. Only consumption transactions
// (negative amount) are refundable. An OVERAGE entry may have consumed a
// tail of the included pool before dipping into purchased credits, so
// its refund first reverses the overage portion (restoring the purchased
// pool it was drawn from) and returns the remainder to the included
// pool. Reductions are clamped at the current counters so a refund can
// never drive used or overage negative.
func splitRefund(b *Balance, orig *Transaction) (refundOutcome, error) {
	if orig.Amount >= 0 || !orig.Type.IsConsumption() {
		return refundOutcome{}, ErrNotRefundable
	}

	qty := -orig.Amount
	if orig.Type == TypeUsage {
		return refundOutcome{UsedDelta: -min64(qty, b.Used)}, nil
	}

	overPart := min64(qty, b.Overage)
	usedPart := min64(qty-overPart, b.Used)
	return refundOutcome{
		UsedDelta:      -usedPart,
		OverageDelta:   -overPart,
		PurchasedDelta: overPart,
	}, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// checkAvailability is the pure form of the advisory HasCredits read.
func checkAvailability(b *Balance, amount int64) Check {
	remaining := b.RemainingIncluded()
	available := remaining + b.PurchasedCredits
	return Check{
		Allowed:   available >= amount,
		Available: available,
		IsOverage: amount > remaining,
	}
}
