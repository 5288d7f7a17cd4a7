package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/usagerecord"

	"github.com/alecgard/gabelle/internal/credit"
	"github.com/alecgard/gabelle/internal/org"
)

// ReportStore lists balances with unreported period overage and marks
// them reported.
type ReportStore interface {
	ListNeedingUsageReport(ctx context.Context, now time.Time) ([]*credit.Balance, error)
	MarkUsageReported(ctx context.Context, balanceID string) error
}

// OrgResolver resolves organizations for subscription item lookup.
type OrgResolver interface {
	GetByID(ctx context.Context, id string) (*org.Organization, error)
}

// Reporter pushes end-of-period overage to Stripe as metered usage.
// Balances are flagged after a successful report, so a crashed run
// re-reports on the next sweep rather than losing usage.
type Reporter struct {
	store    ReportStore
	orgs     OrgResolver
	interval time.Duration
	done     chan struct{}
	stopped  chan struct{}

	// reportUsage is swapped out in tests to avoid the Stripe API.
	reportUsage func(subscriptionItem string, quantity int64, at time.Time) error
}

// NewReporter creates a usage reporter that sweeps every interval.
func NewReporter(secretKey string, store ReportStore, orgs OrgResolver, interval time.Duration) *Reporter {
	return &Reporter{
		store:    store,
		orgs:     orgs,
		interval: interval,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		reportUsage: func(subscriptionItem string, quantity int64, at time.Time) error {
			stripe.Key = secretKey
			_, err := usagerecord.New(&stripe.UsageRecordParams{
				SubscriptionItem: stripe.String(subscriptionItem),
				Quantity:         stripe.Int64(quantity),
				Timestamp:        stripe.Int64(at.Unix()),
				Action:           stripe.String("increment"),
			})
			return err
		},
	}
}

// Start runs the sweep loop. It blocks until Stop is called or the
// context is cancelled.
func (r *Reporter) Start(ctx context.Context) {
	defer close(r.stopped)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				slog.Error("usage report sweep failed", "error", err)
			}
		case <-ctx.Done():
			return
		case <-r.done:
			return
		}
	}
}

// Stop signals the sweep loop to exit and blocks until any sweep in
// progress has finished. Start must be running and Stop must be called
// at most once.
func (r *Reporter) Stop() {
	close(r.done)
	<-r.stopped
}

// Sweep reports overage for every balance whose billing period has ended
// unreported. Per-balance failures are logged and retried on the next
// sweep; the whole sweep only fails when the listing itself does.
func (r *Reporter) Sweep(ctx context.Context) error {
	now := time.Now().UTC()
	balances, err := r.store.ListNeedingUsageReport(ctx, now)
	if err != nil {
		return fmt.Errorf("listing balances for usage report: %w", err)
	}

	for _, bal := range balances {
		if err := r.reportOne(ctx, bal); err != nil {
			slog.Error("reporting period overage failed",
				"org", bal.OrganizationID,
				"balance", bal.ID,
				"overage", bal.Overage,
				"error", err)
		}
	}
	return nil
}

func (r *Reporter) reportOne(ctx context.Context, bal *credit.Balance) error {
	// Nothing to bill; close out the period.
	if bal.Overage <= 0 {
		return r.store.MarkUsageReported(ctx, bal.ID)
	}

	o, err := r.orgs.GetByID(ctx, bal.OrganizationID)
	if err != nil {
		return fmt.Errorf("resolving organization: %w", err)
	}

	// An organization without a metered subscription item has nowhere to
	// bill overage to. Close out the period so the sweep does not retry
	// forever; the overage stays queryable in the ledger.
	if o.StripeSubscriptionItem == "" {
		slog.Warn("skipping overage report, no subscription item",
			"org", bal.OrganizationID, "overage", bal.Overage)
		return r.store.MarkUsageReported(ctx, bal.ID)
	}

	if err := r.reportUsage(o.StripeSubscriptionItem, bal.Overage, bal.PeriodEnd); err != nil {
		return fmt.Errorf("creating stripe usage record: %w", err)
	}

	if err := r.store.MarkUsageReported(ctx, bal.ID); err != nil {
		return fmt.Errorf("marking usage reported: %w", err)
	}
	return nil
}
