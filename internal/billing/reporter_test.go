package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alecgard/gabelle/internal/credit"
	"github.com/alecgard/gabelle/internal/org"
)

type fakeReportStore struct {
	balances []*credit.Balance
	marked   []string
	listErr  error
	markErr  error
}

func (f *fakeReportStore) ListNeedingUsageReport(context.Context, time.Time) ([]*credit.Balance, error) {
	return f.balances, f.listErr
}

func (f *fakeReportStore) MarkUsageReported(_ context.Context, balanceID string) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, balanceID)
	return nil
}

type fakeOrgResolver struct {
	orgs map[string]*org.Organization
}

func (f *fakeOrgResolver) GetByID(_ context.Context, id string) (*org.Organization, error) {
	o, ok := f.orgs[id]
	if !ok {
		return nil, org.ErrNotFound
	}
	return o, nil
}

type reportedUsage struct {
	item     string
	quantity int64
}

func newTestReporter(store ReportStore, orgs OrgResolver) (*Reporter, *[]reportedUsage) {
	r := NewReporter("sk_test", store, orgs, time.Hour)
	var reports []reportedUsage
	r.reportUsage = func(item string, quantity int64, _ time.Time) error {
		reports = append(reports, reportedUsage{item: item, quantity: quantity})
		return nil
	}
	return r, &reports
}

func periodBalance(id, orgID string, overage int64) *credit.Balance {
	return &credit.Balance{
		ID:             id,
		OrganizationID: orgID,
		Included:       1000,
		Used:           1000,
		Overage:        overage,
		PeriodEnd:      time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestSweep_ReportsOverageAndMarks(t *testing.T) {
	store := &fakeReportStore{
		balances: []*credit.Balance{periodBalance("bal-1", "org-1", 250)},
	}
	orgs := &fakeOrgResolver{orgs: map[string]*org.Organization{
		"org-1": {ID: "org-1", StripeSubscriptionItem: "si_123"},
	}}
	r, reports := newTestReporter(store, orgs)

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(*reports) != 1 {
		t.Fatalf("expected 1 usage record, got %d", len(*reports))
	}
	if (*reports)[0].item != "si_123" || (*reports)[0].quantity != 250 {
		t.Errorf("unexpected usage record %+v", (*reports)[0])
	}
	if len(store.marked) != 1 || store.marked[0] != "bal-1" {
		t.Errorf("expected bal-1 marked reported, got %v", store.marked)
	}
}

func TestSweep_ZeroOverageMarksWithoutReporting(t *testing.T) {
	store := &fakeReportStore{
		balances: []*credit.Balance{periodBalance("bal-1", "org-1", 0)},
	}
	r, reports := newTestReporter(store, &fakeOrgResolver{})

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(*reports) != 0 {
		t.Errorf("zero overage must not create a usage record, got %d", len(*reports))
	}
	if len(store.marked) != 1 {
		t.Errorf("expected balance marked reported, got %v", store.marked)
	}
}

func TestSweep_NoSubscriptionItemSkipsButMarks(t *testing.T) {
	store := &fakeReportStore{
		balances: []*credit.Balance{periodBalance("bal-1", "org-1", 99)},
	}
	orgs := &fakeOrgResolver{orgs: map[string]*org.Organization{
		"org-1": {ID: "org-1"},
	}}
	r, reports := newTestReporter(store, orgs)

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(*reports) != 0 {
		t.Errorf("expected no usage records, got %d", len(*reports))
	}
	if len(store.marked) != 1 {
		t.Errorf("expected balance closed out, got %v", store.marked)
	}
}

func TestSweep_StripeFailureLeavesBalanceUnmarked(t *testing.T) {
	store := &fakeReportStore{
		balances: []*credit.Balance{
			periodBalance("bal-1", "org-1", 100),
			periodBalance("bal-2", "org-2", 50),
		},
	}
	orgs := &fakeOrgResolver{orgs: map[string]*org.Organization{
		"org-1": {ID: "org-1", StripeSubscriptionItem: "si_broken"},
		"org-2": {ID: "org-2", StripeSubscriptionItem: "si_ok"},
	}}
	r, _ := newTestReporter(store, orgs)
	r.reportUsage = func(item string, quantity int64, _ time.Time) error {
		if item == "si_broken" {
			return errors.New("stripe unavailable")
		}
		return nil
	}

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	// bal-1 stays unmarked for the next sweep; bal-2 proceeds.
	if len(store.marked) != 1 || store.marked[0] != "bal-2" {
		t.Errorf("expected only bal-2 marked, got %v", store.marked)
	}
}

func TestSweep_ListFailurePropagates(t *testing.T) {
	store := &fakeReportStore{listErr: errors.New("db down")}
	r, _ := newTestReporter(store, &fakeOrgResolver{})

	if err := r.Sweep(context.Background()); err == nil {
		t.Fatal("expected sweep error when listing fails")
	}
}
