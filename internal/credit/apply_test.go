package credit

import (
	"errors"
	"testing"
)

func balance(included, used, overage, purchased int64) *Balance {
	return &Balance{
		ID:               "bal-1",
		OrganizationID:   "org-1",
		Included:         included,
		Used:             used,
		Overage:          overage,
		PurchasedCredits: purchased,
	}
}

func TestSplitDeduction(t *testing.T) {
	tests := []struct {
		name     string
		bal      *Balance
		amount   int64
		want     deductOutcome
		wantErr  bool
		errCheck func(error) bool
	}{
		{
			name:   "fits in included pool",
			bal:    balance(100, 10, 0, 0),
			amount: 50,
			want:   deductOutcome{UsedDelta: 50, Type: TypeUsage},
		},
		{
			name:   "exactly exhausts included pool",
			bal:    balance(100, 60, 0, 0),
			amount: 40,
			want:   deductOutcome{UsedDelta: 40, Type: TypeUsage},
		},
		{
			name:   "splits into overage",
			bal:    balance(100, 90, 0, 50),
			amount: 30,
			want:   deductOutcome{UsedDelta: 10, OverageDelta: 20, PurchasedDelta: 20, Type: TypeOverage},
		},
		{
			name:   "entirely overage when included exhausted",
			bal:    balance(100, 100, 0, 50),
			amount: 30,
			want:   deductOutcome{UsedDelta: 0, OverageDelta: 30, PurchasedDelta: 30, Type: TypeOverage},
		},
		{
			name:    "rejects when both pools exhausted",
			bal:     balance(100, 100, 0, 0),
			amount:  1,
			wantErr: true,
			errCheck: func(err error) bool {
				var ice *InsufficientCreditsError
				return errors.As(err, &ice)
			},
		},
		{
			name:    "rejects when purchased pool cannot cover the split",
			bal:     balance(100, 90, 0, 19),
			amount:  30,
			wantErr: true,
			errCheck: func(err error) bool {
				var ice *InsufficientCreditsError
				return errors.As(err, &ice) && ice.Required == 30 && ice.Available == 29
			},
		},
		{
			name:    "rejects zero amount",
			bal:     balance(100, 0, 0, 0),
			amount:  0,
			wantErr: true,
			errCheck: func(err error) bool { return errors.Is(err, ErrInvalidAmount) },
		},
		{
			name:    "rejects negative amount",
			bal:     balance(100, 0, 0, 0),
			amount:  -5,
			wantErr: true,
			errCheck: func(err error) bool { return errors.Is(err, ErrInvalidAmount) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := splitDeduction(tt.bal, tt.amount)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if tt.errCheck != nil && !tt.errCheck(err) {
					t.Fatalf("error %v did not match expectation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

// The documented overage split: included=100, used=90, deduct 30 must
// consume the remaining 10 included and put 20 into overage, recorded as
// one OVERAGE transaction of -30.
func TestSplitDeduction_OverageSplitNumbers(t *testing.T) {
	bal := balance(100, 90, 0, 100)

	out, err := splitDeduction(bal, 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	usedAfter := bal.Used + out.UsedDelta
	overageAfter := bal.Overage + out.OverageDelta

	if usedAfter != 100 {
		t.Errorf("expected used 100 after split, got %d", usedAfter)
	}
	if overageAfter != 20 {
		t.Errorf("expected overage 20 after split, got %d", overageAfter)
	}
	if out.Type != TypeOverage {
		t.Errorf("expected OVERAGE transaction type, got %s", out.Type)
	}
}

// Conservation: over any sequence of deductions, used+overage must equal
// the sum of consumed amounts and purchased must drop by exactly the
// overage total.
func TestSplitDeduction_Conservation(t *testing.T) {
	bal := balance(500, 0, 0, 300)
	amounts := []int64{100, 250, 200, 75, 50}

	var consumed int64
	for _, amt := range amounts {
		out, err := splitDeduction(bal, amt)
		if err != nil {
			t.Fatalf("deducting %d: %v", amt, err)
		}
		bal.Used += out.UsedDelta
		bal.Overage += out.OverageDelta
		bal.PurchasedCredits -= out.PurchasedDelta
		consumed += amt
	}

	if bal.Used+bal.Overage != consumed {
		t.Errorf("used(%d)+overage(%d) != consumed(%d)", bal.Used, bal.Overage, consumed)
	}
	if bal.Used > bal.Included {
		t.Errorf("used %d exceeds included %d", bal.Used, bal.Included)
	}
	if bal.PurchasedCredits != 300-bal.Overage {
		t.Errorf("purchased %d should be 300 minus overage %d", bal.PurchasedCredits, bal.Overage)
	}
	if bal.PurchasedCredits < 0 {
		t.Errorf("purchased pool went negative: %d", bal.PurchasedCredits)
	}
}

func TestSplitRefund(t *testing.T) {
	tests := []struct {
		name    string
		bal     *Balance
		txn     *Transaction
		want    refundOutcome
		wantErr error
	}{
		{
			name: "usage refund decrements used",
			bal:  balance(100, 50, 0, 0),
			txn:  &Transaction{Amount: -10, Type: TypeUsage},
			want: refundOutcome{UsedDelta: -10},
		},
		{
			name: "overage refund decrements overage and restores purchased",
			bal:  balance(100, 100, 20, 30),
			txn:  &Transaction{Amount: -20, Type: TypeOverage},
			want: refundOutcome{OverageDelta: -20, PurchasedDelta: 20},
		},
		{
			name: "mixed overage refund returns the included portion to used",
			bal:  balance(100, 100, 20, 80),
			txn:  &Transaction{Amount: -110, Type: TypeOverage},
			want: refundOutcome{UsedDelta: -90, OverageDelta: -20, PurchasedDelta: 20},
		},
		{
			name: "refund clamps at the current counters after a period reset",
			bal:  balance(100, 0, 0, 50),
			txn:  &Transaction{Amount: -30, Type: TypeUsage},
			want: refundOutcome{},
		},
		{
			name:    "grant is not refundable",
			bal:     balance(100, 0, 0, 0),
			txn:     &Transaction{Amount: 100, Type: TypeGrant},
			wantErr: ErrNotRefundable,
		},
		{
			name:    "refund is not refundable",
			bal:     balance(100, 0, 0, 0),
			txn:     &Transaction{Amount: 10, Type: TypeRefund},
			wantErr: ErrNotRefundable,
		},
		{
			name:    "purchase is not refundable",
			bal:     balance(100, 0, 0, 0),
			txn:     &Transaction{Amount: 500, Type: TypePurchase},
			wantErr: ErrNotRefundable,
		},
		{
			name:    "zero-amount adjustment is not refundable",
			bal:     balance(100, 0, 0, 0),
			txn:     &Transaction{Amount: 0, Type: TypeAdjustment},
			wantErr: ErrNotRefundable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := splitRefund(tt.bal, tt.txn)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCheckAvailability(t *testing.T) {
	tests := []struct {
		name   string
		bal    *Balance
		amount int64
		want   Check
	}{
		{
			name:   "plenty of included credits",
			bal:    balance(500, 0, 0, 0),
			amount: 100,
			want:   Check{Allowed: true, Available: 500, IsOverage: false},
		},
		{
			name:   "dips into purchased pool",
			bal:    balance(500, 150, 0, 100),
			amount: 400,
			want:   Check{Allowed: true, Available: 450, IsOverage: true},
		},
		{
			name:   "not enough across both pools",
			bal:    balance(100, 100, 0, 10),
			amount: 11,
			want:   Check{Allowed: false, Available: 10, IsOverage: true},
		},
		{
			name:   "exactly available",
			bal:    balance(100, 50, 0, 0),
			amount: 50,
			want:   Check{Allowed: true, Available: 50, IsOverage: false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := checkAvailability(tt.bal, tt.amount)
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}
