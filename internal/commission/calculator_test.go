package commission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"storeledger/backend/internal/domain"
	"storeledger/backend/internal/pnl"
	"storeledger/backend/internal/store"
	"storeledger/backend/internal/store/memory"
)

var (
	day    = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	window = domain.Window{From: day, To: day.Add(24 * time.Hour)}
)

func newTestCalculator(t *testing.T) (*Calculator, *memory.Store) {
	t.Helper()
	repo := memory.New()
	sales := []domain.Sale{
		{
			ID: "s1", StaffID: "amy", CompletedAt: day.Add(time.Hour),
			Lines: []domain.SaleLine{{ProductID: "tee", Kind: domain.LineStandard, Quantity: 4, UnitPrice: 2500, UnitCost: 1000}},
		},
		{
			ID: "s2", StaffID: "ben", CompletedAt: day.Add(2 * time.Hour),
			Lines: []domain.SaleLine{{ProductID: "clearance", Kind: domain.LineStandard, Quantity: 1, UnitPrice: 500, UnitCost: 900}},
		},
		{
			ID: "s3", StaffID: "cy", CompletedAt: day.Add(3 * time.Hour),
			Lines: []domain.SaleLine{{ProductID: "mug", Kind: domain.LineStandard, Quantity: 1, UnitPrice: 333, UnitCost: 100}},
		},
	}
	for _, sale := range sales {
		if _, err := repo.SaveSale(context.Background(), sale); err != nil {
			t.Fatalf("save sale: %v", err)
		}
	}
	return New(pnl.New(repo, repo, repo, pnl.CategoryConfig{}), repo), repo
}

func TestComputeByBasis(t *testing.T) {
	calc, _ := newTestCalculator(t)
	ctx := context.Background()
	rate := decimal.NewFromInt(5)

	byRevenue, err := calc.Compute(ctx, "amy", window, rate, domain.BasisRevenue)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if byRevenue.BaseAmount != 10000 || byRevenue.Amount != 500 || byRevenue.RateSource != SourceDefault {
		t.Fatalf("unexpected revenue commission %+v", byRevenue)
	}

	byProfit, err := calc.Compute(ctx, "amy", window, rate, domain.BasisProfit)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if byProfit.BaseAmount != 6000 || byProfit.Amount != 300 {
		t.Fatalf("unexpected profit commission %+v", byProfit)
	}
}

func TestStaffOverrideTakesPrecedence(t *testing.T) {
	calc, repo := newTestCalculator(t)
	ctx := context.Background()
	if err := repo.SetStaffRate(ctx, domain.StaffRate{StaffID: "amy", RatePercent: decimal.RequireFromString("7.5")}); err != nil {
		t.Fatalf("set rate: %v", err)
	}

	got, err := calc.Compute(ctx, "amy", window, decimal.NewFromInt(5), domain.BasisRevenue)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if got.Amount != 750 || got.RateSource != SourceOverride || !got.RatePercent.Equal(decimal.RequireFromString("7.5")) {
		t.Fatalf("expected override of 7.5%%, got %+v", got)
	}
}

func TestNegativeProfitAndAbsentStaffEarnZero(t *testing.T) {
	calc, _ := newTestCalculator(t)
	ctx := context.Background()

	loss, err := calc.Compute(ctx, "ben", window, decimal.NewFromInt(10), domain.BasisProfit)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if loss.Amount != 0 || loss.BaseAmount != 0 {
		t.Fatalf("expected loss-making staff to earn nothing, got %+v", loss)
	}

	absent, err := calc.Compute(ctx, "nobody", window, decimal.NewFromInt(10), domain.BasisRevenue)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if absent.Amount != 0 {
		t.Fatalf("expected zero for staff without sales, got %+v", absent)
	}
}

func TestComputeValidation(t *testing.T) {
	calc, _ := newTestCalculator(t)
	ctx := context.Background()

	cases := map[string]struct {
		staff string
		rate  decimal.Decimal
		basis domain.CommissionBasis
		win   domain.Window
	}{
		"missing staff":  {staff: "", rate: decimal.NewFromInt(1), basis: domain.BasisRevenue, win: window},
		"negative rate":  {staff: "amy", rate: decimal.NewFromInt(-1), basis: domain.BasisRevenue, win: window},
		"rate over 100":  {staff: "amy", rate: decimal.NewFromInt(101), basis: domain.BasisRevenue, win: window},
		"unknown basis":  {staff: "amy", rate: decimal.NewFromInt(1), basis: "margin", win: window},
		"inverted range": {staff: "amy", rate: decimal.NewFromInt(1), basis: domain.BasisRevenue, win: domain.Window{From: window.To, To: window.From}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := calc.Compute(ctx, tc.staff, tc.win, tc.rate, tc.basis); !errors.Is(err, store.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestAmountRounding(t *testing.T) {
	cases := []struct {
		rate string
		base int64
		want int64
	}{
		{rate: "2.5", base: 333, want: 8},
		{rate: "12.5", base: 100, want: 13},
		{rate: "12.5", base: 300, want: 38},
		{rate: "0", base: 99999, want: 0},
		{rate: "100", base: 4321, want: 4321},
	}
	for _, tc := range cases {
		if got := Amount(decimal.RequireFromString(tc.rate), tc.base); got != tc.want {
			t.Fatalf("%s%% of %d: expected %d, got %d", tc.rate, tc.base, tc.want, got)
		}
	}
}

func TestComputeAll(t *testing.T) {
	calc, _ := newTestCalculator(t)

	all, err := calc.ComputeAll(context.Background(), window, decimal.NewFromInt(10), domain.BasisRevenue)
	if err != nil {
		t.Fatalf("compute all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected three staff members, got %d", len(all))
	}
	if all[0].StaffID != "amy" || all[0].Amount != 1000 || all[2].StaffID != "cy" || all[2].Amount != 33 {
		t.Fatalf("unexpected commissions %+v", all)
	}
}
