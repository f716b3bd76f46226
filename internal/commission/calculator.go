package commission

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"storeledger/backend/internal/domain"
	"storeledger/backend/internal/pnl"
	"storeledger/backend/internal/store"
)

const (
	SourceDefault  = "default"
	SourceOverride = "staff_override"
)

var (
	hundred = decimal.NewFromInt(100)
)

type ReportSource interface {
	ComputeReport(ctx context.Context, window domain.Window, opts ...pnl.ReportOption) (domain.PnLReport, error)
}

// Calculator turns the per-staff slices of a P&L report into commission.
// Windows passed for one payout run are expected not to overlap; nothing
// here prevents paying the same sale twice across overlapping windows.
type Calculator struct {
	reports ReportSource
	rates   store.RateSource
}

func New(reports ReportSource, rates store.RateSource) *Calculator {
	return &Calculator{reports: reports, rates: rates}
}

// Compute applies rate percent (or the staff member's override) to their
// revenue or gross profit in the window. Staff without sales earn zero and a
// negative profit base earns zero.
func (c *Calculator) Compute(ctx context.Context, staffID string, window domain.Window, rate decimal.Decimal, basis domain.CommissionBasis) (domain.Commission, error) {
	staffID = strings.TrimSpace(staffID)
	if staffID == "" {
		return domain.Commission{}, &store.ValidationError{Field: "staff_id", Reason: "staff id required"}
	}
	if err := validate(rate, basis); err != nil {
		return domain.Commission{}, err
	}

	report, err := c.reports.ComputeReport(ctx, window)
	if err != nil {
		return domain.Commission{}, err
	}
	slice, _ := report.StaffSlice(staffID)
	return c.apply(ctx, slice, staffID, report.Window, rate, basis)
}

// ComputeAll computes commission for every staff member with sales in the
// window from a single report.
func (c *Calculator) ComputeAll(ctx context.Context, window domain.Window, rate decimal.Decimal, basis domain.CommissionBasis) ([]domain.Commission, error) {
	if err := validate(rate, basis); err != nil {
		return nil, err
	}
	report, err := c.reports.ComputeReport(ctx, window)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Commission, 0, len(report.Staff))
	for _, slice := range report.Staff {
		commission, err := c.apply(ctx, slice, slice.StaffID, report.Window, rate, basis)
		if err != nil {
			return nil, err
		}
		out = append(out, commission)
	}
	return out, nil
}

func (c *Calculator) apply(ctx context.Context, slice domain.StaffBreakdown, staffID string, window domain.Window, rate decimal.Decimal, basis domain.CommissionBasis) (domain.Commission, error) {
	source := SourceDefault
	if c.rates != nil {
		override, ok, err := c.rates.GetStaffRate(ctx, staffID)
		if err != nil {
			return domain.Commission{}, fmt.Errorf("staff %s rate: %w", staffID, err)
		}
		if ok {
			rate = override
			source = SourceOverride
		}
	}

	base := slice.Revenue
	if basis == domain.BasisProfit {
		base = slice.GrossProfit
	}
	if base < 0 {
		base = 0
	}

	return domain.Commission{
		StaffID:     staffID,
		Window:      window,
		Basis:       basis,
		RatePercent: rate,
		RateSource:  source,
		BaseAmount:  base,
		Amount:      Amount(rate, base),
	}, nil
}

// Amount is rate percent of base in minor units, rounded half away from zero.
func Amount(ratePercent decimal.Decimal, base int64) int64 {
	return ratePercent.Mul(decimal.NewFromInt(base)).Div(hundred).Round(0).IntPart()
}

func ValidateRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(hundred) {
		return &store.ValidationError{Field: "rate", Reason: "rate must be between 0 and 100 percent"}
	}
	return nil
}

func validate(rate decimal.Decimal, basis domain.CommissionBasis) error {
	if !basis.Valid() {
		return &store.ValidationError{Field: "basis", Reason: fmt.Sprintf("unknown commission basis %q", basis)}
	}
	return ValidateRate(rate)
}
