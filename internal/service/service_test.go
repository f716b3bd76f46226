package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"storeledger/backend/internal/domain"
	"storeledger/backend/internal/ledger"
	"storeledger/backend/internal/pnl"
	"storeledger/backend/internal/settlement"
	"storeledger/backend/internal/store"
	"storeledger/backend/internal/store/memory"
)

var saleDay = time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.NewSeeded()
	l := ledger.New(repo, repo)
	tracker := settlement.New(repo, nil)
	reports := pnl.New(repo, repo, repo, pnl.CategoryConfig{})
	return New(repo, l, tracker, reports, DefaultPolicy(), decimal.NewFromInt(5)), repo
}

func managerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "maya", Role: "manager"})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "carl", Role: "cashier"})
}

func consignmentSale(id string) domain.Sale {
	return domain.Sale{
		ID:            id,
		LocationID:    "main-store",
		StaffID:       "carl",
		PaymentMethod: "Cash",
		CashAmount:    9000,
		CompletedAt:   saleDay.Add(10 * time.Hour),
		Lines: []domain.SaleLine{
			{ProductID: "jacket", Category: "Outerwear", Kind: domain.LineConsignment, Quantity: 1, UnitPrice: 6000, UnitCost: 3500, SupplierID: "sup-1"},
			{ProductID: "scarf", Category: "Accessories", Quantity: 2, UnitPrice: 1500, UnitCost: 400},
		},
	}
}

func TestRecordSaleWritesCashAndSettlements(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := cashierCtx()

	result, err := svc.RecordSale(ctx, consignmentSale("sale-1"))
	if err != nil {
		t.Fatalf("record sale: %v", err)
	}
	if result.Movement == nil || result.Movement.Amount != 9000 || result.Movement.Reference != "sale:sale-1" {
		t.Fatalf("unexpected cash movement %+v", result.Movement)
	}
	if result.Movement.ActorID != "carl" {
		t.Fatalf("expected actor carl on movement, got %q", result.Movement.ActorID)
	}
	if len(result.Settlements) != 1 || result.Settlements[0].PayoutAmount != 3500 || result.Settlements[0].Paid() {
		t.Fatalf("unexpected settlements %+v", result.Settlements)
	}
	if result.Sale.Lines[1].Kind != domain.LineStandard || result.Sale.PaymentMethod != "cash" {
		t.Fatalf("expected sale to be normalized, got %+v", result.Sale)
	}

	balance, err := svc.Balance(ctx, "main-store")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Balance != 9000 {
		t.Fatalf("expected balance 9000, got %d", balance.Balance)
	}
}

func TestRecordSaleTwiceDoesNotDoubleCount(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := cashierCtx()

	if _, err := svc.RecordSale(ctx, consignmentSale("sale-1")); err != nil {
		t.Fatalf("record sale: %v", err)
	}
	again, err := svc.RecordSale(ctx, consignmentSale("sale-1"))
	if err != nil {
		t.Fatalf("record sale again: %v", err)
	}
	if again.Repaired || again.Movement == nil || !again.Movement.Replayed {
		t.Fatalf("expected a replay with nothing repaired, got %+v", again)
	}

	balance, _ := svc.Balance(ctx, "main-store")
	if balance.Balance != 9000 || balance.MovementCount != 1 {
		t.Fatalf("expected one movement of 9000, got %+v", balance)
	}
	unsettled, _ := svc.ListUnsettled(ctx)
	if len(unsettled) != 1 {
		t.Fatalf("expected one pending settlement, got %d", len(unsettled))
	}
}

func TestPartialSaleIsReportedAndRepaired(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := cashierCtx()
	window := domain.Window{From: saleDay, To: saleDay.Add(24 * time.Hour)}

	repo.FailNextInsert("main-store", errors.New("connection reset"))
	result, err := svc.RecordSale(ctx, consignmentSale("sale-9"))
	if !store.IsRetryable(err) {
		t.Fatalf("expected retryable error from failed cash step, got %v", err)
	}
	if result.Sale.ID != "sale-9" || result.Movement != nil || len(result.Settlements) != 0 {
		t.Fatalf("expected partial result with only the sale, got %+v", result)
	}

	gaps, err := svc.ReconcileSales(ctx, window)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(gaps) != 1 || !gaps[0].MissingCashMovement || len(gaps[0].MissingSettlements) != 1 || gaps[0].MissingSettlements[0] != "jacket" {
		t.Fatalf("unexpected discrepancies %+v", gaps)
	}

	repaired, err := svc.RepairSale(ctx, "sale-9")
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if !repaired.Repaired || repaired.Movement == nil || len(repaired.Settlements) != 1 {
		t.Fatalf("unexpected repair result %+v", repaired)
	}

	gaps, err = svc.ReconcileSales(ctx, window)
	if err != nil {
		t.Fatalf("reconcile after repair: %v", err)
	}
	if len(gaps) != 0 {
		t.Fatalf("expected no discrepancies after repair, got %+v", gaps)
	}

	again, err := svc.RepairSale(ctx, "sale-9")
	if err != nil || again.Repaired {
		t.Fatalf("expected second repair to be a no-op, got %+v / %v", again, err)
	}
}

func TestRecordSaleValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := cashierCtx()

	cases := map[string]func(*domain.Sale){
		"missing id":              func(s *domain.Sale) { s.ID = " " },
		"unknown location":        func(s *domain.Sale) { s.LocationID = "warehouse" },
		"no lines":                func(s *domain.Sale) { s.Lines = nil },
		"zero quantity":           func(s *domain.Sale) { s.Lines[1].Quantity = 0 },
		"negative cash":           func(s *domain.Sale) { s.CashAmount = -1 },
		"consignment no supplier": func(s *domain.Sale) { s.Lines[0].SupplierID = "" },
		"unknown line kind":       func(s *domain.Sale) { s.Lines[1].Kind = "rental" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			sale := consignmentSale("sale-v")
			mutate(&sale)
			if _, err := svc.RecordSale(ctx, sale); !errors.Is(err, store.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestSetFloatRequiresManager(t *testing.T) {
	svc, repo := newTestService(t)

	if _, err := svc.SetFloat(cashierCtx(), "main-store", domain.FloatSetRequest{Target: 20000}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected cashier to be forbidden, got %v", err)
	}
	if _, err := svc.SetFloat(context.Background(), "main-store", domain.FloatSetRequest{Target: 20000}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected anonymous caller to be forbidden, got %v", err)
	}

	ctx := managerCtx()
	if _, err := svc.AppendMovement(ctx, "main-store", domain.MovementAppendRequest{Kind: domain.MovementDeposit, Amount: 17500}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	m, err := svc.SetFloat(ctx, "main-store", domain.FloatSetRequest{Target: 20000, Note: "morning float"})
	if err != nil {
		t.Fatalf("set float: %v", err)
	}
	if m.Amount != 2500 || m.Kind != domain.MovementFloatSet || m.ActorID != "maya" {
		t.Fatalf("unexpected float movement %+v", m)
	}

	logs, err := repo.ListAuditLogs(context.Background(), saleDay.AddDate(-1, 0, 0), time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("audit logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Action != "float_set" || logs[0].ActorUsername != "maya" || !strings.Contains(logs[0].Detail, "delta=2500") {
		t.Fatalf("unexpected audit trail %+v", logs)
	}
}

func TestMarkSettlementPaidFlow(t *testing.T) {
	svc, _ := newTestService(t)

	result, err := svc.RecordSale(cashierCtx(), consignmentSale("sale-1"))
	if err != nil {
		t.Fatalf("record sale: %v", err)
	}
	id := result.Settlements[0].ID

	if _, err := svc.MarkSettlementPaid(cashierCtx(), id, domain.SettlementPaidRequest{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected cashier to be forbidden, got %v", err)
	}

	paidAt := saleDay.Add(48 * time.Hour)
	paid, err := svc.MarkSettlementPaid(managerCtx(), id, domain.SettlementPaidRequest{PaidAt: &paidAt})
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if paid.PaidAt == nil || !paid.PaidAt.Equal(paidAt) {
		t.Fatalf("unexpected paid record %+v", paid)
	}
	if _, err := svc.MarkSettlementPaid(managerCtx(), id, domain.SettlementPaidRequest{}); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected second payment to be rejected, got %v", err)
	}

	liabilities, err := svc.SupplierLiabilities(context.Background())
	if err != nil {
		t.Fatalf("liabilities: %v", err)
	}
	if len(liabilities) != 0 {
		t.Fatalf("expected no outstanding liabilities, got %+v", liabilities)
	}
}

func TestVoidSaleRefundIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := cashierCtx()
	if _, err := svc.RecordSale(ctx, consignmentSale("sale-1")); err != nil {
		t.Fatalf("record sale: %v", err)
	}

	first, err := svc.VoidSaleRefund(ctx, "sale-1", domain.VoidRefundRequest{Amount: 3000, Note: "scarves returned"})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if first.Amount != -3000 || first.Kind != domain.MovementSaleVoidRefund || first.ReferenceSaleID != "sale-1" {
		t.Fatalf("unexpected refund movement %+v", first)
	}
	again, err := svc.VoidSaleRefund(ctx, "sale-1", domain.VoidRefundRequest{Amount: 3000})
	if err != nil || !again.Replayed || again.ID != first.ID {
		t.Fatalf("expected replayed refund, got %+v / %v", again, err)
	}
	if _, err := svc.VoidSaleRefund(ctx, "sale-1", domain.VoidRefundRequest{Amount: 4000}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflicting refund to fail, got %v", err)
	}
	if _, err := svc.VoidSaleRefund(ctx, "missing", domain.VoidRefundRequest{Amount: 1}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for unknown sale, got %v", err)
	}

	balance, _ := svc.Balance(ctx, "main-store")
	if balance.Balance != 6000 {
		t.Fatalf("expected balance 6000 after refund, got %d", balance.Balance)
	}
}

func TestReportAndCommissionThroughService(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := cashierCtx()
	window := domain.Window{From: saleDay, To: saleDay.Add(24 * time.Hour)}

	if _, err := svc.RecordSale(ctx, consignmentSale("sale-1")); err != nil {
		t.Fatalf("record sale: %v", err)
	}
	if _, err := svc.CreateExpense(ctx, domain.ExpenseCreateRequest{Category: "rent", Amount: 1000, IncurredAt: ptrTime(saleDay.Add(time.Hour))}); err != nil {
		t.Fatalf("expense: %v", err)
	}
	if _, err := svc.CreateExpense(ctx, domain.ExpenseCreateRequest{Category: "rent", Amount: 0}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected zero expense to be rejected, got %v", err)
	}

	report, err := svc.ComputePnL(ctx, window)
	if err != nil {
		t.Fatalf("pnl: %v", err)
	}
	// Only the scarves count until the jacket's supplier is paid.
	if report.Revenue != 3000 || report.COGS != 800 || report.NetProfit != 1200 || report.UnsettledConsignmentValue != 3500 {
		t.Fatalf("unexpected report %+v", report)
	}

	byDefault, err := svc.ComputeCommission(ctx, "carl", window, nil, domain.BasisRevenue)
	if err != nil {
		t.Fatalf("commission: %v", err)
	}
	if byDefault.Amount != 150 || byDefault.RateSource != "default" {
		t.Fatalf("unexpected default commission %+v", byDefault)
	}

	if _, err := svc.SetStaffRate(managerCtx(), "carl", domain.StaffRateRequest{RatePercent: decimal.NewFromInt(10)}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected manager to be forbidden from setting rates, got %v", err)
	}
	admin := WithActor(context.Background(), domain.Actor{Username: "root", Role: "admin"})
	if _, err := svc.SetStaffRate(admin, "carl", domain.StaffRateRequest{RatePercent: decimal.NewFromInt(10)}); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	run, err := svc.ComputeCommissionRun(ctx, window, nil, domain.BasisProfit)
	if err != nil {
		t.Fatalf("commission run: %v", err)
	}
	if len(run) != 1 || run[0].Amount != 220 || run[0].RateSource != "staff_override" {
		t.Fatalf("unexpected commission run %+v", run)
	}
}

func TestRolePolicy(t *testing.T) {
	policy := DefaultPolicy()
	if !policy.Can(domain.Actor{Role: "manager"}, ActionSetFloat) {
		t.Fatalf("expected manager to set float")
	}
	if policy.Can(domain.Actor{Role: "cashier"}, ActionMarkPaid) {
		t.Fatalf("expected cashier to be denied")
	}
	if policy.Can(domain.Actor{Role: "admin"}, "unknown.action") {
		t.Fatalf("expected unknown actions to be denied")
	}
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
