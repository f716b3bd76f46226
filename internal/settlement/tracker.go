package settlement

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"storeledger/backend/internal/domain"
	"storeledger/backend/internal/store"
	"storeledger/backend/internal/xid"
)

// Tracker records supplier payouts owed for consignment and trade-in items.
// A record is created unpaid and moves to paid exactly once.
type Tracker struct {
	store store.SettlementStore
	now   func() time.Time
}

func New(settlements store.SettlementStore, now func() time.Time) *Tracker {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Tracker{store: settlements, now: now}
}

// Record creates the pending settlement for one sold item. A second record
// for the same sale and product fails with a ConflictError carrying the
// existing one.
func (t *Tracker) Record(ctx context.Context, saleID string, productID string, supplierID string, payoutAmount int64) (domain.SettlementRecord, error) {
	saleID = strings.TrimSpace(saleID)
	productID = strings.TrimSpace(productID)
	supplierID = strings.TrimSpace(supplierID)
	switch {
	case saleID == "":
		return domain.SettlementRecord{}, &store.ValidationError{Field: "sale_id", Reason: "sale id required"}
	case productID == "":
		return domain.SettlementRecord{}, &store.ValidationError{Field: "product_id", SaleID: saleID, Reason: "product id required"}
	case supplierID == "":
		return domain.SettlementRecord{}, &store.ValidationError{Field: "supplier_id", SaleID: saleID, Reason: "supplier id required"}
	case payoutAmount < 0:
		return domain.SettlementRecord{}, &store.ValidationError{Field: "payout_amount", SaleID: saleID, Reason: "payout amount must not be negative"}
	}

	created, err := t.store.InsertSettlement(ctx, domain.SettlementRecord{
		ID:           xid.New("stl"),
		SaleID:       saleID,
		ProductID:    productID,
		SupplierID:   supplierID,
		PayoutAmount: payoutAmount,
		CreatedAt:    t.now().UTC(),
	})
	if err != nil {
		return domain.SettlementRecord{}, err
	}
	return *created, nil
}

// MarkPaid records the supplier payout. A zero paidAt means now. Paying an
// already paid record fails with an InvalidStateError and leaves it as is.
func (t *Tracker) MarkPaid(ctx context.Context, settlementID string, paidAt time.Time) (domain.SettlementRecord, error) {
	settlementID = strings.TrimSpace(settlementID)
	if settlementID == "" {
		return domain.SettlementRecord{}, &store.ValidationError{Field: "settlement_id", Reason: "settlement id required"}
	}
	if paidAt.IsZero() {
		paidAt = t.now()
	}

	paid, err := t.store.MarkSettlementPaid(ctx, settlementID, paidAt.UTC())
	if err != nil {
		return domain.SettlementRecord{}, fmt.Errorf("settlement %s: %w", settlementID, err)
	}
	return *paid, nil
}

func (t *Tracker) Get(ctx context.Context, settlementID string) (domain.SettlementRecord, error) {
	record, err := t.store.GetSettlement(ctx, strings.TrimSpace(settlementID))
	if err != nil {
		return domain.SettlementRecord{}, fmt.Errorf("settlement %s: %w", settlementID, err)
	}
	return *record, nil
}

func (t *Tracker) Find(ctx context.Context, saleID string, productID string) (domain.SettlementRecord, error) {
	record, err := t.store.FindSettlement(ctx, saleID, productID)
	if err != nil {
		return domain.SettlementRecord{}, err
	}
	return *record, nil
}

func (t *Tracker) ListUnsettled(ctx context.Context) ([]domain.SettlementRecord, error) {
	return t.store.ListUnsettled(ctx)
}

// ForSales returns the records of the given sales keyed by
// domain.SettlementKey.
func (t *Tracker) ForSales(ctx context.Context, saleIDs []string) (map[string]domain.SettlementRecord, error) {
	records, err := t.store.ListSettlementsBySales(ctx, saleIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.SettlementRecord, len(records))
	for _, r := range records {
		out[domain.SettlementKey(r.SaleID, r.ProductID)] = r
	}
	return out, nil
}

// SupplierLiabilities sums the outstanding payouts per supplier.
func (t *Tracker) SupplierLiabilities(ctx context.Context) ([]domain.SupplierLiability, error) {
	unsettled, err := t.store.ListUnsettled(ctx)
	if err != nil {
		return nil, err
	}

	bySupplier := make(map[string]*domain.SupplierLiability)
	for _, r := range unsettled {
		row, ok := bySupplier[r.SupplierID]
		if !ok {
			row = &domain.SupplierLiability{SupplierID: r.SupplierID}
			bySupplier[r.SupplierID] = row
		}
		row.Outstanding += r.PayoutAmount
		row.Records++
	}

	out := make([]domain.SupplierLiability, 0, len(bySupplier))
	for _, row := range bySupplier {
		out = append(out, *row)
	}
	slices.SortFunc(out, func(a, b domain.SupplierLiability) int {
		return strings.Compare(a.SupplierID, b.SupplierID)
	})
	return out, nil
}
