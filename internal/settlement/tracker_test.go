package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"storeledger/backend/internal/store"
	"storeledger/backend/internal/store/memory"
)

func newTestTracker() *Tracker {
	at := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	return New(memory.New(), func() time.Time {
		at = at.Add(time.Minute)
		return at
	})
}

func TestRecordRejectsDuplicatePair(t *testing.T) {
	tracker := newTestTracker()
	ctx := context.Background()

	first, err := tracker.Record(ctx, "sale-1", "watch-7", "sup-a", 6000)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if first.Paid() {
		t.Fatalf("new settlement must be unpaid")
	}

	_, err = tracker.Record(ctx, "sale-1", "watch-7", "sup-a", 6000)
	var conflict *store.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if conflict.Settlement == nil || conflict.Settlement.ID != first.ID {
		t.Fatalf("expected conflict to carry the existing record %s", first.ID)
	}
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict to match ErrConflict")
	}

	if _, err := tracker.Record(ctx, "sale-1", "watch-8", "sup-a", 100); err != nil {
		t.Fatalf("different product on the same sale should be accepted: %v", err)
	}
}

func TestRecordValidation(t *testing.T) {
	tracker := newTestTracker()
	ctx := context.Background()

	for name, args := range map[string][4]any{
		"missing sale":     {"", "p", "s", int64(1)},
		"missing product":  {"sale", "", "s", int64(1)},
		"missing supplier": {"sale", "p", " ", int64(1)},
		"negative payout":  {"sale", "p", "s", int64(-5)},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := tracker.Record(ctx, args[0].(string), args[1].(string), args[2].(string), args[3].(int64))
			if !errors.Is(err, store.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestMarkPaidOnlyOnce(t *testing.T) {
	tracker := newTestTracker()
	ctx := context.Background()

	record, err := tracker.Record(ctx, "sale-2", "ring-1", "sup-b", 2500)
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	paidAt := time.Date(2026, 4, 3, 15, 30, 0, 0, time.UTC)
	paid, err := tracker.MarkPaid(ctx, record.ID, paidAt)
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if paid.PaidAt == nil || !paid.PaidAt.Equal(paidAt) {
		t.Fatalf("expected paid_at %v, got %v", paidAt, paid.PaidAt)
	}

	_, err = tracker.MarkPaid(ctx, record.ID, paidAt.Add(time.Hour))
	var invalid *store.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
	if invalid.Record.PaidAt == nil || !invalid.Record.PaidAt.Equal(paidAt) {
		t.Fatalf("expected error to carry the unchanged record")
	}

	current, err := tracker.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !current.PaidAt.Equal(paidAt) {
		t.Fatalf("second mark paid must not change paid_at, got %v", current.PaidAt)
	}

	if _, err := tracker.MarkPaid(ctx, "stl-missing", time.Time{}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMarkPaidDefaultsToNow(t *testing.T) {
	tracker := newTestTracker()
	ctx := context.Background()

	record, err := tracker.Record(ctx, "sale-3", "bag-1", "sup-c", 900)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	paid, err := tracker.MarkPaid(ctx, record.ID, time.Time{})
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if paid.PaidAt == nil || !paid.PaidAt.After(record.CreatedAt) {
		t.Fatalf("expected paid_at from the clock after creation, got %v", paid.PaidAt)
	}
}

func TestListUnsettledAndLiabilities(t *testing.T) {
	tracker := newTestTracker()
	ctx := context.Background()

	a, _ := tracker.Record(ctx, "sale-1", "p1", "sup-b", 1000)
	_, _ = tracker.Record(ctx, "sale-1", "p2", "sup-a", 400)
	_, _ = tracker.Record(ctx, "sale-2", "p3", "sup-b", 250)
	if _, err := tracker.MarkPaid(ctx, a.ID, time.Time{}); err != nil {
		t.Fatalf("mark paid: %v", err)
	}

	unsettled, err := tracker.ListUnsettled(ctx)
	if err != nil {
		t.Fatalf("list unsettled: %v", err)
	}
	if len(unsettled) != 2 || unsettled[0].ProductID != "p2" || unsettled[1].ProductID != "p3" {
		t.Fatalf("expected p2 then p3 unsettled, got %+v", unsettled)
	}

	liabilities, err := tracker.SupplierLiabilities(ctx)
	if err != nil {
		t.Fatalf("liabilities: %v", err)
	}
	if len(liabilities) != 2 {
		t.Fatalf("expected two suppliers, got %+v", liabilities)
	}
	if liabilities[0].SupplierID != "sup-a" || liabilities[0].Outstanding != 400 {
		t.Fatalf("unexpected sup-a liability %+v", liabilities[0])
	}
	if liabilities[1].SupplierID != "sup-b" || liabilities[1].Outstanding != 250 || liabilities[1].Records != 1 {
		t.Fatalf("unexpected sup-b liability %+v", liabilities[1])
	}

	bySale, err := tracker.ForSales(ctx, []string{"sale-1"})
	if err != nil {
		t.Fatalf("for sales: %v", err)
	}
	if len(bySale) != 2 {
		t.Fatalf("expected two records for sale-1, got %d", len(bySale))
	}
}
