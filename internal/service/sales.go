package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"

	"storeledger/backend/internal/domain"
	"storeledger/backend/internal/store"
)

// RecordSale stores the sale and then performs its two ledger steps in
// order: the cash movement, then one pending settlement per consignment
// line. There is no rollback. If a step fails the returned result shows what
// was written and RepairSale finishes the job later. Recording a sale id
// that already exists behaves like RepairSale.
func (s *Service) RecordSale(ctx context.Context, sale domain.Sale) (domain.SaleRecordResult, error) {
	sale = s.normalizeSale(sale)
	if err := s.validateSale(ctx, sale); err != nil {
		return domain.SaleRecordResult{}, err
	}

	saved, err := s.repo.SaveSale(ctx, sale)
	if errors.Is(err, store.ErrDuplicate) {
		existing, getErr := s.repo.GetSale(ctx, sale.ID)
		if getErr != nil {
			return domain.SaleRecordResult{}, getErr
		}
		return s.completeSale(ctx, *existing, true)
	}
	if err != nil {
		return domain.SaleRecordResult{}, err
	}

	result, err := s.completeSale(ctx, *saved, false)
	if err == nil {
		s.logAudit(ctx, "sale_record", "sale", sale.ID, fmt.Sprintf("location=%s,cash=%d,settlements=%d", sale.LocationID, sale.CashAmount, len(result.Settlements)))
	}
	return result, err
}

// RepairSale appends whatever part of a recorded sale is missing. Running it
// on a complete sale writes nothing.
func (s *Service) RepairSale(ctx context.Context, saleID string) (domain.SaleRecordResult, error) {
	sale, err := s.repo.GetSale(ctx, strings.TrimSpace(saleID))
	if err != nil {
		return domain.SaleRecordResult{}, fmt.Errorf("sale %s: %w", saleID, err)
	}
	return s.completeSale(ctx, *sale, true)
}

func (s *Service) completeSale(ctx context.Context, sale domain.Sale, repair bool) (domain.SaleRecordResult, error) {
	result := domain.SaleRecordResult{Sale: sale, Settlements: []domain.SettlementRecord{}}
	wrote := false

	if sale.CashAmount > 0 {
		m, err := s.ledger.Append(ctx, sale.LocationID, domain.MovementSaleCashIn, sale.CashAmount, domain.MovementMeta{
			ReferenceSaleID: sale.ID,
			Reference:       sale.CashReference(),
			ActorID:         actorID(ctx),
		})
		if err != nil {
			return result, fmt.Errorf("sale %s: cash movement not recorded: %w", sale.ID, err)
		}
		result.Movement = &m
		wrote = wrote || !m.Replayed
	}

	for _, line := range sale.Lines {
		if line.Kind != domain.LineConsignment {
			continue
		}
		record, created, err := s.ensureSettlement(ctx, sale.ID, line)
		if err != nil {
			return result, fmt.Errorf("sale %s: settlement for %s not recorded: %w", sale.ID, line.ProductID, err)
		}
		if !slices.ContainsFunc(result.Settlements, func(r domain.SettlementRecord) bool { return r.ID == record.ID }) {
			result.Settlements = append(result.Settlements, record)
		}
		wrote = wrote || created
	}

	if repair {
		result.Repaired = wrote
		if wrote {
			s.logAudit(ctx, "sale_repair", "sale", sale.ID, "appended missing ledger entries")
			log.Info().Str("sale_id", sale.ID).Msg("sale ledger entries repaired")
		}
	}
	return result, nil
}

func (s *Service) ensureSettlement(ctx context.Context, saleID string, line domain.SaleLine) (domain.SettlementRecord, bool, error) {
	record, err := s.settlements.Record(ctx, saleID, line.ProductID, line.SupplierID, line.UnitCost)
	if err == nil {
		return record, true, nil
	}
	var conflict *store.ConflictError
	if errors.As(err, &conflict) && conflict.Settlement != nil {
		return *conflict.Settlement, false, nil
	}
	return domain.SettlementRecord{}, false, err
}

// ReconcileSales lists sales completed in the window whose cash movement or
// settlements are missing.
func (s *Service) ReconcileSales(ctx context.Context, window domain.Window) ([]domain.SaleDiscrepancy, error) {
	if window.From.After(window.To) {
		return nil, &store.ValidationError{Field: "window", Reason: "from must not be after to"}
	}
	sales, err := s.repo.ListSalesCompleted(ctx, window.From, window.To)
	if err != nil {
		return nil, err
	}

	out := make([]domain.SaleDiscrepancy, 0)
	for _, sale := range sales {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		gap := domain.SaleDiscrepancy{SaleID: sale.ID, LocationID: sale.LocationID}
		if sale.CashAmount > 0 {
			_, err := s.ledger.FindByReference(ctx, sale.LocationID, sale.CashReference())
			switch {
			case isNotFound(err):
				gap.MissingCashMovement = true
			case err != nil:
				return nil, err
			}
		}
		for _, line := range sale.Lines {
			if line.Kind != domain.LineConsignment {
				continue
			}
			_, err := s.settlements.Find(ctx, sale.ID, line.ProductID)
			switch {
			case isNotFound(err):
				if !slices.Contains(gap.MissingSettlements, line.ProductID) {
					gap.MissingSettlements = append(gap.MissingSettlements, line.ProductID)
				}
			case err != nil:
				return nil, err
			}
		}
		if gap.MissingCashMovement || len(gap.MissingSettlements) > 0 {
			out = append(out, gap)
		}
	}
	slices.SortFunc(out, func(a, b domain.SaleDiscrepancy) int {
		return strings.Compare(a.SaleID, b.SaleID)
	})
	return out, nil
}

// VoidSaleRefund pays cash back out of the drawer for a voided sale. One
// refund per sale; a retry returns the original movement.
func (s *Service) VoidSaleRefund(ctx context.Context, saleID string, req domain.VoidRefundRequest) (domain.Movement, error) {
	sale, err := s.repo.GetSale(ctx, strings.TrimSpace(saleID))
	if err != nil {
		return domain.Movement{}, fmt.Errorf("sale %s: %w", saleID, err)
	}
	if req.Amount <= 0 {
		return domain.Movement{}, &store.ValidationError{Field: "amount", SaleID: sale.ID, Reason: "refund amount must be positive"}
	}

	m, err := s.ledger.Append(ctx, sale.LocationID, domain.MovementSaleVoidRefund, -req.Amount, domain.MovementMeta{
		ReferenceSaleID: sale.ID,
		Reference:       "void:" + sale.ID,
		Note:            req.Note,
		ActorID:         actorID(ctx),
	})
	if err != nil {
		return domain.Movement{}, err
	}
	if !m.Replayed {
		s.logAudit(ctx, "sale_void_refund", "sale", sale.ID, fmt.Sprintf("amount=%d,movement=%s", req.Amount, m.ID))
	}
	return m, nil
}

func (s *Service) normalizeSale(sale domain.Sale) domain.Sale {
	sale.ID = strings.TrimSpace(sale.ID)
	sale.LocationID = strings.TrimSpace(sale.LocationID)
	sale.StaffID = strings.TrimSpace(sale.StaffID)
	sale.PaymentMethod = strings.ToLower(strings.TrimSpace(sale.PaymentMethod))
	if sale.CompletedAt.IsZero() {
		sale.CompletedAt = s.now()
	}
	sale.CompletedAt = sale.CompletedAt.UTC()
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = sale.CompletedAt
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	lines := make([]domain.SaleLine, len(sale.Lines))
	for i, line := range sale.Lines {
		line.ProductID = strings.TrimSpace(line.ProductID)
		line.Category = strings.TrimSpace(line.Category)
		line.SupplierID = strings.TrimSpace(line.SupplierID)
		if line.Kind == "" {
			line.Kind = domain.LineStandard
		}
		lines[i] = line
	}
	sale.Lines = lines
	return sale
}

func (s *Service) validateSale(ctx context.Context, sale domain.Sale) error {
	invalid := func(field string, reason string) error {
		return &store.ValidationError{Field: field, LocationID: sale.LocationID, SaleID: sale.ID, Reason: reason}
	}
	switch {
	case sale.ID == "":
		return invalid("id", "sale id required")
	case sale.StaffID == "":
		return invalid("staff_id", "staff id required")
	case sale.CashAmount < 0:
		return invalid("cash_amount", "cash amount must not be negative")
	case sale.Discount < 0:
		return invalid("discount", "discount must not be negative")
	case len(sale.Lines) == 0:
		return invalid("lines", "sale has no lines")
	case sale.CompletedAt.Before(sale.CreatedAt):
		return invalid("completed_at", "sale completed before it was created")
	}
	for i, line := range sale.Lines {
		field := fmt.Sprintf("lines[%d]", i)
		switch {
		case line.ProductID == "":
			return invalid(field+".product_id", "product id required")
		case !line.Kind.Valid():
			return invalid(field+".kind", fmt.Sprintf("unknown line kind %q", line.Kind))
		case line.Quantity <= 0:
			return invalid(field+".quantity", "quantity must be positive")
		case line.UnitPrice < 0 || line.UnitCost < 0 || line.Allowance < 0 || line.Discount < 0:
			return invalid(field, "amounts must not be negative")
		case line.Kind == domain.LineConsignment && line.SupplierID == "":
			return invalid(field+".supplier_id", "consignment line needs a supplier")
		}
	}

	if sale.LocationID == "" {
		return invalid("location_id", "location id required")
	}
	if _, err := s.repo.GetLocation(ctx, sale.LocationID); err != nil {
		if isNotFound(err) {
			return invalid("location_id", "unknown location")
		}
		return err
	}
	return nil
}
