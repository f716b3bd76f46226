package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"storeledger/backend/internal/domain"
	"storeledger/backend/internal/store"
	"storeledger/backend/internal/xid"
)

func (s *Store) InsertSettlement(ctx context.Context, record domain.SettlementRecord) (*domain.SettlementRecord, error) {
	if record.ID == "" {
		record.ID = xid.New("stl")
	}

	var row settlementRow
	err := s.db.GetContext(ctx, &row, `
		INSERT INTO settlements (`+settlementColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+settlementColumns,
		record.ID, record.SaleID, record.ProductID, record.SupplierID, record.PayoutAmount,
		record.CreatedAt.UTC(), nullTime(record.PaidAt),
	)
	if _, constraint, ok := constraintViolation(err); ok && isUniqueViolation(err) && constraint == constraintSettlementKey {
		existing, findErr := s.FindSettlement(ctx, record.SaleID, record.ProductID)
		if findErr != nil {
			return nil, findErr
		}
		return nil, &store.ConflictError{Reason: "settlement already recorded", Settlement: existing}
	}
	if err != nil {
		return nil, unavailable("insert settlement", err)
	}
	created := row.toDomain()
	return &created, nil
}

func (s *Store) GetSettlement(ctx context.Context, id string) (*domain.SettlementRecord, error) {
	return s.getSettlement(ctx, "get settlement", `SELECT `+settlementColumns+` FROM settlements WHERE id = $1`, id)
}

func (s *Store) FindSettlement(ctx context.Context, saleID string, productID string) (*domain.SettlementRecord, error) {
	return s.getSettlement(ctx, "find settlement",
		`SELECT `+settlementColumns+` FROM settlements WHERE sale_id = $1 AND product_id = $2`, saleID, productID)
}

func (s *Store) getSettlement(ctx context.Context, op string, query string, args ...any) (*domain.SettlementRecord, error) {
	var row settlementRow
	err := s.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, unavailable(op, err)
	}
	record := row.toDomain()
	return &record, nil
}

// MarkSettlementPaid flips paid_at in a single guarded update so two payers
// cannot both succeed.
func (s *Store) MarkSettlementPaid(ctx context.Context, id string, paidAt time.Time) (*domain.SettlementRecord, error) {
	var row settlementRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE settlements
		SET paid_at = $2
		WHERE id = $1 AND paid_at IS NULL
		RETURNING `+settlementColumns, id, paidAt.UTC())
	if err == nil {
		record := row.toDomain()
		return &record, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, unavailable("mark settlement paid", err)
	}

	existing, err := s.GetSettlement(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, &store.InvalidStateError{Reason: "settlement already paid", Record: *existing}
}

func (s *Store) ListUnsettled(ctx context.Context) ([]domain.SettlementRecord, error) {
	var rows []settlementRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+settlementColumns+`
		FROM settlements
		WHERE paid_at IS NULL
		ORDER BY created_at, id`)
	if err != nil {
		return nil, unavailable("list unsettled", err)
	}
	return settlementsFromRows(rows), nil
}

func (s *Store) ListSettlementsBySales(ctx context.Context, saleIDs []string) ([]domain.SettlementRecord, error) {
	if len(saleIDs) == 0 {
		return []domain.SettlementRecord{}, nil
	}

	query, args, err := sqlx.In(`
		SELECT `+settlementColumns+`
		FROM settlements
		WHERE sale_id IN (?)
		ORDER BY created_at, id`, saleIDs)
	if err != nil {
		return nil, err
	}

	var rows []settlementRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, unavailable("list settlements by sales", err)
	}
	return settlementsFromRows(rows), nil
}

func settlementsFromRows(rows []settlementRow) []domain.SettlementRecord {
	result := make([]domain.SettlementRecord, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result
}
