package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"storeledger/backend/internal/domain"
	"storeledger/backend/internal/store"
	"storeledger/backend/internal/xid"
)

func (s *Store) SaveSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, unavailable("save sale", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (`+saleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sale.ID, sale.LocationID, sale.StaffID, sale.PaymentMethod, sale.CashAmount, sale.Discount,
		sale.CreatedAt.UTC(), sale.CompletedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("sale %s: %w", sale.ID, store.ErrDuplicate)
	}
	if isForeignKeyViolation(err) {
		return nil, &store.ValidationError{Field: "location_id", LocationID: sale.LocationID, SaleID: sale.ID, Reason: "unknown location"}
	}
	if err != nil {
		return nil, unavailable("save sale", err)
	}

	for i, line := range sale.Lines {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_lines (
				sale_id, line_no, product_id, category, kind, quantity,
				unit_price, unit_cost, allowance, discount, supplier_id
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			sale.ID, i+1, line.ProductID, line.Category, string(line.Kind), line.Quantity,
			line.UnitPrice, line.UnitCost, line.Allowance, line.Discount, nullIfEmpty(line.SupplierID),
		)
		if err != nil {
			return nil, unavailable("save sale line", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit sale", err)
	}
	return s.GetSale(ctx, sale.ID)
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	var row saleRow
	err := s.db.GetContext(ctx, &row, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get sale", err)
	}

	lines, err := s.saleLines(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	sale := row.toDomain(lines[id])
	return &sale, nil
}

func (s *Store) ListSalesCompleted(ctx context.Context, from time.Time, to time.Time) ([]domain.Sale, error) {
	var rows []saleRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE completed_at >= $1 AND completed_at < $2
		ORDER BY completed_at, id`, from.UTC(), to.UTC())
	if err != nil {
		return nil, unavailable("list sales", err)
	}
	if len(rows) == 0 {
		return []domain.Sale{}, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	lines, err := s.saleLines(ctx, ids)
	if err != nil {
		return nil, err
	}

	result := make([]domain.Sale, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain(lines[row.ID]))
	}
	return result, nil
}

func (s *Store) saleLines(ctx context.Context, saleIDs []string) (map[string][]domain.SaleLine, error) {
	query, args, err := sqlx.In(`
		SELECT sale_id, line_no, product_id, category, kind, quantity,
		       unit_price, unit_cost, allowance, discount, supplier_id
		FROM sale_lines
		WHERE sale_id IN (?)
		ORDER BY sale_id, line_no`, saleIDs)
	if err != nil {
		return nil, err
	}

	var rows []saleLineRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, unavailable("list sale lines", err)
	}
	grouped := make(map[string][]domain.SaleLine, len(saleIDs))
	for _, row := range rows {
		grouped[row.SaleID] = append(grouped[row.SaleID], row.toDomain())
	}
	return grouped, nil
}

func (s *Store) CreateExpense(ctx context.Context, expense domain.ExpenseRecord) (*domain.ExpenseRecord, error) {
	if expense.ID == "" {
		expense.ID = xid.New("exp")
	}

	var row expenseRow
	err := s.db.GetContext(ctx, &row, `
		INSERT INTO expenses (id, category, amount, is_cogs, incurred_at, location_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, category, amount, is_cogs, incurred_at, location_id`,
		expense.ID, expense.Category, expense.Amount, expense.IsCOGS, expense.IncurredAt.UTC(), nullIfEmpty(expense.LocationID),
	)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("expense %s: %w", expense.ID, store.ErrDuplicate)
	}
	if err != nil {
		return nil, unavailable("create expense", err)
	}
	created := row.toDomain()
	return &created, nil
}

func (s *Store) ListExpenses(ctx context.Context, from time.Time, to time.Time) ([]domain.ExpenseRecord, error) {
	var rows []expenseRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, category, amount, is_cogs, incurred_at, location_id
		FROM expenses
		WHERE incurred_at >= $1 AND incurred_at < $2
		ORDER BY incurred_at, id`, from.UTC(), to.UTC())
	if err != nil {
		return nil, unavailable("list expenses", err)
	}
	result := make([]domain.ExpenseRecord, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

func (s *Store) GetStaffRate(ctx context.Context, staffID string) (decimal.Decimal, bool, error) {
	var row staffRateRow
	err := s.db.GetContext(ctx, &row, `
		SELECT staff_id, rate_percent, updated_at
		FROM staff_commission_rates
		WHERE staff_id = $1`, staffID)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, unavailable("get staff rate", err)
	}
	return row.RatePercent, true, nil
}

func (s *Store) SetStaffRate(ctx context.Context, rate domain.StaffRate) error {
	if rate.UpdatedAt.IsZero() {
		rate.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO staff_commission_rates (staff_id, rate_percent, updated_at)
		VALUES (:staff_id, :rate_percent, :updated_at)
		ON CONFLICT (staff_id) DO UPDATE
		SET rate_percent = EXCLUDED.rate_percent, updated_at = EXCLUDED.updated_at`,
		staffRateRow{StaffID: rate.StaffID, RatePercent: rate.RatePercent, UpdatedAt: rate.UpdatedAt.UTC()},
	)
	if err != nil {
		return unavailable("set staff rate", err)
	}
	return nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES (:id, :actor_username, :actor_role, :action, :entity_type, :entity_id, :detail, :created_at)`,
		auditRow{
			ID:            entry.ID,
			ActorUsername: entry.ActorUsername,
			ActorRole:     entry.ActorRole,
			Action:        entry.Action,
			EntityType:    entry.EntityType,
			EntityID:      entry.EntityID,
			Detail:        entry.Detail,
			CreatedAt:     entry.CreatedAt.UTC(),
		},
	)
	if err != nil {
		return unavailable("create audit log", err)
	}
	return nil
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3`, from.UTC(), to.UTC(), limit)
	if err != nil {
		return nil, unavailable("list audit logs", err)
	}
	result := make([]domain.AuditLog, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}
