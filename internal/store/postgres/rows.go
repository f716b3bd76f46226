package postgres

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"storeledger/backend/internal/domain"
)

type locationRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

func (r locationRow) toDomain() domain.Location {
	return domain.Location{ID: r.ID, Name: r.Name, Active: r.Active, CreatedAt: r.CreatedAt.UTC()}
}

type movementRow struct {
	ID              string         `db:"id"`
	LocationID      string         `db:"location_id"`
	Kind            string         `db:"kind"`
	Amount          int64          `db:"amount"`
	ReferenceSaleID sql.NullString `db:"reference_sale_id"`
	Reference       sql.NullString `db:"reference"`
	Note            string         `db:"note"`
	ActorID         sql.NullString `db:"actor_id"`
	CreatedAt       time.Time      `db:"created_at"`
	Sequence        int64          `db:"sequence"`
}

const movementColumns = `id, location_id, kind, amount, reference_sale_id, reference, note, actor_id, created_at, sequence`

func (r movementRow) toDomain() domain.Movement {
	return domain.Movement{
		ID:              r.ID,
		LocationID:      r.LocationID,
		Kind:            domain.MovementKind(r.Kind),
		Amount:          r.Amount,
		ReferenceSaleID: r.ReferenceSaleID.String,
		Reference:       r.Reference.String,
		Note:            r.Note,
		ActorID:         r.ActorID.String,
		CreatedAt:       r.CreatedAt.UTC(),
		Sequence:        r.Sequence,
	}
}

type settlementRow struct {
	ID           string       `db:"id"`
	SaleID       string       `db:"sale_id"`
	ProductID    string       `db:"product_id"`
	SupplierID   string       `db:"supplier_id"`
	PayoutAmount int64        `db:"payout_amount"`
	CreatedAt    time.Time    `db:"created_at"`
	PaidAt       sql.NullTime `db:"paid_at"`
}

const settlementColumns = `id, sale_id, product_id, supplier_id, payout_amount, created_at, paid_at`

func (r settlementRow) toDomain() domain.SettlementRecord {
	record := domain.SettlementRecord{
		ID:           r.ID,
		SaleID:       r.SaleID,
		ProductID:    r.ProductID,
		SupplierID:   r.SupplierID,
		PayoutAmount: r.PayoutAmount,
		CreatedAt:    r.CreatedAt.UTC(),
	}
	if r.PaidAt.Valid {
		paid := r.PaidAt.Time.UTC()
		record.PaidAt = &paid
	}
	return record
}

type saleRow struct {
	ID            string    `db:"id"`
	LocationID    string    `db:"location_id"`
	StaffID       string    `db:"staff_id"`
	PaymentMethod string    `db:"payment_method"`
	CashAmount    int64     `db:"cash_amount"`
	Discount      int64     `db:"discount"`
	CreatedAt     time.Time `db:"created_at"`
	CompletedAt   time.Time `db:"completed_at"`
}

const saleColumns = `id, location_id, staff_id, payment_method, cash_amount, discount, created_at, completed_at`

func (r saleRow) toDomain(lines []domain.SaleLine) domain.Sale {
	if lines == nil {
		lines = []domain.SaleLine{}
	}
	return domain.Sale{
		ID:            r.ID,
		LocationID:    r.LocationID,
		StaffID:       r.StaffID,
		PaymentMethod: r.PaymentMethod,
		CashAmount:    r.CashAmount,
		Discount:      r.Discount,
		CreatedAt:     r.CreatedAt.UTC(),
		CompletedAt:   r.CompletedAt.UTC(),
		Lines:         lines,
	}
}

type saleLineRow struct {
	SaleID     string         `db:"sale_id"`
	LineNo     int            `db:"line_no"`
	ProductID  string         `db:"product_id"`
	Category   string         `db:"category"`
	Kind       string         `db:"kind"`
	Quantity   int64          `db:"quantity"`
	UnitPrice  int64          `db:"unit_price"`
	UnitCost   int64          `db:"unit_cost"`
	Allowance  int64          `db:"allowance"`
	Discount   int64          `db:"discount"`
	SupplierID sql.NullString `db:"supplier_id"`
}

func (r saleLineRow) toDomain() domain.SaleLine {
	return domain.SaleLine{
		ProductID:  r.ProductID,
		Category:   r.Category,
		Kind:       domain.LineKind(r.Kind),
		Quantity:   r.Quantity,
		UnitPrice:  r.UnitPrice,
		UnitCost:   r.UnitCost,
		Allowance:  r.Allowance,
		Discount:   r.Discount,
		SupplierID: r.SupplierID.String,
	}
}

type expenseRow struct {
	ID         string         `db:"id"`
	Category   string         `db:"category"`
	Amount     int64          `db:"amount"`
	IsCOGS     bool           `db:"is_cogs"`
	IncurredAt time.Time      `db:"incurred_at"`
	LocationID sql.NullString `db:"location_id"`
}

func (r expenseRow) toDomain() domain.ExpenseRecord {
	return domain.ExpenseRecord{
		ID:         r.ID,
		Category:   r.Category,
		Amount:     r.Amount,
		IsCOGS:     r.IsCOGS,
		IncurredAt: r.IncurredAt.UTC(),
		LocationID: r.LocationID.String,
	}
}

type staffRateRow struct {
	StaffID     string          `db:"staff_id"`
	RatePercent decimal.Decimal `db:"rate_percent"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

type auditRow struct {
	ID            string    `db:"id"`
	ActorUsername string    `db:"actor_username"`
	ActorRole     string    `db:"actor_role"`
	Action        string    `db:"action"`
	EntityType    string    `db:"entity_type"`
	EntityID      string    `db:"entity_id"`
	Detail        string    `db:"detail"`
	CreatedAt     time.Time `db:"created_at"`
}

func (r auditRow) toDomain() domain.AuditLog {
	return domain.AuditLog{
		ID:            r.ID,
		ActorUsername: r.ActorUsername,
		ActorRole:     r.ActorRole,
		Action:        r.Action,
		EntityType:    r.EntityType,
		EntityID:      r.EntityID,
		Detail:        r.Detail,
		CreatedAt:     r.CreatedAt.UTC(),
	}
}
