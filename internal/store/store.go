package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"storeledger/backend/internal/domain"
)

type LocationStore interface {
	GetLocation(ctx context.Context, id string) (*domain.Location, error)
	ListLocations(ctx context.Context) ([]domain.Location, error)
	CreateLocation(ctx context.Context, location domain.Location) (*domain.Location, error)
}

// MovementQuery selects a keyset page of a location's log. From/To bound
// created_at as a half-open range.
type MovementQuery struct {
	LocationID string
	After      domain.Cursor
	From       *time.Time
	To         *time.Time
	Limit      int
}

// MovementStore is the append-only cash log. InsertMovement must fail with
// ErrSequenceConflict unless m.Sequence is exactly one past the location's
// tail, and with ErrDuplicate when the reference is already used.
type MovementStore interface {
	LastMovement(ctx context.Context, locationID string) (*domain.Movement, error)
	InsertMovement(ctx context.Context, m domain.Movement) (*domain.Movement, error)
	ListMovements(ctx context.Context, q MovementQuery) ([]domain.Movement, error)
	FindMovementByReference(ctx context.Context, locationID string, reference string) (*domain.Movement, error)
}

type SettlementStore interface {
	InsertSettlement(ctx context.Context, record domain.SettlementRecord) (*domain.SettlementRecord, error)
	GetSettlement(ctx context.Context, id string) (*domain.SettlementRecord, error)
	FindSettlement(ctx context.Context, saleID string, productID string) (*domain.SettlementRecord, error)
	MarkSettlementPaid(ctx context.Context, id string, paidAt time.Time) (*domain.SettlementRecord, error)
	ListUnsettled(ctx context.Context) ([]domain.SettlementRecord, error)
	ListSettlementsBySales(ctx context.Context, saleIDs []string) ([]domain.SettlementRecord, error)
}

// SalesReadModel is supplied by the point-of-sale side. Sales are selected by
// completion time.
type SalesReadModel interface {
	ListSalesCompleted(ctx context.Context, from time.Time, to time.Time) ([]domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
}

type SaleWriter interface {
	SaveSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
}

type ExpenseSource interface {
	ListExpenses(ctx context.Context, from time.Time, to time.Time) ([]domain.ExpenseRecord, error)
}

type ExpenseWriter interface {
	CreateExpense(ctx context.Context, expense domain.ExpenseRecord) (*domain.ExpenseRecord, error)
}

type RateSource interface {
	GetStaffRate(ctx context.Context, staffID string) (decimal.Decimal, bool, error)
}

type RateWriter interface {
	SetStaffRate(ctx context.Context, rate domain.StaffRate) error
}

type AuditStore interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}

type Repository interface {
	LocationStore
	MovementStore
	SettlementStore
	SalesReadModel
	SaleWriter
	ExpenseSource
	ExpenseWriter
	RateSource
	RateWriter
	AuditStore
}
