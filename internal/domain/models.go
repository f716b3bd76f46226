package domain

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type MovementKind string

const (
	MovementSaleCashIn     MovementKind = "sale_cash_in"
	MovementWithdrawal     MovementKind = "withdrawal"
	MovementDeposit        MovementKind = "deposit"
	MovementFloatSet       MovementKind = "float_set"
	MovementAdjustment     MovementKind = "adjustment"
	MovementSaleVoidRefund MovementKind = "sale_void_refund"
)

func (k MovementKind) Valid() bool {
	switch k {
	case MovementSaleCashIn, MovementWithdrawal, MovementDeposit, MovementFloatSet, MovementAdjustment, MovementSaleVoidRefund:
		return true
	}
	return false
}

type Location struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Movement is one immutable entry in a location's cash log. Corrections are
// new movements, never edits.
type Movement struct {
	ID              string       `json:"id"`
	LocationID      string       `json:"location_id"`
	Kind            MovementKind `json:"kind"`
	Amount          int64        `json:"amount"`
	ReferenceSaleID string       `json:"reference_sale_id,omitempty"`
	Reference       string       `json:"reference,omitempty"`
	Note            string       `json:"note,omitempty"`
	ActorID         string       `json:"actor_id,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	Sequence        int64        `json:"sequence"`

	// Replayed is set on the returned value when an append matched an
	// existing reference. It is never persisted.
	Replayed bool `json:"replayed,omitempty"`
}

func (m Movement) Cursor() Cursor {
	return Cursor{CreatedAt: m.CreatedAt, Sequence: m.Sequence}
}

type MovementMeta struct {
	ReferenceSaleID string
	Reference       string
	Note            string
	ActorID         string
}

// Cursor is the (created_at, sequence) position of the last movement seen.
type Cursor struct {
	CreatedAt time.Time
	Sequence  int64
}

func (c Cursor) IsZero() bool {
	return c.Sequence == 0 && c.CreatedAt.IsZero()
}

// Before reports whether m sorts strictly after the cursor position.
func (c Cursor) Before(m Movement) bool {
	if m.CreatedAt.Equal(c.CreatedAt) {
		return m.Sequence > c.Sequence
	}
	return m.CreatedAt.After(c.CreatedAt)
}

func (c Cursor) Encode() string {
	if c.IsZero() {
		return ""
	}
	raw := fmt.Sprintf("%d:%d", c.CreatedAt.UnixNano(), c.Sequence)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

var ErrInvalidCursor = errors.New("invalid cursor")

func ParseCursor(value string) (Cursor, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	nanos, seq, ok := strings.Cut(string(raw), ":")
	if !ok {
		return Cursor{}, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	s, err := strconv.ParseInt(seq, 10, 64)
	if err != nil || s < 0 {
		return Cursor{}, ErrInvalidCursor
	}
	return Cursor{CreatedAt: time.Unix(0, n).UTC(), Sequence: s}, nil
}

type LocationBalance struct {
	LocationID     string     `json:"location_id"`
	Balance        int64      `json:"balance"`
	LastMovementAt *time.Time `json:"last_movement_at"`
	MovementCount  int64      `json:"movement_count"`
	LastSequence   int64      `json:"last_sequence"`
}

// BalanceSnapshot is a cached prefix fold of a location's log up to Cursor.
type BalanceSnapshot struct {
	LocationID     string     `json:"location_id"`
	Balance        int64      `json:"balance"`
	MovementCount  int64      `json:"movement_count"`
	LastMovementAt *time.Time `json:"last_movement_at,omitempty"`
	CursorAt       time.Time  `json:"cursor_at"`
	CursorSequence int64      `json:"cursor_sequence"`
}

func (s BalanceSnapshot) Cursor() Cursor {
	return Cursor{CreatedAt: s.CursorAt, Sequence: s.CursorSequence}
}

type HistoryQuery struct {
	From   *time.Time
	To     *time.Time
	Cursor Cursor
	Limit  int
}

type HistoryPage struct {
	LocationID string     `json:"location_id"`
	Movements  []Movement `json:"movements"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

type SettlementRecord struct {
	ID           string     `json:"id"`
	SaleID       string     `json:"sale_id"`
	ProductID    string     `json:"product_id"`
	SupplierID   string     `json:"supplier_id"`
	PayoutAmount int64      `json:"payout_amount"`
	CreatedAt    time.Time  `json:"created_at"`
	PaidAt       *time.Time `json:"paid_at"`
}

func (r SettlementRecord) Paid() bool {
	return r.PaidAt != nil
}

// PaidBy reports whether the record had been paid at or before t.
func (r SettlementRecord) PaidBy(t time.Time) bool {
	return r.PaidAt != nil && !r.PaidAt.After(t)
}

func SettlementKey(saleID string, productID string) string {
	return saleID + "|" + productID
}

type SupplierLiability struct {
	SupplierID  string `json:"supplier_id"`
	Outstanding int64  `json:"outstanding"`
	Records     int    `json:"records"`
}

type LineKind string

const (
	LineStandard     LineKind = "standard"
	LinePartExchange LineKind = "part_exchange"
	LineConsignment  LineKind = "consignment"
)

func (k LineKind) Valid() bool {
	return k == LineStandard || k == LinePartExchange || k == LineConsignment
}

type SaleLine struct {
	ProductID  string   `json:"product_id" validate:"required"`
	Category   string   `json:"category"`
	Kind       LineKind `json:"kind" validate:"omitempty,oneof=standard part_exchange consignment"`
	Quantity   int64    `json:"quantity" validate:"gt=0"`
	UnitPrice  int64    `json:"unit_price" validate:"gte=0"`
	UnitCost   int64    `json:"unit_cost" validate:"gte=0"`
	Allowance  int64    `json:"allowance" validate:"gte=0"`
	Discount   int64    `json:"discount" validate:"gte=0"`
	SupplierID string   `json:"supplier_id,omitempty" validate:"required_if=Kind consignment"`
}

func (l SaleLine) Gross() int64 {
	return l.Quantity * l.UnitPrice
}

// Sale is the read model a collaborator supplies for a completed sale.
type Sale struct {
	ID            string     `json:"id" validate:"required"`
	LocationID    string     `json:"location_id" validate:"required"`
	StaffID       string     `json:"staff_id" validate:"required"`
	PaymentMethod string     `json:"payment_method"`
	CashAmount    int64      `json:"cash_amount" validate:"gte=0"`
	Discount      int64      `json:"discount" validate:"gte=0"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   time.Time  `json:"completed_at"`
	Lines         []SaleLine `json:"lines" validate:"required,min=1,dive"`
}

func (s Sale) CashReference() string {
	return "sale:" + s.ID
}

type ExpenseRecord struct {
	ID         string    `json:"id"`
	Category   string    `json:"category"`
	Amount     int64     `json:"amount"`
	IsCOGS     bool      `json:"is_cogs"`
	IncurredAt time.Time `json:"incurred_at"`
	LocationID string    `json:"location_id,omitempty"`
}

// Window is a half-open [From, To) range.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

type CategoryBreakdown struct {
	Category       string `json:"category"`
	Quantity       int64  `json:"quantity"`
	Revenue        int64  `json:"revenue"`
	COGS           int64  `json:"cogs"`
	GrossProfit    int64  `json:"gross_profit"`
	UnsettledValue int64  `json:"unsettled_value"`
}

type ProductBreakdown struct {
	ProductID      string `json:"product_id"`
	Category       string `json:"category"`
	Quantity       int64  `json:"quantity"`
	Revenue        int64  `json:"revenue"`
	COGS           int64  `json:"cogs"`
	GrossProfit    int64  `json:"gross_profit"`
	UnsettledValue int64  `json:"unsettled_value"`
}

type StaffBreakdown struct {
	StaffID     string `json:"staff_id"`
	SaleCount   int    `json:"sale_count"`
	Revenue     int64  `json:"revenue"`
	COGS        int64  `json:"cogs"`
	GrossProfit int64  `json:"gross_profit"`
}

type ExpenseBreakdown struct {
	Category string `json:"category"`
	IsCOGS   bool   `json:"is_cogs"`
	Amount   int64  `json:"amount"`
}

// PnLReport holds no clock-derived fields so identical inputs produce an
// identical report.
type PnLReport struct {
	Window                      Window              `json:"window"`
	SettledAsOf                 *time.Time          `json:"settled_as_of,omitempty"`
	SaleCount                   int                 `json:"sale_count"`
	Revenue                     int64               `json:"revenue"`
	COGS                        int64               `json:"cogs"`
	GrossProfit                 int64               `json:"gross_profit"`
	OperatingExpenses           int64               `json:"operating_expenses"`
	NetProfit                   int64               `json:"net_profit"`
	UnsettledConsignmentValue   int64               `json:"unsettled_consignment_value"`
	UnsettledConsignmentRevenue int64               `json:"unsettled_consignment_revenue"`
	Categories                  []CategoryBreakdown `json:"per_category_breakdown"`
	Products                    []ProductBreakdown  `json:"per_product_breakdown"`
	Staff                       []StaffBreakdown    `json:"per_staff_breakdown"`
	Expenses                    []ExpenseBreakdown  `json:"expense_breakdown"`
}

func (r PnLReport) StaffSlice(staffID string) (StaffBreakdown, bool) {
	for _, row := range r.Staff {
		if row.StaffID == staffID {
			return row, true
		}
	}
	return StaffBreakdown{}, false
}

type CommissionBasis string

const (
	BasisRevenue CommissionBasis = "revenue"
	BasisProfit  CommissionBasis = "profit"
)

func (b CommissionBasis) Valid() bool {
	return b == BasisRevenue || b == BasisProfit
}

type Commission struct {
	StaffID     string          `json:"staff_id"`
	Window      Window          `json:"window"`
	Basis       CommissionBasis `json:"basis"`
	RatePercent decimal.Decimal `json:"rate_percent"`
	RateSource  string          `json:"rate_source"`
	BaseAmount  int64           `json:"base_amount"`
	Amount      int64           `json:"amount"`
}

type StaffRate struct {
	StaffID     string          `json:"staff_id"`
	RatePercent decimal.Decimal `json:"rate_percent"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type SaleDiscrepancy struct {
	SaleID              string   `json:"sale_id"`
	LocationID          string   `json:"location_id"`
	MissingCashMovement bool     `json:"missing_cash_movement"`
	MissingSettlements  []string `json:"missing_settlements,omitempty"`
}

// SaleRecordResult describes which of the two sale steps were written.
type SaleRecordResult struct {
	Sale        Sale               `json:"sale"`
	Movement    *Movement          `json:"movement,omitempty"`
	Settlements []SettlementRecord `json:"settlements"`
	Repaired    bool               `json:"repaired,omitempty"`
}

type MovementAppendRequest struct {
	Kind            MovementKind `json:"kind" validate:"required,oneof=sale_cash_in withdrawal deposit adjustment sale_void_refund"`
	Amount          int64        `json:"amount"`
	ReferenceSaleID string       `json:"reference_sale_id,omitempty" validate:"max=128"`
	Reference       string       `json:"reference,omitempty" validate:"max=128"`
	Note            string       `json:"note,omitempty" validate:"max=500"`
}

type FloatSetRequest struct {
	Target     int64  `json:"target"`
	Note       string `json:"note,omitempty" validate:"max=500"`
	Reference  string `json:"reference,omitempty" validate:"max=128"`
	ManagerPIN string `json:"manager_pin,omitempty"`
}

type SettlementCreateRequest struct {
	SaleID       string `json:"sale_id" validate:"required,max=128"`
	ProductID    string `json:"product_id" validate:"required,max=128"`
	SupplierID   string `json:"supplier_id" validate:"required,max=128"`
	PayoutAmount int64  `json:"payout_amount" validate:"gte=0"`
}

type SettlementPaidRequest struct {
	PaidAt     *time.Time `json:"paid_at,omitempty"`
	ManagerPIN string     `json:"manager_pin,omitempty"`
}

type VoidRefundRequest struct {
	Amount     int64  `json:"amount" validate:"gt=0"`
	Note       string `json:"note,omitempty" validate:"max=500"`
	ManagerPIN string `json:"manager_pin,omitempty"`
}

type ExpenseCreateRequest struct {
	Category   string     `json:"category" validate:"required,max=64"`
	Amount     int64      `json:"amount" validate:"gt=0"`
	IsCOGS     bool       `json:"is_cogs"`
	IncurredAt *time.Time `json:"incurred_at,omitempty"`
	LocationID string     `json:"location_id,omitempty"`
}

type LocationCreateRequest struct {
	ID   string `json:"id" validate:"required,max=64"`
	Name string `json:"name" validate:"required,max=128"`
}

type StaffRateRequest struct {
	RatePercent decimal.Decimal `json:"rate_percent"`
}
