package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"storeledger/backend/internal/commission"
	"storeledger/backend/internal/domain"
	"storeledger/backend/internal/ledger"
	"storeledger/backend/internal/pnl"
	"storeledger/backend/internal/settlement"
	"storeledger/backend/internal/store"
	"storeledger/backend/internal/xid"
)

type Service struct {
	repo        store.Repository
	ledger      *ledger.Ledger
	settlements *settlement.Tracker
	reports     *pnl.Aggregator
	commissions *commission.Calculator
	authz       Authorizer
	defaultRate decimal.Decimal
	now         func() time.Time
}

func New(repo store.Repository, l *ledger.Ledger, tracker *settlement.Tracker, reports *pnl.Aggregator, authz Authorizer, defaultRate decimal.Decimal) *Service {
	if authz == nil {
		authz = DefaultPolicy()
	}
	return &Service{
		repo:        repo,
		ledger:      l,
		settlements: tracker,
		reports:     reports,
		commissions: commission.New(reports, repo),
		authz:       authz,
		defaultRate: defaultRate,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) ListLocations(ctx context.Context) ([]domain.Location, error) {
	return s.repo.ListLocations(ctx)
}

func (s *Service) CreateLocation(ctx context.Context, req domain.LocationCreateRequest) (domain.Location, error) {
	if _, err := s.authorize(ctx, ActionManageLocations); err != nil {
		return domain.Location{}, err
	}
	created, err := s.repo.CreateLocation(ctx, domain.Location{
		ID:        strings.TrimSpace(req.ID),
		Name:      strings.TrimSpace(req.Name),
		Active:    true,
		CreatedAt: s.now(),
	})
	if err != nil {
		return domain.Location{}, err
	}
	s.logAudit(ctx, "location_create", "location", created.ID, "name="+created.Name)
	return *created, nil
}

func (s *Service) AppendMovement(ctx context.Context, locationID string, req domain.MovementAppendRequest) (domain.Movement, error) {
	return s.ledger.Append(ctx, locationID, req.Kind, req.Amount, domain.MovementMeta{
		ReferenceSaleID: req.ReferenceSaleID,
		Reference:       req.Reference,
		Note:            req.Note,
		ActorID:         actorID(ctx),
	})
}

func (s *Service) FindMovementByReference(ctx context.Context, locationID string, reference string) (domain.Movement, error) {
	return s.ledger.FindByReference(ctx, locationID, reference)
}

func (s *Service) Balance(ctx context.Context, locationID string) (domain.LocationBalance, error) {
	return s.ledger.CurrentBalance(ctx, locationID)
}

func (s *Service) History(ctx context.Context, locationID string, q domain.HistoryQuery) (domain.HistoryPage, error) {
	return s.ledger.History(ctx, locationID, q)
}

func (s *Service) SetFloat(ctx context.Context, locationID string, req domain.FloatSetRequest) (domain.Movement, error) {
	actor, err := s.authorize(ctx, ActionSetFloat)
	if err != nil {
		return domain.Movement{}, err
	}
	m, err := s.ledger.SetFloat(ctx, locationID, req.Target, domain.MovementMeta{
		Reference: req.Reference,
		Note:      req.Note,
		ActorID:   actor.Username,
	})
	if err != nil {
		return domain.Movement{}, err
	}
	if !m.Replayed {
		s.logAudit(ctx, "float_set", "location", locationID, fmt.Sprintf("target=%d,delta=%d,movement=%s", req.Target, m.Amount, m.ID))
	}
	return m, nil
}

func (s *Service) RecordSettlement(ctx context.Context, req domain.SettlementCreateRequest) (domain.SettlementRecord, error) {
	return s.settlements.Record(ctx, req.SaleID, req.ProductID, req.SupplierID, req.PayoutAmount)
}

func (s *Service) MarkSettlementPaid(ctx context.Context, settlementID string, req domain.SettlementPaidRequest) (domain.SettlementRecord, error) {
	if _, err := s.authorize(ctx, ActionMarkPaid); err != nil {
		return domain.SettlementRecord{}, err
	}
	var paidAt time.Time
	if req.PaidAt != nil {
		paidAt = *req.PaidAt
	}
	paid, err := s.settlements.MarkPaid(ctx, settlementID, paidAt)
	if err != nil {
		return domain.SettlementRecord{}, err
	}
	s.logAudit(ctx, "settlement_paid", "settlement", paid.ID, fmt.Sprintf("supplier=%s,payout=%d", paid.SupplierID, paid.PayoutAmount))
	return paid, nil
}

func (s *Service) ListUnsettled(ctx context.Context) ([]domain.SettlementRecord, error) {
	return s.settlements.ListUnsettled(ctx)
}

func (s *Service) SupplierLiabilities(ctx context.Context) ([]domain.SupplierLiability, error) {
	return s.settlements.SupplierLiabilities(ctx)
}

func (s *Service) CreateExpense(ctx context.Context, req domain.ExpenseCreateRequest) (domain.ExpenseRecord, error) {
	category := strings.TrimSpace(req.Category)
	if category == "" {
		return domain.ExpenseRecord{}, &store.ValidationError{Field: "category", Reason: "category required"}
	}
	if req.Amount <= 0 {
		return domain.ExpenseRecord{}, &store.ValidationError{Field: "amount", Reason: "amount must be positive"}
	}
	incurredAt := s.now()
	if req.IncurredAt != nil {
		incurredAt = req.IncurredAt.UTC()
	}

	created, err := s.repo.CreateExpense(ctx, domain.ExpenseRecord{
		ID:         xid.New("exp"),
		Category:   category,
		Amount:     req.Amount,
		IsCOGS:     req.IsCOGS,
		IncurredAt: incurredAt,
		LocationID: strings.TrimSpace(req.LocationID),
	})
	if err != nil {
		return domain.ExpenseRecord{}, err
	}
	return *created, nil
}

func (s *Service) ComputePnL(ctx context.Context, window domain.Window, opts ...pnl.ReportOption) (domain.PnLReport, error) {
	return s.reports.ComputeReport(ctx, window, opts...)
}

// ComputeCommission uses the configured default rate when rate is nil.
func (s *Service) ComputeCommission(ctx context.Context, staffID string, window domain.Window, rate *decimal.Decimal, basis domain.CommissionBasis) (domain.Commission, error) {
	return s.commissions.Compute(ctx, staffID, window, s.rateOrDefault(rate), basis)
}

func (s *Service) ComputeCommissionRun(ctx context.Context, window domain.Window, rate *decimal.Decimal, basis domain.CommissionBasis) ([]domain.Commission, error) {
	return s.commissions.ComputeAll(ctx, window, s.rateOrDefault(rate), basis)
}

func (s *Service) SetStaffRate(ctx context.Context, staffID string, req domain.StaffRateRequest) (domain.StaffRate, error) {
	if _, err := s.authorize(ctx, ActionManageRates); err != nil {
		return domain.StaffRate{}, err
	}
	staffID = strings.TrimSpace(staffID)
	if staffID == "" {
		return domain.StaffRate{}, &store.ValidationError{Field: "staff_id", Reason: "staff id required"}
	}
	if err := commission.ValidateRate(req.RatePercent); err != nil {
		return domain.StaffRate{}, err
	}

	rate := domain.StaffRate{StaffID: staffID, RatePercent: req.RatePercent, UpdatedAt: s.now()}
	if err := s.repo.SetStaffRate(ctx, rate); err != nil {
		return domain.StaffRate{}, err
	}
	s.logAudit(ctx, "commission_rate_set", "staff", staffID, "rate="+req.RatePercent.String())
	return rate, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) rateOrDefault(rate *decimal.Decimal) decimal.Decimal {
	if rate == nil {
		return s.defaultRate
	}
	return *rate
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		log.Warn().Err(err).Str("action", action).Str("entity", entityType+"/"+entityID).Msg("failed to write audit log")
	}
}

func actorID(ctx context.Context) string {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return ""
	}
	return actor.Username
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
