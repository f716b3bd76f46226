package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"storeledger/backend/internal/domain"
	"storeledger/backend/internal/store"
	"storeledger/backend/internal/xid"
)

type Store struct {
	mu                sync.RWMutex
	locations         map[string]domain.Location
	movements         map[string][]domain.Movement
	movementsByRef    map[string]int
	settlementsByID   map[string]domain.SettlementRecord
	settlementsByKey  map[string]string
	sales             map[string]domain.Sale
	expenses          []domain.ExpenseRecord
	staffRates        map[string]domain.StaffRate
	auditLogs         []domain.AuditLog
	failNextInsertFor map[string]error
}

func New() *Store {
	return &Store{
		locations:         make(map[string]domain.Location),
		movements:         make(map[string][]domain.Movement),
		movementsByRef:    make(map[string]int),
		settlementsByID:   make(map[string]domain.SettlementRecord),
		settlementsByKey:  make(map[string]string),
		sales:             make(map[string]domain.Sale),
		expenses:          make([]domain.ExpenseRecord, 0, 64),
		staffRates:        make(map[string]domain.StaffRate),
		auditLogs:         make([]domain.AuditLog, 0, 128),
		failNextInsertFor: make(map[string]error),
	}
}

// NewSeeded returns a store with the default shop locations used in dev mode.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	for _, loc := range []domain.Location{
		{ID: "main-store", Name: "Main Store", Active: true, CreatedAt: now},
		{ID: "kiosk-1", Name: "Kiosk 1", Active: true, CreatedAt: now},
	} {
		s.locations[loc.ID] = loc
	}
	return s
}

// FailNextInsert makes the next InsertMovement for locationID return err.
// Used to simulate storage outages.
func (s *Store) FailNextInsert(locationID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextInsertFor[locationID] = err
}

func (s *Store) GetLocation(_ context.Context, id string) (*domain.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loc, ok := s.locations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &loc, nil
}

func (s *Store) ListLocations(_ context.Context) ([]domain.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Location, 0, len(s.locations))
	for _, loc := range s.locations {
		result = append(result, loc)
	}
	slices.SortFunc(result, func(a, b domain.Location) int {
		return cmpString(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) CreateLocation(_ context.Context, location domain.Location) (*domain.Location, error) {
	location.ID = strings.TrimSpace(location.ID)
	if location.ID == "" {
		return nil, &store.ValidationError{Field: "id", Reason: "location id required"}
	}
	if location.CreatedAt.IsZero() {
		location.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.locations[location.ID]; exists {
		return nil, fmt.Errorf("location %s: %w", location.ID, store.ErrDuplicate)
	}
	s.locations[location.ID] = location
	created := location
	return &created, nil
}

func (s *Store) LastMovement(_ context.Context, locationID string) (*domain.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.movements[locationID]
	if len(log) == 0 {
		return nil, store.ErrNotFound
	}
	last := log[len(log)-1]
	return &last, nil
}

func (s *Store) InsertMovement(_ context.Context, m domain.Movement) (*domain.Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.failNextInsertFor[m.LocationID]; ok {
		delete(s.failNextInsertFor, m.LocationID)
		return nil, &store.UnavailableError{Op: "insert movement", Err: err}
	}
	if _, ok := s.locations[m.LocationID]; !ok {
		return nil, store.ErrNotFound
	}

	log := s.movements[m.LocationID]
	tail := int64(0)
	if len(log) > 0 {
		tail = log[len(log)-1].Sequence
	}
	if m.Sequence != tail+1 {
		return nil, store.ErrSequenceConflict
	}
	if m.Reference != "" {
		if _, exists := s.movementsByRef[refKey(m.LocationID, m.Reference)]; exists {
			return nil, store.ErrDuplicate
		}
	}
	if m.ID == "" {
		m.ID = xid.New("mv")
	}
	m.Replayed = false

	s.movements[m.LocationID] = append(log, m)
	if m.Reference != "" {
		s.movementsByRef[refKey(m.LocationID, m.Reference)] = len(log)
	}
	created := m
	return &created, nil
}

func (s *Store) ListMovements(_ context.Context, q store.MovementQuery) ([]domain.Movement, error) {
	limit := q.Limit
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.movements[q.LocationID]
	// The log is kept in sequence order, which is also (created_at, sequence)
	// order, so the cursor position can be found by binary search.
	start, _ := slices.BinarySearchFunc(log, q.After.Sequence, func(m domain.Movement, seq int64) int {
		switch {
		case m.Sequence < seq:
			return -1
		case m.Sequence > seq:
			return 1
		}
		return 0
	})

	result := make([]domain.Movement, 0, min(limit, len(log)))
	for _, m := range log[start:] {
		if !q.After.IsZero() && !q.After.Before(m) {
			continue
		}
		if q.From != nil && m.CreatedAt.Before(*q.From) {
			continue
		}
		if q.To != nil && !m.CreatedAt.Before(*q.To) {
			break
		}
		result = append(result, m)
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *Store) FindMovementByReference(_ context.Context, locationID string, reference string) (*domain.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.movementsByRef[refKey(locationID, reference)]
	if !ok {
		return nil, store.ErrNotFound
	}
	m := s.movements[locationID][idx]
	return &m, nil
}

func (s *Store) InsertSettlement(_ context.Context, record domain.SettlementRecord) (*domain.SettlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := domain.SettlementKey(record.SaleID, record.ProductID)
	if existingID, ok := s.settlementsByKey[key]; ok {
		existing := cloneSettlement(s.settlementsByID[existingID])
		return nil, &store.ConflictError{Reason: "settlement already recorded", Settlement: &existing}
	}
	if record.ID == "" {
		record.ID = xid.New("stl")
	}
	record = cloneSettlement(record)
	s.settlementsByID[record.ID] = record
	s.settlementsByKey[key] = record.ID

	created := cloneSettlement(record)
	return &created, nil
}

func (s *Store) GetSettlement(_ context.Context, id string) (*domain.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.settlementsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneSettlement(record)
	return &out, nil
}

func (s *Store) FindSettlement(_ context.Context, saleID string, productID string) (*domain.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.settlementsByKey[domain.SettlementKey(saleID, productID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneSettlement(s.settlementsByID[id])
	return &out, nil
}

func (s *Store) MarkSettlementPaid(_ context.Context, id string, paidAt time.Time) (*domain.SettlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.settlementsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if record.PaidAt != nil {
		return nil, &store.InvalidStateError{Reason: "settlement already paid", Record: cloneSettlement(record)}
	}
	at := paidAt.UTC()
	record.PaidAt = &at
	s.settlementsByID[id] = record

	out := cloneSettlement(record)
	return &out, nil
}

func (s *Store) ListUnsettled(_ context.Context) ([]domain.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.SettlementRecord, 0)
	for _, record := range s.settlementsByID {
		if record.PaidAt == nil {
			result = append(result, cloneSettlement(record))
		}
	}
	slices.SortFunc(result, compareSettlement)
	return result, nil
}

func (s *Store) ListSettlementsBySales(_ context.Context, saleIDs []string) ([]domain.SettlementRecord, error) {
	if len(saleIDs) == 0 {
		return []domain.SettlementRecord{}, nil
	}
	wanted := make(map[string]struct{}, len(saleIDs))
	for _, id := range saleIDs {
		wanted[id] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.SettlementRecord, 0, len(saleIDs))
	for _, record := range s.settlementsByID {
		if _, ok := wanted[record.SaleID]; ok {
			result = append(result, cloneSettlement(record))
		}
	}
	slices.SortFunc(result, compareSettlement)
	return result, nil
}

func (s *Store) SaveSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sales[sale.ID]; exists {
		return nil, fmt.Errorf("sale %s: %w", sale.ID, store.ErrDuplicate)
	}
	sale = cloneSale(sale)
	s.sales[sale.ID] = sale
	out := cloneSale(sale)
	return &out, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneSale(sale)
	return &out, nil
}

func (s *Store) ListSalesCompleted(_ context.Context, from time.Time, to time.Time) ([]domain.Sale, error) {
	window := domain.Window{From: from, To: to}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0)
	for _, sale := range s.sales {
		if window.Contains(sale.CompletedAt) {
			result = append(result, cloneSale(sale))
		}
	}
	slices.SortFunc(result, func(a, b domain.Sale) int {
		if c := a.CompletedAt.Compare(b.CompletedAt); c != 0 {
			return c
		}
		return cmpString(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) CreateExpense(_ context.Context, expense domain.ExpenseRecord) (*domain.ExpenseRecord, error) {
	if expense.ID == "" {
		expense.ID = xid.New("exp")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.expenses = append(s.expenses, expense)
	created := expense
	return &created, nil
}

func (s *Store) ListExpenses(_ context.Context, from time.Time, to time.Time) ([]domain.ExpenseRecord, error) {
	window := domain.Window{From: from, To: to}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ExpenseRecord, 0)
	for _, expense := range s.expenses {
		if window.Contains(expense.IncurredAt) {
			result = append(result, expense)
		}
	}
	slices.SortFunc(result, func(a, b domain.ExpenseRecord) int {
		if c := a.IncurredAt.Compare(b.IncurredAt); c != 0 {
			return c
		}
		return cmpString(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) GetStaffRate(_ context.Context, staffID string) (decimal.Decimal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rate, ok := s.staffRates[staffID]
	if !ok {
		return decimal.Zero, false, nil
	}
	return rate.RatePercent, true, nil
}

func (s *Store) SetStaffRate(_ context.Context, rate domain.StaffRate) error {
	if rate.UpdatedAt.IsZero() {
		rate.UpdatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.staffRates[rate.StaffID] = rate
	return nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	window := domain.Window{From: from, To: to}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, min(limit, len(s.auditLogs)))
	for i := len(s.auditLogs) - 1; i >= 0 && len(result) < limit; i-- {
		entry := s.auditLogs[i]
		if window.Contains(entry.CreatedAt) {
			result = append(result, entry)
		}
	}
	return result, nil
}

func refKey(locationID string, reference string) string {
	return locationID + "\x00" + reference
}

func compareSettlement(a, b domain.SettlementRecord) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmpString(a.ID, b.ID)
}

func cmpString(a string, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cloneSettlement(src domain.SettlementRecord) domain.SettlementRecord {
	out := src
	if src.PaidAt != nil {
		at := *src.PaidAt
		out.PaidAt = &at
	}
	return out
}

func cloneSale(src domain.Sale) domain.Sale {
	out := src
	out.Lines = append([]domain.SaleLine(nil), src.Lines...)
	return out
}
