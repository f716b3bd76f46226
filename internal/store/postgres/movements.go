package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"storeledger/backend/internal/domain"
	"storeledger/backend/internal/store"
	"storeledger/backend/internal/xid"
)

func (s *Store) GetLocation(ctx context.Context, id string) (*domain.Location, error) {
	var row locationRow
	err := s.db.GetContext(ctx, &row, `SELECT id, name, active, created_at FROM locations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get location", err)
	}
	loc := row.toDomain()
	return &loc, nil
}

func (s *Store) ListLocations(ctx context.Context) ([]domain.Location, error) {
	var rows []locationRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, name, active, created_at FROM locations ORDER BY id`); err != nil {
		return nil, unavailable("list locations", err)
	}
	result := make([]domain.Location, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

func (s *Store) CreateLocation(ctx context.Context, location domain.Location) (*domain.Location, error) {
	location.ID = strings.TrimSpace(location.ID)
	if location.ID == "" {
		return nil, &store.ValidationError{Field: "id", Reason: "location id required"}
	}

	var row locationRow
	err := s.db.GetContext(ctx, &row, `
		INSERT INTO locations (id, name, active, created_at)
		VALUES ($1, $2, $3, COALESCE($4::timestamptz, now()))
		RETURNING id, name, active, created_at`,
		location.ID, location.Name, location.Active, nullTime(optionalTime(location.CreatedAt)),
	)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("location %s: %w", location.ID, store.ErrDuplicate)
	}
	if err != nil {
		return nil, unavailable("create location", err)
	}
	created := row.toDomain()
	return &created, nil
}

func (s *Store) LastMovement(ctx context.Context, locationID string) (*domain.Movement, error) {
	var row movementRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+movementColumns+`
		FROM cash_movements
		WHERE location_id = $1
		ORDER BY sequence DESC
		LIMIT 1`, locationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("last movement", err)
	}
	m := row.toDomain()
	return &m, nil
}

// InsertMovement only writes when m.Sequence is the next slot. Two writers
// racing for the same slot both pass the guard; the unique key then rejects
// the loser, which surfaces as the same ErrSequenceConflict.
func (s *Store) InsertMovement(ctx context.Context, m domain.Movement) (*domain.Movement, error) {
	if m.ID == "" {
		m.ID = xid.New("mv")
	}

	var row movementRow
	err := s.db.GetContext(ctx, &row, `
		INSERT INTO cash_movements (`+movementColumns+`)
		SELECT $1::text, l.id, $3::text, $4::bigint, $5::text, $6::text, $7::text, $8::text, $9::timestamptz, $10::bigint
		FROM locations l
		WHERE l.id = $2
		  AND COALESCE((SELECT max(sequence) FROM cash_movements WHERE location_id = $2), 0) = $10::bigint - 1
		RETURNING `+movementColumns,
		m.ID, m.LocationID, string(m.Kind), m.Amount,
		nullIfEmpty(m.ReferenceSaleID), nullIfEmpty(m.Reference), m.Note, nullIfEmpty(m.ActorID),
		m.CreatedAt.UTC(), m.Sequence,
	)
	if err == nil {
		created := row.toDomain()
		return &created, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		if _, lookupErr := s.GetLocation(ctx, m.LocationID); errors.Is(lookupErr, store.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, store.ErrSequenceConflict
	}
	if _, constraint, ok := constraintViolation(err); ok && isUniqueViolation(err) {
		switch constraint {
		case constraintMovementSequence:
			return nil, store.ErrSequenceConflict
		case constraintMovementReference:
			return nil, store.ErrDuplicate
		}
	}
	return nil, unavailable("insert movement", err)
}

func (s *Store) ListMovements(ctx context.Context, q store.MovementQuery) ([]domain.Movement, error) {
	limit := q.Limit
	if limit < 1 {
		limit = 100
	}

	clauses := []string{"location_id = $1"}
	args := []any{q.LocationID}
	if !q.After.IsZero() {
		args = append(args, q.After.CreatedAt.UTC(), q.After.Sequence)
		clauses = append(clauses, fmt.Sprintf("(created_at, sequence) > ($%d, $%d)", len(args)-1, len(args)))
	}
	if q.From != nil {
		args = append(args, q.From.UTC())
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if q.To != nil {
		args = append(args, q.To.UTC())
		clauses = append(clauses, fmt.Sprintf("created_at < $%d", len(args)))
	}
	args = append(args, limit)

	query := `SELECT ` + movementColumns + `
		FROM cash_movements
		WHERE ` + strings.Join(clauses, " AND ") + `
		ORDER BY created_at, sequence
		LIMIT ` + fmt.Sprintf("$%d", len(args))

	var rows []movementRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, unavailable("list movements", err)
	}
	result := make([]domain.Movement, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

func (s *Store) FindMovementByReference(ctx context.Context, locationID string, reference string) (*domain.Movement, error) {
	var row movementRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+movementColumns+`
		FROM cash_movements
		WHERE location_id = $1 AND reference = $2`, locationID, reference)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("find movement", err)
	}
	m := row.toDomain()
	return &m, nil
}
