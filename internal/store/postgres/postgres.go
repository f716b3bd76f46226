package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"storeledger/backend/internal/store"
)

//go:embed schema.sql
var schema string

const (
	constraintMovementSequence  = "cash_movements_location_sequence_key"
	constraintMovementReference = "cash_movements_location_reference_key"
	constraintSettlementKey     = "settlements_sale_product_key"
)

type Store struct {
	db *sqlx.DB
}

var _ store.Repository = (*Store)(nil)

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	log.Info().Msg("postgres schema applied")
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// unavailable marks a driver failure as retryable. Cancellation is returned
// as is since retrying a cancelled request is the caller's call.
func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &store.UnavailableError{Op: op, Err: err}
}

func constraintViolation(err error) (code string, constraint string, ok bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName, true
	}
	return "", "", false
}

func isUniqueViolation(err error) bool {
	code, _, ok := constraintViolation(err)
	return ok && code == "23505"
}

func isForeignKeyViolation(err error) bool {
	code, _, ok := constraintViolation(err)
	return ok && code == "23503"
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return val.UTC()
}

func optionalTime(val time.Time) *time.Time {
	if val.IsZero() {
		return nil
	}
	return &val
}
