package store

import (
	"errors"
	"fmt"
	"strings"

	"storeledger/backend/internal/domain"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrValidation       = errors.New("validation failed")
	ErrConflict         = errors.New("conflict")
	ErrInvalidState     = errors.New("invalid state")
	ErrSequenceConflict = errors.New("sequence already taken")
	ErrDuplicate        = errors.New("duplicate reference")
	ErrUnavailable      = errors.New("storage unavailable")
)

// ValidationError rejects malformed input before anything is written.
type ValidationError struct {
	Field      string
	LocationID string
	SaleID     string
	Reason     string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, 3)
	if e.LocationID != "" {
		parts = append(parts, "location="+e.LocationID)
	}
	if e.SaleID != "" {
		parts = append(parts, "sale="+e.SaleID)
	}
	if e.Field != "" {
		parts = append(parts, "field="+e.Field)
	}
	if len(parts) == 0 {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed (%s): %s", strings.Join(parts, " "), e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConflictError carries the record that already exists so the caller can
// reconcile instead of retrying blindly.
type ConflictError struct {
	Reason     string
	Settlement *domain.SettlementRecord
	Movement   *domain.Movement
}

func (e *ConflictError) Error() string {
	switch {
	case e.Settlement != nil:
		return fmt.Sprintf("conflict: %s (sale=%s product=%s)", e.Reason, e.Settlement.SaleID, e.Settlement.ProductID)
	case e.Movement != nil:
		return fmt.Sprintf("conflict: %s (location=%s reference=%s)", e.Reason, e.Movement.LocationID, e.Movement.Reference)
	}
	return "conflict: " + e.Reason
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

type InvalidStateError struct {
	Reason string
	Record domain.SettlementRecord
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state: %s (settlement=%s sale=%s product=%s)", e.Reason, e.Record.ID, e.Record.SaleID, e.Record.ProductID)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// UnavailableError marks a storage failure as retryable. Callers retrying an
// append must re-query by reference first.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: storage unavailable", e.Op)
	}
	return fmt.Sprintf("%s: storage unavailable: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUnavailable}
	}
	return []error{ErrUnavailable, e.Err}
}

func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
