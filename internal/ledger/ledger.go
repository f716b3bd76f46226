package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"storeledger/backend/internal/cache"
	"storeledger/backend/internal/domain"
	"storeledger/backend/internal/lock"
	"storeledger/backend/internal/store"
	"storeledger/backend/internal/xid"
)

const (
	defaultPageSize   = 500
	defaultMaxRetries = 8
	maxHistoryLimit   = 500
)

// Ledger owns the per-location cash log and its balance projection. Writes
// to one location are serialized by the Locker and guarded again by the
// store's sequence check.
type Ledger struct {
	locations   store.LocationStore
	movements   store.MovementStore
	locker      lock.Locker
	snapshots   cache.BalanceCache
	snapshotTTL time.Duration
	now         func() time.Time
	pageSize    int
	maxRetries  int
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLocker(locker lock.Locker) Option {
	return func(l *Ledger) {
		if locker != nil {
			l.locker = locker
		}
	}
}

func WithBalanceCache(c cache.BalanceCache, ttl time.Duration) Option {
	return func(l *Ledger) {
		if c != nil {
			l.snapshots = c
			l.snapshotTTL = ttl
		}
	}
}

func WithPageSize(size int) Option {
	return func(l *Ledger) {
		if size > 0 {
			l.pageSize = size
		}
	}
}

func WithMaxRetries(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxRetries = n
		}
	}
}

func New(locations store.LocationStore, movements store.MovementStore, opts ...Option) *Ledger {
	l := &Ledger{
		locations:  locations,
		movements:  movements,
		locker:     lock.NewKeyed(),
		snapshots:  cache.NoopBalanceCache{},
		now:        func() time.Time { return time.Now().UTC() },
		pageSize:   defaultPageSize,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append writes one movement. A reference already present at the location
// returns the stored movement instead of writing a second one.
func (l *Ledger) Append(ctx context.Context, locationID string, kind domain.MovementKind, amount int64, meta domain.MovementMeta) (domain.Movement, error) {
	locationID = strings.TrimSpace(locationID)
	if !kind.Valid() {
		return domain.Movement{}, &store.ValidationError{Field: "kind", LocationID: locationID, Reason: fmt.Sprintf("unknown movement kind %q", kind)}
	}
	if kind == domain.MovementFloatSet {
		return domain.Movement{}, &store.ValidationError{Field: "kind", LocationID: locationID, Reason: "float_set is only written by SetFloat"}
	}
	if reason := checkSign(kind, amount); reason != "" {
		return domain.Movement{}, &store.ValidationError{Field: "amount", LocationID: locationID, Reason: reason}
	}
	if err := l.requireLocation(ctx, locationID); err != nil {
		return domain.Movement{}, err
	}

	return l.appendSerialized(ctx, locationID, meta, func(context.Context, *domain.Movement) (domain.MovementKind, int64, error) {
		return kind, amount, nil
	})
}

// checkSign enforces the direction of each kind: money in is positive, money
// out is negative, adjustments may go either way.
func checkSign(kind domain.MovementKind, amount int64) string {
	switch kind {
	case domain.MovementDeposit, domain.MovementSaleCashIn:
		if amount <= 0 {
			return fmt.Sprintf("amount must be positive for %s", kind)
		}
	case domain.MovementWithdrawal, domain.MovementSaleVoidRefund:
		if amount >= 0 {
			return fmt.Sprintf("amount must be negative for %s", kind)
		}
	}
	return ""
}

// computeFunc decides the movement to write given the current tail. It runs
// again on every retry so derived amounts are never stale.
type computeFunc func(ctx context.Context, tail *domain.Movement) (domain.MovementKind, int64, error)

func (l *Ledger) appendSerialized(ctx context.Context, locationID string, meta domain.MovementMeta, compute computeFunc) (domain.Movement, error) {
	release, err := l.locker.Lock(ctx, locationID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.Movement{}, ctxErr
		}
		return domain.Movement{}, &store.UnavailableError{Op: "lock location " + locationID, Err: err}
	}
	defer release()

	meta.Reference = strings.TrimSpace(meta.Reference)
	for attempt := 0; attempt < l.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.Movement{}, err
		}

		if meta.Reference != "" {
			existing, err := l.movements.FindMovementByReference(ctx, locationID, meta.Reference)
			if err == nil {
				return l.replay(ctx, *existing, compute)
			}
			if !errors.Is(err, store.ErrNotFound) {
				return domain.Movement{}, err
			}
		}

		tail, err := l.tail(ctx, locationID)
		if err != nil {
			return domain.Movement{}, err
		}
		kind, amount, err := compute(ctx, tail)
		if err != nil {
			return domain.Movement{}, err
		}

		m := domain.Movement{
			ID:              xid.New("mv"),
			LocationID:      locationID,
			Kind:            kind,
			Amount:          amount,
			ReferenceSaleID: strings.TrimSpace(meta.ReferenceSaleID),
			Reference:       meta.Reference,
			Note:            strings.TrimSpace(meta.Note),
			ActorID:         meta.ActorID,
			CreatedAt:       l.now().UTC().Truncate(time.Microsecond),
			Sequence:        1,
		}
		if tail != nil {
			m.Sequence = tail.Sequence + 1
			if m.CreatedAt.Before(tail.CreatedAt) {
				m.CreatedAt = tail.CreatedAt
			}
		}

		created, err := l.movements.InsertMovement(ctx, m)
		switch {
		case err == nil:
			return *created, nil
		case errors.Is(err, store.ErrSequenceConflict), errors.Is(err, store.ErrDuplicate):
			log.Debug().Str("location_id", locationID).Int64("sequence", m.Sequence).Int("attempt", attempt+1).Msg("append raced another writer, retrying")
			continue
		default:
			return domain.Movement{}, err
		}
	}
	return domain.Movement{}, &store.UnavailableError{
		Op:  fmt.Sprintf("append movement at %s after %d attempts", locationID, l.maxRetries),
		Err: store.ErrSequenceConflict,
	}
}

// replay resolves an append whose reference already exists. The same kind
// and amount is an idempotent retry; anything else is a conflict.
func (l *Ledger) replay(ctx context.Context, existing domain.Movement, compute computeFunc) (domain.Movement, error) {
	existing.Replayed = true
	if existing.Kind == domain.MovementFloatSet {
		// A float set derives its amount from state that has since moved on,
		// so the reference alone identifies the retry.
		return existing, nil
	}
	kind, amount, err := compute(ctx, nil)
	if err != nil {
		return domain.Movement{}, err
	}
	if kind != existing.Kind || amount != existing.Amount {
		return domain.Movement{}, &store.ConflictError{Reason: "reference already used by a different movement", Movement: &existing}
	}
	return existing, nil
}

func (l *Ledger) tail(ctx context.Context, locationID string) (*domain.Movement, error) {
	tail, err := l.movements.LastMovement(ctx, locationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return tail, err
}

func (l *Ledger) requireLocation(ctx context.Context, locationID string) error {
	if locationID == "" {
		return &store.ValidationError{Field: "location_id", Reason: "location id required"}
	}
	loc, err := l.locations.GetLocation(ctx, locationID)
	if errors.Is(err, store.ErrNotFound) {
		return &store.ValidationError{Field: "location_id", LocationID: locationID, Reason: "unknown location"}
	}
	if err != nil {
		return err
	}
	if !loc.Active {
		return &store.ValidationError{Field: "location_id", LocationID: locationID, Reason: "location is inactive"}
	}
	return nil
}

func (l *Ledger) knownLocation(ctx context.Context, locationID string) error {
	_, err := l.locations.GetLocation(ctx, locationID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("location %s: %w", locationID, store.ErrNotFound)
	}
	return err
}

// FindByReference lets a caller whose append timed out check whether it was
// written before retrying.
func (l *Ledger) FindByReference(ctx context.Context, locationID string, reference string) (domain.Movement, error) {
	m, err := l.movements.FindMovementByReference(ctx, locationID, strings.TrimSpace(reference))
	if err != nil {
		return domain.Movement{}, err
	}
	return *m, nil
}

// ListSince returns up to limit movements strictly after cursor.
func (l *Ledger) ListSince(ctx context.Context, locationID string, cursor domain.Cursor, limit int) ([]domain.Movement, error) {
	if err := l.knownLocation(ctx, locationID); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = l.pageSize
	}
	return l.movements.ListMovements(ctx, store.MovementQuery{LocationID: locationID, After: cursor, Limit: limit})
}

// Iterate walks the log after cursor in (created_at, sequence) order, one
// keyset page at a time. Ranging over the result again restarts from cursor.
func (l *Ledger) Iterate(ctx context.Context, locationID string, cursor domain.Cursor) iter.Seq2[domain.Movement, error] {
	return func(yield func(domain.Movement, error) bool) {
		after := cursor
		for {
			page, err := l.movements.ListMovements(ctx, store.MovementQuery{LocationID: locationID, After: after, Limit: l.pageSize})
			if err != nil {
				yield(domain.Movement{}, err)
				return
			}
			for _, m := range page {
				if !yield(m, nil) {
					return
				}
				after = m.Cursor()
			}
			if len(page) < l.pageSize {
				return
			}
			if err := ctx.Err(); err != nil {
				yield(domain.Movement{}, err)
				return
			}
		}
	}
}

// History returns one page of movements for display or export.
func (l *Ledger) History(ctx context.Context, locationID string, q domain.HistoryQuery) (domain.HistoryPage, error) {
	if err := l.knownLocation(ctx, locationID); err != nil {
		return domain.HistoryPage{}, err
	}
	if q.From != nil && q.To != nil && q.From.After(*q.To) {
		return domain.HistoryPage{}, &store.ValidationError{Field: "from", LocationID: locationID, Reason: "from must not be after to"}
	}
	limit := q.Limit
	if limit < 1 {
		limit = 50
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	movements, err := l.movements.ListMovements(ctx, store.MovementQuery{
		LocationID: locationID,
		After:      q.Cursor,
		From:       q.From,
		To:         q.To,
		Limit:      limit,
	})
	if err != nil {
		return domain.HistoryPage{}, err
	}

	page := domain.HistoryPage{LocationID: locationID, Movements: movements}
	if len(movements) == limit {
		page.NextCursor = movements[len(movements)-1].Cursor().Encode()
	}
	return page, nil
}
