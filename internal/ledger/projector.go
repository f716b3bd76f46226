package ledger

import (
	"context"

	"github.com/rs/zerolog/log"

	"storeledger/backend/internal/domain"
	"storeledger/backend/internal/store"
)

// CurrentBalance folds the location's log in (created_at, sequence) order.
// A cached prefix fold is reused when it is consistent with the log, so only
// the tail after it is read.
func (l *Ledger) CurrentBalance(ctx context.Context, locationID string) (domain.LocationBalance, error) {
	if err := l.knownLocation(ctx, locationID); err != nil {
		return domain.LocationBalance{}, err
	}
	return l.project(ctx, locationID, true)
}

// Rebuild folds the whole log from the first movement and replaces the
// cached snapshot.
func (l *Ledger) Rebuild(ctx context.Context, locationID string) (domain.LocationBalance, error) {
	if err := l.knownLocation(ctx, locationID); err != nil {
		return domain.LocationBalance{}, err
	}
	return l.project(ctx, locationID, false)
}

func (l *Ledger) project(ctx context.Context, locationID string, useSnapshot bool) (domain.LocationBalance, error) {
	start := domain.BalanceSnapshot{LocationID: locationID}
	if useSnapshot {
		if snap := l.loadSnapshot(ctx, locationID); snap != nil {
			start = *snap
		}
	}

	balance := start.Balance
	count := start.MovementCount
	lastAt := start.LastMovementAt
	cursor := start.Cursor()
	folded := 0

	for m, err := range l.Iterate(ctx, locationID, cursor) {
		if err != nil {
			return domain.LocationBalance{}, err
		}
		balance += m.Amount
		count++
		at := m.CreatedAt
		lastAt = &at
		cursor = m.Cursor()
		folded++
	}

	if folded > 0 || !useSnapshot {
		l.storeSnapshot(ctx, domain.BalanceSnapshot{
			LocationID:     locationID,
			Balance:        balance,
			MovementCount:  count,
			LastMovementAt: lastAt,
			CursorAt:       cursor.CreatedAt,
			CursorSequence: cursor.Sequence,
		})
	}

	return domain.LocationBalance{
		LocationID:     locationID,
		Balance:        balance,
		LastMovementAt: lastAt,
		MovementCount:  count,
		LastSequence:   cursor.Sequence,
	}, nil
}

// loadSnapshot returns a cached fold only if it still describes a prefix of
// the log. Sequences are contiguous from 1, so a valid prefix has exactly
// as many movements as its last sequence, and the movement at that sequence
// must still carry the snapshot's cursor time. A snapshot left behind by a
// reset log fails the second check.
func (l *Ledger) loadSnapshot(ctx context.Context, locationID string) *domain.BalanceSnapshot {
	snap, ok, err := l.snapshots.Get(ctx, locationID)
	if err != nil {
		log.Warn().Err(err).Str("location_id", locationID).Msg("balance snapshot read failed, folding from start")
		return nil
	}
	if !ok || snap == nil || snap.CursorSequence == 0 {
		return nil
	}
	if snap.LocationID != locationID || snap.MovementCount != snap.CursorSequence {
		return nil
	}
	page, err := l.movements.ListMovements(ctx, store.MovementQuery{
		LocationID: locationID,
		After:      domain.Cursor{CreatedAt: snap.CursorAt, Sequence: snap.CursorSequence - 1},
		Limit:      1,
	})
	if err != nil || len(page) == 0 {
		return nil
	}
	if page[0].Sequence != snap.CursorSequence || !page[0].CreatedAt.Equal(snap.CursorAt) {
		log.Debug().Str("location_id", locationID).Int64("sequence", snap.CursorSequence).Msg("balance snapshot does not match log, folding from start")
		return nil
	}
	return snap
}

func (l *Ledger) storeSnapshot(ctx context.Context, snap domain.BalanceSnapshot) {
	if err := l.snapshots.Set(ctx, snap, l.snapshotTTL); err != nil {
		log.Warn().Err(err).Str("location_id", snap.LocationID).Msg("balance snapshot write failed")
	}
}
