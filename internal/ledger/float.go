package ledger

import (
	"context"
	"strings"

	"storeledger/backend/internal/domain"
)

// SetFloat appends the float_set movement that brings the location's balance
// to target. The balance read and the append run under the location lock, and
// the delta is recomputed if another writer slips in first. A zero delta is
// still written as a verification record.
func (l *Ledger) SetFloat(ctx context.Context, locationID string, target int64, meta domain.MovementMeta) (domain.Movement, error) {
	locationID = strings.TrimSpace(locationID)
	if err := l.requireLocation(ctx, locationID); err != nil {
		return domain.Movement{}, err
	}

	return l.appendSerialized(ctx, locationID, meta, func(ctx context.Context, _ *domain.Movement) (domain.MovementKind, int64, error) {
		current, err := l.project(ctx, locationID, true)
		if err != nil {
			return "", 0, err
		}
		return domain.MovementFloatSet, target - current.Balance, nil
	})
}
