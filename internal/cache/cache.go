package cache

import (
	"context"
	"time"

	"storeledger/backend/internal/domain"
)

// BalanceCache stores prefix folds of a location's movement log.
type BalanceCache interface {
	Get(ctx context.Context, locationID string) (*domain.BalanceSnapshot, bool, error)
	Set(ctx context.Context, snapshot domain.BalanceSnapshot, ttl time.Duration) error
}

type NoopBalanceCache struct{}

func (NoopBalanceCache) Get(_ context.Context, _ string) (*domain.BalanceSnapshot, bool, error) {
	return nil, false, nil
}

func (NoopBalanceCache) Set(_ context.Context, _ domain.BalanceSnapshot, _ time.Duration) error {
	return nil
}
