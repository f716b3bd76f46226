package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis is a Locker shared by every process talking to the same Redis. The
// lock TTL bounds how long a crashed holder blocks a location.
type Redis struct {
	client  *redislock.Client
	prefix  string
	ttl     time.Duration
	backoff time.Duration
	retries int
}

func NewRedis(rdb *redis.Client, ttl time.Duration, wait time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	backoff := 25 * time.Millisecond
	return &Redis{
		client:  redislock.New(rdb),
		prefix:  "storeledger:lock:",
		ttl:     ttl,
		backoff: backoff,
		retries: int(wait / backoff),
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := r.prefix + key
	held, err := r.client.Obtain(ctx, lockKey, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(r.backoff), r.retries),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%s: %w", lockKey, ErrNotObtained)
	}
	if err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := held.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				log.Warn().Err(err).Str("key", lockKey).Msg("release redis lock")
			}
		})
	}, nil
}
