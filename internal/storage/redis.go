package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	wbfredis "github.com/wb-go/wbf/redis"
	wbfretry "github.com/wb-go/wbf/retry"
)

const lockPrefix = "farm-scheduler:lock:"

// RedisLocker hands out leases so only one replica runs a job per tick slot.
// Leases are never released early; they simply expire.
type RedisLocker struct {
	client   *redis.Client
	instance string
	log      zerolog.Logger
}

func NewRedisLocker(addr string, logger zerolog.Logger) (*RedisLocker, error) {
	wbfClient := wbfredis.New(addr, "", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	retryStrategy := wbfretry.Strategy{
		Attempts: 5,
		Delay:    1 * time.Second,
		Backoff:  2,
	}

	err := wbfretry.DoContext(ctx, retryStrategy, func() error {
		return wbfClient.Ping(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info().Str("addr", addr).Msg("Connected to Redis for scheduler leases")

	return &RedisLocker{client: wbfClient.Client, instance: uuid.NewString(), log: logger}, nil
}

// Acquire takes the lease named key for ttl. It reports false when another
// replica already holds it.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockPrefix+key, l.instance, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	if !ok {
		l.log.Debug().Str("lease", key).Msg("Lease held by another replica")
	}
	return ok, nil
}

func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
