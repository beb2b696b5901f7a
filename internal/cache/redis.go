// Package cache keeps Idempotency-Key reservations in Redis.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix     = "vendorder:idempotency:"
	pendingMarker = "-"
)

// NewRedisClient connects and pings Redis.
func NewRedisClient(ctx context.Context, addr, password string, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	logger.Info("redis connection established", zap.String("addr", addr))
	return rdb, nil
}

// releaseScript deletes a key only while it still holds the pending marker.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// IdempotencyStore maps Idempotency-Key values to order ids. Entries expire after ttl.
type IdempotencyStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewIdempotencyStore(rdb *redis.Client, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyStore{rdb: rdb, ttl: ttl}
}

// Reserve claims key for a new order. If the key is already taken it returns the order
// bound to it, or "" while the first request is still in flight.
func (s *IdempotencyStore) Reserve(ctx context.Context, key string) (string, bool, error) {
	ok, err := s.rdb.SetNX(ctx, keyPrefix+key, pendingMarker, s.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("reserving idempotency key: %w", err)
	}
	if ok {
		return "", true, nil
	}

	val, err := s.rdb.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		// expired or released between the two calls
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading idempotency key: %w", err)
	}
	if val == pendingMarker {
		return "", false, nil
	}
	return val, false, nil
}

// Bind attaches the created order to a reserved key.
func (s *IdempotencyStore) Bind(ctx context.Context, key, orderID string) error {
	if err := s.rdb.Set(ctx, keyPrefix+key, orderID, s.ttl).Err(); err != nil {
		return fmt.Errorf("binding idempotency key: %w", err)
	}
	return nil
}

// Release drops a reservation whose order could not be created.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{keyPrefix + key}, pendingMarker).Err(); err != nil {
		return fmt.Errorf("releasing idempotency key: %w", err)
	}
	return nil
}
