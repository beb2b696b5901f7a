package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DefaultIdempotencyTTL is how long an unbound reservation blocks its key.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyStore keeps Idempotency-Key reservations in SQLite. It is used when no
// Redis is configured.
type IdempotencyStore struct {
	db  *DB
	ttl time.Duration
}

// NewIdempotencyStore returns a store whose unbound reservations go stale after ttl.
func NewIdempotencyStore(db *DB, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyStore{db: db, ttl: ttl}
}

// Reserve claims key for a new order. If the key is already taken it returns the order
// bound to it, or "" while the first request is still in flight. A reservation that was
// never bound and is older than the ttl is taken over.
func (s *IdempotencyStore) Reserve(ctx context.Context, key string) (string, bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, created_at) VALUES (?, `+nowExpr+`)
		ON CONFLICT(key) DO UPDATE SET created_at = excluded.created_at
		WHERE idempotency_keys.order_id IS NULL
		  AND idempotency_keys.created_at < strftime('%Y-%m-%dT%H:%M:%fZ', 'now', ?)
	`, key, ttlModifier(s.ttl))
	if err != nil {
		return "", false, fmt.Errorf("reserving idempotency key: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 1 {
		return "", true, nil
	}

	var orderID sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT order_id FROM idempotency_keys WHERE key = ?`, key).Scan(&orderID)
	if errors.Is(err, sql.ErrNoRows) {
		// released between the insert and the read
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("querying idempotency key: %w", err)
	}
	return orderID.String, false, nil
}

// Bind attaches the created order to a reserved key.
func (s *IdempotencyStore) Bind(ctx context.Context, key, orderID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE idempotency_keys SET order_id = ? WHERE key = ?`, orderID, key)
	if err != nil {
		return fmt.Errorf("binding idempotency key: %w", err)
	}
	return nil
}

// Release drops a reservation whose order could not be created.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = ? AND order_id IS NULL`, key)
	if err != nil {
		return fmt.Errorf("releasing idempotency key: %w", err)
	}
	return nil
}

// ttlModifier renders ttl as a negative SQLite date modifier.
func ttlModifier(ttl time.Duration) string {
	return fmt.Sprintf("-%.3f seconds", ttl.Seconds())
}
