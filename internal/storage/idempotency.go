package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyStore persists trip-creation idempotency keys with TTL, so a
// retried POST returns the trip already created instead of a duplicate.
type IdempotencyStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

func NewIdempotencyStore(pool *pgxpool.Pool, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &IdempotencyStore{pool: pool, ttl: ttl}
}

func (s *IdempotencyStore) TTL() time.Duration {
	return s.ttl
}

func (s *IdempotencyStore) Remember(ctx context.Context, key, tripID string) error {
	if key == "" || tripID == "" {
		return nil
	}
	exp := time.Now().Add(s.ttl)
	_, err := s.pool.Exec(ctx, `
INSERT INTO idempotency_keys (key, trip_id, expires_at)
VALUES ($1,$2,$3)
ON CONFLICT (key) DO UPDATE SET trip_id=EXCLUDED.trip_id, expires_at=EXCLUDED.expires_at
`, key, tripID, exp)
	return err
}

func (s *IdempotencyStore) Lookup(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}
	var (
		tripID  string
		expires time.Time
	)
	err := s.pool.QueryRow(ctx, `
SELECT trip_id, expires_at FROM idempotency_keys WHERE key = $1
`, key).Scan(&tripID, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	if time.Now().After(expires) {
		return "", false, nil
	}
	return tripID, true, nil
}
