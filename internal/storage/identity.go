package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"medtransit/internal/dispatch"
)

type IdentityStore struct {
	pool *pgxpool.Pool
}

func NewIdentityStore(pool *pgxpool.Pool) *IdentityStore {
	return &IdentityStore{pool: pool}
}

func (s *IdentityStore) Save(ctx context.Context, ident dispatch.Identity, ttl time.Duration) (dispatch.Identity, error) {
	var expires *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expires = &t
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO identities (id, role, org_id, token, expires_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (id) DO UPDATE SET
	role = EXCLUDED.role,
	org_id = EXCLUDED.org_id,
	token = EXCLUDED.token,
	expires_at = EXCLUDED.expires_at
`, ident.ID, ident.Role, nullable(ident.OrgID), ident.Token, expires)
	if err != nil {
		return dispatch.Identity{}, err
	}
	ident.ExpiresAt = expires
	return ident, nil
}

func (s *IdentityStore) Lookup(ctx context.Context, token string) (dispatch.Identity, bool, error) {
	var (
		ident   dispatch.Identity
		orgID   *string
		expires *time.Time
	)
	err := s.pool.QueryRow(ctx, `
SELECT id, role, org_id, token, expires_at FROM identities WHERE token = $1
`, token).Scan(&ident.ID, &ident.Role, &orgID, &ident.Token, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dispatch.Identity{}, false, nil
		}
		return dispatch.Identity{}, false, err
	}
	if expires != nil && expires.Before(time.Now()) {
		return dispatch.Identity{}, false, nil
	}
	ident.OrgID = deref(orgID)
	ident.ExpiresAt = expires
	return ident, true, nil
}

func (s *IdentityStore) All(ctx context.Context) ([]dispatch.Identity, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, role, org_id, token, expires_at FROM identities`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []dispatch.Identity
	for rows.Next() {
		var (
			ident dispatch.Identity
			orgID *string
		)
		if err := rows.Scan(&ident.ID, &ident.Role, &orgID, &ident.Token, &ident.ExpiresAt); err != nil {
			return nil, err
		}
		ident.OrgID = deref(orgID)
		out = append(out, ident)
	}
	return out, rows.Err()
}
