package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"medtransit/internal/dispatch"
)

func appendEventTx(ctx context.Context, tx pgx.Tx, evt dispatch.TripEvent) error {
	_, err := tx.Exec(ctx, `
INSERT INTO trip_events (trip_id, event_type, payload, actor_id, actor_role, created_at)
VALUES ($1,$2,$3,$4,$5,COALESCE($6,NOW()))
`, evt.TripID, evt.Type, evt.Payload, nullable(evt.ActorID), nullable(evt.ActorRole), evt.CreatedAt)
	return err
}

// AppendTripEvent writes a standalone audit row outside any state change.
func (p *Postgres) AppendTripEvent(ctx context.Context, evt dispatch.TripEvent) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO trip_events (trip_id, event_type, payload, actor_id, actor_role, created_at)
VALUES ($1,$2,$3,$4,$5,COALESCE($6,NOW()))
`, evt.TripID, evt.Type, evt.Payload, nullable(evt.ActorID), nullable(evt.ActorRole), evt.CreatedAt)
	return err
}

func (p *Postgres) ListTripEvents(ctx context.Context, tripID string, limit, offset int) ([]dispatch.TripEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
SELECT trip_id, event_type, payload, actor_id, actor_role, created_at
FROM trip_events
WHERE trip_id = $1
ORDER BY created_at ASC, id
LIMIT $2 OFFSET $3
`, tripID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []dispatch.TripEvent
	for rows.Next() {
		var (
			evt               dispatch.TripEvent
			actorID, actorRol *string
		)
		if err := rows.Scan(&evt.TripID, &evt.Type, &evt.Payload, &actorID, &actorRol, &evt.CreatedAt); err != nil {
			return nil, err
		}
		evt.ActorID = deref(actorID)
		evt.ActorRole = deref(actorRol)
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (p *Postgres) CountTripEvents(ctx context.Context, tripID string) (int, error) {
	var count int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM trip_events WHERE trip_id = $1`, tripID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
