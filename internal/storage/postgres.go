package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"medtransit/internal/dispatch"
)

// Postgres is the durable backing store for trips and agency responses. It
// implements dispatch.Persistence; every state change is written together
// with its audit event in one transaction.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func DefaultPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.MaxConnLifetime = time.Hour
	return pgxpool.NewWithConfig(ctx, cfg)
}

// Ping reports database reachability; wired into readiness checks.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

const tripColumns = `id, facility_id, patient_ref, origin, destination, level, urgency,
scheduled_at, radius_miles, status, assigned_agency_id, assigned_unit_id,
cancel_reason, created_at, pickup_at, arrival_at, departure_at, completed_at, version`

func scanTrip(row pgx.Row) (dispatch.Trip, error) {
	var (
		t                        dispatch.Trip
		patientRef, origin, dest *string
		agencyID, unitID, reason *string
	)
	err := row.Scan(&t.ID, &t.FacilityID, &patientRef, &origin, &dest, &t.Level, &t.Urgency,
		&t.ScheduledAt, &t.RadiusMiles, &t.Status, &agencyID, &unitID,
		&reason, &t.CreatedAt, &t.PickupAt, &t.ArrivalAt, &t.DepartureAt, &t.CompletedAt, &t.Version)
	if err != nil {
		return dispatch.Trip{}, err
	}
	t.PatientRef = deref(patientRef)
	t.Origin = deref(origin)
	t.Destination = deref(dest)
	t.AssignedAgencyID = deref(agencyID)
	t.AssignedUnitID = deref(unitID)
	t.CancelReason = deref(reason)
	return t, nil
}

func (p *Postgres) CreateTrip(ctx context.Context, trip dispatch.Trip, evt dispatch.TripEvent) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
INSERT INTO trips (id, facility_id, patient_ref, origin, destination, level, urgency,
	scheduled_at, radius_miles, status, assigned_agency_id, assigned_unit_id,
	cancel_reason, created_at, pickup_at, arrival_at, departure_at, completed_at, version)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
`, trip.ID, trip.FacilityID, nullable(trip.PatientRef), nullable(trip.Origin), nullable(trip.Destination),
		trip.Level, trip.Urgency, trip.ScheduledAt, trip.RadiusMiles, trip.Status,
		nullable(trip.AssignedAgencyID), nullable(trip.AssignedUnitID), nullable(trip.CancelReason),
		trip.CreatedAt, trip.PickupAt, trip.ArrivalAt, trip.DepartureAt, trip.CompletedAt, trip.Version); err != nil {
		return err
	}
	if err := appendEventTx(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpdateTrip writes the trip only when the stored version is exactly one
// behind, which rejects writes from a process holding stale state.
func (p *Postgres) UpdateTrip(ctx context.Context, trip dispatch.Trip, evt dispatch.TripEvent) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := updateTripTx(ctx, tx, trip); err != nil {
		return err
	}
	if err := appendEventTx(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func updateTripTx(ctx context.Context, tx pgx.Tx, trip dispatch.Trip) error {
	tag, err := tx.Exec(ctx, `
UPDATE trips SET status=$2, assigned_agency_id=$3, assigned_unit_id=$4, cancel_reason=$5,
	radius_miles=$6, pickup_at=$7, arrival_at=$8, departure_at=$9, completed_at=$10, version=$11
WHERE id=$1 AND version=$12
`, trip.ID, trip.Status, nullable(trip.AssignedAgencyID), nullable(trip.AssignedUnitID),
		nullable(trip.CancelReason), trip.RadiusMiles,
		trip.PickupAt, trip.ArrivalAt, trip.DepartureAt, trip.CompletedAt,
		trip.Version, trip.Version-1)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trip %s version %d: %w", trip.ID, trip.Version, dispatch.ErrStaleVersion)
	}
	return nil
}

// CreateOffer inserts an offer row; the unique (trip_id, agency_id) index
// makes re-dispatch a no-op. Reports whether a row was created.
func (p *Postgres) CreateOffer(ctx context.Context, resp dispatch.AgencyResponse, evt dispatch.TripEvent) (bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
INSERT INTO agency_responses (id, trip_id, agency_id, response, is_selected, assigned_unit_id, note, responded_at, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (trip_id, agency_id) DO NOTHING
`, resp.ID, resp.TripID, resp.AgencyID, resp.Response, resp.Selected,
		nullable(resp.AssignedUnitID), nullable(resp.Note), resp.RespondedAt, resp.CreatedAt)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}
	if err := appendEventTx(ctx, tx, evt); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// UpdateResponse applies an answer only while the row is still pending.
// Reports false when another writer answered first.
func (p *Postgres) UpdateResponse(ctx context.Context, resp dispatch.AgencyResponse, evt dispatch.TripEvent) (bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE agency_responses SET response=$2, assigned_unit_id=$3, note=$4, responded_at=$5
WHERE id=$1 AND response='pending'
`, resp.ID, resp.Response, nullable(resp.AssignedUnitID), nullable(resp.Note), resp.RespondedAt)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}
	if err := appendEventTx(ctx, tx, evt); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// SelectResponse marks the winning response and assigns the trip in one
// transaction. The partial unique index on (trip_id) WHERE is_selected
// turns a concurrent double-selection into a constraint violation here
// rather than a split-brain assignment.
func (p *Postgres) SelectResponse(ctx context.Context, trip dispatch.Trip, resp dispatch.AgencyResponse, evt dispatch.TripEvent) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
UPDATE agency_responses SET is_selected=TRUE, assigned_unit_id=$2 WHERE id=$1 AND response='accepted'
`, resp.ID, nullable(resp.AssignedUnitID)); err != nil {
		if isUniqueViolation(err) {
			return dispatch.ErrAlreadySelected
		}
		return err
	}
	if err := updateTripTx(ctx, tx, trip); err != nil {
		return err
	}
	if err := appendEventTx(ctx, tx, evt); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return dispatch.ErrAlreadySelected
		}
		return err
	}
	return nil
}

// SaveResponse overwrites a response row outside the pending-only guard.
func (p *Postgres) SaveResponse(ctx context.Context, resp dispatch.AgencyResponse, evt dispatch.TripEvent) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
UPDATE agency_responses SET response=$2, is_selected=$3, assigned_unit_id=$4, note=$5, responded_at=$6
WHERE id=$1
`, resp.ID, resp.Response, resp.Selected, nullable(resp.AssignedUnitID), nullable(resp.Note), resp.RespondedAt); err != nil {
		return err
	}
	if err := appendEventTx(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) CancelTrip(ctx context.Context, trip dispatch.Trip, deselected *dispatch.AgencyResponse, evt dispatch.TripEvent) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := updateTripTx(ctx, tx, trip); err != nil {
		return err
	}
	if deselected != nil {
		if _, err := tx.Exec(ctx, `
UPDATE agency_responses SET is_selected=FALSE WHERE id=$1
`, deselected.ID); err != nil {
			return err
		}
	}
	if err := appendEventTx(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) GetTrip(ctx context.Context, id string) (dispatch.Trip, bool, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id)
	trip, err := scanTrip(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dispatch.Trip{}, false, nil
		}
		return dispatch.Trip{}, false, err
	}
	return trip, true, nil
}

func (p *Postgres) ListTrips(ctx context.Context, status dispatch.TripStatus, limit, offset int) ([]dispatch.Trip, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows pgx.Rows
		err  error
	)
	if status != "" {
		rows, err = p.pool.Query(ctx, `
SELECT `+tripColumns+` FROM trips WHERE status = $1
ORDER BY created_at DESC, id LIMIT $2 OFFSET $3
`, status, limit, offset)
	} else {
		rows, err = p.pool.Query(ctx, `
SELECT `+tripColumns+` FROM trips
ORDER BY created_at DESC, id LIMIT $1 OFFSET $2
`, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []dispatch.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const responseColumns = `id, trip_id, agency_id, response, is_selected, assigned_unit_id, note, responded_at, created_at`

func scanResponse(row pgx.Row) (dispatch.AgencyResponse, error) {
	var (
		r            dispatch.AgencyResponse
		unitID, note *string
	)
	err := row.Scan(&r.ID, &r.TripID, &r.AgencyID, &r.Response, &r.Selected, &unitID, &note, &r.RespondedAt, &r.CreatedAt)
	if err != nil {
		return dispatch.AgencyResponse{}, err
	}
	r.AssignedUnitID = deref(unitID)
	r.Note = deref(note)
	return r, nil
}

func (p *Postgres) GetResponse(ctx context.Context, id string) (dispatch.AgencyResponse, bool, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+responseColumns+` FROM agency_responses WHERE id = $1`, id)
	resp, err := scanResponse(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dispatch.AgencyResponse{}, false, nil
		}
		return dispatch.AgencyResponse{}, false, err
	}
	return resp, true, nil
}

func (p *Postgres) ListResponsesByTrip(ctx context.Context, tripID string) ([]dispatch.AgencyResponse, error) {
	rows, err := p.pool.Query(ctx, `
SELECT `+responseColumns+` FROM agency_responses
WHERE trip_id = $1
ORDER BY created_at ASC, id
`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []dispatch.AgencyResponse
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) ListResponsesByAgency(ctx context.Context, agencyID string, state dispatch.ResponseState, limit, offset int) ([]dispatch.AgencyResponse, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows pgx.Rows
		err  error
	)
	if state != "" {
		rows, err = p.pool.Query(ctx, `
SELECT `+responseColumns+` FROM agency_responses
WHERE agency_id = $1 AND response = $2
ORDER BY created_at DESC, id LIMIT $3 OFFSET $4
`, agencyID, state, limit, offset)
	} else {
		rows, err = p.pool.Query(ctx, `
SELECT `+responseColumns+` FROM agency_responses
WHERE agency_id = $1
ORDER BY created_at DESC, id LIMIT $2 OFFSET $3
`, agencyID, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []dispatch.AgencyResponse
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
