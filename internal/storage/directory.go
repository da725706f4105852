package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"medtransit/internal/dispatch"
)

// Directory backs facility, agency and unit lookups with Postgres. It
// implements dispatch.Directory and dispatch.UnitDirectory.
type Directory struct {
	pg *Postgres
}

func NewDirectory(pg *Postgres) *Directory {
	return &Directory{pg: pg}
}

func (d *Directory) GetFacility(ctx context.Context, id string) (dispatch.Facility, bool, error) {
	var (
		fac      dispatch.Facility
		lat, lon *float64
	)
	err := d.pg.pool.QueryRow(ctx, `
SELECT id, name, latitude, longitude, preferred_agency_ids
FROM facilities WHERE id = $1
`, id).Scan(&fac.ID, &fac.Name, &lat, &lon, &fac.PreferredAgencyIDs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dispatch.Facility{}, false, nil
		}
		return dispatch.Facility{}, false, err
	}
	if lat != nil && lon != nil {
		fac.Coordinates = &dispatch.Coordinate{Latitude: *lat, Longitude: *lon}
	}
	return fac, true, nil
}

func (d *Directory) GetAgency(ctx context.Context, id string) (dispatch.Agency, bool, error) {
	var (
		ag       dispatch.Agency
		lat, lon *float64
	)
	err := d.pg.pool.QueryRow(ctx, `
SELECT id, name, latitude, longitude, capabilities, is_registered
FROM agencies WHERE id = $1
`, id).Scan(&ag.ID, &ag.Name, &lat, &lon, &ag.Capabilities, &ag.Registered)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dispatch.Agency{}, false, nil
		}
		return dispatch.Agency{}, false, err
	}
	if lat != nil && lon != nil {
		ag.Coordinates = &dispatch.Coordinate{Latitude: *lat, Longitude: *lon}
	}
	return ag, true, nil
}

func (d *Directory) GetUnit(ctx context.Context, id string) (dispatch.Unit, bool, error) {
	var (
		unit     dispatch.Unit
		callSign *string
	)
	err := d.pg.pool.QueryRow(ctx, `
SELECT id, agency_id, call_sign, status FROM units WHERE id = $1
`, id).Scan(&unit.ID, &unit.AgencyID, &callSign, &unit.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dispatch.Unit{}, false, nil
		}
		return dispatch.Unit{}, false, err
	}
	unit.CallSign = deref(callSign)
	return unit, true, nil
}

func (d *Directory) UpsertFacility(ctx context.Context, fac dispatch.Facility) error {
	var lat, lon *float64
	if fac.Coordinates != nil {
		lat = &fac.Coordinates.Latitude
		lon = &fac.Coordinates.Longitude
	}
	_, err := d.pg.pool.Exec(ctx, `
INSERT INTO facilities (id, name, latitude, longitude, preferred_agency_ids, updated_at)
VALUES ($1,$2,$3,$4,$5,NOW())
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	latitude = EXCLUDED.latitude,
	longitude = EXCLUDED.longitude,
	preferred_agency_ids = EXCLUDED.preferred_agency_ids,
	updated_at = NOW()
`, fac.ID, fac.Name, lat, lon, fac.PreferredAgencyIDs)
	return err
}

func (d *Directory) UpsertAgency(ctx context.Context, ag dispatch.Agency) error {
	var lat, lon *float64
	if ag.Coordinates != nil {
		lat = &ag.Coordinates.Latitude
		lon = &ag.Coordinates.Longitude
	}
	_, err := d.pg.pool.Exec(ctx, `
INSERT INTO agencies (id, name, latitude, longitude, capabilities, is_registered, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	latitude = EXCLUDED.latitude,
	longitude = EXCLUDED.longitude,
	capabilities = EXCLUDED.capabilities,
	is_registered = EXCLUDED.is_registered,
	updated_at = NOW()
`, ag.ID, ag.Name, lat, lon, ag.Capabilities, ag.Registered)
	return err
}

func (d *Directory) UpsertUnit(ctx context.Context, unit dispatch.Unit) error {
	_, err := d.pg.pool.Exec(ctx, `
INSERT INTO units (id, agency_id, call_sign, status, updated_at)
VALUES ($1,$2,$3,$4,NOW())
ON CONFLICT (id) DO UPDATE SET
	agency_id = EXCLUDED.agency_id,
	call_sign = EXCLUDED.call_sign,
	status = EXCLUDED.status,
	updated_at = NOW()
`, unit.ID, unit.AgencyID, nullable(unit.CallSign), unit.Status)
	return err
}

// ListAgencies returns every agency with coordinates, used to hydrate the
// geo index at startup.
func (d *Directory) ListAgencies(ctx context.Context) ([]dispatch.Agency, error) {
	rows, err := d.pg.pool.Query(ctx, `
SELECT id, name, latitude, longitude, capabilities, is_registered FROM agencies
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []dispatch.Agency
	for rows.Next() {
		var (
			ag       dispatch.Agency
			lat, lon *float64
		)
		if err := rows.Scan(&ag.ID, &ag.Name, &lat, &lon, &ag.Capabilities, &ag.Registered); err != nil {
			return nil, err
		}
		if lat != nil && lon != nil {
			ag.Coordinates = &dispatch.Coordinate{Latitude: *lat, Longitude: *lon}
		}
		out = append(out, ag)
	}
	return out, rows.Err()
}
