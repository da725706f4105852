package dispatch

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// Selector computes which agencies are eligible for a given dispatch mode.
// Candidate lists are computed fresh per call and never cached: dispatch
// decisions are human-paced, and recomputation beats staleness bugs.
type Selector struct {
	dir Directory
	geo GeoIndex
}

func NewSelector(dir Directory, geo GeoIndex) *Selector {
	return &Selector{dir: dir, geo: geo}
}

func ParseMode(s string) (DispatchMode, error) {
	switch DispatchMode(s) {
	case ModePreferred, ModeGeographic, ModeHybrid:
		return DispatchMode(s), nil
	}
	return "", fmt.Errorf("unknown dispatch mode %q", s)
}

// Candidates returns the eligible agencies for the trip under the given
// mode. An empty result is not an error; ErrMissingCoordinates is returned
// only when the mode requires distance computation and the origin facility
// has no coordinates.
func (s *Selector) Candidates(ctx context.Context, trip Trip, mode DispatchMode, radiusMiles float64) ([]DispatchOffer, error) {
	fac, ok, err := s.dir.GetFacility(ctx, trip.FacilityID)
	if err != nil {
		return nil, fmt.Errorf("resolve facility %s: %w", trip.FacilityID, err)
	}
	if !ok {
		return nil, fmt.Errorf("facility %s: %w", trip.FacilityID, ErrNotFound)
	}

	switch mode {
	case ModePreferred:
		return s.preferred(ctx, fac)
	case ModeGeographic:
		if fac.Coordinates == nil {
			return nil, ErrMissingCoordinates
		}
		return s.geographic(ctx, fac, radiusMiles, nil)
	case ModeHybrid:
		if fac.Coordinates == nil {
			return nil, ErrMissingCoordinates
		}
		preferred, err := s.preferred(ctx, fac)
		if err != nil {
			return nil, err
		}
		// unlike pure PREFERRED mode, hybrid results are distance-ranked,
		// so agencies without coordinates drop out of the preferred block
		offers := preferred[:0]
		seen := make(map[string]struct{}, len(preferred))
		for _, o := range preferred {
			if o.DistanceMiles == nil {
				continue
			}
			offers = append(offers, o)
			seen[o.AgencyID] = struct{}{}
		}
		geoOffers, err := s.geographic(ctx, fac, radiusMiles, seen)
		if err != nil {
			return nil, err
		}
		return append(offers, geoOffers...), nil
	}
	return nil, fmt.Errorf("unknown dispatch mode %q", mode)
}

// preferred returns the facility's preferred agencies, unfiltered by
// distance. Agencies without coordinates stay in the list with an unknown
// distance.
func (s *Selector) preferred(ctx context.Context, fac Facility) ([]DispatchOffer, error) {
	offers := make([]DispatchOffer, 0, len(fac.PreferredAgencyIDs))
	for _, agencyID := range fac.PreferredAgencyIDs {
		ag, ok, err := s.dir.GetAgency(ctx, agencyID)
		if err != nil {
			return nil, fmt.Errorf("resolve agency %s: %w", agencyID, err)
		}
		if !ok {
			// stale preference pointing at a removed agency
			continue
		}
		offer := DispatchOffer{
			AgencyID:     ag.ID,
			Name:         ag.Name,
			Preferred:    true,
			Registered:   ag.Registered,
			Capabilities: ag.Capabilities,
		}
		if fac.Coordinates != nil && ag.Coordinates != nil {
			d := haversineMiles(*fac.Coordinates, *ag.Coordinates)
			offer.DistanceMiles = &d
		}
		offers = append(offers, offer)
	}
	sortOffers(offers)
	return offers, nil
}

// geographic returns registered agencies within radiusMiles of the
// facility, ascending by distance. Agencies in skip are already present in
// the preferred block and are not repeated.
func (s *Selector) geographic(ctx context.Context, fac Facility, radiusMiles float64, skip map[string]struct{}) ([]DispatchOffer, error) {
	results, err := s.geo.Within(fac.Coordinates.Latitude, fac.Coordinates.Longitude, radiusMiles)
	if err != nil {
		return nil, fmt.Errorf("geo radius query: %w", err)
	}
	var offers []DispatchOffer
	for _, res := range results {
		if _, dup := skip[res.AgencyID]; dup {
			continue
		}
		ag, ok, err := s.dir.GetAgency(ctx, res.AgencyID)
		if err != nil {
			return nil, fmt.Errorf("resolve agency %s: %w", res.AgencyID, err)
		}
		if !ok || !ag.Registered {
			continue
		}
		d := res.Miles
		offers = append(offers, DispatchOffer{
			AgencyID:      ag.ID,
			Name:          ag.Name,
			Registered:    true,
			DistanceMiles: &d,
			Capabilities:  ag.Capabilities,
		})
	}
	sortOffers(offers)
	return offers, nil
}

// sortOffers orders by distance ascending, unknown distances last, id as
// the tiebreaker for stable output.
func sortOffers(offers []DispatchOffer) {
	sort.SliceStable(offers, func(i, j int) bool {
		di, dj := offers[i].DistanceMiles, offers[j].DistanceMiles
		switch {
		case di == nil && dj == nil:
			return offers[i].AgencyID < offers[j].AgencyID
		case di == nil:
			return false
		case dj == nil:
			return true
		case *di != *dj:
			return *di < *dj
		}
		return offers[i].AgencyID < offers[j].AgencyID
	})
}

func haversineMiles(a, b Coordinate) float64 {
	const earthRadiusMiles = 3958.8
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLat := toRadians(b.Latitude - a.Latitude)
	dLon := toRadians(b.Longitude - a.Longitude)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)

	calc := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	return 2 * earthRadiusMiles * math.Asin(math.Sqrt(calc))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
