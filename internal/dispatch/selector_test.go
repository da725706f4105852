package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selectorFixture() (*MemDirectory, *Selector) {
	dir := NewMemDirectory()
	dir.PutFacility(Facility{
		ID:                 "fac1",
		Name:               "Mercy General",
		Coordinates:        &Coordinate{Latitude: 38.57, Longitude: -121.47},
		PreferredAgencyIDs: []string{"ag_pref", "ag_gone", "ag_nocoords"},
	})
	dir.PutFacility(Facility{
		ID:                 "fac_blind",
		Name:               "Rural Clinic",
		PreferredAgencyIDs: []string{"ag_pref"},
	})
	dir.PutAgency(Agency{
		ID:          "ag_pref",
		Name:        "Preferred EMS",
		Coordinates: &Coordinate{Latitude: 38.60, Longitude: -121.50},
		Registered:  true,
	})
	dir.PutAgency(Agency{
		ID:   "ag_nocoords",
		Name: "Unlocated EMS",
	})
	dir.PutAgency(Agency{
		ID:          "ag_near",
		Name:        "Near EMS",
		Coordinates: &Coordinate{Latitude: 38.575, Longitude: -121.475},
		Registered:  true,
	})
	dir.PutAgency(Agency{
		ID:          "ag_unregistered",
		Name:        "Paper Only EMS",
		Coordinates: &Coordinate{Latitude: 38.571, Longitude: -121.471},
		Registered:  false,
	})
	geo := geoStub{results: []GeoResult{
		{AgencyID: "ag_near", Miles: 0.4},
		{AgencyID: "ag_unregistered", Miles: 0.2},
		{AgencyID: "ag_pref", Miles: 2.5},
		{AgencyID: "ag_removed", Miles: 1.0},
	}}
	return dir, NewSelector(dir, geo)
}

func TestPreferredMode(t *testing.T) {
	_, sel := selectorFixture()
	offers, err := sel.Candidates(context.Background(), Trip{FacilityID: "fac1"}, ModePreferred, 0)
	require.NoError(t, err)
	require.Len(t, offers, 2, "removed agency dropped from preferences")

	byID := map[string]DispatchOffer{}
	for _, o := range offers {
		assert.True(t, o.Preferred)
		byID[o.AgencyID] = o
	}
	require.Contains(t, byID, "ag_pref")
	require.Contains(t, byID, "ag_nocoords")
	assert.NotNil(t, byID["ag_pref"].DistanceMiles)
	assert.Nil(t, byID["ag_nocoords"].DistanceMiles, "unknown distance stays in list")
}

func TestPreferredModeWithoutFacilityCoords(t *testing.T) {
	_, sel := selectorFixture()
	offers, err := sel.Candidates(context.Background(), Trip{FacilityID: "fac_blind"}, ModePreferred, 0)
	require.NoError(t, err, "preferred mode never needs coordinates")
	require.Len(t, offers, 1)
	assert.Nil(t, offers[0].DistanceMiles)
}

func TestGeographicMode(t *testing.T) {
	_, sel := selectorFixture()
	offers, err := sel.Candidates(context.Background(), Trip{FacilityID: "fac1"}, ModeGeographic, 5)
	require.NoError(t, err)
	require.Len(t, offers, 2, "unregistered and removed agencies filtered")
	assert.Equal(t, "ag_near", offers[0].AgencyID, "sorted ascending by distance")
	assert.Equal(t, "ag_pref", offers[1].AgencyID)
	for _, o := range offers {
		require.NotNil(t, o.DistanceMiles)
		assert.True(t, o.Registered)
	}
}

func TestGeographicModeMissingCoordinates(t *testing.T) {
	_, sel := selectorFixture()
	_, err := sel.Candidates(context.Background(), Trip{FacilityID: "fac_blind"}, ModeGeographic, 5)
	assert.ErrorIs(t, err, ErrMissingCoordinates)

	_, err = sel.Candidates(context.Background(), Trip{FacilityID: "fac_blind"}, ModeHybrid, 5)
	assert.ErrorIs(t, err, ErrMissingCoordinates)
}

func TestHybridModeDedupes(t *testing.T) {
	_, sel := selectorFixture()
	offers, err := sel.Candidates(context.Background(), Trip{FacilityID: "fac1"}, ModeHybrid, 5)
	require.NoError(t, err)

	seen := map[string]int{}
	for _, o := range offers {
		seen[o.AgencyID]++
	}
	assert.Equal(t, 1, seen["ag_pref"], "preferred agency not repeated in geographic block")
	require.Contains(t, seen, "ag_near")

	// preferred block leads regardless of distance
	assert.True(t, offers[0].Preferred)
}

func TestHybridModeDropsAgenciesWithoutCoordinates(t *testing.T) {
	_, sel := selectorFixture()
	offers, err := sel.Candidates(context.Background(), Trip{FacilityID: "fac1"}, ModeHybrid, 5)
	require.NoError(t, err)

	for _, o := range offers {
		assert.NotEqual(t, "ag_nocoords", o.AgencyID, "hybrid results are distance-ranked")
		require.NotNil(t, o.DistanceMiles)
	}
}

func TestCandidatesUnknownFacility(t *testing.T) {
	_, sel := selectorFixture()
	_, err := sel.Candidates(context.Background(), Trip{FacilityID: "nope"}, ModePreferred, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCandidatesUnknownMode(t *testing.T) {
	_, sel := selectorFixture()
	_, err := sel.Candidates(context.Background(), Trip{FacilityID: "fac1"}, DispatchMode("radial"), 0)
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	for _, valid := range []string{"preferred", "geographic", "hybrid"} {
		mode, err := ParseMode(valid)
		require.NoError(t, err)
		assert.Equal(t, DispatchMode(valid), mode)
	}
	_, err := ParseMode("nearest")
	assert.Error(t, err)
}

func TestHaversineMiles(t *testing.T) {
	// Sacramento to San Francisco, roughly 75 miles
	d := haversineMiles(
		Coordinate{Latitude: 38.5816, Longitude: -121.4944},
		Coordinate{Latitude: 37.7749, Longitude: -122.4194},
	)
	assert.InDelta(t, 75, d, 5)

	assert.Zero(t, haversineMiles(Coordinate{Latitude: 1, Longitude: 2}, Coordinate{Latitude: 1, Longitude: 2}))
}
