package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type geoStub struct {
	results []GeoResult
}

func (g geoStub) Within(lat, lon, radiusMiles float64) ([]GeoResult, error) {
	var out []GeoResult
	for _, r := range g.results {
		if r.Miles <= radiusMiles {
			out = append(out, r)
		}
	}
	return out, nil
}

func testDirectory() *MemDirectory {
	dir := NewMemDirectory()
	dir.PutFacility(Facility{
		ID:                 "fac1",
		Name:               "Mercy General",
		Coordinates:        &Coordinate{Latitude: 38.57, Longitude: -121.47},
		PreferredAgencyIDs: []string{"ag1"},
	})
	dir.PutAgency(Agency{
		ID:          "ag1",
		Name:        "First Response",
		Coordinates: &Coordinate{Latitude: 38.58, Longitude: -121.49},
		Registered:  true,
	})
	dir.PutAgency(Agency{
		ID:          "ag2",
		Name:        "Valley Medical",
		Coordinates: &Coordinate{Latitude: 38.55, Longitude: -121.44},
		Registered:  true,
	})
	dir.PutUnit(Unit{ID: "u1", AgencyID: "ag1", Status: UnitAvailable})
	dir.PutUnit(Unit{ID: "u2", AgencyID: "ag2", Status: UnitAvailable})
	dir.PutUnit(Unit{ID: "u3", AgencyID: "ag1", Status: UnitOutOfService})
	return dir
}

func newTestCoordinator() *Coordinator {
	dir := testDirectory()
	geo := geoStub{results: []GeoResult{
		{AgencyID: "ag1", Miles: 1.4},
		{AgencyID: "ag2", Miles: 2.1},
	}}
	return NewCoordinator(dir, dir, NewSelector(dir, geo))
}

func createDispatched(t *testing.T, c *Coordinator, agencies ...string) (Trip, []AgencyResponse) {
	t.Helper()
	ctx := context.Background()
	trip, err := c.CreateTrip(ctx, TripRequest{
		FacilityID:  "fac1",
		Level:       LevelBLS,
		Urgency:     UrgencyRoutine,
		ScheduledAt: time.Now().Add(time.Hour),
	}, Actor{ID: "hc1", Role: RoleHealthcare, OrgID: "fac1"})
	require.NoError(t, err)

	trip, responses, err := c.Dispatch(ctx, trip.ID, agencies, ModeHybrid, 25, Actor{ID: "tcc1", Role: RoleTCC})
	require.NoError(t, err)
	require.Len(t, responses, len(agencies))
	return trip, responses
}

func TestCreateTripStartsPending(t *testing.T) {
	c := newTestCoordinator()
	trip, err := c.CreateTrip(context.Background(), TripRequest{
		FacilityID:  "fac1",
		ScheduledAt: time.Now(),
	}, Actor{Role: RoleHealthcare})
	require.NoError(t, err)
	assert.Equal(t, TripPending, trip.Status)
	assert.Equal(t, int64(1), trip.Version)
	assert.NotEmpty(t, trip.ID)
}

func TestCreateTripDefaultsSearchRadius(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()
	trip, err := c.CreateTrip(ctx, TripRequest{FacilityID: "fac1", ScheduledAt: time.Now()}, Actor{})
	require.NoError(t, err)
	assert.Equal(t, float64(DefaultRadiusMiles), trip.RadiusMiles)

	// a default-radius trip is dispatchable without an explicit radius
	offers, err := c.Candidates(ctx, trip.ID, ModeGeographic, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, offers)

	c.SetDefaultRadius(40)
	trip, err = c.CreateTrip(ctx, TripRequest{FacilityID: "fac1", ScheduledAt: time.Now()}, Actor{})
	require.NoError(t, err)
	assert.Equal(t, 40.0, trip.RadiusMiles)

	trip, err = c.CreateTrip(ctx, TripRequest{FacilityID: "fac1", RadiusMiles: 10, ScheduledAt: time.Now()}, Actor{})
	require.NoError(t, err)
	assert.Equal(t, 10.0, trip.RadiusMiles, "explicit radius wins")
}

func TestCreateTripUnknownFacility(t *testing.T) {
	c := newTestCoordinator()
	_, err := c.CreateTrip(context.Background(), TripRequest{FacilityID: "nope"}, Actor{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDispatchMovesToPendingDispatch(t *testing.T) {
	c := newTestCoordinator()
	trip, responses := createDispatched(t, c, "ag1", "ag2")
	assert.Equal(t, TripPendingDispatch, trip.Status)
	for _, resp := range responses {
		assert.Equal(t, ResponsePending, resp.Response)
		assert.False(t, resp.Selected)
	}
}

func TestDispatchRejectsNonCandidate(t *testing.T) {
	c := newTestCoordinator()
	trip, err := c.CreateTrip(context.Background(), TripRequest{FacilityID: "fac1", ScheduledAt: time.Now()}, Actor{})
	require.NoError(t, err)
	_, _, err = c.Dispatch(context.Background(), trip.ID, []string{"ag_unknown"}, ModeHybrid, 25, Actor{})
	assert.ErrorIs(t, err, ErrNotCandidate)
}

func TestDispatchEmptyAgencyList(t *testing.T) {
	c := newTestCoordinator()
	trip, err := c.CreateTrip(context.Background(), TripRequest{FacilityID: "fac1", ScheduledAt: time.Now()}, Actor{})
	require.NoError(t, err)
	_, _, err = c.Dispatch(context.Background(), trip.ID, nil, ModeHybrid, 25, Actor{})
	assert.ErrorIs(t, err, ErrNotCandidate)
}

func TestDispatchIsIdempotentPerAgency(t *testing.T) {
	c := newTestCoordinator()
	trip, _ := createDispatched(t, c, "ag1")

	_, responses, err := c.Dispatch(context.Background(), trip.ID, []string{"ag1", "ag2"}, ModeHybrid, 25, Actor{})
	require.NoError(t, err)
	assert.Len(t, responses, 2, "re-dispatch adds only the new agency")

	counts := map[string]int{}
	for _, r := range responses {
		counts[r.AgencyID]++
	}
	assert.Equal(t, 1, counts["ag1"])
	assert.Equal(t, 1, counts["ag2"])
}

func TestDispatchRefusedAfterAssignment(t *testing.T) {
	c := newTestCoordinator()
	_, responses := createDispatched(t, c, "ag1")
	_, err := c.RecordResponse(context.Background(), responses[0].ID, ResponseAccepted, "", Actor{Role: RoleAgency, OrgID: "ag1"})
	require.NoError(t, err)
	_, _, err = c.SelectAgency(context.Background(), responses[0].ID, Actor{Role: RoleTCC})
	require.NoError(t, err)

	_, _, err = c.Dispatch(context.Background(), responses[0].TripID, []string{"ag2"}, ModeHybrid, 25, Actor{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRecordResponseAcceptAndDecline(t *testing.T) {
	c := newTestCoordinator()
	_, responses := createDispatched(t, c, "ag1", "ag2")

	acc, err := c.RecordResponse(context.Background(), responses[0].ID, ResponseAccepted, "u1", Actor{Role: RoleAgency, OrgID: "ag1"})
	require.NoError(t, err)
	assert.Equal(t, ResponseAccepted, acc.Response)
	assert.Equal(t, "u1", acc.AssignedUnitID)
	require.NotNil(t, acc.RespondedAt)

	dec, err := c.RecordResponse(context.Background(), responses[1].ID, ResponseDeclined, "", Actor{Role: RoleAgency, OrgID: "ag2"})
	require.NoError(t, err)
	assert.Equal(t, ResponseDeclined, dec.Response)
}

func TestRecordResponseTwiceRefused(t *testing.T) {
	c := newTestCoordinator()
	_, responses := createDispatched(t, c, "ag1")
	_, err := c.RecordResponse(context.Background(), responses[0].ID, ResponseAccepted, "", Actor{})
	require.NoError(t, err)
	_, err = c.RecordResponse(context.Background(), responses[0].ID, ResponseDeclined, "", Actor{})
	assert.ErrorIs(t, err, ErrAlreadyResponded)
}

func TestRecordResponseUnitChecks(t *testing.T) {
	c := newTestCoordinator()
	_, responses := createDispatched(t, c, "ag1")

	_, err := c.RecordResponse(context.Background(), responses[0].ID, ResponseAccepted, "u2", Actor{})
	assert.ErrorIs(t, err, ErrUnitUnavailable, "unit of another agency refused")

	_, err = c.RecordResponse(context.Background(), responses[0].ID, ResponseAccepted, "u3", Actor{})
	assert.ErrorIs(t, err, ErrUnitUnavailable, "out of service unit refused")

	resp, err := c.RecordResponse(context.Background(), responses[0].ID, ResponseAccepted, "u1", Actor{})
	require.NoError(t, err)
	assert.Equal(t, "u1", resp.AssignedUnitID)
}

func TestSelectAgencyAssignsTrip(t *testing.T) {
	c := newTestCoordinator()
	_, responses := createDispatched(t, c, "ag1", "ag2")
	_, err := c.RecordResponse(context.Background(), responses[0].ID, ResponseAccepted, "u1", Actor{})
	require.NoError(t, err)

	trip, winner, err := c.SelectAgency(context.Background(), responses[0].ID, Actor{Role: RoleTCC})
	require.NoError(t, err)
	assert.True(t, winner.Selected)
	assert.Equal(t, TripAccepted, trip.Status)
	assert.Equal(t, "ag1", trip.AssignedAgencyID)
	assert.Equal(t, "u1", trip.AssignedUnitID)
}

func TestSelectSecondAcceptedRefused(t *testing.T) {
	c := newTestCoordinator()
	_, responses := createDispatched(t, c, "ag1", "ag2")
	for _, resp := range responses {
		_, err := c.RecordResponse(context.Background(), resp.ID, ResponseAccepted, "", Actor{})
		require.NoError(t, err)
	}
	_, _, err := c.SelectAgency(context.Background(), responses[0].ID, Actor{})
	require.NoError(t, err)

	_, _, err = c.SelectAgency(context.Background(), responses[1].ID, Actor{})
	assert.ErrorIs(t, err, ErrAlreadySelected)

	all, err := c.ListResponsesByTrip(context.Background(), responses[0].TripID)
	require.NoError(t, err)
	selected := 0
	for _, resp := range all {
		if resp.Selected {
			selected++
		}
	}
	assert.Equal(t, 1, selected)
}

func TestSelectSameResponseIsIdempotent(t *testing.T) {
	c := newTestCoordinator()
	_, responses := createDispatched(t, c, "ag1")
	_, err := c.RecordResponse(context.Background(), responses[0].ID, ResponseAccepted, "", Actor{})
	require.NoError(t, err)
	_, _, err = c.SelectAgency(context.Background(), responses[0].ID, Actor{})
	require.NoError(t, err)
	trip, winner, err := c.SelectAgency(context.Background(), responses[0].ID, Actor{})
	require.NoError(t, err)
	assert.True(t, winner.Selected)
	assert.Equal(t, TripAccepted, trip.Status)
}

func TestSelectRequiresAcceptedResponse(t *testing.T) {
	c := newTestCoordinator()
	_, responses := createDispatched(t, c, "ag1")

	_, _, err := c.SelectAgency(context.Background(), responses[0].ID, Actor{})
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending response not selectable")

	_, err = c.RecordResponse(context.Background(), responses[0].ID, ResponseDeclined, "", Actor{})
	require.NoError(t, err)
	_, _, err = c.SelectAgency(context.Background(), responses[0].ID, Actor{})
	assert.ErrorIs(t, err, ErrInvalidTransition, "declined response not selectable")
}

func TestConcurrentAcceptsThenSingleSelection(t *testing.T) {
	c := newTestCoordinator()
	_, responses := createDispatched(t, c, "ag1", "ag2")

	var wg sync.WaitGroup
	for _, resp := range responses {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := c.RecordResponse(context.Background(), id, ResponseAccepted, "", Actor{})
			assert.NoError(t, err)
		}(resp.ID)
	}
	wg.Wait()

	errs := make(chan error, len(responses))
	for _, resp := range responses {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _, err := c.SelectAgency(context.Background(), id, Actor{})
			errs <- err
		}(resp.ID)
	}
	wg.Wait()
	close(errs)

	var ok, conflict int
	for err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrAlreadySelected)
			conflict++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflict)
}

func TestConcurrentDoubleResponse(t *testing.T) {
	c := newTestCoordinator()
	_, responses := createDispatched(t, c, "ag1")

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, answer := range []ResponseState{ResponseAccepted, ResponseDeclined} {
		wg.Add(1)
		go func(a ResponseState) {
			defer wg.Done()
			_, err := c.RecordResponse(context.Background(), responses[0].ID, a, "", Actor{})
			errs <- err
		}(answer)
	}
	wg.Wait()
	close(errs)

	var ok, refused int
	for err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyResponded)
			refused++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, refused)
}

func TestCancelClearsAssignmentAndDeselects(t *testing.T) {
	c := newTestCoordinator()
	_, responses := createDispatched(t, c, "ag1")
	_, err := c.RecordResponse(context.Background(), responses[0].ID, ResponseAccepted, "u1", Actor{})
	require.NoError(t, err)
	_, _, err = c.SelectAgency(context.Background(), responses[0].ID, Actor{})
	require.NoError(t, err)

	trip, err := c.Cancel(context.Background(), responses[0].TripID, "patient transferred", Actor{Role: RoleHealthcare})
	require.NoError(t, err)
	assert.Equal(t, TripCancelled, trip.Status)
	assert.Empty(t, trip.AssignedAgencyID)
	assert.Empty(t, trip.AssignedUnitID)
	assert.Equal(t, "patient transferred", trip.CancelReason)

	all, err := c.ListResponsesByTrip(context.Background(), trip.ID)
	require.NoError(t, err)
	for _, resp := range all {
		assert.False(t, resp.Selected)
		assert.Equal(t, ResponseAccepted, resp.Response, "answer survives deselection")
	}
}

func TestCancelTwiceRefused(t *testing.T) {
	c := newTestCoordinator()
	trip, _ := createDispatched(t, c, "ag1")
	_, err := c.Cancel(context.Background(), trip.ID, "", Actor{})
	require.NoError(t, err)
	_, err = c.Cancel(context.Background(), trip.ID, "", Actor{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestLateResponseAfterCancelIsRecorded(t *testing.T) {
	c := newTestCoordinator()
	trip, responses := createDispatched(t, c, "ag1")
	_, err := c.Cancel(context.Background(), trip.ID, "", Actor{})
	require.NoError(t, err)

	resp, err := c.RecordResponse(context.Background(), responses[0].ID, ResponseAccepted, "", Actor{})
	require.NoError(t, err, "late answers are kept for the record")
	assert.Equal(t, ResponseAccepted, resp.Response)

	got, err := c.GetTrip(context.Background(), trip.ID)
	require.NoError(t, err)
	assert.Equal(t, TripCancelled, got.Status, "cancelled trip untouched by late answer")
	assert.Empty(t, got.AssignedAgencyID)

	_, _, err = c.SelectAgency(context.Background(), responses[0].ID, Actor{})
	assert.ErrorIs(t, err, ErrInvalidTransition, "no selection on a cancelled trip")
}

func TestRejectAgency(t *testing.T) {
	c := newTestCoordinator()
	_, responses := createDispatched(t, c, "ag1", "ag2")
	_, err := c.RecordResponse(context.Background(), responses[0].ID, ResponseAccepted, "", Actor{})
	require.NoError(t, err)

	resp, err := c.RejectAgency(context.Background(), responses[0].ID, "rate too high", Actor{Role: RoleTCC})
	require.NoError(t, err)
	assert.Equal(t, ResponseDeclined, resp.Response)
	assert.Equal(t, "rate too high", resp.Note)

	_, err = c.RejectAgency(context.Background(), responses[0].ID, "", Actor{})
	assert.ErrorIs(t, err, ErrAlreadyResponded)
}

func TestRejectSelectedRefused(t *testing.T) {
	c := newTestCoordinator()
	_, responses := createDispatched(t, c, "ag1")
	_, err := c.RecordResponse(context.Background(), responses[0].ID, ResponseAccepted, "", Actor{})
	require.NoError(t, err)
	_, _, err = c.SelectAgency(context.Background(), responses[0].ID, Actor{})
	require.NoError(t, err)

	_, err = c.RejectAgency(context.Background(), responses[0].ID, "", Actor{})
	assert.ErrorIs(t, err, ErrAlreadySelected)
}

func TestBindUnitUpdatesSelectedTrip(t *testing.T) {
	c := newTestCoordinator()
	_, responses := createDispatched(t, c, "ag1")
	_, err := c.RecordResponse(context.Background(), responses[0].ID, ResponseAccepted, "", Actor{})
	require.NoError(t, err)
	_, _, err = c.SelectAgency(context.Background(), responses[0].ID, Actor{})
	require.NoError(t, err)

	resp, err := c.BindUnit(context.Background(), responses[0].ID, "u1", Actor{Role: RoleAgency, OrgID: "ag1"})
	require.NoError(t, err)
	assert.Equal(t, "u1", resp.AssignedUnitID)

	trip, err := c.GetTrip(context.Background(), responses[0].TripID)
	require.NoError(t, err)
	assert.Equal(t, "u1", trip.AssignedUnitID)
}

func TestBindUnitRequiresAccepted(t *testing.T) {
	c := newTestCoordinator()
	_, responses := createDispatched(t, c, "ag1")
	_, err := c.BindUnit(context.Background(), responses[0].ID, "u1", Actor{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAdvanceStatusLifecycle(t *testing.T) {
	c := newTestCoordinator()
	_, responses := createDispatched(t, c, "ag1")
	_, err := c.RecordResponse(context.Background(), responses[0].ID, ResponseAccepted, "u1", Actor{})
	require.NoError(t, err)
	_, _, err = c.SelectAgency(context.Background(), responses[0].ID, Actor{})
	require.NoError(t, err)
	tripID := responses[0].TripID
	agency := Actor{Role: RoleAgency, OrgID: "ag1"}

	arrival := time.Now()
	trip, err := c.AdvanceStatus(context.Background(), tripID, TripAccepted, StatusTimes{Arrival: &arrival}, agency)
	require.NoError(t, err)
	require.NotNil(t, trip.ArrivalAt)

	trip, err = c.AdvanceStatus(context.Background(), tripID, TripInProgress, StatusTimes{}, agency)
	require.NoError(t, err)
	assert.Equal(t, TripInProgress, trip.Status)
	require.NotNil(t, trip.PickupAt)

	departure := arrival.Add(10 * time.Minute)
	completion := departure.Add(30 * time.Minute)
	trip, err = c.AdvanceStatus(context.Background(), tripID, TripCompleted, StatusTimes{
		Departure:  &departure,
		Completion: &completion,
	}, agency)
	require.NoError(t, err)
	assert.Equal(t, TripCompleted, trip.Status)
	assert.Equal(t, completion, *trip.CompletedAt)

	trip, err = c.AdvanceStatus(context.Background(), tripID, TripHealthcareCompleted, StatusTimes{}, Actor{Role: RoleHealthcare})
	require.NoError(t, err)
	assert.Equal(t, TripHealthcareCompleted, trip.Status)
}

func TestAdvanceStatusInvalidJumps(t *testing.T) {
	c := newTestCoordinator()
	trip, _ := createDispatched(t, c, "ag1")

	_, err := c.AdvanceStatus(context.Background(), trip.ID, TripInProgress, StatusTimes{}, Actor{})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = c.AdvanceStatus(context.Background(), trip.ID, "bogus", StatusTimes{}, Actor{})
	assert.Error(t, err)
}

func TestTimestampOrdering(t *testing.T) {
	c := newTestCoordinator()
	_, responses := createDispatched(t, c, "ag1")
	_, err := c.RecordResponse(context.Background(), responses[0].ID, ResponseAccepted, "", Actor{})
	require.NoError(t, err)
	_, _, err = c.SelectAgency(context.Background(), responses[0].ID, Actor{})
	require.NoError(t, err)
	tripID := responses[0].TripID

	departure := time.Now()
	_, err = c.AdvanceStatus(context.Background(), tripID, TripAccepted, StatusTimes{Departure: &departure}, Actor{})
	assert.ErrorIs(t, err, ErrInvalidTransition, "departure without arrival refused")

	arrival := departure.Add(time.Minute)
	_, err = c.AdvanceStatus(context.Background(), tripID, TripAccepted, StatusTimes{Arrival: &arrival}, Actor{})
	require.NoError(t, err)

	early := arrival.Add(-time.Minute)
	_, err = c.AdvanceStatus(context.Background(), tripID, TripAccepted, StatusTimes{Departure: &early}, Actor{})
	assert.ErrorIs(t, err, ErrInvalidTransition, "departure before arrival refused")

	_, err = c.AdvanceStatus(context.Background(), tripID, TripAccepted, StatusTimes{Arrival: &arrival}, Actor{})
	assert.ErrorIs(t, err, ErrInvalidTransition, "arrival set twice refused")
}

func TestAgencyCompletionRequiresDeparture(t *testing.T) {
	c := newTestCoordinator()
	_, responses := createDispatched(t, c, "ag1")
	_, err := c.RecordResponse(context.Background(), responses[0].ID, ResponseAccepted, "", Actor{})
	require.NoError(t, err)
	_, _, err = c.SelectAgency(context.Background(), responses[0].ID, Actor{})
	require.NoError(t, err)
	tripID := responses[0].TripID

	_, err = c.AdvanceStatus(context.Background(), tripID, TripCompleted, StatusTimes{}, Actor{Role: RoleAgency, OrgID: "ag1"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	trip, err := c.AdvanceStatus(context.Background(), tripID, TripCompleted, StatusTimes{}, Actor{Role: RoleHealthcare, OrgID: "fac1"})
	require.NoError(t, err, "facility may close administratively")
	assert.Equal(t, TripCompleted, trip.Status)
}

func TestAuthorizeThenDispatch(t *testing.T) {
	c := newTestCoordinator()
	trip, err := c.CreateTrip(context.Background(), TripRequest{FacilityID: "fac1", ScheduledAt: time.Now()}, Actor{})
	require.NoError(t, err)

	trip, err = c.Authorize(context.Background(), trip.ID, Actor{Role: RoleTCC})
	require.NoError(t, err)
	assert.Equal(t, TripPendingDispatch, trip.Status)

	_, err = c.Authorize(context.Background(), trip.ID, Actor{Role: RoleTCC})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestListResponsesByAgency(t *testing.T) {
	c := newTestCoordinator()
	createDispatched(t, c, "ag1", "ag2")
	createDispatched(t, c, "ag1")

	out, err := c.ListResponsesByAgency(context.Background(), "ag1", ResponsePending, 0, 0)
	require.NoError(t, err)
	assert.Len(t, out, 2)

	out, err = c.ListResponsesByAgency(context.Background(), "ag2", "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}
