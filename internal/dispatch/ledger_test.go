package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerPutRejectsDuplicatePair(t *testing.T) {
	l := NewLedger()
	assert.True(t, l.Put(AgencyResponse{ID: "r1", TripID: "t1", AgencyID: "a1"}))
	assert.False(t, l.Put(AgencyResponse{ID: "r2", TripID: "t1", AgencyID: "a1"}))
	assert.True(t, l.Put(AgencyResponse{ID: "r3", TripID: "t1", AgencyID: "a2"}))
	assert.True(t, l.Put(AgencyResponse{ID: "r4", TripID: "t2", AgencyID: "a1"}))

	assert.Len(t, l.ListByTrip("t1"), 2)
}

func TestLedgerSeedSkipsExisting(t *testing.T) {
	l := NewLedger()
	l.Put(AgencyResponse{ID: "r1", TripID: "t1", AgencyID: "a1", Response: ResponseAccepted})
	l.Seed([]AgencyResponse{
		{ID: "r1-db", TripID: "t1", AgencyID: "a1", Response: ResponsePending},
		{ID: "r2", TripID: "t1", AgencyID: "a2", Response: ResponsePending},
	})

	got, ok := l.GetByTripAgency("t1", "a1")
	require.True(t, ok)
	assert.Equal(t, "r1", got.ID, "live row wins over hydrated row")
	assert.Len(t, l.ListByTrip("t1"), 2)
}

func TestLedgerUpdate(t *testing.T) {
	l := NewLedger()
	l.Put(AgencyResponse{ID: "r1", TripID: "t1", AgencyID: "a1", Response: ResponsePending})

	assert.False(t, l.Update(AgencyResponse{ID: "missing"}))

	assert.True(t, l.Update(AgencyResponse{ID: "r1", TripID: "t1", AgencyID: "a1", Response: ResponseAccepted}))
	got, ok := l.Get("r1")
	require.True(t, ok)
	assert.Equal(t, ResponseAccepted, got.Response)
}

func TestLedgerSelected(t *testing.T) {
	l := NewLedger()
	l.Put(AgencyResponse{ID: "r1", TripID: "t1", AgencyID: "a1"})
	l.Put(AgencyResponse{ID: "r2", TripID: "t1", AgencyID: "a2"})

	_, ok := l.Selected("t1")
	assert.False(t, ok)

	l.Update(AgencyResponse{ID: "r2", TripID: "t1", AgencyID: "a2", Selected: true})
	winner, ok := l.Selected("t1")
	require.True(t, ok)
	assert.Equal(t, "r2", winner.ID)
}

func TestLedgerListByAgency(t *testing.T) {
	l := NewLedger()
	now := time.Now()
	l.Put(AgencyResponse{ID: "r1", TripID: "t1", AgencyID: "a1", Response: ResponsePending, CreatedAt: now.Add(-2 * time.Minute)})
	l.Put(AgencyResponse{ID: "r2", TripID: "t2", AgencyID: "a1", Response: ResponseAccepted, CreatedAt: now.Add(-time.Minute)})
	l.Put(AgencyResponse{ID: "r3", TripID: "t3", AgencyID: "a1", Response: ResponsePending, CreatedAt: now})
	l.Put(AgencyResponse{ID: "r4", TripID: "t1", AgencyID: "a2", Response: ResponsePending, CreatedAt: now})

	all := l.ListByAgency("a1", "")
	require.Len(t, all, 3)
	assert.Equal(t, "r3", all[0].ID, "newest first")

	pending := l.ListByAgency("a1", ResponsePending)
	assert.Len(t, pending, 2)
}
