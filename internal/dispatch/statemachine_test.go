package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to TripStatus }{
		{TripPending, TripPendingDispatch},
		{TripPendingDispatch, TripAccepted},
		{TripPendingDispatch, TripDeclined},
		{TripPendingDispatch, TripCompleted},
		{TripDeclined, TripPendingDispatch},
		{TripAccepted, TripInProgress},
		{TripAccepted, TripCompleted},
		{TripInProgress, TripCompleted},
		{TripCompleted, TripHealthcareCompleted},
		{TripPending, TripCancelled},
		{TripAccepted, TripCancelled},
		{TripInProgress, TripCancelled},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct{ from, to TripStatus }{
		{TripPending, TripAccepted},
		{TripPending, TripInProgress},
		{TripPendingDispatch, TripInProgress},
		{TripCompleted, TripInProgress},
		{TripCompleted, TripCancelled},
		{TripCancelled, TripPending},
		{TripCancelled, TripCancelled},
		{TripHealthcareCompleted, TripCancelled},
		{TripAccepted, TripAccepted},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalAndClosed(t *testing.T) {
	assert.True(t, Terminal(TripCancelled))
	assert.True(t, Terminal(TripHealthcareCompleted))
	assert.False(t, Terminal(TripCompleted), "completed still awaits facility close-out")

	assert.True(t, Closed(TripCompleted))
	assert.True(t, Closed(TripCancelled))
	assert.True(t, Closed(TripHealthcareCompleted))
	assert.False(t, Closed(TripInProgress))
}

func TestValidStatus(t *testing.T) {
	for _, s := range []TripStatus{
		TripPending, TripPendingDispatch, TripAccepted, TripDeclined,
		TripInProgress, TripCompleted, TripHealthcareCompleted, TripCancelled,
	} {
		assert.True(t, ValidStatus(s))
	}
	assert.False(t, ValidStatus("archived"))
	assert.False(t, ValidStatus(""))
}
