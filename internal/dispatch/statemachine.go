package dispatch

// transitions is the trip status state machine. Cancellation is handled
// separately: it is reachable from any non-terminal status unconditionally.
var transitions = map[TripStatus]map[TripStatus]struct{}{
	TripPending: {
		TripPendingDispatch: {},
	},
	TripPendingDispatch: {
		TripAccepted: {},
		TripDeclined: {},
		// healthcare-side administrative completion without an agency
		TripCompleted: {},
	},
	TripDeclined: {
		// re-dispatch after every agency declined
		TripPendingDispatch: {},
	},
	TripAccepted: {
		TripInProgress: {},
		TripCompleted:  {},
	},
	TripInProgress: {
		TripCompleted: {},
	},
	TripCompleted: {
		TripHealthcareCompleted: {},
	},
	TripHealthcareCompleted: {},
	TripCancelled:           {},
}

// Terminal reports whether no further status transition is permitted.
// COMPLETED still admits the healthcare close-out edge, so it is not
// terminal for the purposes of this check; cancellation of a completed
// trip is still refused by CanTransition.
func Terminal(s TripStatus) bool {
	return s == TripCancelled || s == TripHealthcareCompleted
}

// Closed reports whether the trip has left the active dispatch flow:
// cancellation is no longer permitted and offers can no longer change it.
func Closed(s TripStatus) bool {
	return s == TripCancelled || s == TripCompleted || s == TripHealthcareCompleted
}

func CanTransition(from, to TripStatus) bool {
	if from == to {
		return false
	}
	if to == TripCancelled {
		return !Closed(from)
	}
	_, ok := transitions[from][to]
	return ok
}

func ValidStatus(s TripStatus) bool {
	switch s {
	case TripPending, TripPendingDispatch, TripAccepted, TripDeclined,
		TripInProgress, TripCompleted, TripHealthcareCompleted, TripCancelled:
		return true
	}
	return false
}
