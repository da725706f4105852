package dispatch

import "errors"

// Coordination errors. Every precondition violation maps to exactly one of
// these; callers match with errors.Is and decide whether to retry. The
// coordinator itself never retries.
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransition  = errors.New("requested status change is not permitted from the trip's current status")
	ErrNotCandidate       = errors.New("agency is not in the eligible candidate set for this dispatch mode")
	ErrAlreadyResponded   = errors.New("this offer has already been answered")
	ErrAlreadySelected    = errors.New("this trip has already been assigned to another agency")
	ErrUnitUnavailable    = errors.New("unit is not available for assignment")
	ErrMissingCoordinates = errors.New("origin facility has no location data; geographic dispatch is unavailable")
	// ErrStaleVersion means the optimistic row check failed: another
	// process mutated the trip between read and write.
	ErrStaleVersion = errors.New("trip was modified concurrently, reload and retry")
)
