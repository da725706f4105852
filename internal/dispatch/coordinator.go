package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Coordinator owns the trip status state machine and the offer fan-out /
// response fan-in protocol. It keeps an authoritative in-memory view with
// optional write-through persistence, the same shape the rest of the
// system uses for drivers of record.
//
// Every mutating operation is serialized per trip by a keyed mutex; the
// storage layer's version check and unique indexes back the same
// guarantees across processes.
type Coordinator struct {
	mu     sync.Mutex
	trips  map[string]Trip
	hydra  map[string]struct{}
	locks  map[string]*sync.Mutex
	ledger *Ledger

	dir     Directory
	units   UnitDirectory
	sel     *Selector
	persist Persistence
	notif   Notifier
	metrics *Metrics
	log     zerolog.Logger
	now     func() time.Time

	dbPing    func(context.Context) error
	redisPing func(context.Context) error

	defaultRadius float64
}

// DefaultRadiusMiles applies when neither the trip nor the dispatch
// request carries a search radius.
const DefaultRadiusMiles = 25

func NewCoordinator(dir Directory, units UnitDirectory, sel *Selector) *Coordinator {
	return &Coordinator{
		trips:  make(map[string]Trip),
		hydra:  make(map[string]struct{}),
		locks:  make(map[string]*sync.Mutex),
		ledger: NewLedger(),
		dir:    dir,
		units:  units,
		sel:    sel,
		notif:  NopNotifier{},
		log:    zerolog.Nop(),
		now:    time.Now,

		defaultRadius: DefaultRadiusMiles,
	}
}

// SetDefaultRadius overrides the fallback search radius for trips created
// without one.
func (c *Coordinator) SetDefaultRadius(miles float64) {
	if miles > 0 {
		c.defaultRadius = miles
	}
}

// AttachPersistence connects write-through trip/response storage.
func (c *Coordinator) AttachPersistence(p Persistence) { c.persist = p }

// AttachNotifier connects the live event feed.
func (c *Coordinator) AttachNotifier(n Notifier) {
	if n != nil {
		c.notif = n
	}
}

// AttachMetrics connects coordination counters.
func (c *Coordinator) AttachMetrics(m *Metrics) { c.metrics = m }

// AttachLogger sets the component logger.
func (c *Coordinator) AttachLogger(l zerolog.Logger) { c.log = l }

// AttachHealth sets ping functions used by readiness checks.
func (c *Coordinator) AttachHealth(db func(context.Context) error, redis func(context.Context) error) {
	c.dbPing = db
	c.redisPing = redis
}

// HealthCheck checks db/redis ping if configured.
func (c *Coordinator) HealthCheck(ctx context.Context) error {
	if c.dbPing != nil {
		if err := c.dbPing(ctx); err != nil {
			return err
		}
	}
	if c.redisPing != nil {
		if err := c.redisPing(ctx); err != nil {
			return err
		}
	}
	return nil
}

// lockTrip acquires the per-trip mutex. Lock entries are retained for the
// life of the process; trip volume is human-paced.
func (c *Coordinator) lockTrip(tripID string) func() {
	c.mu.Lock()
	lk, ok := c.locks[tripID]
	if !ok {
		lk = &sync.Mutex{}
		c.locks[tripID] = lk
	}
	c.mu.Unlock()
	lk.Lock()
	return lk.Unlock
}

// tripLocked fetches the trip, reading through to persistence and seeding
// the trip's responses on first touch. Caller holds the trip lock.
func (c *Coordinator) tripLocked(ctx context.Context, tripID string) (Trip, error) {
	c.mu.Lock()
	trip, ok := c.trips[tripID]
	_, hydrated := c.hydra[tripID]
	c.mu.Unlock()
	if ok && hydrated {
		return trip, nil
	}
	if c.persist == nil {
		if ok {
			return trip, nil
		}
		return Trip{}, fmt.Errorf("trip %s: %w", tripID, ErrNotFound)
	}
	if !ok {
		dbTrip, found, err := c.persist.GetTrip(ctx, tripID)
		if err != nil {
			return Trip{}, fmt.Errorf("load trip %s: %w", tripID, err)
		}
		if !found {
			return Trip{}, fmt.Errorf("trip %s: %w", tripID, ErrNotFound)
		}
		trip = dbTrip
	}
	resps, err := c.persist.ListResponsesByTrip(ctx, tripID)
	if err != nil {
		return Trip{}, fmt.Errorf("load responses for trip %s: %w", tripID, err)
	}
	c.ledger.Seed(resps)
	c.mu.Lock()
	c.trips[tripID] = trip
	c.hydra[tripID] = struct{}{}
	c.mu.Unlock()
	return trip, nil
}

func (c *Coordinator) setTrip(trip Trip) {
	c.mu.Lock()
	c.trips[trip.ID] = trip
	c.hydra[trip.ID] = struct{}{}
	c.mu.Unlock()
}

func (c *Coordinator) event(tripID, typ string, actor Actor, payload map[string]any) TripEvent {
	var body json.RawMessage
	if payload != nil {
		body, _ = json.Marshal(payload)
	}
	return TripEvent{
		TripID:    tripID,
		Type:      typ,
		Payload:   body,
		ActorID:   actor.ID,
		ActorRole: string(actor.Role),
		CreatedAt: c.now(),
	}
}

func (c *Coordinator) notify(kind EventKind, trip *Trip, resp *AgencyResponse) {
	evt := Event{Kind: kind, At: c.now()}
	if trip != nil {
		t := *trip
		evt.Trip = &t
		evt.TripID = t.ID
	}
	if resp != nil {
		r := *resp
		evt.Response = &r
		if evt.TripID == "" {
			evt.TripID = r.TripID
		}
	}
	c.notif.Notify(evt)
}

// TripRequest carries the healthcare actor's input for a new trip.
type TripRequest struct {
	FacilityID  string         `json:"facilityId"`
	PatientRef  string         `json:"patientRef,omitempty"`
	Origin      string         `json:"origin,omitempty"`
	Destination string         `json:"destination,omitempty"`
	Level       TransportLevel `json:"level"`
	Urgency     Urgency        `json:"urgency"`
	ScheduledAt time.Time      `json:"scheduledAt"`
	RadiusMiles float64        `json:"radiusMiles,omitempty"`
	// Authorized creates the trip directly in PENDING_DISPATCH, the TCC
	// pre-approval path.
	Authorized bool `json:"authorized,omitempty"`
}

// CreateTrip registers a new transport request in PENDING (or
// PENDING_DISPATCH when pre-authorized).
func (c *Coordinator) CreateTrip(ctx context.Context, req TripRequest, actor Actor) (Trip, error) {
	if req.FacilityID == "" {
		return Trip{}, fmt.Errorf("facilityId is required")
	}
	_, ok, err := c.dir.GetFacility(ctx, req.FacilityID)
	if err != nil {
		return Trip{}, fmt.Errorf("resolve facility %s: %w", req.FacilityID, err)
	}
	if !ok {
		return Trip{}, fmt.Errorf("facility %s: %w", req.FacilityID, ErrNotFound)
	}
	level := req.Level
	if level == "" {
		level = LevelBLS
	}
	urgency := req.Urgency
	if urgency == "" {
		urgency = UrgencyRoutine
	}
	status := TripPending
	if req.Authorized {
		status = TripPendingDispatch
	}
	radius := req.RadiusMiles
	if radius <= 0 {
		radius = c.defaultRadius
	}
	now := c.now()
	trip := Trip{
		ID:          uuid.NewString(),
		FacilityID:  req.FacilityID,
		PatientRef:  req.PatientRef,
		Origin:      req.Origin,
		Destination: req.Destination,
		Level:       level,
		Urgency:     urgency,
		ScheduledAt: req.ScheduledAt,
		RadiusMiles: radius,
		Status:      status,
		CreatedAt:   now,
		Version:     1,
	}

	unlock := c.lockTrip(trip.ID)
	defer unlock()

	evt := c.event(trip.ID, "trip_created", actor, map[string]any{"status": trip.Status})
	if c.persist != nil {
		if err := c.persist.CreateTrip(ctx, trip, evt); err != nil {
			return Trip{}, fmt.Errorf("persist trip: %w", err)
		}
	}
	c.setTrip(trip)
	c.log.Info().Str("trip_id", trip.ID).Str("facility_id", trip.FacilityID).
		Str("status", string(trip.Status)).Msg("trip created")
	return trip, nil
}

// GetTrip returns the trip, reading through to persistence on a miss.
func (c *Coordinator) GetTrip(ctx context.Context, tripID string) (Trip, error) {
	c.mu.Lock()
	trip, ok := c.trips[tripID]
	c.mu.Unlock()
	if ok {
		return trip, nil
	}
	if c.persist != nil {
		dbTrip, found, err := c.persist.GetTrip(ctx, tripID)
		if err != nil {
			return Trip{}, fmt.Errorf("load trip %s: %w", tripID, err)
		}
		if found {
			return dbTrip, nil
		}
	}
	return Trip{}, fmt.Errorf("trip %s: %w", tripID, ErrNotFound)
}

// ListTrips returns trips, optionally filtered by status, newest first.
func (c *Coordinator) ListTrips(ctx context.Context, status TripStatus, limit, offset int) ([]Trip, error) {
	if c.persist != nil {
		return c.persist.ListTrips(ctx, status, limit, offset)
	}
	c.mu.Lock()
	var out []Trip
	for _, t := range c.trips {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t)
	}
	c.mu.Unlock()
	sortTripsNewestFirst(out)
	return pageTrips(out, limit, offset), nil
}

// Candidates computes the eligible agency list for the trip. Pure read;
// nothing is cached across calls.
func (c *Coordinator) Candidates(ctx context.Context, tripID string, mode DispatchMode, radiusMiles float64) ([]DispatchOffer, error) {
	trip, err := c.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if radiusMiles <= 0 {
		radiusMiles = trip.RadiusMiles
	}
	if radiusMiles <= 0 {
		radiusMiles = c.defaultRadius
	}
	return c.sel.Candidates(ctx, trip, mode, radiusMiles)
}

// Dispatch fans the trip out to the requested agencies. Agencies outside
// the current candidate set for the mode are rejected; agencies that
// already hold an offer are skipped, which makes retries idempotent.
func (c *Coordinator) Dispatch(ctx context.Context, tripID string, agencyIDs []string, mode DispatchMode, radiusMiles float64, actor Actor) (Trip, []AgencyResponse, error) {
	if len(agencyIDs) == 0 {
		return Trip{}, nil, fmt.Errorf("dispatch requires at least one agency: %w", ErrNotCandidate)
	}

	unlock := c.lockTrip(tripID)
	defer unlock()

	trip, err := c.tripLocked(ctx, tripID)
	if err != nil {
		return Trip{}, nil, err
	}
	if trip.Status != TripPending && trip.Status != TripPendingDispatch {
		c.metrics.refused("invalid_transition")
		return Trip{}, nil, fmt.Errorf("trip is %s: %w", trip.Status, ErrInvalidTransition)
	}
	if radiusMiles <= 0 {
		radiusMiles = trip.RadiusMiles
	}
	if radiusMiles <= 0 {
		radiusMiles = c.defaultRadius
	}

	offers, err := c.sel.Candidates(ctx, trip, mode, radiusMiles)
	if err != nil {
		return Trip{}, nil, err
	}
	eligible := make(map[string]struct{}, len(offers))
	for _, o := range offers {
		eligible[o.AgencyID] = struct{}{}
	}
	for _, agencyID := range agencyIDs {
		if _, ok := eligible[agencyID]; !ok {
			c.metrics.refused("not_candidate")
			return Trip{}, nil, fmt.Errorf("agency %s: %w", agencyID, ErrNotCandidate)
		}
	}

	prev := trip.Status
	if trip.Status == TripPending || trip.RadiusMiles != radiusMiles {
		trip.Status = TripPendingDispatch
		trip.RadiusMiles = radiusMiles
		trip.Version++
		evt := c.event(tripID, "trip_dispatched", actor, map[string]any{
			"statusFrom": prev, "statusTo": trip.Status, "mode": mode,
		})
		if c.persist != nil {
			if err := c.persist.UpdateTrip(ctx, trip, evt); err != nil {
				return Trip{}, nil, err
			}
		}
		c.setTrip(trip)
	}

	now := c.now()
	var created []AgencyResponse
	for _, agencyID := range agencyIDs {
		resp := AgencyResponse{
			ID:        uuid.NewString(),
			TripID:    tripID,
			AgencyID:  agencyID,
			Response:  ResponsePending,
			CreatedAt: now,
		}
		if !c.ledger.Put(resp) {
			continue
		}
		evt := c.event(tripID, "offer_created", actor, map[string]any{
			"agencyId": agencyID, "mode": mode,
		})
		if c.persist != nil {
			if _, err := c.persist.CreateOffer(ctx, resp, evt); err != nil {
				return Trip{}, nil, fmt.Errorf("persist offer for agency %s: %w", agencyID, err)
			}
		}
		created = append(created, resp)
		c.metrics.offerCreated(mode)
		c.notify(EventDispatchCreated, &trip, &resp)
	}
	if prev != trip.Status {
		c.metrics.transition(prev, trip.Status)
		c.notify(EventTripStatusChanged, &trip, nil)
	}
	c.log.Info().Str("trip_id", tripID).Str("mode", string(mode)).
		Int("requested", len(agencyIDs)).Int("created", len(created)).
		Msg("trip dispatched")
	return trip, c.ledger.ListByTrip(tripID), nil
}

// Authorize moves PENDING to PENDING_DISPATCH without creating offers, the
// TCC pre-approval step.
func (c *Coordinator) Authorize(ctx context.Context, tripID string, actor Actor) (Trip, error) {
	unlock := c.lockTrip(tripID)
	defer unlock()

	trip, err := c.tripLocked(ctx, tripID)
	if err != nil {
		return Trip{}, err
	}
	if trip.Status != TripPending {
		c.metrics.refused("invalid_transition")
		return Trip{}, fmt.Errorf("trip is %s: %w", trip.Status, ErrInvalidTransition)
	}
	prev := trip.Status
	trip.Status = TripPendingDispatch
	trip.Version++
	evt := c.event(tripID, "trip_authorized", actor, map[string]any{
		"statusFrom": prev, "statusTo": trip.Status,
	})
	if c.persist != nil {
		if err := c.persist.UpdateTrip(ctx, trip, evt); err != nil {
			return Trip{}, err
		}
	}
	c.setTrip(trip)
	c.metrics.transition(prev, trip.Status)
	c.notify(EventTripStatusChanged, &trip, nil)
	return trip, nil
}

// resolveResponse finds a response row by id so its trip can be locked.
func (c *Coordinator) resolveResponse(ctx context.Context, responseID string) (AgencyResponse, error) {
	if resp, ok := c.ledger.Get(responseID); ok {
		return resp, nil
	}
	if c.persist != nil {
		resp, found, err := c.persist.GetResponse(ctx, responseID)
		if err != nil {
			return AgencyResponse{}, fmt.Errorf("load response %s: %w", responseID, err)
		}
		if found {
			return resp, nil
		}
	}
	return AgencyResponse{}, fmt.Errorf("response %s: %w", responseID, ErrNotFound)
}

// RecordResponse applies an agency's accept/decline answer to its pending
// offer. Exactly one answer wins; later submissions fail with
// ErrAlreadyResponded and leave the row unchanged. The trip's status is
// deliberately not consulted: an answer arriving after cancellation is
// still recorded for audit and has no effect on the trip.
func (c *Coordinator) RecordResponse(ctx context.Context, responseID string, answer ResponseState, unitID string, actor Actor) (AgencyResponse, error) {
	if answer != ResponseAccepted && answer != ResponseDeclined {
		return AgencyResponse{}, fmt.Errorf("response must be %q or %q", ResponseAccepted, ResponseDeclined)
	}
	stale, err := c.resolveResponse(ctx, responseID)
	if err != nil {
		return AgencyResponse{}, err
	}

	unlock := c.lockTrip(stale.TripID)
	defer unlock()

	if _, err := c.tripLocked(ctx, stale.TripID); err != nil {
		return AgencyResponse{}, err
	}
	resp, ok := c.ledger.Get(responseID)
	if !ok {
		return AgencyResponse{}, fmt.Errorf("response %s: %w", responseID, ErrNotFound)
	}
	if resp.Response != ResponsePending {
		c.metrics.refused("already_responded")
		return AgencyResponse{}, fmt.Errorf("offer is %s: %w", resp.Response, ErrAlreadyResponded)
	}

	if answer == ResponseAccepted && unitID != "" {
		if err := c.checkUnit(ctx, resp.AgencyID, unitID); err != nil {
			return AgencyResponse{}, err
		}
		resp.AssignedUnitID = unitID
	}
	now := c.now()
	resp.Response = answer
	resp.RespondedAt = &now

	evt := c.event(resp.TripID, "response_recorded", actor, map[string]any{
		"agencyId": resp.AgencyID, "response": answer, "unitId": resp.AssignedUnitID,
	})
	if c.persist != nil {
		applied, err := c.persist.UpdateResponse(ctx, resp, evt)
		if err != nil {
			return AgencyResponse{}, fmt.Errorf("persist response: %w", err)
		}
		if !applied {
			c.metrics.refused("already_responded")
			return AgencyResponse{}, fmt.Errorf("offer answered concurrently: %w", ErrAlreadyResponded)
		}
	}
	c.ledger.Update(resp)
	c.metrics.responseRecorded(answer)
	c.notify(EventResponseRecorded, nil, &resp)
	c.log.Info().Str("trip_id", resp.TripID).Str("agency_id", resp.AgencyID).
		Str("response", string(answer)).Msg("agency response recorded")
	return resp, nil
}

// SelectAgency chooses one accepted response as the trip's servicing
// agency. Atomic with respect to concurrent selections on the same trip:
// the per-trip lock serializes in-process callers and the storage
// transaction's partial unique index arbitrates across processes.
func (c *Coordinator) SelectAgency(ctx context.Context, responseID string, actor Actor) (Trip, AgencyResponse, error) {
	stale, err := c.resolveResponse(ctx, responseID)
	if err != nil {
		return Trip{}, AgencyResponse{}, err
	}

	unlock := c.lockTrip(stale.TripID)
	defer unlock()

	trip, err := c.tripLocked(ctx, stale.TripID)
	if err != nil {
		return Trip{}, AgencyResponse{}, err
	}
	resp, ok := c.ledger.Get(responseID)
	if !ok {
		return Trip{}, AgencyResponse{}, fmt.Errorf("response %s: %w", responseID, ErrNotFound)
	}
	if winner, taken := c.ledger.Selected(trip.ID); taken {
		if winner.ID == resp.ID {
			return trip, winner, nil
		}
		c.metrics.refused("already_selected")
		return Trip{}, AgencyResponse{}, ErrAlreadySelected
	}
	if resp.Response != ResponseAccepted {
		c.metrics.refused("invalid_transition")
		return Trip{}, AgencyResponse{}, fmt.Errorf("response is %s, selection requires an accepted response: %w", resp.Response, ErrInvalidTransition)
	}
	if trip.Status != TripPendingDispatch {
		c.metrics.refused("invalid_transition")
		return Trip{}, AgencyResponse{}, fmt.Errorf("trip is %s: %w", trip.Status, ErrInvalidTransition)
	}

	prev := trip.Status
	resp.Selected = true
	trip.Status = TripAccepted
	trip.AssignedAgencyID = resp.AgencyID
	trip.AssignedUnitID = resp.AssignedUnitID
	trip.Version++

	evt := c.event(trip.ID, "agency_selected", actor, map[string]any{
		"agencyId": resp.AgencyID, "responseId": resp.ID, "unitId": resp.AssignedUnitID,
	})
	if c.persist != nil {
		if err := c.persist.SelectResponse(ctx, trip, resp, evt); err != nil {
			return Trip{}, AgencyResponse{}, err
		}
	}
	c.ledger.Update(resp)
	c.setTrip(trip)
	c.metrics.agencySelected()
	c.metrics.transition(prev, trip.Status)
	c.notify(EventAgencySelected, &trip, &resp)
	c.notify(EventTripStatusChanged, &trip, nil)
	c.log.Info().Str("trip_id", trip.ID).Str("agency_id", resp.AgencyID).
		Msg("agency selected")
	return trip, resp, nil
}

// RejectAgency declines a response on behalf of the healthcare/TCC actor.
// A selected response cannot be rejected; the trip must be cancelled
// first, which deselects implicitly.
func (c *Coordinator) RejectAgency(ctx context.Context, responseID, note string, actor Actor) (AgencyResponse, error) {
	stale, err := c.resolveResponse(ctx, responseID)
	if err != nil {
		return AgencyResponse{}, err
	}

	unlock := c.lockTrip(stale.TripID)
	defer unlock()

	if _, err := c.tripLocked(ctx, stale.TripID); err != nil {
		return AgencyResponse{}, err
	}
	resp, ok := c.ledger.Get(responseID)
	if !ok {
		return AgencyResponse{}, fmt.Errorf("response %s: %w", responseID, ErrNotFound)
	}
	if resp.Selected {
		c.metrics.refused("already_selected")
		return AgencyResponse{}, fmt.Errorf("cannot reject the selected agency, cancel the trip instead: %w", ErrAlreadySelected)
	}
	if resp.Response == ResponseDeclined {
		c.metrics.refused("already_responded")
		return AgencyResponse{}, fmt.Errorf("offer is already declined: %w", ErrAlreadyResponded)
	}

	resp.Response = ResponseDeclined
	resp.Note = note
	if resp.RespondedAt == nil {
		now := c.now()
		resp.RespondedAt = &now
	}
	evt := c.event(resp.TripID, "agency_rejected", actor, map[string]any{
		"agencyId": resp.AgencyID, "note": note,
	})
	if c.persist != nil {
		if err := c.persist.SaveResponse(ctx, resp, evt); err != nil {
			return AgencyResponse{}, fmt.Errorf("persist response: %w", err)
		}
	}
	c.ledger.Update(resp)
	c.metrics.responseRecorded(ResponseDeclined)
	c.notify(EventResponseRecorded, nil, &resp)
	return resp, nil
}

// StatusTimes carries the EMS timeline timestamps for a status update.
type StatusTimes struct {
	Arrival    *time.Time `json:"arrivalTimestamp,omitempty"`
	Departure  *time.Time `json:"departureTimestamp,omitempty"`
	Completion *time.Time `json:"completionTimestamp,omitempty"`
}

// AdvanceStatus applies a status transition and/or timeline timestamps.
// Passing the current status records timestamps without transitioning.
// Cancellation is routed through Cancel and is never blocked by missing
// timestamps.
func (c *Coordinator) AdvanceStatus(ctx context.Context, tripID string, newStatus TripStatus, times StatusTimes, actor Actor) (Trip, error) {
	if !ValidStatus(newStatus) {
		return Trip{}, fmt.Errorf("unknown trip status %q", newStatus)
	}
	if newStatus == TripCancelled {
		return c.Cancel(ctx, tripID, "", actor)
	}

	unlock := c.lockTrip(tripID)
	defer unlock()

	trip, err := c.tripLocked(ctx, tripID)
	if err != nil {
		return Trip{}, err
	}
	prev := trip.Status
	transitioning := newStatus != trip.Status
	if transitioning && !CanTransition(trip.Status, newStatus) {
		c.metrics.refused("invalid_transition")
		return Trip{}, fmt.Errorf("%s -> %s: %w", trip.Status, newStatus, ErrInvalidTransition)
	}
	if !transitioning && times == (StatusTimes{}) {
		return Trip{}, fmt.Errorf("no status change and no timestamps provided: %w", ErrInvalidTransition)
	}
	if !transitioning && Closed(trip.Status) {
		c.metrics.refused("invalid_transition")
		return Trip{}, fmt.Errorf("trip is %s: %w", trip.Status, ErrInvalidTransition)
	}

	if err := applyTimes(&trip, newStatus, times, actor); err != nil {
		c.metrics.refused("invalid_transition")
		return Trip{}, err
	}

	if transitioning {
		trip.Status = newStatus
		now := c.now()
		switch newStatus {
		case TripInProgress:
			if trip.PickupAt == nil {
				trip.PickupAt = &now
			}
		case TripCompleted:
			if trip.CompletedAt == nil {
				trip.CompletedAt = &now
			}
		}
	}
	trip.Version++

	evt := c.event(tripID, "trip_status_changed", actor, map[string]any{
		"statusFrom": prev, "statusTo": trip.Status,
	})
	if c.persist != nil {
		if err := c.persist.UpdateTrip(ctx, trip, evt); err != nil {
			return Trip{}, err
		}
	}
	c.setTrip(trip)
	if transitioning {
		c.metrics.transition(prev, trip.Status)
	}
	c.notify(EventTripStatusChanged, &trip, nil)
	return trip, nil
}

// applyTimes validates and applies the timeline timestamps against the
// trip the transition is about to leave. Each timestamp is set exactly
// once and the causal order arrival <= departure <= completion holds.
func applyTimes(trip *Trip, newStatus TripStatus, times StatusTimes, actor Actor) error {
	if times.Arrival != nil {
		if trip.ArrivalAt != nil {
			return fmt.Errorf("arrival already recorded: %w", ErrInvalidTransition)
		}
		if trip.Status != TripAccepted && trip.Status != TripInProgress {
			return fmt.Errorf("arrival can only be recorded for an accepted or in-progress trip: %w", ErrInvalidTransition)
		}
		trip.ArrivalAt = times.Arrival
	}
	if times.Departure != nil {
		if trip.DepartureAt != nil {
			return fmt.Errorf("departure already recorded: %w", ErrInvalidTransition)
		}
		if trip.ArrivalAt == nil {
			return fmt.Errorf("departure requires a recorded arrival: %w", ErrInvalidTransition)
		}
		if times.Departure.Before(*trip.ArrivalAt) {
			return fmt.Errorf("departure precedes arrival: %w", ErrInvalidTransition)
		}
		trip.DepartureAt = times.Departure
	}
	if times.Completion != nil {
		if trip.CompletedAt != nil {
			return fmt.Errorf("completion already recorded: %w", ErrInvalidTransition)
		}
		if trip.DepartureAt != nil && times.Completion.Before(*trip.DepartureAt) {
			return fmt.Errorf("completion precedes departure: %w", ErrInvalidTransition)
		}
		trip.CompletedAt = times.Completion
	}
	// Agency-side completion requires the EMS timeline; the requesting
	// facility may close a trip administratively without it.
	if newStatus == TripCompleted && actor.Role == RoleAgency && trip.DepartureAt == nil {
		return fmt.Errorf("agency completion requires a recorded departure: %w", ErrInvalidTransition)
	}
	return nil
}

// Cancel moves any non-closed trip to CANCELLED. Unconditional: never
// blocked by pending offers or missing timestamps. The selected response,
// if any, is deselected in the same transaction.
func (c *Coordinator) Cancel(ctx context.Context, tripID, reason string, actor Actor) (Trip, error) {
	unlock := c.lockTrip(tripID)
	defer unlock()

	trip, err := c.tripLocked(ctx, tripID)
	if err != nil {
		return Trip{}, err
	}
	if Closed(trip.Status) {
		c.metrics.refused("invalid_transition")
		return Trip{}, fmt.Errorf("trip is %s: %w", trip.Status, ErrInvalidTransition)
	}

	prev := trip.Status
	trip.Status = TripCancelled
	trip.CancelReason = reason
	trip.AssignedAgencyID = ""
	trip.AssignedUnitID = ""
	trip.Version++

	var deselected *AgencyResponse
	if winner, ok := c.ledger.Selected(tripID); ok {
		winner.Selected = false
		deselected = &winner
	}

	evt := c.event(tripID, "trip_cancelled", actor, map[string]any{
		"statusFrom": prev, "reason": reason,
	})
	if c.persist != nil {
		if err := c.persist.CancelTrip(ctx, trip, deselected, evt); err != nil {
			return Trip{}, err
		}
	}
	if deselected != nil {
		c.ledger.Update(*deselected)
	}
	c.setTrip(trip)
	c.metrics.transition(prev, TripCancelled)
	c.notify(EventTripStatusChanged, &trip, nil)
	c.log.Info().Str("trip_id", tripID).Str("from", string(prev)).Msg("trip cancelled")
	return trip, nil
}

// GetResponse returns a single response row.
func (c *Coordinator) GetResponse(ctx context.Context, responseID string) (AgencyResponse, error) {
	return c.resolveResponse(ctx, responseID)
}

// ListResponsesByTrip returns the full offer ledger for a trip.
func (c *Coordinator) ListResponsesByTrip(ctx context.Context, tripID string) ([]AgencyResponse, error) {
	unlock := c.lockTrip(tripID)
	defer unlock()
	if _, err := c.tripLocked(ctx, tripID); err != nil {
		return nil, err
	}
	return c.ledger.ListByTrip(tripID), nil
}

// ListResponsesByAgency returns an agency's offers across trips,
// optionally filtered by response state.
func (c *Coordinator) ListResponsesByAgency(ctx context.Context, agencyID string, state ResponseState, limit, offset int) ([]AgencyResponse, error) {
	if c.persist != nil {
		return c.persist.ListResponsesByAgency(ctx, agencyID, state, limit, offset)
	}
	out := c.ledger.ListByAgency(agencyID, state)
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// BindUnit assigns or reassigns a unit to an accepted response. When the
// response is the selected one the trip's assigned unit follows.
func (c *Coordinator) BindUnit(ctx context.Context, responseID, unitID string, actor Actor) (AgencyResponse, error) {
	stale, err := c.resolveResponse(ctx, responseID)
	if err != nil {
		return AgencyResponse{}, err
	}

	unlock := c.lockTrip(stale.TripID)
	defer unlock()

	trip, err := c.tripLocked(ctx, stale.TripID)
	if err != nil {
		return AgencyResponse{}, err
	}
	resp, ok := c.ledger.Get(responseID)
	if !ok {
		return AgencyResponse{}, fmt.Errorf("response %s: %w", responseID, ErrNotFound)
	}
	if resp.Response != ResponseAccepted {
		c.metrics.refused("invalid_transition")
		return AgencyResponse{}, fmt.Errorf("unit assignment requires an accepted response: %w", ErrInvalidTransition)
	}
	if err := c.checkUnit(ctx, resp.AgencyID, unitID); err != nil {
		c.metrics.refused("unit_unavailable")
		return AgencyResponse{}, err
	}

	resp.AssignedUnitID = unitID
	evt := c.event(resp.TripID, "unit_assigned", actor, map[string]any{
		"agencyId": resp.AgencyID, "unitId": unitID,
	})
	if c.persist != nil {
		if err := c.persist.SaveResponse(ctx, resp, evt); err != nil {
			return AgencyResponse{}, fmt.Errorf("persist response: %w", err)
		}
	}
	c.ledger.Update(resp)

	if resp.Selected && trip.AssignedUnitID != unitID {
		trip.AssignedUnitID = unitID
		trip.Version++
		tevt := c.event(trip.ID, "trip_unit_changed", actor, map[string]any{"unitId": unitID})
		if c.persist != nil {
			if err := c.persist.UpdateTrip(ctx, trip, tevt); err != nil {
				return AgencyResponse{}, err
			}
		}
		c.setTrip(trip)
		c.notify(EventTripStatusChanged, &trip, nil)
	}
	c.notify(EventResponseRecorded, nil, &resp)
	return resp, nil
}

func (c *Coordinator) checkUnit(ctx context.Context, agencyID, unitID string) error {
	unit, ok, err := c.units.GetUnit(ctx, unitID)
	if err != nil {
		return fmt.Errorf("resolve unit %s: %w", unitID, err)
	}
	if !ok {
		return fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
	}
	if unit.AgencyID != agencyID {
		return fmt.Errorf("unit %s belongs to agency %s: %w", unitID, unit.AgencyID, ErrUnitUnavailable)
	}
	if unit.Status != UnitAvailable {
		return fmt.Errorf("unit %s is %s: %w", unitID, unit.Status, ErrUnitUnavailable)
	}
	return nil
}

func sortTripsNewestFirst(trips []Trip) {
	sort.Slice(trips, func(i, j int) bool {
		if !trips[i].CreatedAt.Equal(trips[j].CreatedAt) {
			return trips[i].CreatedAt.After(trips[j].CreatedAt)
		}
		return trips[i].ID < trips[j].ID
	})
}

func pageTrips(trips []Trip, limit, offset int) []Trip {
	if offset >= len(trips) {
		return nil
	}
	trips = trips[offset:]
	if limit > 0 && limit < len(trips) {
		trips = trips[:limit]
	}
	return trips
}
