package dispatch

import (
	"context"
	"encoding/json"
	"time"
)

type TripStatus string

const (
	TripPending             TripStatus = "pending"
	TripPendingDispatch     TripStatus = "pending_dispatch"
	TripAccepted            TripStatus = "accepted"
	TripDeclined            TripStatus = "declined"
	TripInProgress          TripStatus = "in_progress"
	TripCompleted           TripStatus = "completed"
	TripHealthcareCompleted TripStatus = "healthcare_completed"
	TripCancelled           TripStatus = "cancelled"
)

type TransportLevel string

const (
	LevelBLS   TransportLevel = "BLS"
	LevelALS   TransportLevel = "ALS"
	LevelCCT   TransportLevel = "CCT"
	LevelOther TransportLevel = "Other"
)

type Urgency string

const (
	UrgencyRoutine  Urgency = "routine"
	UrgencyUrgent   Urgency = "urgent"
	UrgencyEmergent Urgency = "emergent"
)

// Trip is a single patient transport request. Trips are never deleted;
// cancellation is a terminal status, not removal.
type Trip struct {
	ID               string         `json:"id"`
	FacilityID       string         `json:"facilityId"`
	PatientRef       string         `json:"patientRef,omitempty"`
	Origin           string         `json:"origin,omitempty"`
	Destination      string         `json:"destination,omitempty"`
	Level            TransportLevel `json:"level"`
	Urgency          Urgency        `json:"urgency"`
	ScheduledAt      time.Time      `json:"scheduledAt"`
	RadiusMiles      float64        `json:"radiusMiles,omitempty"`
	Status           TripStatus     `json:"status"`
	AssignedAgencyID string         `json:"assignedAgencyId,omitempty"`
	AssignedUnitID   string         `json:"assignedUnitId,omitempty"`
	CancelReason     string         `json:"cancelReason,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	PickupAt         *time.Time     `json:"pickupAt,omitempty"`
	ArrivalAt        *time.Time     `json:"arrivalAt,omitempty"`
	DepartureAt      *time.Time     `json:"departureAt,omitempty"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
	// Version increments on every mutation and backs the optimistic row
	// check in persistent storage.
	Version int64 `json:"version"`
}

type ResponseState string

const (
	ResponsePending  ResponseState = "pending"
	ResponseAccepted ResponseState = "accepted"
	ResponseDeclined ResponseState = "declined"
)

// AgencyResponse is one row per (trip, agency) dispatch offer. Rows are
// created when a trip fans out and are never deleted; rejection is a
// response value, not removal.
type AgencyResponse struct {
	ID             string        `json:"id"`
	TripID         string        `json:"tripId"`
	AgencyID       string        `json:"agencyId"`
	Response       ResponseState `json:"response"`
	Selected       bool          `json:"isSelected"`
	AssignedUnitID string        `json:"assignedUnitId,omitempty"`
	Note           string        `json:"note,omitempty"`
	RespondedAt    *time.Time    `json:"responseTimestamp,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

type DispatchMode string

const (
	ModePreferred  DispatchMode = "preferred"
	ModeGeographic DispatchMode = "geographic"
	ModeHybrid     DispatchMode = "hybrid"
)

// DispatchOffer is a computed dispatch candidate. It is recomputed on every
// request and never persisted or cached.
type DispatchOffer struct {
	AgencyID      string   `json:"agencyId"`
	Name          string   `json:"name"`
	Preferred     bool     `json:"isPreferred"`
	Registered    bool     `json:"isRegistered"`
	DistanceMiles *float64 `json:"distanceMiles,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
}

type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Facility is a healthcare facility as resolved through the directory.
type Facility struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	Coordinates        *Coordinate `json:"coordinates,omitempty"`
	PreferredAgencyIDs []string    `json:"preferredAgencyIds,omitempty"`
}

// Agency is an EMS transport agency as resolved through the directory.
type Agency struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Coordinates  *Coordinate `json:"coordinates,omitempty"`
	Capabilities []string    `json:"capabilities,omitempty"`
	Registered   bool        `json:"isRegistered"`
}

type UnitStatus string

const (
	UnitAvailable    UnitStatus = "available"
	UnitOnTrip       UnitStatus = "on_trip"
	UnitOutOfService UnitStatus = "out_of_service"
)

// Unit is an EMS vehicle/crew belonging to an agency.
type Unit struct {
	ID       string     `json:"id"`
	AgencyID string     `json:"agencyId"`
	CallSign string     `json:"callSign,omitempty"`
	Status   UnitStatus `json:"status"`
}

type Role string

const (
	RoleHealthcare Role = "healthcare"
	RoleAgency     Role = "agency"
	RoleTCC        Role = "tcc"
	RoleAdmin      Role = "admin"
)

// Actor identifies who drives a mutation: a healthcare facility user, an
// agency user, or TCC dispatch staff. OrgID is the facility or agency the
// actor belongs to.
type Actor struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	OrgID string `json:"orgId,omitempty"`
}

type Identity struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	OrgID string `json:"orgId,omitempty"`
	Token string `json:"token,omitempty"`
	// ExpiresAt is optional; nil means no expiry.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (i Identity) Actor() Actor {
	return Actor{ID: i.ID, Role: i.Role, OrgID: i.OrgID}
}

type EventKind string

const (
	EventDispatchCreated   EventKind = "dispatch_created"
	EventResponseRecorded  EventKind = "response_recorded"
	EventAgencySelected    EventKind = "agency_selected"
	EventTripStatusChanged EventKind = "trip_status_changed"
)

// Event is what the coordinator hands to the Notifier after a mutation
// commits. It carries the fresh authoritative state so consumers never need
// a second round-trip.
type Event struct {
	Kind     EventKind       `json:"kind"`
	TripID   string          `json:"tripId"`
	Trip     *Trip           `json:"trip,omitempty"`
	Response *AgencyResponse `json:"response,omitempty"`
	At       time.Time       `json:"at"`
}

// Notifier informs UI/notification layers of state changes. Calls are
// fire-and-forget: a failing notifier must never roll back the mutation.
type Notifier interface {
	Notify(evt Event)
}

// NopNotifier discards events; used when no live feed is wired.
type NopNotifier struct{}

func (NopNotifier) Notify(Event) {}

// TripEvent is an audit log row, appended in the same transaction as the
// state change it records.
type TripEvent struct {
	TripID    string          `json:"tripId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ActorID   string          `json:"actorId,omitempty"`
	ActorRole string          `json:"actorRole,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Directory resolves facilities and agencies. The coordinator only ever
// sees this interface; the directory service itself is an external
// collaborator.
type Directory interface {
	GetFacility(ctx context.Context, id string) (Facility, bool, error)
	GetAgency(ctx context.Context, id string) (Agency, bool, error)
}

// UnitDirectory resolves EMS units for assignment checks.
type UnitDirectory interface {
	GetUnit(ctx context.Context, id string) (Unit, bool, error)
}

// GeoIndex answers radius queries over agency coordinates. Results come
// back sorted ascending by distance; agencies without coordinates are
// simply absent from the index.
type GeoIndex interface {
	Within(lat, lon, radiusMiles float64) ([]GeoResult, error)
}

type GeoResult struct {
	AgencyID string
	Miles    float64
}

// Persistence allows persisting and retrieving trip/response state. A nil
// Persistence keeps the coordinator purely in-memory (tests, demos).
type Persistence interface {
	CreateTrip(ctx context.Context, trip Trip, evt TripEvent) error
	// UpdateTrip applies a version-checked update together with its audit
	// event in one transaction. Returns ErrStaleVersion when another writer
	// got there first.
	UpdateTrip(ctx context.Context, trip Trip, evt TripEvent) error
	// CreateOffer inserts an offer row unless one already exists for the
	// (trip, agency) pair. Reports whether a row was created.
	CreateOffer(ctx context.Context, resp AgencyResponse, evt TripEvent) (bool, error)
	// UpdateResponse applies an answer to a still-pending offer. Reports
	// false when the row was no longer pending.
	UpdateResponse(ctx context.Context, resp AgencyResponse, evt TripEvent) (bool, error)
	// SelectResponse marks the response selected and updates the trip in a
	// single transaction; the partial unique index on (trip_id) WHERE
	// is_selected makes concurrent double-selection impossible.
	SelectResponse(ctx context.Context, trip Trip, resp AgencyResponse, evt TripEvent) error
	// SaveResponse overwrites a response row outside the pending-only guard
	// (unit binding, rejection).
	SaveResponse(ctx context.Context, resp AgencyResponse, evt TripEvent) error
	// CancelTrip moves the trip to CANCELLED and clears the selected
	// response, if any, in one transaction so the selection invariant
	// cannot be observed half-applied.
	CancelTrip(ctx context.Context, trip Trip, deselected *AgencyResponse, evt TripEvent) error
	GetTrip(ctx context.Context, id string) (Trip, bool, error)
	GetResponse(ctx context.Context, id string) (AgencyResponse, bool, error)
	ListTrips(ctx context.Context, status TripStatus, limit, offset int) ([]Trip, error)
	ListResponsesByTrip(ctx context.Context, tripID string) ([]AgencyResponse, error)
	ListResponsesByAgency(ctx context.Context, agencyID string, state ResponseState, limit, offset int) ([]AgencyResponse, error)
}

// EventLog provides read access to the audit trail.
type EventLog interface {
	ListTripEvents(ctx context.Context, tripID string, limit, offset int) ([]TripEvent, error)
	CountTripEvents(ctx context.Context, tripID string) (int, error)
}
