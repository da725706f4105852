package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"medtransit/internal/auth"
	"medtransit/internal/dispatch"
)

// Deps carries everything the HTTP layer needs.
type Deps struct {
	Coord       *dispatch.Coordinator
	Hub         *dispatch.Hub
	AuthStore   *auth.InMemoryStore
	IdentityDB  IdentityDB
	AuthTTL     time.Duration
	Events      dispatch.EventLog
	Idempotency IdempotencyStore
	Log         zerolog.Logger
}

// IdempotencyStore remembers trip ids by client-supplied key so retried
// creates return the original trip.
type IdempotencyStore interface {
	Remember(ctx context.Context, key, tripID string) error
	Lookup(ctx context.Context, key string) (string, bool, error)
}

// AttachRoutes wires HTTP routes to handlers.
func AttachRoutes(r chi.Router, deps Deps) {
	authCfg := newAuthConfig(deps.AuthStore, deps.IdentityDB, deps.AuthTTL)
	handler := &Handler{
		coord:  deps.Coord,
		hub:    deps.Hub,
		auth:   authCfg,
		events: deps.Events,
		idem:   deps.Idempotency,
		log:    deps.Log,
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/ready", handler.Ready)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(pr chi.Router) {
		pr.Use(authCfg.middleware)
		pr.Post("/api/trips", handler.CreateTrip)
		pr.Get("/api/trips", handler.ListTrips)
		pr.Get("/api/trips/{tripID}", handler.GetTrip)
		pr.Get("/api/trips/{tripID}/candidates", handler.ListCandidates)
		pr.Post("/api/trips/{tripID}/authorize", handler.AuthorizeTrip)
		pr.Post("/api/trips/{tripID}/dispatch", handler.DispatchTrip)
		pr.Post("/api/trips/{tripID}/cancel", handler.CancelTrip)
		pr.Put("/api/trips/{tripID}/status", handler.UpdateTripStatus)
		pr.Get("/api/trips/{tripID}/responses", handler.ListTripResponses)
		pr.Post("/api/responses/{responseID}", handler.RecordResponse)
		pr.Post("/api/responses/{responseID}/select", handler.SelectAgency)
		pr.Post("/api/responses/{responseID}/reject", handler.RejectAgency)
		pr.Post("/api/responses/{responseID}/unit", handler.BindUnit)
		pr.Get("/api/agencies/{agencyID}/responses", handler.ListAgencyResponses)
	})

	r.Group(func(pr chi.Router) {
		pr.Use(authCfg.middleware)
		pr.Post("/api/auth/register", handler.RegisterIdentity)
		pr.Get("/api/admin/trips/{tripID}/events", handler.ListTripEvents)
	})

	r.Get("/ws/trips/{tripID}", handler.TripWebsocket)
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// respondDispatchError maps coordination errors to HTTP statuses: missing
// rows are 404, precondition conflicts are 409, semantically ineligible
// requests are 422.
func respondDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrInvalidTransition),
		errors.Is(err, dispatch.ErrAlreadyResponded),
		errors.Is(err, dispatch.ErrAlreadySelected),
		errors.Is(err, dispatch.ErrStaleVersion):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrNotCandidate),
		errors.Is(err, dispatch.ErrUnitUnavailable),
		errors.Is(err, dispatch.ErrMissingCoordinates):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
