package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"medtransit/internal/dispatch"
)

type Handler struct {
	coord  *dispatch.Coordinator
	hub    *dispatch.Hub
	auth   authConfig
	events dispatch.EventLog
	idem   IdempotencyStore
	log    zerolog.Logger
}

func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.coord.HealthCheck(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) CreateTrip(w http.ResponseWriter, r *http.Request) {
	enforce := h.auth.enforced()
	if !requireRole(w, r, enforce, dispatch.RoleHealthcare, dispatch.RoleTCC, dispatch.RoleAdmin) {
		return
	}
	var req dispatch.TripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if identity, ok := identityFromContext(r.Context()); ok && identity.Role == dispatch.RoleHealthcare {
		req.FacilityID = identity.OrgID
		// only dispatch staff may pre-authorize
		req.Authorized = false
	}

	key := r.Header.Get("Idempotency-Key")
	if key != "" && h.idem != nil {
		if tripID, ok, err := h.idem.Lookup(r.Context(), key); err == nil && ok {
			if trip, err := h.coord.GetTrip(r.Context(), tripID); err == nil {
				respondJSON(w, http.StatusOK, trip)
				return
			}
		}
	}

	trip, err := h.coord.CreateTrip(r.Context(), req, actorFrom(r))
	if err != nil {
		respondDispatchError(w, err)
		return
	}
	if key != "" && h.idem != nil {
		if err := h.idem.Remember(r.Context(), key, trip.ID); err != nil {
			h.log.Warn().Err(err).Str("trip_id", trip.ID).Msg("idempotency key not recorded")
		}
	}
	respondJSON(w, http.StatusCreated, trip)
}

func (h *Handler) GetTrip(w http.ResponseWriter, r *http.Request) {
	tripID := chi.URLParam(r, "tripID")
	trip, err := h.coord.GetTrip(r.Context(), tripID)
	if err != nil {
		respondDispatchError(w, err)
		return
	}
	if h.auth.enforced() {
		id, ok := identityFromContext(r.Context())
		if !ok {
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		responses, err := h.coord.ListResponsesByTrip(r.Context(), tripID)
		if err != nil {
			h.log.Error().Err(err).Str("trip_id", tripID).Msg("access check failed to load responses")
			respondDispatchError(w, err)
			return
		}
		if !canAccessTrip(id, trip, responses) {
			respondError(w, http.StatusForbidden, "forbidden")
			return
		}
	}
	respondJSON(w, http.StatusOK, trip)
}

func (h *Handler) ListTrips(w http.ResponseWriter, r *http.Request) {
	enforce := h.auth.enforced()
	if !requireRole(w, r, enforce, dispatch.RoleTCC, dispatch.RoleAdmin, dispatch.RoleHealthcare) {
		return
	}
	status := dispatch.TripStatus(r.URL.Query().Get("status"))
	if status != "" && !dispatch.ValidStatus(status) {
		respondError(w, http.StatusBadRequest, "unknown status filter")
		return
	}
	limit, offset := pagination(r)
	trips, err := h.coord.ListTrips(r.Context(), status, limit, offset)
	if err != nil {
		respondDispatchError(w, err)
		return
	}
	if enforce {
		if id, ok := identityFromContext(r.Context()); ok && id.Role == dispatch.RoleHealthcare {
			filtered := trips[:0]
			for _, t := range trips {
				if t.FacilityID == id.OrgID {
					filtered = append(filtered, t)
				}
			}
			trips = filtered
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"trips": trips})
}

func (h *Handler) ListCandidates(w http.ResponseWriter, r *http.Request) {
	enforce := h.auth.enforced()
	if !requireRole(w, r, enforce, dispatch.RoleHealthcare, dispatch.RoleTCC, dispatch.RoleAdmin) {
		return
	}
	tripID := chi.URLParam(r, "tripID")
	mode, err := dispatch.ParseMode(queryOrDefault(r, "mode", string(dispatch.ModeHybrid)))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	radius := parseFloat(r.URL.Query().Get("radius"))
	offers, err := h.coord.Candidates(r.Context(), tripID, mode, radius)
	if err != nil {
		respondDispatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"candidates": offers})
}

func (h *Handler) AuthorizeTrip(w http.ResponseWriter, r *http.Request) {
	enforce := h.auth.enforced()
	if !requireRole(w, r, enforce, dispatch.RoleTCC, dispatch.RoleAdmin) {
		return
	}
	tripID := chi.URLParam(r, "tripID")
	trip, err := h.coord.Authorize(r.Context(), tripID, actorFrom(r))
	if err != nil {
		respondDispatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, trip)
}

type dispatchPayload struct {
	AgencyIDs   []string `json:"agencyIds"`
	Mode        string   `json:"mode"`
	RadiusMiles float64  `json:"radiusMiles,omitempty"`
}

func (h *Handler) DispatchTrip(w http.ResponseWriter, r *http.Request) {
	enforce := h.auth.enforced()
	if !requireRole(w, r, enforce, dispatch.RoleHealthcare, dispatch.RoleTCC, dispatch.RoleAdmin) {
		return
	}
	tripID := chi.URLParam(r, "tripID")
	var payload dispatchPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if payload.Mode == "" {
		payload.Mode = string(dispatch.ModeHybrid)
	}
	mode, err := dispatch.ParseMode(payload.Mode)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	trip, responses, err := h.coord.Dispatch(r.Context(), tripID, payload.AgencyIDs, mode, payload.RadiusMiles, actorFrom(r))
	if err != nil {
		respondDispatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"trip": trip, "responses": responses})
}

type cancelPayload struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) CancelTrip(w http.ResponseWriter, r *http.Request) {
	enforce := h.auth.enforced()
	if !requireRole(w, r, enforce, dispatch.RoleHealthcare, dispatch.RoleTCC, dispatch.RoleAdmin) {
		return
	}
	tripID := chi.URLParam(r, "tripID")
	if enforce {
		trip, err := h.coord.GetTrip(r.Context(), tripID)
		if err != nil {
			respondDispatchError(w, err)
			return
		}
		if id, ok := identityFromContext(r.Context()); ok && id.Role == dispatch.RoleHealthcare {
			if id.OrgID != trip.FacilityID {
				respondError(w, http.StatusForbidden, "forbidden")
				return
			}
		}
	}
	var payload cancelPayload
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}
	trip, err := h.coord.Cancel(r.Context(), tripID, payload.Reason, actorFrom(r))
	if err != nil {
		respondDispatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, trip)
}

type statusPayload struct {
	Status              string     `json:"status"`
	ArrivalTimestamp    *time.Time `json:"arrivalTimestamp,omitempty"`
	DepartureTimestamp  *time.Time `json:"departureTimestamp,omitempty"`
	CompletionTimestamp *time.Time `json:"completionTimestamp,omitempty"`
}

func (h *Handler) UpdateTripStatus(w http.ResponseWriter, r *http.Request) {
	enforce := h.auth.enforced()
	if !requireRole(w, r, enforce, dispatch.RoleHealthcare, dispatch.RoleAgency, dispatch.RoleTCC, dispatch.RoleAdmin) {
		return
	}
	tripID := chi.URLParam(r, "tripID")
	var payload statusPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if enforce {
		trip, err := h.coord.GetTrip(r.Context(), tripID)
		if err != nil {
			respondDispatchError(w, err)
			return
		}
		if id, ok := identityFromContext(r.Context()); ok {
			switch id.Role {
			case dispatch.RoleAgency:
				if trip.AssignedAgencyID != id.OrgID {
					respondError(w, http.StatusForbidden, "forbidden")
					return
				}
			case dispatch.RoleHealthcare:
				if trip.FacilityID != id.OrgID {
					respondError(w, http.StatusForbidden, "forbidden")
					return
				}
			}
		}
	}
	times := dispatch.StatusTimes{
		Arrival:    payload.ArrivalTimestamp,
		Departure:  payload.DepartureTimestamp,
		Completion: payload.CompletionTimestamp,
	}
	trip, err := h.coord.AdvanceStatus(r.Context(), tripID, dispatch.TripStatus(payload.Status), times, actorFrom(r))
	if err != nil {
		respondDispatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, trip)
}

func (h *Handler) ListTripResponses(w http.ResponseWriter, r *http.Request) {
	tripID := chi.URLParam(r, "tripID")
	responses, err := h.coord.ListResponsesByTrip(r.Context(), tripID)
	if err != nil {
		respondDispatchError(w, err)
		return
	}
	if h.auth.enforced() {
		id, ok := identityFromContext(r.Context())
		if !ok {
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		trip, err := h.coord.GetTrip(r.Context(), tripID)
		if err != nil {
			respondDispatchError(w, err)
			return
		}
		if !canAccessTrip(id, trip, responses) {
			respondError(w, http.StatusForbidden, "forbidden")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"responses": responses})
}

type responsePayload struct {
	Response string `json:"response"`
	UnitID   string `json:"unitId,omitempty"`
}

func (h *Handler) RecordResponse(w http.ResponseWriter, r *http.Request) {
	enforce := h.auth.enforced()
	if !requireRole(w, r, enforce, dispatch.RoleAgency, dispatch.RoleAdmin) {
		return
	}
	responseID := chi.URLParam(r, "responseID")
	var payload responsePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if enforce {
		resp, err := h.coord.GetResponse(r.Context(), responseID)
		if err != nil {
			respondDispatchError(w, err)
			return
		}
		if !matchOrg(w, r, enforce, resp.AgencyID) {
			return
		}
	}
	resp, err := h.coord.RecordResponse(r.Context(), responseID, dispatch.ResponseState(payload.Response), payload.UnitID, actorFrom(r))
	if err != nil {
		respondDispatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) SelectAgency(w http.ResponseWriter, r *http.Request) {
	enforce := h.auth.enforced()
	if !requireRole(w, r, enforce, dispatch.RoleHealthcare, dispatch.RoleTCC, dispatch.RoleAdmin) {
		return
	}
	responseID := chi.URLParam(r, "responseID")
	trip, resp, err := h.coord.SelectAgency(r.Context(), responseID, actorFrom(r))
	if err != nil {
		respondDispatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"trip": trip, "response": resp})
}

type rejectPayload struct {
	Note string `json:"note,omitempty"`
}

func (h *Handler) RejectAgency(w http.ResponseWriter, r *http.Request) {
	enforce := h.auth.enforced()
	if !requireRole(w, r, enforce, dispatch.RoleHealthcare, dispatch.RoleTCC, dispatch.RoleAdmin) {
		return
	}
	responseID := chi.URLParam(r, "responseID")
	var payload rejectPayload
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}
	resp, err := h.coord.RejectAgency(r.Context(), responseID, payload.Note, actorFrom(r))
	if err != nil {
		respondDispatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

type unitPayload struct {
	UnitID string `json:"unitId"`
}

func (h *Handler) BindUnit(w http.ResponseWriter, r *http.Request) {
	enforce := h.auth.enforced()
	if !requireRole(w, r, enforce, dispatch.RoleAgency, dispatch.RoleAdmin) {
		return
	}
	responseID := chi.URLParam(r, "responseID")
	var payload unitPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.UnitID == "" {
		respondError(w, http.StatusBadRequest, "unitId is required")
		return
	}
	if enforce {
		resp, err := h.coord.GetResponse(r.Context(), responseID)
		if err != nil {
			respondDispatchError(w, err)
			return
		}
		if !matchOrg(w, r, enforce, resp.AgencyID) {
			return
		}
	}
	resp, err := h.coord.BindUnit(r.Context(), responseID, payload.UnitID, actorFrom(r))
	if err != nil {
		respondDispatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) ListAgencyResponses(w http.ResponseWriter, r *http.Request) {
	enforce := h.auth.enforced()
	if !requireRole(w, r, enforce, dispatch.RoleAgency, dispatch.RoleTCC, dispatch.RoleAdmin) {
		return
	}
	agencyID := chi.URLParam(r, "agencyID")
	if !matchOrg(w, r, enforce, agencyID) {
		return
	}
	state := dispatch.ResponseState(r.URL.Query().Get("response"))
	limit, offset := pagination(r)
	responses, err := h.coord.ListResponsesByAgency(r.Context(), agencyID, state, limit, offset)
	if err != nil {
		respondDispatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"responses": responses})
}

func (h *Handler) ListTripEvents(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, h.auth.enforced(), dispatch.RoleAdmin, dispatch.RoleTCC) {
		return
	}
	if h.events == nil {
		respondError(w, http.StatusServiceUnavailable, "event log not configured")
		return
	}
	tripID := chi.URLParam(r, "tripID")
	limit, offset := pagination(r)
	events, err := h.events.ListTripEvents(r.Context(), tripID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := h.events.CountTripEvents(r.Context(), tripID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events, "total": total})
}

func (h *Handler) TripWebsocket(w http.ResponseWriter, r *http.Request) {
	tripID := chi.URLParam(r, "tripID")
	trip, err := h.coord.GetTrip(r.Context(), tripID)
	if err != nil {
		respondDispatchError(w, err)
		return
	}
	if h.auth.enforced() {
		id, ok := h.auth.authorized(r)
		if !ok {
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		responses, err := h.coord.ListResponsesByTrip(r.Context(), tripID)
		if err != nil {
			h.log.Error().Err(err).Str("trip_id", tripID).Msg("access check failed to load responses")
			respondDispatchError(w, err)
			return
		}
		if !canAccessTrip(id, trip, responses) {
			respondError(w, http.StatusForbidden, "forbidden")
			return
		}
	}
	h.hub.ServeTrip(w, r, trip.ID)
}

func (h *Handler) RegisterIdentity(w http.ResponseWriter, r *http.Request) {
	if h.auth.store == nil {
		respondError(w, http.StatusServiceUnavailable, "auth not configured")
		return
	}
	if !requireRole(w, r, true, dispatch.RoleAdmin) {
		return
	}
	var payload struct {
		Role  string `json:"role"`
		OrgID string `json:"orgId,omitempty"`
		TTL   string `json:"ttl,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	ttl := h.auth.ttl
	if payload.TTL != "" {
		if parsed, err := time.ParseDuration(payload.TTL); err == nil {
			ttl = parsed
		}
	}
	identity, err := h.auth.store.Register(dispatch.Role(payload.Role), payload.OrgID, ttl)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.auth.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if _, err := h.auth.db.Save(ctx, identity, ttl); err != nil {
			h.log.Warn().Err(err).Str("identity_id", identity.ID).Msg("identity not persisted")
		}
	}
	respondJSON(w, http.StatusOK, identity)
}
