package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"medtransit/internal/auth"
	"medtransit/internal/dispatch"
)

type authConfig struct {
	store *auth.InMemoryStore
	db    IdentityDB
	ttl   time.Duration
}

type IdentityDB interface {
	Lookup(ctx context.Context, token string) (dispatch.Identity, bool, error)
	Save(ctx context.Context, ident dispatch.Identity, ttl time.Duration) (dispatch.Identity, error)
}

func newAuthConfig(store *auth.InMemoryStore, db IdentityDB, ttl time.Duration) authConfig {
	return authConfig{store: store, db: db, ttl: ttl}
}

func (a authConfig) enforced() bool {
	return a.store != nil || a.db != nil
}

func (a authConfig) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enforced() {
			next.ServeHTTP(w, r)
			return
		}
		token := parseToken(r)
		if token == "" {
			respondError(w, http.StatusUnauthorized, "missing token")
			return
		}
		identity, ok := a.lookup(r.Context(), token)
		if !ok {
			respondError(w, http.StatusForbidden, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), identityCtxKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authorized returns identity when present and valid.
func (a authConfig) authorized(r *http.Request) (dispatch.Identity, bool) {
	token := parseToken(r)
	if token == "" {
		return dispatch.Identity{}, false
	}
	return a.lookup(r.Context(), token)
}

type identityCtxKey struct{}

func identityFromContext(ctx context.Context) (dispatch.Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(dispatch.Identity)
	return id, ok
}

func (a authConfig) lookup(ctx context.Context, token string) (dispatch.Identity, bool) {
	if a.store != nil {
		if id, ok := a.store.Lookup(token); ok {
			return id, true
		}
	}
	if a.db != nil {
		id, ok, err := a.db.Lookup(ctx, token)
		if err == nil && ok {
			return id, true
		}
	}
	return dispatch.Identity{}, false
}

func parseToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return ""
}

func requireRole(w http.ResponseWriter, r *http.Request, enforce bool, allowed ...dispatch.Role) bool {
	if !enforce {
		return true
	}
	id, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	for _, role := range allowed {
		if id.Role == role {
			return true
		}
	}
	respondError(w, http.StatusForbidden, "forbidden")
	return false
}

// matchOrg checks the caller belongs to the given facility or agency.
// TCC and admin staff pass unconditionally.
func matchOrg(w http.ResponseWriter, r *http.Request, enforce bool, orgID string) bool {
	if !enforce {
		return true
	}
	id, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	if id.Role == dispatch.RoleAdmin || id.Role == dispatch.RoleTCC {
		return true
	}
	if id.OrgID != orgID {
		respondError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

func canAccessTrip(id dispatch.Identity, trip dispatch.Trip, responses []dispatch.AgencyResponse) bool {
	switch id.Role {
	case dispatch.RoleAdmin, dispatch.RoleTCC:
		return true
	case dispatch.RoleHealthcare:
		return trip.FacilityID == id.OrgID
	case dispatch.RoleAgency:
		if trip.AssignedAgencyID == id.OrgID {
			return true
		}
		for _, resp := range responses {
			if resp.AgencyID == id.OrgID {
				return true
			}
		}
	}
	return false
}

func actorFrom(r *http.Request) dispatch.Actor {
	if id, ok := identityFromContext(r.Context()); ok {
		return id.Actor()
	}
	return dispatch.Actor{}
}
