package dispatch

import (
	"sort"
	"sync"
)

type tripAgencyKey struct {
	tripID   string
	agencyID string
}

// Ledger is the in-memory agency response table. It enforces uniqueness of
// (trip, agency) and the single-selected-response-per-trip invariant; the
// Postgres constraints in schema.sql enforce the same two rules across
// processes. Rows are appended and updated, never removed.
type Ledger struct {
	mu     sync.RWMutex
	byID   map[string]AgencyResponse
	byTrip map[string][]string
	byKey  map[tripAgencyKey]string
}

func NewLedger() *Ledger {
	return &Ledger{
		byID:   make(map[string]AgencyResponse),
		byTrip: make(map[string][]string),
		byKey:  make(map[tripAgencyKey]string),
	}
}

// Put inserts a new offer row. Reports false when a row already exists for
// the (trip, agency) pair, which makes re-dispatch idempotent.
func (l *Ledger) Put(resp AgencyResponse) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := tripAgencyKey{resp.TripID, resp.AgencyID}
	if _, exists := l.byKey[key]; exists {
		return false
	}
	l.byID[resp.ID] = resp
	l.byKey[key] = resp.ID
	l.byTrip[resp.TripID] = append(l.byTrip[resp.TripID], resp.ID)
	return true
}

// Seed hydrates rows loaded from persistence without uniqueness errors.
func (l *Ledger) Seed(resps []AgencyResponse) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, resp := range resps {
		key := tripAgencyKey{resp.TripID, resp.AgencyID}
		if _, exists := l.byKey[key]; exists {
			continue
		}
		l.byID[resp.ID] = resp
		l.byKey[key] = resp.ID
		l.byTrip[resp.TripID] = append(l.byTrip[resp.TripID], resp.ID)
	}
}

func (l *Ledger) Get(id string) (AgencyResponse, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	resp, ok := l.byID[id]
	return resp, ok
}

func (l *Ledger) GetByTripAgency(tripID, agencyID string) (AgencyResponse, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.byKey[tripAgencyKey{tripID, agencyID}]
	if !ok {
		return AgencyResponse{}, false
	}
	return l.byID[id], true
}

// Update overwrites an existing row. The caller holds the trip lock, so
// read-modify-write sequences are serialized per trip.
func (l *Ledger) Update(resp AgencyResponse) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byID[resp.ID]; !ok {
		return false
	}
	l.byID[resp.ID] = resp
	return true
}

func (l *Ledger) ListByTrip(tripID string) []AgencyResponse {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := l.byTrip[tripID]
	out := make([]AgencyResponse, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.byID[id])
	}
	return out
}

// ListByAgency returns an agency's offers, optionally filtered by response
// state, newest first.
func (l *Ledger) ListByAgency(agencyID string, state ResponseState) []AgencyResponse {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []AgencyResponse
	for _, resp := range l.byID {
		if resp.AgencyID != agencyID {
			continue
		}
		if state != "" && resp.Response != state {
			continue
		}
		out = append(out, resp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Selected returns the selected response for a trip, if any.
func (l *Ledger) Selected(tripID string) (AgencyResponse, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, id := range l.byTrip[tripID] {
		if resp := l.byID[id]; resp.Selected {
			return resp, true
		}
	}
	return AgencyResponse{}, false
}
