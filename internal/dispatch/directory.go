package dispatch

import (
	"context"
	"sync"
)

// MemDirectory is an in-memory Directory and UnitDirectory, used when no
// database is configured and throughout the test suite.
type MemDirectory struct {
	mu         sync.RWMutex
	facilities map[string]Facility
	agencies   map[string]Agency
	units      map[string]Unit
}

func NewMemDirectory() *MemDirectory {
	return &MemDirectory{
		facilities: make(map[string]Facility),
		agencies:   make(map[string]Agency),
		units:      make(map[string]Unit),
	}
}

func (d *MemDirectory) PutFacility(fac Facility) {
	d.mu.Lock()
	d.facilities[fac.ID] = fac
	d.mu.Unlock()
}

func (d *MemDirectory) PutAgency(ag Agency) {
	d.mu.Lock()
	d.agencies[ag.ID] = ag
	d.mu.Unlock()
}

func (d *MemDirectory) PutUnit(unit Unit) {
	d.mu.Lock()
	d.units[unit.ID] = unit
	d.mu.Unlock()
}

func (d *MemDirectory) GetFacility(_ context.Context, id string) (Facility, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fac, ok := d.facilities[id]
	return fac, ok, nil
}

func (d *MemDirectory) GetAgency(_ context.Context, id string) (Agency, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ag, ok := d.agencies[id]
	return ag, ok, nil
}

func (d *MemDirectory) GetUnit(_ context.Context, id string) (Unit, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	unit, ok := d.units[id]
	return unit, ok, nil
}

// Agencies returns every agency, used to hydrate a geo index.
func (d *MemDirectory) Agencies() []Agency {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Agency, 0, len(d.agencies))
	for _, ag := range d.agencies {
		out = append(out, ag)
	}
	return out
}
