package geo

import (
	"math"
	"sort"
	"sync"
)

// Result is one agency within a radius query, distance in miles.
type Result struct {
	AgencyID string
	Miles    float64
}

// InMemoryGeo provides a simple fallback geo index over agency bases.
type InMemoryGeo struct {
	mu     sync.RWMutex
	coords map[string][2]float64
}

func NewInMemoryGeo() *InMemoryGeo {
	return &InMemoryGeo{coords: make(map[string][2]float64)}
}

func (g *InMemoryGeo) AddAgency(agencyID string, lat, lon float64) error {
	g.mu.Lock()
	g.coords[agencyID] = [2]float64{lat, lon}
	g.mu.Unlock()
	return nil
}

func (g *InMemoryGeo) RemoveAgency(agencyID string) error {
	g.mu.Lock()
	delete(g.coords, agencyID)
	g.mu.Unlock()
	return nil
}

// Within returns every agency inside radiusMiles, ascending by distance.
func (g *InMemoryGeo) Within(lat, lon, radiusMiles float64) ([]Result, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Result
	for id, pt := range g.coords {
		dist := haversineMiles(lat, lon, pt[0], pt[1])
		if dist <= radiusMiles {
			out = append(out, Result{AgencyID: id, Miles: dist})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Miles != out[j].Miles {
			return out[i].Miles < out[j].Miles
		}
		return out[i].AgencyID < out[j].AgencyID
	})
	return out, nil
}

func haversineMiles(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusMiles = 3958.8
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)
	lat1Rad := toRadians(lat1)
	lat2Rad := toRadians(lat2)
	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	calc := sinLat*sinLat + math.Cos(lat1Rad)*math.Cos(lat2Rad)*sinLon*sinLon
	return 2 * earthRadiusMiles * math.Asin(math.Sqrt(calc))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
