package geo

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Index wraps a Redis GEO index over agency base coordinates.
type Index struct {
	client *redis.Client
	key    string
}

func NewIndex(client *redis.Client) *Index {
	return &Index{client: client, key: "agencies:geo"}
}

// AddAgency stores/updates agency base coordinates.
func (i *Index) AddAgency(ctx context.Context, agencyID string, lat, lon float64) error {
	return i.client.GeoAdd(ctx, i.key, &redis.GeoLocation{
		Name:      agencyID,
		Longitude: lon,
		Latitude:  lat,
	}).Err()
}

// RemoveAgency removes an agency from the geo index.
func (i *Index) RemoveAgency(ctx context.Context, agencyID string) error {
	return i.client.ZRem(ctx, i.key, agencyID).Err()
}

// Within finds all agencies inside radius miles, ascending by distance.
func (i *Index) Within(ctx context.Context, lat, lon, radiusMiles float64) ([]Result, error) {
	results, err := i.client.GeoSearchLocation(ctx, i.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lon,
			Latitude:   lat,
			Radius:     radiusMiles,
			RadiusUnit: "mi",
			Sort:       "ASC",
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(results))
	for _, res := range results {
		out = append(out, Result{AgencyID: res.Name, Miles: res.Dist})
	}
	return out, nil
}
