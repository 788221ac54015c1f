// README: Location store backed by Redis GEO and Postgres snapshots.
package location

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"lifelink/internal/types"
)

const ambulanceGeoKey = "lifelink:ambulances:geo"

type Store struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func NewStore(db *pgxpool.Pool, redis *redis.Client) *Store {
	return &Store{db: db, redis: redis}
}

func (s *Store) SetGeo(ctx context.Context, id types.ID, pos types.Point) error {
	return s.redis.GeoAdd(ctx, ambulanceGeoKey, &redis.GeoLocation{
		Name:      string(id),
		Longitude: pos.Lng,
		Latitude:  pos.Lat,
	}).Err()
}

func (s *Store) RemoveGeo(ctx context.Context, id types.ID) error {
	return s.redis.ZRem(ctx, ambulanceGeoKey, string(id)).Err()
}

func (s *Store) SearchGeo(ctx context.Context, center types.Point, radiusKm float64, limit int) ([]Nearby, error) {
	results, err := s.redis.GeoSearchLocation(ctx, ambulanceGeoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lng,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Nearby, len(results))
	for i, r := range results {
		out[i] = Nearby{
			AmbulanceID: types.ID(r.Name),
			Position:    types.Point{Lat: r.Latitude, Lng: r.Longitude},
			DistanceKm:  r.Dist,
		}
	}
	return out, nil
}

// AppendSnapshot is a no-op when the store was built without Postgres.
func (s *Store) AppendSnapshot(ctx context.Context, snap Snapshot) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO location_snapshots (ambulance_id, lat, lng, recorded_at)
		VALUES ($1, $2, $3, $4)`,
		string(snap.AmbulanceID),
		snap.Position.Lat,
		snap.Position.Lng,
		snap.RecordedAt,
	)
	return err
}
