// README: Location service mirrors ambulance positions into the live GEO index and snapshot history.
package location

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lifelink/internal/types"
)

const defaultNearbyLimit = 5

var ErrInvalidPoint = errors.New("invalid coordinates")

type Index interface {
	SetGeo(ctx context.Context, id types.ID, pos types.Point) error
	RemoveGeo(ctx context.Context, id types.ID) error
	SearchGeo(ctx context.Context, center types.Point, radiusKm float64, limit int) ([]Nearby, error)
	AppendSnapshot(ctx context.Context, snap Snapshot) error
}

type Service struct {
	store Index
}

func NewService(store Index) *Service {
	return &Service{store: store}
}

// Record updates the live index first; the snapshot is history only.
func (s *Service) Record(ctx context.Context, u Update) error {
	if u.AmbulanceID == "" || !u.Position.Valid() {
		return ErrInvalidPoint
	}
	if u.At.IsZero() {
		u.At = time.Now()
	}
	if err := s.store.SetGeo(ctx, u.AmbulanceID, u.Position); err != nil {
		return fmt.Errorf("geo index %s: %w", u.AmbulanceID, err)
	}
	if err := s.store.AppendSnapshot(ctx, Snapshot{
		AmbulanceID: u.AmbulanceID,
		Position:    u.Position,
		RecordedAt:  u.At,
	}); err != nil {
		return fmt.Errorf("location snapshot %s: %w", u.AmbulanceID, err)
	}
	return nil
}

func (s *Service) Remove(ctx context.Context, id types.ID) error {
	return s.store.RemoveGeo(ctx, id)
}

// Nearby returns indexed ambulances within radiusKm of center, closest first.
// Distances are recomputed with DistanceKm so they agree with the matcher.
func (s *Service) Nearby(ctx context.Context, center types.Point, radiusKm float64, limit int) ([]Nearby, error) {
	if !center.Valid() || radiusKm <= 0 {
		return nil, ErrInvalidPoint
	}
	if limit <= 0 {
		limit = defaultNearbyLimit
	}
	found, err := s.store.SearchGeo(ctx, center, radiusKm, limit)
	if err != nil {
		return nil, err
	}
	for i := range found {
		found[i].DistanceKm = Between(center, found[i].Position)
	}
	sortNearby(found)
	if len(found) > limit {
		found = found[:limit]
	}
	return found, nil
}
