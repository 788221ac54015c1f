package location

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"lifelink/internal/types"
)

type memIndex struct {
	mu        sync.Mutex
	positions map[types.ID]types.Point
	snapshots []Snapshot
	geoErr    error
}

func newMemIndex() *memIndex {
	return &memIndex{positions: make(map[types.ID]types.Point)}
}

func (m *memIndex) SetGeo(_ context.Context, id types.ID, pos types.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.geoErr != nil {
		return m.geoErr
	}
	m.positions[id] = pos
	return nil
}

func (m *memIndex) RemoveGeo(_ context.Context, id types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, id)
	return nil
}

// SearchGeo returns every member in map order; the service is responsible for sorting.
func (m *memIndex) SearchGeo(_ context.Context, center types.Point, radiusKm float64, _ int) ([]Nearby, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Nearby
	for id, p := range m.positions {
		if Between(center, p) <= radiusKm {
			out = append(out, Nearby{AmbulanceID: id, Position: p})
		}
	}
	return out, nil
}

func (m *memIndex) AppendSnapshot(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, snap)
	return nil
}

func TestRecord_WritesIndexAndSnapshot(t *testing.T) {
	idx := newMemIndex()
	svc := NewService(idx)
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	err := svc.Record(context.Background(), Update{
		AmbulanceID: "amb-1",
		Position:    types.Point{Lat: -1.29, Lng: 36.82},
		At:          at,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := idx.positions["amb-1"]; !ok {
		t.Fatal("expected ambulance in geo index")
	}
	if len(idx.snapshots) != 1 || !idx.snapshots[0].RecordedAt.Equal(at) {
		t.Fatalf("expected one snapshot at %s, got %+v", at, idx.snapshots)
	}
}

func TestRecord_RejectsInvalidPoint(t *testing.T) {
	svc := NewService(newMemIndex())
	err := svc.Record(context.Background(), Update{AmbulanceID: "amb-1", Position: types.Point{Lat: 120}})
	if !errors.Is(err, ErrInvalidPoint) {
		t.Fatalf("expected ErrInvalidPoint, got %v", err)
	}
}

func TestRecord_IndexFailureSkipsSnapshot(t *testing.T) {
	idx := newMemIndex()
	idx.geoErr = errors.New("redis down")
	svc := NewService(idx)
	err := svc.Record(context.Background(), Update{AmbulanceID: "amb-1", Position: types.Point{Lat: 1, Lng: 1}})
	if err == nil {
		t.Fatal("expected error when geo index fails")
	}
	if len(idx.snapshots) != 0 {
		t.Fatal("snapshot must not be written when the index update fails")
	}
}

func TestNearby_SortedAndLimited(t *testing.T) {
	idx := newMemIndex()
	svc := NewService(idx)
	ctx := context.Background()
	center := types.Point{Lat: 0, Lng: 0}
	for i, lat := range []float64{0.05, 0.01, 0.03, 0.02} {
		id := types.ID(fmt.Sprintf("amb-%d", i))
		if err := svc.Record(ctx, Update{AmbulanceID: id, Position: types.Point{Lat: lat, Lng: 0}}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	got, err := svc.Nearby(ctx, center, 50, 3)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %d", len(got))
	}
	want := []types.ID{"amb-1", "amb-3", "amb-2"}
	for i, id := range want {
		if got[i].AmbulanceID != id {
			t.Errorf("position %d: got %s, want %s", i, got[i].AmbulanceID, id)
		}
	}
	if got[0].DistanceKm <= 0 || got[0].DistanceKm > got[1].DistanceKm {
		t.Errorf("unexpected distances: %+v", got)
	}
}

func TestNearby_RemoveDropsAmbulance(t *testing.T) {
	idx := newMemIndex()
	svc := NewService(idx)
	ctx := context.Background()
	_ = svc.Record(ctx, Update{AmbulanceID: "amb-1", Position: types.Point{Lat: 0.01, Lng: 0}})
	if err := svc.Remove(ctx, "amb-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got, err := svc.Nearby(ctx, types.Point{}, 10, 5)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no results after remove, got %v", got)
	}
}

func TestStore_RedisGeo(t *testing.T) {
	redisAddr := os.Getenv("LIFELINK_REDIS_ADDR")
	if redisAddr == "" {
		t.Skip("LIFELINK_REDIS_ADDR not set; skipping integration test")
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	store := NewStore(nil, rdb)
	svc := NewService(store)
	ctx := context.Background()

	id := types.ID(fmt.Sprintf("amb_test_%d", time.Now().UnixNano()))
	if err := svc.Record(ctx, Update{AmbulanceID: id, Position: types.Point{Lat: 40.7128, Lng: -74.0060}}); err != nil {
		t.Fatalf("record: %v", err)
	}
	defer func() { _ = svc.Remove(ctx, id) }()

	got, err := svc.Nearby(ctx, types.Point{Lat: 40.7130, Lng: -74.0055}, 1, 50)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	found := false
	for _, n := range got {
		if n.AmbulanceID == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s in nearby results, got %v", id, got)
	}
}
