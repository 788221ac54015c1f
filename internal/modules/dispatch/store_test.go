package dispatch_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"lifelink/internal/modules/activity"
	"lifelink/internal/modules/ambulance"
	"lifelink/internal/modules/dispatch"
	"lifelink/internal/modules/emergency"
	"lifelink/internal/modules/matching"
	"lifelink/internal/testdb"
	"lifelink/internal/types"
)

type countingRecorder struct {
	mu        sync.Mutex
	decisions int
}

func (r *countingRecorder) Notify(context.Context, activity.Notification) {}
func (r *countingRecorder) Activity(context.Context, activity.Activity)     {}
func (r *countingRecorder) Alert(context.Context, activity.Alert)           {}

func (r *countingRecorder) Decision(context.Context, activity.Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions++
}

func TestPGStore_Lifecycle(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()
	store := dispatch.NewPGStore(db)

	hash, err := ambulance.HashPassword("secret1")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	unit := &ambulance.Ambulance{
		ID:            types.NewID(),
		VehicleNumber: "KA01-PG",
		DeviceID:      "dev-pg",
		PasswordHash:  hash,
		DriverName:    "Asha",
		Type:          ambulance.TypeAdvanced,
		Status:        ambulance.StatusOffline,
		CreatedAt:     time.Now().UTC(),
	}
	if err := ambulance.NewStore(db).Create(ctx, unit); err != nil {
		t.Fatalf("create ambulance: %v", err)
	}

	log := logrus.New()
	log.SetOutput(io.Discard)
	rec := &countingRecorder{}
	svc := dispatch.NewService(store, matching.NewService(store, rec, log), rec, log)

	if _, err := svc.Login(ctx, dispatch.LoginCommand{DeviceID: "dev-pg", Password: "secret1"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	scene := types.Point{Lat: 12.9716, Lng: 77.5946}
	if err := svc.UpdateLocation(ctx, unit.ID, types.Point{Lat: 12.98, Lng: 77.59}); err != nil {
		t.Fatalf("update location: %v", err)
	}

	created, err := svc.Create(ctx, dispatch.CreateCommand{
		Location:     emergency.Location{Point: scene, Address: "MG Road"},
		Severity:     emergency.SeverityCritical,
		PatientCount: 2,
		Injuries:     []string{"fracture"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Match == nil || created.Match.AmbulanceID != unit.ID {
		t.Fatalf("expected assignment to %s, got %+v", unit.ID, created.Match)
	}
	id := created.Emergency.ID

	if _, err := svc.Accept(ctx, dispatch.CrewCommand{EmergencyID: id, AmbulanceID: unit.ID}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	done, err := svc.Complete(ctx, dispatch.CrewCommand{EmergencyID: id, AmbulanceID: unit.ID})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.LivesSaved != 2 {
		t.Errorf("lives saved = %d, want 2", done.LivesSaved)
	}

	e, err := store.GetEmergency(ctx, id)
	if err != nil {
		t.Fatalf("get emergency: %v", err)
	}
	if e.Status != emergency.StatusCompleted {
		t.Fatalf("status = %s, want completed", e.Status)
	}
	if e.AssignedAmbulanceID != nil {
		t.Fatalf("completed emergency still linked to %s", *e.AssignedAmbulanceID)
	}
	if e.CompletedByAmbulanceID == nil || *e.CompletedByAmbulanceID != unit.ID {
		t.Fatalf("completed_by = %v, want %s", e.CompletedByAmbulanceID, unit.ID)
	}
	a, err := store.GetAmbulance(ctx, unit.ID)
	if err != nil {
		t.Fatalf("get ambulance: %v", err)
	}
	if a.Status != ambulance.StatusAvailable || a.MissionsCompleted != 1 || a.AssignedEmergencyID != nil {
		t.Fatalf("ambulance not released: %+v", a)
	}

	events, err := svc.History(ctx, id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("events = %d, want 4", len(events))
	}
	if rec.decisions == 0 {
		t.Errorf("expected decision records")
	}

	st, err := store.Stats(ctx, 50)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.LivesSaved != 2 || st.CompletedCount != 1 || st.AvgResponseMinutes == nil {
		t.Fatalf("stats = %+v", st)
	}
}

func TestPGStore_StaleSnapshotConflicts(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()
	store := dispatch.NewPGStore(db)

	unit := &ambulance.Ambulance{
		ID:            types.NewID(),
		VehicleNumber: "KA01-CAS",
		DeviceID:      "dev-cas",
		PasswordHash:  "x",
		DriverName:    "Ravi",
		Type:          ambulance.TypeBasic,
		Status:        ambulance.StatusOffline,
		CreatedAt:     time.Now().UTC(),
	}
	if err := ambulance.NewStore(db).Create(ctx, unit); err != nil {
		t.Fatalf("create ambulance: %v", err)
	}
	snap, err := store.GetAmbulance(ctx, unit.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := store.SetAmbulanceStatus(ctx, snap, ambulance.StatusAvailable, time.Now(), ""); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	err = store.SetAmbulanceStatus(ctx, snap, ambulance.StatusAvailable, time.Now(), "")
	if !errors.Is(err, dispatch.ErrConflict) {
		t.Fatalf("stale snapshot: expected ErrConflict, got %v", err)
	}

	if _, err := store.GetEmergency(ctx, "missing"); !errors.Is(err, dispatch.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
