package dispatch

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"lifelink/internal/modules/activity"
	"lifelink/internal/modules/ambulance"
	"lifelink/internal/modules/emergency"
	"lifelink/internal/modules/matching"
	"lifelink/internal/types"
)

const kmPerDegreeLat = 6371.0 * math.Pi / 180.0

var scene = types.Point{Lat: 12.9716, Lng: 77.5946}

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func northOf(km float64) *types.Point {
	return &types.Point{Lat: scene.Lat + km/kmPerDegreeLat, Lng: scene.Lng}
}

// memStore mirrors PGStore: reads return copies and transitions compare status and version.
type memStore struct {
	mu          sync.Mutex
	emergencies map[types.ID]*emergency.Emergency
	ambulances  map[types.ID]*ambulance.Ambulance
	events      []emergency.Event
}

func newMemStore() *memStore {
	return &memStore{
		emergencies: map[types.ID]*emergency.Emergency{},
		ambulances:  map[types.ID]*ambulance.Ambulance{},
	}
}

func (m *memStore) putAmbulance(a *ambulance.Ambulance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.ambulances[a.ID] = &cp
}

func (m *memStore) CreateEmergency(_ context.Context, e *emergency.Emergency) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.emergencies[e.ID]; ok {
		return fmt.Errorf("duplicate emergency %s", e.ID)
	}
	cp := *e
	m.emergencies[e.ID] = &cp
	m.events = append(m.events, emergency.Event{
		EmergencyID: e.ID, FromStatus: emergency.StatusNone, ToStatus: e.Status,
		ActorType: emergency.ActorReporter, CreatedAt: e.CreatedAt,
	})
	return nil
}

func (m *memStore) GetEmergency(_ context.Context, id types.ID) (*emergency.Emergency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.emergencies[id]
	if !ok {
		return nil, fmt.Errorf("%w: emergency %s", ErrNotFound, id)
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) ListEmergencies(_ context.Context, f emergency.Filter) ([]*emergency.Emergency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*emergency.Emergency
	for _, e := range m.emergencies {
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, e.Status) {
			continue
		}
		if f.CreatedBefore != nil && !e.CreatedAt.Before(*f.CreatedBefore) {
			continue
		}
		if f.AssignedBefore != nil && (e.AssignedAt == nil || !e.AssignedAt.Before(*f.AssignedBefore)) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt) != f.NewestFirst
		}
		return (out[i].ID < out[j].ID) != f.NewestFirst
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memStore) EmergencyEvents(_ context.Context, id types.ID) ([]emergency.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []emergency.Event
	for _, ev := range m.events {
		if ev.EmergencyID == id {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memStore) GetAmbulance(_ context.Context, id types.ID) (*ambulance.Ambulance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.ambulances[id]
	if !ok {
		return nil, fmt.Errorf("%w: ambulance %s", ErrNotFound, id)
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) GetAmbulanceByDevice(_ context.Context, deviceID string) (*ambulance.Ambulance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.ambulances {
		if a.DeviceID == deviceID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
}

func (m *memStore) ListAmbulances(_ context.Context, f ambulance.Filter) ([]*ambulance.Ambulance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ambulance.Ambulance
	for _, a := range m.ambulances {
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// guard returns the live records when both snapshots are still current.
func (m *memStore) guard(t Transition, es emergency.Status, as ambulance.Status) (*emergency.Emergency, *ambulance.Ambulance, error) {
	e, ok := m.emergencies[t.Emergency.ID]
	if !ok || e.Status != es || e.StatusVersion != t.Emergency.StatusVersion {
		return nil, nil, ErrConflict
	}
	if t.Ambulance == nil {
		return e, nil, nil
	}
	a, ok := m.ambulances[t.Ambulance.ID]
	if !ok || a.Status != as || a.StatusVersion != t.Ambulance.StatusVersion {
		return nil, nil, ErrConflict
	}
	return e, a, nil
}

func (m *memStore) record(t Transition, from, to emergency.Status) {
	m.events = append(m.events, event(t, from, to))
}

func (m *memStore) Assign(_ context.Context, as Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, a, err := m.guard(as.Transition, emergency.StatusPending, ambulance.StatusAvailable)
	if err != nil {
		return err
	}
	ambID, emID := a.ID, e.ID
	number, dist, at := a.VehicleNumber, as.DistanceKm, as.At
	e.Status, e.StatusVersion = emergency.StatusAssigned, e.StatusVersion+1
	e.AssignedAmbulanceID, e.AssignedAmbulanceNumber, e.AssignedDistanceKm, e.AssignedAt = &ambID, &number, &dist, &at
	a.Status, a.StatusVersion = ambulance.StatusAssigned, a.StatusVersion+1
	a.AssignedEmergencyID = &emID
	m.record(as.Transition, emergency.StatusPending, emergency.StatusAssigned)
	return nil
}

func (m *memStore) Accept(_ context.Context, t Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, a, err := m.guard(t, emergency.StatusAssigned, ambulance.StatusAssigned)
	if err != nil {
		return err
	}
	at := t.At
	e.Status, e.StatusVersion, e.AcceptedAt = emergency.StatusOnDuty, e.StatusVersion+1, &at
	a.Status, a.StatusVersion, a.LastSeen = ambulance.StatusOnDuty, a.StatusVersion+1, &at
	m.record(t, emergency.StatusAssigned, emergency.StatusOnDuty)
	return nil
}

func (m *memStore) Release(_ context.Context, t Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, a, err := m.guard(t, emergency.StatusAssigned, ambulance.StatusAssigned)
	if err != nil {
		return err
	}
	released, at := a.ID, t.At
	e.Status, e.StatusVersion = emergency.StatusPending, e.StatusVersion+1
	e.AssignedAmbulanceID, e.AssignedAmbulanceNumber, e.AssignedDistanceKm, e.AssignedAt = nil, nil, nil, nil
	e.LastReleasedAmbulanceID, e.LastReleasedAt = &released, &at
	a.Status, a.StatusVersion, a.AssignedEmergencyID = ambulance.StatusAvailable, a.StatusVersion+1, nil
	m.record(t, emergency.StatusAssigned, emergency.StatusPending)
	return nil
}

func (m *memStore) Complete(_ context.Context, c Completion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, a, err := m.guard(c.Transition, emergency.StatusOnDuty, ambulance.StatusOnDuty)
	if err != nil {
		return err
	}
	at, resp, total := c.At, c.ResponseMinutes, c.TotalMinutes
	e.Status, e.StatusVersion = emergency.StatusCompleted, e.StatusVersion+1
	e.CompletedAt, e.ResponseTimeMinutes, e.TotalTimeMinutes = &at, &resp, &total
	e.CompletedByAmbulanceID, e.AssignedAmbulanceID = e.AssignedAmbulanceID, nil
	a.Status, a.StatusVersion, a.AssignedEmergencyID = ambulance.StatusAvailable, a.StatusVersion+1, nil
	a.MissionsCompleted++
	m.record(c.Transition, emergency.StatusOnDuty, emergency.StatusCompleted)
	return nil
}

func (m *memStore) Cancel(_ context.Context, t Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, _, err := m.guard(t, emergency.StatusPending, "")
	if err != nil {
		return err
	}
	at, reason := t.At, t.Reason
	e.Status, e.StatusVersion = emergency.StatusCancelled, e.StatusVersion+1
	e.CancelledAt, e.CancelReason = &at, &reason
	m.record(t, emergency.StatusPending, emergency.StatusCancelled)
	return nil
}

func (m *memStore) SetAmbulanceStatus(_ context.Context, snap *ambulance.Ambulance, to ambulance.Status, at time.Time, pushToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.ambulances[snap.ID]
	if !ok || a.Status != snap.Status || a.StatusVersion != snap.StatusVersion {
		return ErrConflict
	}
	a.Status, a.StatusVersion, a.LastSeen = to, a.StatusVersion+1, &at
	if pushToken != "" {
		a.PushToken = pushToken
	}
	return nil
}

func (m *memStore) UpdateLocation(_ context.Context, id types.ID, p types.Point, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.ambulances[id]
	if !ok {
		return fmt.Errorf("%w: ambulance %s", ErrNotFound, id)
	}
	pos := p
	a.CurrentLocation, a.LastSeen = &pos, &at
	return nil
}

func (m *memStore) Stats(_ context.Context, recent int) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st Stats
	var done []*emergency.Emergency
	for _, e := range m.emergencies {
		if e.Status != emergency.StatusCompleted {
			continue
		}
		st.CompletedCount++
		st.LivesSaved += e.PatientCount
		if e.ResponseTimeMinutes != nil {
			done = append(done, e)
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].CompletedAt.After(*done[j].CompletedAt) })
	if len(done) > recent {
		done = done[:recent]
	}
	if len(done) > 0 {
		var sum float64
		for _, e := range done {
			sum += *e.ResponseTimeMinutes
		}
		avg := sum / float64(len(done))
		st.AvgResponseMinutes = &avg
	}
	return st, nil
}

func hasStatus(list []emergency.Status, s emergency.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type recorder struct {
	mu            sync.Mutex
	notifications []activity.Notification
	activities    []activity.Activity
	decisions     []activity.Decision
	alerts        []activity.Alert
}

func (r *recorder) Notify(_ context.Context, n activity.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
}

func (r *recorder) Activity(_ context.Context, a activity.Activity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities = append(r.activities, a)
}

func (r *recorder) Decision(_ context.Context, d activity.Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
}

func (r *recorder) Alert(_ context.Context, a activity.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *recorder) activityCount(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.activities {
		if a.Type == kind {
			n++
		}
	}
	return n
}

func (r *recorder) decisionCount(logType, action string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, d := range r.decisions {
		if d.LogType == logType && d.Action == action {
			n++
		}
	}
	return n
}

func (r *recorder) notificationCount(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.notifications {
		if x.Type == kind {
			n++
		}
	}
	return n
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	t     testing.TB
	svc   *Service
	store *memStore
	rec   *recorder
	clock *clock
}

func newFixture(t testing.TB, opts ...Option) *fixture {
	log := logrus.New()
	log.SetOutput(io.Discard)

	store := newMemStore()
	rec := &recorder{}
	clk := &clock{t: t0}
	matcher := matching.NewService(store, rec, log)
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return &fixture{
		t:     t,
		svc:   NewService(store, matcher, rec, log, opts...),
		store: store,
		rec:   rec,
		clock: clk,
	}
}

func (f *fixture) addUnit(id string, t ambulance.Type, km float64) {
	f.store.putAmbulance(&ambulance.Ambulance{
		ID:              types.ID(id),
		VehicleNumber:   "KA01-" + id,
		DeviceID:        "dev-" + id,
		DriverName:      "Driver " + id,
		DriverPhone:     "+9100000" + id,
		Type:            t,
		Status:          ambulance.StatusAvailable,
		CurrentLocation: northOf(km),
		CreatedAt:       t0,
	})
}

func (f *fixture) report(sev emergency.Severity, patients int) *CreateResult {
	f.t.Helper()
	res, err := f.svc.Create(context.Background(), CreateCommand{
		Location:     emergency.Location{Point: scene, Address: "MG Road"},
		Severity:     sev,
		PatientCount: patients,
	})
	if err != nil {
		f.t.Fatalf("create emergency: %v", err)
	}
	return res
}

func (f *fixture) emergency(id types.ID) *emergency.Emergency {
	e, err := f.store.GetEmergency(context.Background(), id)
	if err != nil {
		f.t.Fatalf("get emergency: %v", err)
	}
	return e
}

func (f *fixture) unit(id string) *ambulance.Ambulance {
	a, err := f.store.GetAmbulance(context.Background(), types.ID(id))
	if err != nil {
		f.t.Fatalf("get ambulance: %v", err)
	}
	return a
}
