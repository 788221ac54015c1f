// README: Dispatch service owns the emergency/ambulance lifecycle: intake, matching, crew responses, and crew presence.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"lifelink/internal/maps"
	"lifelink/internal/modules/activity"
	"lifelink/internal/modules/ambulance"
	"lifelink/internal/modules/emergency"
	"lifelink/internal/modules/location"
	"lifelink/internal/modules/matching"
	"lifelink/internal/types"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrBadRequest         = errors.New("bad request")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrConflict           = errors.New("state conflict")
	ErrNotAssigned        = errors.New("emergency is not assigned to this ambulance")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Matcher interface {
	Match(ctx context.Context, req matching.Request) (*matching.Match, error)
}

// Recorder receives the side-effect records of each transition. It must not block on I/O failures.
type Recorder interface {
	Notify(ctx context.Context, n activity.Notification)
	Activity(ctx context.Context, a activity.Activity)
	Decision(ctx context.Context, d activity.Decision)
	Alert(ctx context.Context, a activity.Alert)
}

type Router interface {
	TravelEstimate(ctx context.Context, origin, destination types.Point) (time.Duration, error)
}

type LocationIndex interface {
	Record(ctx context.Context, u location.Update) error
	Remove(ctx context.Context, id types.ID) error
	Nearby(ctx context.Context, center types.Point, radiusKm float64, limit int) ([]location.Nearby, error)
}

type Service struct {
	store    Store
	matcher  Matcher
	recorder Recorder
	router   Router
	geo      LocationIndex
	locker   Locker
	log      logrus.FieldLogger
	now      func() time.Time

	sweepInterval time.Duration
	lockTTL       time.Duration
}

type Option func(*Service)

func WithRouter(r Router) Option             { return func(s *Service) { s.router = r } }
func WithLocationIndex(l LocationIndex) Option { return func(s *Service) { s.geo = l } }
func WithLocker(l Locker) Option             { return func(s *Service) { s.locker = l } }
func WithClock(now func() time.Time) Option  { return func(s *Service) { s.now = now } }

func WithSweep(interval, lockTTL time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.sweepInterval = interval
		}
		if lockTTL > 0 {
			s.lockTTL = lockTTL
		}
	}
}

func NewService(store Store, matcher Matcher, recorder Recorder, log logrus.FieldLogger, opts ...Option) *Service {
	s := &Service{
		store:         store,
		matcher:       matcher,
		recorder:      recorder,
		log:           log,
		now:           time.Now,
		sweepInterval: 5 * time.Second,
		lockTTL:       30 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create registers an emergency and tries to assign an ambulance immediately.
// A failed match leaves the emergency pending for the sweep.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*CreateResult, error) {
	now := s.now()
	e, err := newEmergency(cmd, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateEmergency(ctx, e); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"emergency_id": e.ID,
		"severity":     e.Severity,
		"patients":     e.PatientCount,
	}).Info("emergency reported")
	s.recorder.Activity(ctx, activity.Activity{
		Type:        "emergency_reported",
		Message:     fmt.Sprintf("%s emergency reported at %s", strings.ToUpper(string(e.Severity)), describe(e.Location)),
		EmergencyID: e.ID,
		Details:     map[string]any{"patient_count": e.PatientCount, "type": string(e.Kind)},
	})

	info, err := s.assign(ctx, e, matching.TriggerCreate, now)
	if err != nil {
		// The emergency is stored; the sweep will retry the match.
		s.log.WithError(err).WithField("emergency_id", e.ID).Warn("immediate assignment failed")
		return &CreateResult{Emergency: e, Message: "Emergency registered; waiting for an available ambulance"}, nil
	}
	if info == nil {
		s.recorder.Notify(ctx, activity.Notification{
			Type:        "no_ambulance",
			Title:       "No ambulances available",
			Message:     fmt.Sprintf("Emergency at %s is waiting for an ambulance", describe(e.Location)),
			Priority:    activity.PriorityCritical,
			EmergencyID: e.ID,
		})
		return &CreateResult{Emergency: e, Message: "Emergency registered; waiting for an available ambulance"}, nil
	}

	fresh, err := s.store.GetEmergency(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	return &CreateResult{
		Emergency: fresh,
		Match:     info,
		Message:   fmt.Sprintf("Ambulance %s dispatched", info.VehicleNumber),
	}, nil
}

// CreateAccident maps a roadside report onto a regular accident emergency.
func (s *Service) CreateAccident(ctx context.Context, r AccidentReport) (*CreateResult, error) {
	return s.Create(ctx, CreateCommand{
		Kind:         emergency.KindAccident,
		Location:     r.Location,
		Severity:     r.Severity,
		PatientCount: r.PatientCount,
		Description:  r.Description,
		CallerName:   r.ReporterName,
		CallerPhone:  r.ReporterPhone,
		Hazards: emergency.Hazards{
			VehicleInvolved: r.VehicleInvolved,
			Fire:            r.FireHazard,
			Chemical:        r.ChemicalHazard,
		},
		Injuries: r.Injuries,
	})
}

func (s *Service) Get(ctx context.Context, id types.ID) (*emergency.Emergency, error) {
	return s.store.GetEmergency(ctx, id)
}

func (s *Service) History(ctx context.Context, id types.ID) ([]emergency.Event, error) {
	if _, err := s.store.GetEmergency(ctx, id); err != nil {
		return nil, err
	}
	return s.store.EmergencyEvents(ctx, id)
}

func (s *Service) Accept(ctx context.Context, cmd CrewCommand) (*AcceptResult, error) {
	e, a, err := s.crewPair(ctx, cmd.EmergencyID, cmd.AmbulanceID, emergency.StatusOnDuty)
	if err != nil {
		return nil, err
	}
	at := s.now()
	if err := s.store.Accept(ctx, Transition{
		Emergency: e,
		Ambulance: a,
		At:        at,
		ActorType: emergency.ActorAmbulance,
		ActorID:   &a.ID,
	}); err != nil {
		return nil, err
	}

	var responseSeconds float64
	if e.AssignedAt != nil {
		responseSeconds = at.Sub(*e.AssignedAt).Seconds()
	}
	eta := s.eta(ctx, a.CurrentLocation, e.Location.Point)

	s.recorder.Decision(ctx, activity.Decision{
		LogType:       "emergency_response",
		Action:        "accepted",
		EmergencyID:   e.ID,
		AmbulanceID:   a.ID,
		VehicleNumber: a.VehicleNumber,
		DriverName:    a.DriverName,
		Severity:      string(e.Severity),
		Status:        activity.DecisionSuccess,
		Details:       map[string]any{"response_time_seconds": math.Round(responseSeconds)},
		Timestamp:     at,
	})
	s.recorder.Notify(ctx, activity.Notification{
		Type:        "emergency_accepted",
		Title:       "Ambulance en route",
		Message:     fmt.Sprintf("%s accepted and is en route, ETA %.0f min", a.VehicleNumber, eta),
		Priority:    activity.PriorityHigh,
		EmergencyID: e.ID,
	})
	s.recorder.Activity(ctx, activity.Activity{
		Type:          "emergency_accepted",
		Message:       fmt.Sprintf("%s accepted the emergency", a.VehicleNumber),
		EmergencyID:   e.ID,
		AmbulanceID:   a.ID,
		VehicleNumber: a.VehicleNumber,
	})

	fresh, err := s.store.GetEmergency(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	return &AcceptResult{
		Emergency:           fresh,
		MapsLink:            maps.Link(e.Location.Point),
		EtaMinutes:          eta,
		ResponseTimeSeconds: responseSeconds,
		Message:             "Emergency accepted. Navigate to the patient location.",
	}, nil
}

// Decline returns the emergency to the queue; the sweep offers it to another crew.
func (s *Service) Decline(ctx context.Context, cmd DeclineCommand) (*emergency.Emergency, error) {
	e, a, err := s.crewPair(ctx, cmd.EmergencyID, cmd.AmbulanceID, emergency.StatusPending)
	if err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		reason = reasonDeclined
	}
	at := s.now()
	if err := s.store.Release(ctx, Transition{
		Emergency: e,
		Ambulance: a,
		At:        at,
		ActorType: emergency.ActorAmbulance,
		ActorID:   &a.ID,
		Reason:    reason,
	}); err != nil {
		return nil, err
	}

	s.recorder.Decision(ctx, activity.Decision{
		LogType:       "emergency_response",
		Action:        "declined",
		EmergencyID:   e.ID,
		AmbulanceID:   a.ID,
		VehicleNumber: a.VehicleNumber,
		DriverName:    a.DriverName,
		Severity:      string(e.Severity),
		Reason:        reason,
		Status:        activity.DecisionSuccess,
		Timestamp:     at,
	})
	s.recorder.Notify(ctx, activity.Notification{
		Type:        "emergency_declined",
		Title:       "Ambulance declined",
		Message:     fmt.Sprintf("%s declined. Finding another ambulance.", a.VehicleNumber),
		Priority:    activity.PriorityHigh,
		EmergencyID: e.ID,
	})
	s.recorder.Activity(ctx, activity.Activity{
		Type:          "emergency_declined",
		Message:       fmt.Sprintf("%s declined the emergency", a.VehicleNumber),
		EmergencyID:   e.ID,
		AmbulanceID:   a.ID,
		VehicleNumber: a.VehicleNumber,
		Details:       map[string]any{"reason": reason},
	})
	return s.store.GetEmergency(ctx, e.ID)
}

func (s *Service) Complete(ctx context.Context, cmd CrewCommand) (*CompleteResult, error) {
	e, a, err := s.crewPair(ctx, cmd.EmergencyID, cmd.AmbulanceID, emergency.StatusCompleted)
	if err != nil {
		return nil, err
	}
	at := s.now()
	total := at.Sub(e.CreatedAt).Minutes()
	response := total
	if e.AcceptedAt != nil {
		response = e.AcceptedAt.Sub(e.CreatedAt).Minutes()
	}
	if err := s.store.Complete(ctx, Completion{
		Transition: Transition{
			Emergency: e,
			Ambulance: a,
			At:        at,
			ActorType: emergency.ActorAmbulance,
			ActorID:   &a.ID,
		},
		ResponseMinutes: response,
		TotalMinutes:    total,
	}); err != nil {
		return nil, err
	}

	s.recorder.Decision(ctx, activity.Decision{
		LogType:       "emergency_response",
		Action:        "completed",
		EmergencyID:   e.ID,
		AmbulanceID:   a.ID,
		VehicleNumber: a.VehicleNumber,
		DriverName:    a.DriverName,
		Severity:      string(e.Severity),
		Status:        activity.DecisionSuccess,
		Details: map[string]any{
			"response_time_minutes": round1(response),
			"total_time_minutes":    round1(total),
			"lives_saved":           e.PatientCount,
		},
		Timestamp: at,
	})
	s.recorder.Notify(ctx, activity.Notification{
		Type:        "emergency_completed",
		Title:       "Mission complete",
		Message:     fmt.Sprintf("%s completed the mission in %.1f min", a.VehicleNumber, round1(total)),
		Priority:    activity.PriorityMedium,
		EmergencyID: e.ID,
	})
	for i := 0; i < e.PatientCount; i++ {
		s.recorder.Activity(ctx, activity.Activity{
			Type:          "life_saved",
			Message:       fmt.Sprintf("Patient %d of %d delivered by %s", i+1, e.PatientCount, a.VehicleNumber),
			EmergencyID:   e.ID,
			AmbulanceID:   a.ID,
			VehicleNumber: a.VehicleNumber,
		})
	}

	fresh, err := s.store.GetEmergency(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	return &CompleteResult{
		Emergency:           fresh,
		ResponseTimeMinutes: response,
		TotalTimeMinutes:    total,
		LivesSaved:          e.PatientCount,
	}, nil
}

// CancelPending is the operator path; only unassigned emergencies can be cancelled.
func (s *Service) CancelPending(ctx context.Context, cmd CancelCommand) (*emergency.Emergency, error) {
	e, err := s.store.GetEmergency(ctx, cmd.EmergencyID)
	if err != nil {
		return nil, err
	}
	if !emergency.CanTransition(e.Status, emergency.StatusCancelled) {
		return nil, fmt.Errorf("%w: %s -> cancelled", ErrInvalidTransition, e.Status)
	}
	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		reason = reasonCancelled
	}
	if err := s.cancel(ctx, e, emergency.ActorOperator, reason); err != nil {
		return nil, err
	}
	return s.store.GetEmergency(ctx, e.ID)
}

func (s *Service) cancel(ctx context.Context, e *emergency.Emergency, actor, reason string) error {
	if err := s.store.Cancel(ctx, Transition{
		Emergency: e,
		At:        s.now(),
		ActorType: actor,
		Reason:    reason,
	}); err != nil {
		return err
	}
	s.recorder.Notify(ctx, activity.Notification{
		Type:        "emergency_cancelled",
		Title:       "Emergency cancelled",
		Message:     fmt.Sprintf("Emergency at %s cancelled: %s", describe(e.Location), reason),
		Priority:    activity.PriorityHigh,
		EmergencyID: e.ID,
	})
	return nil
}

// Login authenticates a crew by device and brings an offline unit online.
// A unit that is already online keeps its status.
func (s *Service) Login(ctx context.Context, cmd LoginCommand) (*ambulance.Ambulance, error) {
	if cmd.DeviceID == "" || cmd.Password == "" {
		return nil, ErrInvalidCredentials
	}
	a, err := s.store.GetAmbulanceByDevice(ctx, cmd.DeviceID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !ambulance.CheckPassword(a.PasswordHash, cmd.Password) {
		return nil, ErrInvalidCredentials
	}

	at := s.now()
	to := a.Status
	if a.Status == ambulance.StatusOffline {
		to = ambulance.StatusAvailable
	}
	if err := s.store.SetAmbulanceStatus(ctx, a, to, at, cmd.PushToken); err != nil {
		return nil, err
	}

	if a.Status == ambulance.StatusOffline {
		s.recorder.Decision(ctx, activity.Decision{
			LogType:       "ambulance_status",
			Action:        "came_online",
			AmbulanceID:   a.ID,
			VehicleNumber: a.VehicleNumber,
			DriverName:    a.DriverName,
			Location:      a.CurrentLocation,
			Status:        activity.DecisionSuccess,
			Timestamp:     at,
		})
		s.recorder.Activity(ctx, activity.Activity{
			Type:          "ambulance_online",
			Message:       fmt.Sprintf("%s is now available", a.VehicleNumber),
			AmbulanceID:   a.ID,
			VehicleNumber: a.VehicleNumber,
		})
		if a.CurrentLocation != nil {
			s.index(ctx, a.ID, *a.CurrentLocation, at)
		}
	}
	return s.store.GetAmbulance(ctx, a.ID)
}

// Logout takes a crew offline. A pending offer is released first; a unit on a mission cannot log out.
func (s *Service) Logout(ctx context.Context, id types.ID) (*ambulance.Ambulance, error) {
	a, err := s.store.GetAmbulance(ctx, id)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case ambulance.StatusOffline:
		return a, nil
	case ambulance.StatusOnDuty:
		return nil, fmt.Errorf("%w: ambulance is on a mission", ErrInvalidTransition)
	case ambulance.StatusAssigned:
		if err := s.releaseOffer(ctx, a); err != nil {
			return nil, err
		}
		if a, err = s.store.GetAmbulance(ctx, id); err != nil {
			return nil, err
		}
	}

	at := s.now()
	if err := s.store.SetAmbulanceStatus(ctx, a, ambulance.StatusOffline, at, ""); err != nil {
		return nil, err
	}
	if s.geo != nil {
		if err := s.geo.Remove(ctx, a.ID); err != nil {
			s.log.WithError(err).WithField("ambulance_id", a.ID).Warn("geo index remove failed")
		}
	}
	s.recorder.Activity(ctx, activity.Activity{
		Type:          "ambulance_offline",
		Message:       fmt.Sprintf("%s went offline", a.VehicleNumber),
		AmbulanceID:   a.ID,
		VehicleNumber: a.VehicleNumber,
	})
	return s.store.GetAmbulance(ctx, id)
}

func (s *Service) releaseOffer(ctx context.Context, a *ambulance.Ambulance) error {
	if a.AssignedEmergencyID == nil {
		return fmt.Errorf("%w: ambulance %s has no linked emergency", ErrConflict, a.ID)
	}
	e, err := s.store.GetEmergency(ctx, *a.AssignedEmergencyID)
	if err != nil {
		return err
	}
	if err := s.store.Release(ctx, Transition{
		Emergency: e,
		Ambulance: a,
		At:        s.now(),
		ActorType: emergency.ActorAmbulance,
		ActorID:   &a.ID,
		Reason:    reasonLogout,
	}); err != nil {
		return err
	}
	s.recorder.Notify(ctx, activity.Notification{
		Type:        "emergency_released",
		Title:       "Ambulance went offline",
		Message:     fmt.Sprintf("%s went offline before accepting. Finding another ambulance.", a.VehicleNumber),
		Priority:    activity.PriorityHigh,
		EmergencyID: e.ID,
	})
	return nil
}

func (s *Service) UpdateLocation(ctx context.Context, id types.ID, p types.Point) error {
	if !p.Valid() {
		return fmt.Errorf("%w: invalid coordinates", ErrBadRequest)
	}
	at := s.now()
	if err := s.store.UpdateLocation(ctx, id, p, at); err != nil {
		return err
	}
	a, err := s.store.GetAmbulance(ctx, id)
	if err != nil {
		return err
	}
	if a.Status != ambulance.StatusOffline {
		s.index(ctx, id, p, at)
	}
	return nil
}

func (s *Service) index(ctx context.Context, id types.ID, p types.Point, at time.Time) {
	if s.geo == nil {
		return
	}
	if err := s.geo.Record(ctx, location.Update{AmbulanceID: id, Position: p, At: at}); err != nil {
		s.log.WithError(err).WithField("ambulance_id", id).Warn("geo index update failed")
	}
}

// Assignment returns the crew's current emergency, or nil when it has none.
func (s *Service) Assignment(ctx context.Context, ambulanceID types.ID) (*AssignmentView, error) {
	a, err := s.store.GetAmbulance(ctx, ambulanceID)
	if err != nil {
		return nil, err
	}
	if a.AssignedEmergencyID == nil {
		return nil, nil
	}
	e, err := s.store.GetEmergency(ctx, *a.AssignedEmergencyID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	v := &AssignmentView{Emergency: e, MapsLink: maps.Link(e.Location.Point)}
	if a.CurrentLocation != nil {
		d := round1(location.Between(*a.CurrentLocation, e.Location.Point))
		v.DistanceKm = &d
	}
	switch {
	case e.Status == emergency.StatusAssigned && e.AssignedAt != nil:
		left := int(math.Ceil((matching.AcceptanceWindow - now.Sub(*e.AssignedAt)).Seconds()))
		if left < 0 {
			left = 0
		}
		v.TimeRemainingSeconds = &left
	case e.Status == emergency.StatusOnDuty && e.AcceptedAt != nil:
		elapsed := round1(now.Sub(*e.AcceptedAt).Minutes())
		v.ElapsedMinutes = &elapsed
	}
	return v, nil
}

// Nearby previews the closest available ambulances around a point.
func (s *Service) Nearby(ctx context.Context, center types.Point, radiusKm float64, limit int) ([]NearbyAmbulance, error) {
	if !center.Valid() {
		return nil, fmt.Errorf("%w: invalid coordinates", ErrBadRequest)
	}
	if s.geo == nil {
		return s.nearbyFromRegistry(ctx, center, radiusKm, limit)
	}
	hits, err := s.geo.Nearby(ctx, center, radiusKm, limit)
	if err != nil {
		return nil, err
	}
	out := make([]NearbyAmbulance, 0, len(hits))
	for _, h := range hits {
		a, err := s.store.GetAmbulance(ctx, h.AmbulanceID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if a.Status != ambulance.StatusAvailable {
			continue
		}
		out = append(out, nearbyEntry(a, h.Position, h.DistanceKm))
	}
	return out, nil
}

func (s *Service) nearbyFromRegistry(ctx context.Context, center types.Point, radiusKm float64, limit int) ([]NearbyAmbulance, error) {
	available, err := s.store.ListAmbulances(ctx, ambulance.StatusFilter(ambulance.StatusAvailable))
	if err != nil {
		return nil, err
	}
	var out []NearbyAmbulance
	for _, sc := range matching.Rank(available, center, emergency.SeverityLow) {
		if radiusKm > 0 && sc.DistanceKm > radiusKm {
			continue
		}
		out = append(out, nearbyEntry(sc.Ambulance, *sc.Ambulance.CurrentLocation, sc.DistanceKm))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func nearbyEntry(a *ambulance.Ambulance, at types.Point, distanceKm float64) NearbyAmbulance {
	return NearbyAmbulance{
		AmbulanceID:   a.ID,
		VehicleNumber: a.VehicleNumber,
		Type:          a.Type,
		Status:        a.Status,
		Location:      at,
		DistanceKm:    round1(distanceKm),
		EtaMinutes:    round1(distanceKm * minutesPerKm),
	}
}

// Dashboard aggregates the control-room view from the registries.
func (s *Service) Dashboard(ctx context.Context) (*Dashboard, error) {
	st, err := s.store.Stats(ctx, recentResponseCount)
	if err != nil {
		return nil, err
	}
	active, err := s.store.ListEmergencies(ctx, emergency.Filter{
		Statuses:    []emergency.Status{emergency.StatusAssigned, emergency.StatusOnDuty},
		NewestFirst: true,
	})
	if err != nil {
		return nil, err
	}
	pending, err := s.store.ListEmergencies(ctx, emergency.Filter{
		Statuses: []emergency.Status{emergency.StatusPending},
	})
	if err != nil {
		return nil, err
	}
	units, err := s.store.ListAmbulances(ctx, ambulance.Filter{})
	if err != nil {
		return nil, err
	}

	counts := map[ambulance.Status]int{
		ambulance.StatusOffline:   0,
		ambulance.StatusAvailable: 0,
		ambulance.StatusAssigned:  0,
		ambulance.StatusOnDuty:    0,
	}
	for _, a := range units {
		counts[a.Status]++
	}

	d := &Dashboard{
		LivesSaved:          st.LivesSaved,
		CompletedCount:      st.CompletedCount,
		ActiveEmergencies:   nonNil(active),
		PendingEmergencies:  nonNil(pending),
		AmbulanceCounts:     counts,
		AvailableAmbulances: counts[ambulance.StatusAvailable],
	}
	if st.AvgResponseMinutes != nil {
		avg := round1(*st.AvgResponseMinutes)
		d.AvgResponseMinutes = &avg
	}
	return d, nil
}

// assign runs the matcher and claims the chosen ambulance as of now. A nil result means nobody was assigned.
func (s *Service) assign(ctx context.Context, e *emergency.Emergency, trigger matching.Trigger, now time.Time) (*MatchInfo, error) {
	req := matching.Request{
		EmergencyID: e.ID,
		Location:    e.Location.Point,
		Severity:    e.Severity,
		Trigger:     trigger,
		Now:         now,
	}
	if id, ok := e.RecentlyReleased(now, matching.AcceptanceWindow); ok {
		req.Exclude = append(req.Exclude, id)
	}

	m, err := s.matcher.Match(ctx, req)
	if err != nil || m == nil {
		return nil, err
	}
	a := m.Ambulance
	if err := s.store.Assign(ctx, Assignment{
		Transition: Transition{
			Emergency: e,
			Ambulance: a,
			At:        now,
			ActorType: emergency.ActorSystem,
			Reason:    string(trigger),
		},
		DistanceKm: m.DistanceKm,
	}); err != nil {
		return nil, err
	}
	s.recorder.Decision(ctx, m.Decision)

	eta := s.eta(ctx, a.CurrentLocation, e.Location.Point)
	info := &MatchInfo{
		AmbulanceID:   a.ID,
		VehicleNumber: a.VehicleNumber,
		DriverName:    a.DriverName,
		DriverPhone:   a.DriverPhone,
		AmbulanceType: string(a.Type),
		DistanceKm:    round1(m.DistanceKm),
		Score:         m.Score,
		EtaMinutes:    eta,
		Deadline:      m.Deadline,
	}

	s.recorder.Notify(ctx, activity.Notification{
		Type:        "ambulance_assigned",
		Title:       "Ambulance assigned",
		Message:     fmt.Sprintf("%s assigned, %.1f km away, ETA %.0f min", a.VehicleNumber, info.DistanceKm, eta),
		Priority:    activity.PriorityHigh,
		EmergencyID: e.ID,
	})
	s.recorder.Activity(ctx, activity.Activity{
		Type:          "ambulance_assigned",
		Message:       fmt.Sprintf("%s assigned to %s emergency", a.VehicleNumber, e.Severity),
		EmergencyID:   e.ID,
		AmbulanceID:   a.ID,
		VehicleNumber: a.VehicleNumber,
		Details:       map[string]any{"distance_km": info.DistanceKm, "trigger": string(trigger)},
	})
	s.recorder.Alert(ctx, activity.Alert{
		AmbulanceID: a.ID,
		PushToken:   a.PushToken,
		Phone:       a.DriverPhone,
		Title:       fmt.Sprintf("%s emergency", strings.ToUpper(string(e.Severity))),
		Body:        fmt.Sprintf("%d patient(s) at %s, %.1f km away. Accept within 60 seconds.", e.PatientCount, describe(e.Location), info.DistanceKm),
		Data: map[string]string{
			"emergency_id": string(e.ID),
			"severity":     string(e.Severity),
			"lat":          strconv.FormatFloat(e.Location.Lat, 'f', -1, 64),
			"lng":          strconv.FormatFloat(e.Location.Lng, 'f', -1, 64),
			"deadline":     m.Deadline.UTC().Format(time.RFC3339),
		},
	})
	return info, nil
}

// crewPair loads both records and checks that the ambulance owns the emergency and the move is legal.
func (s *Service) crewPair(ctx context.Context, emergencyID, ambulanceID types.ID, to emergency.Status) (*emergency.Emergency, *ambulance.Ambulance, error) {
	e, err := s.store.GetEmergency(ctx, emergencyID)
	if err != nil {
		return nil, nil, err
	}
	a, err := s.store.GetAmbulance(ctx, ambulanceID)
	if err != nil {
		return nil, nil, err
	}
	if !e.Active() || !emergency.CanTransition(e.Status, to) {
		return nil, nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
	}
	if e.AssignedAmbulanceID == nil || *e.AssignedAmbulanceID != a.ID {
		return nil, nil, ErrNotAssigned
	}
	return e, a, nil
}

// eta asks the route provider and falls back to a flat minutes-per-km estimate.
func (s *Service) eta(ctx context.Context, from *types.Point, to types.Point) float64 {
	if from == nil {
		return 0
	}
	if s.router != nil {
		rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		d, err := s.router.TravelEstimate(rctx, *from, to)
		if err == nil {
			return round1(d.Minutes())
		}
		s.log.WithError(err).Debug("route estimate unavailable; using distance")
	}
	return round1(location.Between(*from, to) * minutesPerKm)
}

func newEmergency(cmd CreateCommand, now time.Time) (*emergency.Emergency, error) {
	if !cmd.Location.Valid() {
		return nil, fmt.Errorf("%w: invalid coordinates", ErrBadRequest)
	}
	if !cmd.Severity.Valid() {
		return nil, fmt.Errorf("%w: unknown severity %q", ErrBadRequest, cmd.Severity)
	}
	kind := cmd.Kind
	if kind == "" {
		kind = emergency.KindAccident
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown emergency type %q", ErrBadRequest, kind)
	}
	patients := cmd.PatientCount
	if patients == 0 {
		patients = 1
	}
	if patients < 1 {
		return nil, fmt.Errorf("%w: patient count must be at least 1", ErrBadRequest)
	}
	var blood *string
	if bt := strings.ToUpper(strings.TrimSpace(cmd.BloodTypeNeeded)); bt != "" {
		if !emergency.ValidBloodType(bt) {
			return nil, fmt.Errorf("%w: unknown blood type %q", ErrBadRequest, cmd.BloodTypeNeeded)
		}
		blood = &bt
	}
	caller := strings.TrimSpace(cmd.CallerName)
	if caller == "" {
		caller = "Anonymous"
	}
	injuries := cmd.Injuries
	if injuries == nil {
		injuries = []string{}
	}

	return &emergency.Emergency{
		ID:              types.NewID(),
		Kind:            kind,
		Location:        cmd.Location,
		Severity:        cmd.Severity,
		PatientCount:    patients,
		Description:     cmd.Description,
		CallerName:      caller,
		CallerPhone:     cmd.CallerPhone,
		Hazards:         cmd.Hazards,
		Injuries:        injuries,
		BloodTypeNeeded: blood,
		Status:          emergency.StatusPending,
		CreatedAt:       now,
	}, nil
}

func describe(l emergency.Location) string {
	if l.Address != "" {
		return l.Address
	}
	return maps.LatLng(l.Point)
}

func nonNil(in []*emergency.Emergency) []*emergency.Emergency {
	if in == nil {
		return []*emergency.Emergency{}
	}
	return in
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
