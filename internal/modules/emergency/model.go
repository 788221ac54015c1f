// README: Emergency aggregate and lifecycle status definitions.
package emergency

import (
	"time"

	"lifelink/internal/types"
)

type Status string

const (
	StatusNone      Status = "none"
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusOnDuty    Status = "on_duty"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Urgent is true for severities that earn an advanced-life-support bonus.
func (s Severity) Urgent() bool {
	return s == SeverityHigh || s == SeverityCritical
}

type Kind string

const (
	KindAccident Kind = "accident"
	KindMedical  Kind = "medical"
	KindFire     Kind = "fire"
	KindOther    Kind = "other"
)

func (k Kind) Valid() bool {
	switch k {
	case KindAccident, KindMedical, KindFire, KindOther:
		return true
	}
	return false
}

var bloodTypes = map[string]struct{}{
	"A+": {}, "A-": {}, "B+": {}, "B-": {},
	"AB+": {}, "AB-": {}, "O+": {}, "O-": {},
}

func ValidBloodType(v string) bool {
	_, ok := bloodTypes[v]
	return ok
}

type Location struct {
	types.Point
	Address string `json:"address"`
}

type Hazards struct {
	VehicleInvolved bool `json:"vehicle_involved"`
	Fire            bool `json:"fire_hazard"`
	Chemical        bool `json:"chemical_hazard"`
}

type Emergency struct {
	ID                      types.ID   `json:"id"`
	Kind                    Kind       `json:"type"`
	Location                Location   `json:"location"`
	Severity                Severity   `json:"severity"`
	PatientCount            int        `json:"patient_count"`
	Description             string     `json:"description"`
	CallerName              string     `json:"caller_name"`
	CallerPhone             string     `json:"caller_phone"`
	Hazards                 Hazards    `json:"hazards"`
	Injuries                []string   `json:"injuries"`
	BloodTypeNeeded         *string    `json:"blood_type_needed,omitempty"`
	Status                  Status     `json:"status"`
	StatusVersion           int        `json:"-"`
	CreatedAt               time.Time  `json:"created_at"`
	AssignedAmbulanceID     *types.ID  `json:"assigned_ambulance_id,omitempty"`
	AssignedAmbulanceNumber *string    `json:"assigned_ambulance_number,omitempty"`
	AssignedDistanceKm      *float64   `json:"assigned_distance_km,omitempty"`
	AssignedAt              *time.Time `json:"assigned_at,omitempty"`
	AcceptedAt              *time.Time `json:"accepted_at,omitempty"`
	CompletedAt             *time.Time `json:"completed_at,omitempty"`
	CancelledAt             *time.Time `json:"cancelled_at,omitempty"`
	CancelReason            *string    `json:"cancel_reason,omitempty"`
	ResponseTimeMinutes     *float64   `json:"response_time_minutes,omitempty"`
	TotalTimeMinutes        *float64   `json:"total_time_minutes,omitempty"`
	CompletedByAmbulanceID  *types.ID  `json:"completed_by_ambulance_id,omitempty"`
	LastReleasedAmbulanceID *types.ID  `json:"-"`
	LastReleasedAt          *time.Time `json:"-"`
}

// Active reports whether an ambulance is linked to this emergency.
func (e *Emergency) Active() bool {
	return e.Status == StatusAssigned || e.Status == StatusOnDuty
}

// RecentlyReleased returns the ambulance that gave this emergency back within cooldown of now.
func (e *Emergency) RecentlyReleased(now time.Time, cooldown time.Duration) (types.ID, bool) {
	if e.LastReleasedAmbulanceID == nil || e.LastReleasedAt == nil {
		return "", false
	}
	if now.Sub(*e.LastReleasedAt) >= cooldown {
		return "", false
	}
	return *e.LastReleasedAmbulanceID, true
}

type Event struct {
	ID          int64     `json:"id"`
	EmergencyID types.ID  `json:"emergency_id"`
	FromStatus  Status    `json:"from_status"`
	ToStatus    Status    `json:"to_status"`
	ActorType   string    `json:"actor_type"`
	ActorID     *types.ID `json:"actor_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

const (
	ActorSystem    = "system"
	ActorAmbulance = "ambulance"
	ActorOperator  = "operator"
	ActorReporter  = "reporter"
)

// AllowedTransitions represents the emergency lifecycle diagram as code.
var AllowedTransitions = map[Status][]Status{
	StatusNone:     {StatusPending},
	StatusPending:  {StatusAssigned, StatusCancelled},
	StatusAssigned: {StatusOnDuty, StatusPending},
	StatusOnDuty:   {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// Filter selects emergencies; zero fields are ignored.
type Filter struct {
	Statuses       []Status
	CreatedBefore  *time.Time
	AssignedBefore *time.Time
	NewestFirst    bool
	Limit          int
}
