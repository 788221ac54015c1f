// README: Notification, activity, and dispatch-decision records written as side effects of transitions.
package activity

import (
	"time"

	"lifelink/internal/types"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

type Notification struct {
	ID          types.ID  `bson:"_id" json:"id"`
	Type        string    `bson:"type" json:"type"`
	Title       string    `bson:"title" json:"title"`
	Message     string    `bson:"message" json:"message"`
	Priority    Priority  `bson:"priority" json:"priority"`
	EmergencyID types.ID  `bson:"emergency_id,omitempty" json:"emergency_id,omitempty"`
	Read        bool      `bson:"read" json:"read"`
	CreatedAt   time.Time `bson:"created_at" json:"created_at"`
}

type Activity struct {
	ID            types.ID       `bson:"_id" json:"id"`
	Type          string         `bson:"type" json:"type"`
	Message       string         `bson:"message" json:"message"`
	EmergencyID   types.ID       `bson:"emergency_id,omitempty" json:"emergency_id,omitempty"`
	AmbulanceID   types.ID       `bson:"ambulance_id,omitempty" json:"ambulance_id,omitempty"`
	VehicleNumber string         `bson:"vehicle_number,omitempty" json:"vehicle_number,omitempty"`
	Details       map[string]any `bson:"details,omitempty" json:"details,omitempty"`
	Timestamp     time.Time      `bson:"timestamp" json:"timestamp"`
}

type DecisionStatus string

const (
	DecisionSuccess DecisionStatus = "success"
	DecisionFailed  DecisionStatus = "failed"
)

// Decision is the audit entry for an automated dispatch choice.
type Decision struct {
	ID                 types.ID       `bson:"_id" json:"id"`
	LogType            string         `bson:"log_type" json:"log_type"`
	Action             string         `bson:"action" json:"action"`
	EmergencyID        types.ID       `bson:"emergency_id,omitempty" json:"emergency_id,omitempty"`
	AmbulanceID        types.ID       `bson:"ambulance_id,omitempty" json:"ambulance_id,omitempty"`
	VehicleNumber      string         `bson:"vehicle_number,omitempty" json:"vehicle_number,omitempty"`
	DriverName         string         `bson:"driver_name,omitempty" json:"driver_name,omitempty"`
	DistanceKm         *float64       `bson:"distance_km,omitempty" json:"distance_km,omitempty"`
	Score              *float64       `bson:"score,omitempty" json:"score,omitempty"`
	Severity           string         `bson:"severity,omitempty" json:"severity,omitempty"`
	Location           *types.Point   `bson:"location,omitempty" json:"location,omitempty"`
	AlternativesCount  int            `bson:"alternatives_count" json:"alternatives_count"`
	AcceptanceDeadline *time.Time     `bson:"acceptance_deadline,omitempty" json:"acceptance_deadline,omitempty"`
	Reason             string         `bson:"reason,omitempty" json:"reason,omitempty"`
	Status             DecisionStatus `bson:"status" json:"status"`
	Details            map[string]any `bson:"details,omitempty" json:"details,omitempty"`
	Timestamp          time.Time      `bson:"timestamp" json:"timestamp"`
}

// Alert targets a single ambulance crew over push and SMS.
type Alert struct {
	AmbulanceID types.ID
	PushToken   string
	Phone       string
	Title       string
	Body        string
	Data        map[string]string
}

// Event is the envelope pushed to live control-room subscribers.
type Event struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}

const (
	KindNotification = "notification"
	KindActivity     = "activity"
	KindDecision     = "decision"
)
