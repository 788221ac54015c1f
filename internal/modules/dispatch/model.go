// README: Dispatch commands, transition records, and the views returned to crews and the control room.
package dispatch

import (
	"time"

	"lifelink/internal/modules/ambulance"
	"lifelink/internal/modules/emergency"
	"lifelink/internal/types"
)

const (
	// StalenessWindow is how long an emergency may stay pending before the sweep gives up on it.
	StalenessWindow = 30 * time.Minute
	// minutesPerKm is the fallback travel estimate when no route provider answers.
	minutesPerKm        = 3.0
	recentResponseCount = 50

	reasonDeclined  = "Driver manually declined"
	reasonExpired   = "Acceptance window elapsed"
	reasonStale     = "No ambulances available for 30 minutes"
	reasonCancelled = "Manually cancelled by operator"
	reasonLogout    = "Crew went offline"
)

type CreateCommand struct {
	Kind            emergency.Kind
	Location        emergency.Location
	Severity        emergency.Severity
	PatientCount    int
	Description     string
	CallerName      string
	CallerPhone     string
	Hazards         emergency.Hazards
	Injuries        []string
	BloodTypeNeeded string
}

// AccidentReport is the simplified road-accident intake used by roadside reporters.
type AccidentReport struct {
	Location        emergency.Location
	Severity        emergency.Severity
	PatientCount    int
	Description     string
	ReporterName    string
	ReporterPhone   string
	VehicleInvolved bool
	FireHazard      bool
	ChemicalHazard  bool
	Injuries        []string
}

type CrewCommand struct {
	EmergencyID types.ID
	AmbulanceID types.ID
}

type DeclineCommand struct {
	EmergencyID types.ID
	AmbulanceID types.ID
	Reason      string
}

type CancelCommand struct {
	EmergencyID types.ID
	Reason      string
}

type LoginCommand struct {
	DeviceID  string
	Password  string
	PushToken string
}

// Transition carries the snapshots a store needs for a compare-and-set on both records.
type Transition struct {
	Emergency *emergency.Emergency
	Ambulance *ambulance.Ambulance
	At        time.Time
	ActorType string
	ActorID   *types.ID
	Reason    string
}

type Assignment struct {
	Transition
	DistanceKm float64
}

type Completion struct {
	Transition
	ResponseMinutes float64
	TotalMinutes    float64
}

type MatchInfo struct {
	AmbulanceID   types.ID  `json:"ambulance_id"`
	VehicleNumber string    `json:"vehicle_number"`
	DriverName    string    `json:"driver_name"`
	DriverPhone   string    `json:"driver_phone"`
	AmbulanceType string    `json:"ambulance_type"`
	DistanceKm    float64   `json:"distance_km"`
	Score         float64   `json:"score"`
	EtaMinutes    float64   `json:"eta_minutes"`
	Deadline      time.Time `json:"acceptance_deadline"`
}

type CreateResult struct {
	Emergency *emergency.Emergency `json:"emergency"`
	Match     *MatchInfo           `json:"assigned_ambulance,omitempty"`
	Message   string               `json:"message"`
}

type AcceptResult struct {
	Emergency           *emergency.Emergency `json:"emergency"`
	MapsLink            string               `json:"google_maps_link"`
	EtaMinutes          float64              `json:"eta_minutes"`
	ResponseTimeSeconds float64              `json:"response_time_seconds"`
	Message             string               `json:"message"`
}

type CompleteResult struct {
	Emergency           *emergency.Emergency `json:"emergency"`
	ResponseTimeMinutes float64              `json:"response_time_minutes"`
	TotalTimeMinutes    float64              `json:"total_time_minutes"`
	LivesSaved          int                  `json:"lives_saved"`
}

// AssignmentView is what a crew sees for its current emergency.
type AssignmentView struct {
	Emergency            *emergency.Emergency `json:"emergency"`
	MapsLink             string               `json:"google_maps_link"`
	DistanceKm           *float64             `json:"distance_km,omitempty"`
	TimeRemainingSeconds *int                 `json:"time_remaining_seconds,omitempty"`
	ElapsedMinutes       *float64             `json:"elapsed_minutes,omitempty"`
}

type NearbyAmbulance struct {
	AmbulanceID   types.ID         `json:"ambulance_id"`
	VehicleNumber string           `json:"vehicle_number"`
	Type          ambulance.Type   `json:"type"`
	Status        ambulance.Status `json:"status"`
	Location      types.Point      `json:"location"`
	DistanceKm    float64          `json:"distance_km"`
	EtaMinutes    float64          `json:"eta_minutes"`
}

type Stats struct {
	LivesSaved         int
	CompletedCount     int
	AvgResponseMinutes *float64
}

type Dashboard struct {
	LivesSaved          int                      `json:"lives_saved"`
	CompletedCount      int                      `json:"completed_count"`
	AvgResponseMinutes  *float64                 `json:"avg_response_minutes"`
	ActiveEmergencies   []*emergency.Emergency   `json:"active_emergencies"`
	PendingEmergencies  []*emergency.Emergency   `json:"pending_emergencies"`
	AmbulanceCounts     map[ambulance.Status]int `json:"ambulance_counts"`
	AvailableAmbulances int                      `json:"available_ambulances"`
	LastSweep           *SweepResult             `json:"last_sweep,omitempty"`
}

type SweepResult struct {
	ExpiredCount       int  `json:"expired_count"`
	CancelledCount     int  `json:"cancelled_count"`
	NewlyAssignedCount int  `json:"newly_assigned_count"`
	Skipped            bool `json:"skipped,omitempty"`
}

func (r SweepResult) Empty() bool {
	return r.ExpiredCount == 0 && r.CancelledCount == 0 && r.NewlyAssignedCount == 0
}
