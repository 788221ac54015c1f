// README: Matching requests, scored candidates, and scoring constants.
package matching

import (
	"time"

	"lifelink/internal/modules/activity"
	"lifelink/internal/modules/ambulance"
	"lifelink/internal/modules/emergency"
	"lifelink/internal/types"
)

const (
	baseScore            = 100.0
	distancePenaltyPerKm = 2.0
	advancedBonus        = 20.0
	// AcceptanceWindow is how long a crew has to accept before the sweep reclaims the assignment.
	AcceptanceWindow = 60 * time.Second
)

type Trigger string

const (
	TriggerCreate Trigger = "create"
	TriggerSweep  Trigger = "sweep"
)

type Request struct {
	EmergencyID types.ID
	Location    types.Point
	Severity    emergency.Severity
	Trigger     Trigger
	Now         time.Time
	// Exclude lists ambulances that must not be offered this emergency.
	Exclude []types.ID
}

type Scored struct {
	Ambulance  *ambulance.Ambulance
	DistanceKm float64
	Score      float64
}

type Match struct {
	Scored
	Alternatives int
	Deadline     time.Time
	// Decision is the assignment record to log after the claim commits.
	Decision activity.Decision
}
