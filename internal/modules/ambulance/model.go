// README: Ambulance aggregate, crew credentials, and status definitions.
package ambulance

import (
	"time"

	"lifelink/internal/types"
)

type Status string

const (
	StatusOffline   Status = "offline"
	StatusAvailable Status = "available"
	StatusAssigned  Status = "assigned"
	StatusOnDuty    Status = "on_duty"
)

type Type string

const (
	TypeBasic    Type = "basic"
	TypeAdvanced Type = "advanced"
	TypeNeonatal Type = "neonatal"
)

func (t Type) Valid() bool {
	switch t {
	case TypeBasic, TypeAdvanced, TypeNeonatal:
		return true
	}
	return false
}

type Ambulance struct {
	ID                  types.ID     `json:"id"`
	VehicleNumber       string       `json:"vehicle_number"`
	DeviceID            string       `json:"device_id"`
	PasswordHash        string       `json:"-"`
	PushToken           string       `json:"-"`
	DriverName          string       `json:"driver_name"`
	DriverPhone         string       `json:"driver_phone"`
	DriverLicense       string       `json:"driver_license,omitempty"`
	Type                Type         `json:"type"`
	Equipment           []string     `json:"equipment"`
	BaseLocation        *types.Point `json:"base_location,omitempty"`
	CurrentLocation     *types.Point `json:"current_location,omitempty"`
	Status              Status       `json:"status"`
	StatusVersion       int          `json:"-"`
	AssignedEmergencyID *types.ID    `json:"assigned_emergency_id,omitempty"`
	LastSeen            *time.Time   `json:"last_seen,omitempty"`
	MissionsCompleted   int          `json:"missions_completed"`
	CreatedAt           time.Time    `json:"created_at"`
}

// AllowedTransitions represents the ambulance status flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusOffline:   {StatusAvailable},
	StatusAvailable: {StatusOffline, StatusAssigned},
	StatusAssigned:  {StatusAvailable, StatusOnDuty},
	StatusOnDuty:    {StatusAvailable},
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

// Dispatchable reports whether the matcher may consider this ambulance.
func (a *Ambulance) Dispatchable() bool {
	return a.Status == StatusAvailable && a.CurrentLocation != nil
}

type Filter struct {
	Status *Status
}

func StatusFilter(s Status) Filter {
	return Filter{Status: &s}
}
