// README: Location snapshot for persistence and replay, plus nearby-search results.
package location

import (
	"time"

	"lifelink/internal/types"
)

type Snapshot struct {
	ID          int64
	AmbulanceID types.ID
	Position    types.Point
	RecordedAt  time.Time
}

type Update struct {
	AmbulanceID types.ID
	Position    types.Point
	At          time.Time
}

type Nearby struct {
	AmbulanceID types.ID    `json:"ambulance_id"`
	Position    types.Point `json:"location"`
	DistanceKm  float64     `json:"distance_km"`
}
