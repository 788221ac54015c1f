// README: Matcher scores available ambulances against an emergency and drafts the assignment decision.
package matching

import (
	"context"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"lifelink/internal/modules/activity"
	"lifelink/internal/modules/ambulance"
	"lifelink/internal/modules/emergency"
	"lifelink/internal/modules/location"
	"lifelink/internal/types"
)

type AmbulanceSource interface {
	ListAmbulances(ctx context.Context, f ambulance.Filter) ([]*ambulance.Ambulance, error)
}

type DecisionLog interface {
	Decision(ctx context.Context, d activity.Decision)
}

type Service struct {
	source    AmbulanceSource
	decisions DecisionLog
	log       logrus.FieldLogger
}

func NewService(source AmbulanceSource, decisions DecisionLog, log logrus.FieldLogger) *Service {
	return &Service{source: source, decisions: decisions, log: log}
}

// Match returns nil without error when no ambulance qualifies. The success decision
// is returned on the match; the caller records it once the assignment is stored.
func (s *Service) Match(ctx context.Context, req Request) (*Match, error) {
	candidates, err := s.source.ListAmbulances(ctx, ambulance.StatusFilter(ambulance.StatusAvailable))
	if err != nil {
		return nil, err
	}
	ranked := Rank(candidates, req.Location, req.Severity, req.Exclude...)

	entry := s.log.WithFields(logrus.Fields{
		"emergency_id": req.EmergencyID,
		"severity":     req.Severity,
		"trigger":      req.Trigger,
		"candidates":   len(ranked),
	})
	if len(ranked) == 0 {
		entry.Info("no ambulance available")
		if req.Trigger == TriggerCreate {
			s.decisions.Decision(ctx, activity.Decision{
				LogType:     "ambulance_assignment",
				Action:      "no_match",
				EmergencyID: req.EmergencyID,
				Severity:    string(req.Severity),
				Location:    &types.Point{Lat: req.Location.Lat, Lng: req.Location.Lng},
				Reason:      "no available ambulance with a known location",
				Status:      activity.DecisionFailed,
				Timestamp:   req.Now,
			})
		}
		return nil, nil
	}

	best := ranked[0]
	m := &Match{
		Scored:       best,
		Alternatives: len(ranked) - 1,
		Deadline:     req.Now.Add(AcceptanceWindow),
	}
	entry.WithFields(logrus.Fields{
		"ambulance_id": best.Ambulance.ID,
		"distance_km":  round2(best.DistanceKm),
		"score":        round2(best.Score),
	}).Info("ambulance selected")

	distance, score := round2(best.DistanceKm), round2(best.Score)
	deadline := m.Deadline
	m.Decision = activity.Decision{
		LogType:            "ambulance_assignment",
		Action:             "assigned",
		EmergencyID:        req.EmergencyID,
		AmbulanceID:        best.Ambulance.ID,
		VehicleNumber:      best.Ambulance.VehicleNumber,
		DriverName:         best.Ambulance.DriverName,
		DistanceKm:         &distance,
		Score:              &score,
		Severity:           string(req.Severity),
		Location:           &types.Point{Lat: req.Location.Lat, Lng: req.Location.Lng},
		AlternativesCount:  m.Alternatives,
		AcceptanceDeadline: &deadline,
		Reason:             reason(best, req.Severity),
		Status:             activity.DecisionSuccess,
		Details:            map[string]any{"trigger": string(req.Trigger)},
		Timestamp:          req.Now,
	}
	return m, nil
}

// Rank scores every dispatchable ambulance, best first.
// Ties go to the shorter distance, then the lower id.
func Rank(candidates []*ambulance.Ambulance, at types.Point, severity emergency.Severity, exclude ...types.ID) []Scored {
	skip := make(map[types.ID]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	out := make([]Scored, 0, len(candidates))
	for _, a := range candidates {
		if a == nil || !a.Dispatchable() {
			continue
		}
		if _, ok := skip[a.ID]; ok {
			continue
		}
		d := location.Between(*a.CurrentLocation, at)
		out = append(out, Scored{Ambulance: a, DistanceKm: d, Score: Score(d, a.Type, severity)})
	}
	sort.SliceStable(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out
}

func better(a, b Scored) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.DistanceKm != b.DistanceKm {
		return a.DistanceKm < b.DistanceKm
	}
	return a.Ambulance.ID < b.Ambulance.ID
}

func Score(distanceKm float64, t ambulance.Type, severity emergency.Severity) float64 {
	score := baseScore - distancePenaltyPerKm*distanceKm
	if t == ambulance.TypeAdvanced && severity.Urgent() {
		score += advancedBonus
	}
	return score
}

func reason(best Scored, severity emergency.Severity) string {
	if best.Ambulance.Type == ambulance.TypeAdvanced && severity.Urgent() {
		return "highest score; advanced unit preferred for " + string(severity) + " severity"
	}
	return "highest score by distance"
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
