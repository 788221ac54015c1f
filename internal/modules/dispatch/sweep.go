// README: Dispatch sweep reclaims expired offers, gives up on stale emergencies, and retries the queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"lifelink/internal/modules/activity"
	"lifelink/internal/modules/emergency"
	"lifelink/internal/modules/matching"
)

const sweepLockKey = "lifelink:dispatch:sweep"

// Locker serialises sweeps across processes. unlock is only non-nil when ok is true.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// Sweep runs the three passes in order. Per-record failures are logged, joined,
// and do not stop the remaining records.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, sweepLockKey, s.lockTTL)
		if err != nil {
			return SweepResult{}, fmt.Errorf("sweep lock: %w", err)
		}
		if !ok {
			return SweepResult{Skipped: true}, nil
		}
		defer unlock()
	}

	var (
		res  SweepResult
		errs []error
	)
	now := s.now()

	expired, err := s.expireOffers(ctx, now)
	res.ExpiredCount = expired
	errs = append(errs, err)

	cancelled, err := s.cancelStale(ctx, now)
	res.CancelledCount = cancelled
	errs = append(errs, err)

	assigned, err := s.retryPending(ctx, now)
	res.NewlyAssignedCount = assigned
	errs = append(errs, err)

	if !res.Empty() {
		s.log.WithFields(logrus.Fields{
			"expired":        res.ExpiredCount,
			"cancelled":      res.CancelledCount,
			"newly_assigned": res.NewlyAssignedCount,
		}).Info("dispatch sweep")
	}
	return res, errors.Join(errs...)
}

func (s *Service) expireOffers(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-matching.AcceptanceWindow)
	stale, err := s.store.ListEmergencies(ctx, emergency.Filter{
		Statuses:       []emergency.Status{emergency.StatusAssigned},
		AssignedBefore: &cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("list expired offers: %w", err)
	}

	var (
		n    int
		errs []error
	)
	for _, e := range stale {
		if e.AssignedAmbulanceID == nil {
			continue
		}
		a, err := s.store.GetAmbulance(ctx, *e.AssignedAmbulanceID)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", e.ID, err))
			continue
		}
		err = s.store.Release(ctx, Transition{
			Emergency: e,
			Ambulance: a,
			At:        now,
			ActorType: emergency.ActorSystem,
			Reason:    reasonExpired,
		})
		if errors.Is(err, ErrConflict) {
			// Accepted or declined since the listing.
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", e.ID, err))
			continue
		}
		n++

		s.recorder.Decision(ctx, activity.Decision{
			LogType:       "assignment_expired",
			Action:        "auto_declined",
			EmergencyID:   e.ID,
			AmbulanceID:   a.ID,
			VehicleNumber: a.VehicleNumber,
			DriverName:    a.DriverName,
			Severity:      string(e.Severity),
			Reason:        reasonExpired,
			Status:        activity.DecisionSuccess,
			Timestamp:     now,
		})
		s.recorder.Notify(ctx, activity.Notification{
			Type:        "assignment_expired",
			Title:       "Assignment expired",
			Message:     fmt.Sprintf("%s did not respond in time. Retrying.", a.VehicleNumber),
			Priority:    activity.PriorityHigh,
			EmergencyID: e.ID,
		})
		s.recorder.Activity(ctx, activity.Activity{
			Type:          "assignment_expired",
			Message:       fmt.Sprintf("%s did not accept within 60 seconds", a.VehicleNumber),
			EmergencyID:   e.ID,
			AmbulanceID:   a.ID,
			VehicleNumber: a.VehicleNumber,
		})
	}
	return n, errors.Join(errs...)
}

func (s *Service) cancelStale(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-StalenessWindow)
	stale, err := s.store.ListEmergencies(ctx, emergency.Filter{
		Statuses:      []emergency.Status{emergency.StatusPending},
		CreatedBefore: &cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale emergencies: %w", err)
	}

	var (
		n    int
		errs []error
	)
	for _, e := range stale {
		err := s.cancel(ctx, e, emergency.ActorSystem, reasonStale)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", e.ID, err))
			continue
		}
		n++
	}
	if n > 0 {
		s.recorder.Activity(ctx, activity.Activity{
			Type:    "emergencies_auto_cancelled",
			Message: fmt.Sprintf("%d emergencies cancelled after 30 minutes without an ambulance", n),
			Details: map[string]any{"count": n},
		})
	}
	return n, errors.Join(errs...)
}

// retryPending offers queued emergencies to free crews, oldest first.
func (s *Service) retryPending(ctx context.Context, now time.Time) (int, error) {
	pending, err := s.store.ListEmergencies(ctx, emergency.Filter{
		Statuses: []emergency.Status{emergency.StatusPending},
	})
	if err != nil {
		return 0, fmt.Errorf("list pending emergencies: %w", err)
	}

	var (
		n    int
		errs []error
	)
	for _, e := range pending {
		info, err := s.assign(ctx, e, matching.TriggerSweep, now)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("assign %s: %w", e.ID, err))
			continue
		}
		if info == nil {
			if _, excluded := e.RecentlyReleased(now, matching.AcceptanceWindow); !excluded {
				// Nobody is free for an unrestricted request; later ones cannot match either.
				break
			}
			continue
		}
		n++
		s.recorder.Activity(ctx, activity.Activity{
			Type:          "pending_emergency_assigned",
			Message:       fmt.Sprintf("%s assigned to a queued emergency", info.VehicleNumber),
			EmergencyID:   e.ID,
			AmbulanceID:   info.AmbulanceID,
			VehicleNumber: info.VehicleNumber,
		})
	}
	return n, errors.Join(errs...)
}

// RunScheduler sweeps on every tick until ctx is done.
func (s *Service) RunScheduler(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.Sweep(ctx)
			if err != nil {
				s.log.WithError(err).Error("dispatch sweep failed")
			}
			if res.Skipped {
				s.log.Debug("dispatch sweep skipped; another worker holds the lock")
			}
		}
	}
}
