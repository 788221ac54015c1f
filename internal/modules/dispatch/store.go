// README: Dispatch store; every transition is a compare-and-set on both records plus an audit event, in one transaction.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"lifelink/internal/modules/ambulance"
	"lifelink/internal/modules/emergency"
	"lifelink/internal/types"
)

// Store is the persistence contract of the dispatch service.
// Transition methods return ErrConflict when either record moved since it was read.
type Store interface {
	CreateEmergency(ctx context.Context, e *emergency.Emergency) error
	GetEmergency(ctx context.Context, id types.ID) (*emergency.Emergency, error)
	ListEmergencies(ctx context.Context, f emergency.Filter) ([]*emergency.Emergency, error)
	EmergencyEvents(ctx context.Context, id types.ID) ([]emergency.Event, error)
	GetAmbulance(ctx context.Context, id types.ID) (*ambulance.Ambulance, error)
	GetAmbulanceByDevice(ctx context.Context, deviceID string) (*ambulance.Ambulance, error)
	ListAmbulances(ctx context.Context, f ambulance.Filter) ([]*ambulance.Ambulance, error)

	Assign(ctx context.Context, a Assignment) error
	Accept(ctx context.Context, t Transition) error
	Release(ctx context.Context, t Transition) error
	Complete(ctx context.Context, c Completion) error
	Cancel(ctx context.Context, t Transition) error
	SetAmbulanceStatus(ctx context.Context, a *ambulance.Ambulance, to ambulance.Status, at time.Time, pushToken string) error
	UpdateLocation(ctx context.Context, id types.ID, p types.Point, at time.Time) error
	Stats(ctx context.Context, recent int) (Stats, error)
}

type PGStore struct {
	db          *pgxpool.Pool
	emergencies *emergency.Store
	ambulances  *ambulance.Store
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{
		db:          db,
		emergencies: emergency.NewStore(db),
		ambulances:  ambulance.NewStore(db),
	}
}

func (s *PGStore) CreateEmergency(ctx context.Context, e *emergency.Emergency) error {
	return s.emergencies.Create(ctx, e, emergency.Event{
		EmergencyID: e.ID,
		FromStatus:  emergency.StatusNone,
		ToStatus:    e.Status,
		ActorType:   emergency.ActorReporter,
		CreatedAt:   e.CreatedAt,
	})
}

func (s *PGStore) GetEmergency(ctx context.Context, id types.ID) (*emergency.Emergency, error) {
	e, err := s.emergencies.Get(ctx, id)
	return e, mapNotFound(err)
}

func (s *PGStore) ListEmergencies(ctx context.Context, f emergency.Filter) ([]*emergency.Emergency, error) {
	return s.emergencies.List(ctx, f)
}

func (s *PGStore) EmergencyEvents(ctx context.Context, id types.ID) ([]emergency.Event, error) {
	return s.emergencies.Events(ctx, id)
}

func (s *PGStore) GetAmbulance(ctx context.Context, id types.ID) (*ambulance.Ambulance, error) {
	a, err := s.ambulances.Get(ctx, id)
	return a, mapNotFound(err)
}

func (s *PGStore) GetAmbulanceByDevice(ctx context.Context, deviceID string) (*ambulance.Ambulance, error) {
	a, err := s.ambulances.GetByDevice(ctx, deviceID)
	return a, mapNotFound(err)
}

func (s *PGStore) ListAmbulances(ctx context.Context, f ambulance.Filter) ([]*ambulance.Ambulance, error) {
	return s.ambulances.List(ctx, f)
}

func (s *PGStore) Assign(ctx context.Context, a Assignment) error {
	e, amb := a.Emergency, a.Ambulance
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := cas(ctx, tx, `
			UPDATE emergencies
			SET status = 'assigned',
			    status_version = status_version + 1,
			    assigned_ambulance_id = $2,
			    assigned_ambulance_number = $3,
			    assigned_distance_km = $4,
			    assigned_at = $5
			WHERE id = $1 AND status = 'pending' AND status_version = $6`,
			string(e.ID), string(amb.ID), amb.VehicleNumber, a.DistanceKm, a.At, e.StatusVersion,
		); err != nil {
			return err
		}
		if err := cas(ctx, tx, `
			UPDATE ambulances
			SET status = 'assigned',
			    status_version = status_version + 1,
			    assigned_emergency_id = $2
			WHERE id = $1 AND status = 'available' AND status_version = $3`,
			string(amb.ID), string(e.ID), amb.StatusVersion,
		); err != nil {
			return err
		}
		return emergency.AppendEvent(ctx, tx, event(a.Transition, emergency.StatusPending, emergency.StatusAssigned))
	})
}

func (s *PGStore) Accept(ctx context.Context, t Transition) error {
	e, amb := t.Emergency, t.Ambulance
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := cas(ctx, tx, `
			UPDATE emergencies
			SET status = 'on_duty',
			    status_version = status_version + 1,
			    accepted_at = $2
			WHERE id = $1 AND status = 'assigned' AND status_version = $3 AND assigned_ambulance_id = $4`,
			string(e.ID), t.At, e.StatusVersion, string(amb.ID),
		); err != nil {
			return err
		}
		if err := cas(ctx, tx, `
			UPDATE ambulances
			SET status = 'on_duty',
			    status_version = status_version + 1,
			    last_seen = $2
			WHERE id = $1 AND status = 'assigned' AND status_version = $3 AND assigned_emergency_id = $4`,
			string(amb.ID), t.At, amb.StatusVersion, string(e.ID),
		); err != nil {
			return err
		}
		return emergency.AppendEvent(ctx, tx, event(t, emergency.StatusAssigned, emergency.StatusOnDuty))
	})
}

// Release hands an assigned emergency back to the queue and frees the crew.
func (s *PGStore) Release(ctx context.Context, t Transition) error {
	e, amb := t.Emergency, t.Ambulance
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := cas(ctx, tx, `
			UPDATE emergencies
			SET status = 'pending',
			    status_version = status_version + 1,
			    assigned_ambulance_id = NULL,
			    assigned_ambulance_number = NULL,
			    assigned_distance_km = NULL,
			    assigned_at = NULL,
			    last_released_ambulance_id = $2,
			    last_released_at = $3
			WHERE id = $1 AND status = 'assigned' AND status_version = $4 AND assigned_ambulance_id = $2`,
			string(e.ID), string(amb.ID), t.At, e.StatusVersion,
		); err != nil {
			return err
		}
		if err := cas(ctx, tx, `
			UPDATE ambulances
			SET status = 'available',
			    status_version = status_version + 1,
			    assigned_emergency_id = NULL
			WHERE id = $1 AND status = 'assigned' AND status_version = $2 AND assigned_emergency_id = $3`,
			string(amb.ID), amb.StatusVersion, string(e.ID),
		); err != nil {
			return err
		}
		return emergency.AppendEvent(ctx, tx, event(t, emergency.StatusAssigned, emergency.StatusPending))
	})
}

func (s *PGStore) Complete(ctx context.Context, c Completion) error {
	e, amb := c.Emergency, c.Ambulance
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := cas(ctx, tx, `
			UPDATE emergencies
			SET status = 'completed',
			    status_version = status_version + 1,
			    completed_at = $2,
			    response_time_minutes = $3,
			    total_time_minutes = $4,
			    completed_by_ambulance_id = assigned_ambulance_id,
			    assigned_ambulance_id = NULL
			WHERE id = $1 AND status = 'on_duty' AND status_version = $5 AND assigned_ambulance_id = $6`,
			string(e.ID), c.At, c.ResponseMinutes, c.TotalMinutes, e.StatusVersion, string(amb.ID),
		); err != nil {
			return err
		}
		if err := cas(ctx, tx, `
			UPDATE ambulances
			SET status = 'available',
			    status_version = status_version + 1,
			    assigned_emergency_id = NULL,
			    missions_completed = missions_completed + 1,
			    last_seen = $2
			WHERE id = $1 AND status = 'on_duty' AND status_version = $3 AND assigned_emergency_id = $4`,
			string(amb.ID), c.At, amb.StatusVersion, string(e.ID),
		); err != nil {
			return err
		}
		return emergency.AppendEvent(ctx, tx, event(c.Transition, emergency.StatusOnDuty, emergency.StatusCompleted))
	})
}

func (s *PGStore) Cancel(ctx context.Context, t Transition) error {
	e := t.Emergency
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := cas(ctx, tx, `
			UPDATE emergencies
			SET status = 'cancelled',
			    status_version = status_version + 1,
			    cancelled_at = $2,
			    cancel_reason = $3
			WHERE id = $1 AND status = 'pending' AND status_version = $4`,
			string(e.ID), t.At, t.Reason, e.StatusVersion,
		); err != nil {
			return err
		}
		return emergency.AppendEvent(ctx, tx, event(t, emergency.StatusPending, emergency.StatusCancelled))
	})
}

// SetAmbulanceStatus moves a crew between offline and available; to may equal the current status to refresh last_seen.
func (s *PGStore) SetAmbulanceStatus(ctx context.Context, a *ambulance.Ambulance, to ambulance.Status, at time.Time, pushToken string) error {
	return cas(ctx, s.db, `
		UPDATE ambulances
		SET status = $2,
		    status_version = status_version + 1,
		    last_seen = $3,
		    push_token = COALESCE(NULLIF($4, ''), push_token)
		WHERE id = $1 AND status = $5 AND status_version = $6`,
		string(a.ID), string(to), at, pushToken, string(a.Status), a.StatusVersion,
	)
}

func (s *PGStore) UpdateLocation(ctx context.Context, id types.ID, p types.Point, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE ambulances
		SET current_lat = $2, current_lng = $3, last_seen = $4
		WHERE id = $1`,
		string(id), p.Lat, p.Lng, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: ambulance %s", ErrNotFound, id)
	}
	return nil
}

func (s *PGStore) Stats(ctx context.Context, recent int) (Stats, error) {
	var st Stats
	if err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(patient_count), 0), COUNT(*)
		FROM emergencies
		WHERE status = 'completed'`,
	).Scan(&st.LivesSaved, &st.CompletedCount); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRow(ctx, `
		SELECT AVG(response_time_minutes)
		FROM (
			SELECT response_time_minutes
			FROM emergencies
			WHERE status = 'completed' AND response_time_minutes IS NOT NULL
			ORDER BY completed_at DESC
			LIMIT $1
		) recent`, recent,
	).Scan(&st.AvgResponseMinutes); err != nil {
		return Stats{}, err
	}
	return st, nil
}

func (s *PGStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// cas runs a guarded update and reports ErrConflict unless exactly one row moved.
func cas(ctx context.Context, db emergency.Execer, sql string, args ...any) error {
	tag, err := db.Exec(ctx, sql, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		}
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}
	return nil
}

func event(t Transition, from, to emergency.Status) emergency.Event {
	return emergency.Event{
		EmergencyID: t.Emergency.ID,
		FromStatus:  from,
		ToStatus:    to,
		ActorType:   t.ActorType,
		ActorID:     t.ActorID,
		Reason:      t.Reason,
		CreatedAt:   t.At,
	}
}

func mapNotFound(err error) error {
	if errors.Is(err, emergency.ErrNotFound) || errors.Is(err, ambulance.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
