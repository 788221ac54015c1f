// README: Emergency registry backed by PostgreSQL.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"lifelink/internal/types"
)

var ErrNotFound = errors.New("emergency not found")

const selectColumns = `
	SELECT id, emergency_type, lat, lng, address, severity, patient_count, description,
	       caller_name, caller_phone, vehicle_involved, fire_hazard, chemical_hazard, injuries,
	       blood_type_needed, status, status_version, created_at,
	       assigned_ambulance_id, assigned_ambulance_number, assigned_distance_km, assigned_at,
	       accepted_at, completed_at, cancelled_at, cancel_reason,
	       response_time_minutes, total_time_minutes, completed_by_ambulance_id,
	       last_released_ambulance_id, last_released_at
	FROM emergencies`

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Create inserts the emergency together with its initial state event.
func (s *Store) Create(ctx context.Context, e *Emergency, ev Event) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := Insert(ctx, tx, e); err != nil {
		return err
	}
	if err := AppendEvent(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Emergency, error) {
	return scanEmergency(s.db.QueryRow(ctx, selectColumns+` WHERE id = $1`, string(id)))
}

func (s *Store) List(ctx context.Context, f Filter) ([]*Emergency, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if f.CreatedBefore != nil {
		args = append(args, *f.CreatedBefore)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	if f.AssignedBefore != nil {
		args = append(args, *f.AssignedBefore)
		where = append(where, fmt.Sprintf("assigned_at < $%d", len(args)))
	}

	q := selectColumns
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.NewestFirst {
		q += " ORDER BY created_at DESC, id DESC"
	} else {
		q += " ORDER BY created_at ASC, id ASC"
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Emergency
	for rows.Next() {
		e, err := scanEmergency(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Events(ctx context.Context, id types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, emergency_id, from_status, to_status, actor_type, actor_id, COALESCE(reason, ''), created_at
		FROM emergency_state_events
		WHERE emergency_id = $1
		ORDER BY id`, string(id),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var actorID *string
		if err := rows.Scan(&ev.ID, &ev.EmergencyID, &ev.FromStatus, &ev.ToStatus, &ev.ActorType, &actorID, &ev.Reason, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if actorID != nil {
			a := types.ID(*actorID)
			ev.ActorID = &a
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func Insert(ctx context.Context, db Execer, e *Emergency) error {
	injuries := e.Injuries
	if injuries == nil {
		injuries = []string{}
	}
	_, err := db.Exec(ctx, `
		INSERT INTO emergencies (
			id, emergency_type, lat, lng, address, severity, patient_count, description,
			caller_name, caller_phone, vehicle_involved, fire_hazard, chemical_hazard, injuries,
			blood_type_needed, status, status_version, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18
		)`,
		string(e.ID), string(e.Kind), e.Location.Lat, e.Location.Lng, e.Location.Address,
		string(e.Severity), e.PatientCount, e.Description,
		e.CallerName, e.CallerPhone, e.Hazards.VehicleInvolved, e.Hazards.Fire, e.Hazards.Chemical, injuries,
		e.BloodTypeNeeded, string(e.Status), e.StatusVersion, e.CreatedAt,
	)
	return err
}

func AppendEvent(ctx context.Context, db Execer, ev Event) error {
	_, err := db.Exec(ctx, `
		INSERT INTO emergency_state_events (
			emergency_id, from_status, to_status, actor_type, actor_id, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`,
		string(ev.EmergencyID),
		string(ev.FromStatus),
		string(ev.ToStatus),
		ev.ActorType,
		toStringPtr(ev.ActorID),
		ev.Reason,
		ev.CreatedAt,
	)
	return err
}

func scanEmergency(row pgx.Row) (*Emergency, error) {
	var e Emergency
	var assignedID, completedBy, releasedID *string

	err := row.Scan(
		&e.ID, &e.Kind, &e.Location.Lat, &e.Location.Lng, &e.Location.Address,
		&e.Severity, &e.PatientCount, &e.Description,
		&e.CallerName, &e.CallerPhone, &e.Hazards.VehicleInvolved, &e.Hazards.Fire, &e.Hazards.Chemical, &e.Injuries,
		&e.BloodTypeNeeded, &e.Status, &e.StatusVersion, &e.CreatedAt,
		&assignedID, &e.AssignedAmbulanceNumber, &e.AssignedDistanceKm, &e.AssignedAt,
		&e.AcceptedAt, &e.CompletedAt, &e.CancelledAt, &e.CancelReason,
		&e.ResponseTimeMinutes, &e.TotalTimeMinutes, &completedBy,
		&releasedID, &e.LastReleasedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if assignedID != nil {
		id := types.ID(*assignedID)
		e.AssignedAmbulanceID = &id
	}
	if completedBy != nil {
		id := types.ID(*completedBy)
		e.CompletedByAmbulanceID = &id
	}
	if releasedID != nil {
		id := types.ID(*releasedID)
		e.LastReleasedAmbulanceID = &id
	}
	return &e, nil
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
