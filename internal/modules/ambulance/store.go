// README: Ambulance registry backed by PostgreSQL.
package ambulance

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"lifelink/internal/types"
)

var (
	ErrNotFound  = errors.New("ambulance not found")
	ErrDuplicate = errors.New("ambulance already registered")
)

const selectColumns = `
	SELECT id, vehicle_number, device_id, password_hash, COALESCE(push_token, ''),
	       driver_name, driver_phone, driver_license, ambulance_type, equipment,
	       base_lat, base_lng, current_lat, current_lng,
	       status, status_version, assigned_emergency_id, last_seen,
	       missions_completed, created_at
	FROM ambulances`

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, a *Ambulance) error {
	equipment := a.Equipment
	if equipment == nil {
		equipment = []string{}
	}
	var baseLat, baseLng *float64
	if a.BaseLocation != nil {
		baseLat, baseLng = &a.BaseLocation.Lat, &a.BaseLocation.Lng
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO ambulances (
			id, vehicle_number, device_id, password_hash, push_token,
			driver_name, driver_phone, driver_license, ambulance_type, equipment,
			base_lat, base_lng, status, status_version, missions_completed, created_at
		) VALUES (
			$1, $2, $3, $4, NULLIF($5, ''),
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16
		)`,
		string(a.ID), a.VehicleNumber, a.DeviceID, a.PasswordHash, a.PushToken,
		a.DriverName, a.DriverPhone, a.DriverLicense, string(a.Type), equipment,
		baseLat, baseLng, string(a.Status), a.StatusVersion, a.MissionsCompleted, a.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Ambulance, error) {
	return scanAmbulance(s.db.QueryRow(ctx, selectColumns+` WHERE id = $1`, string(id)))
}

func (s *Store) GetByDevice(ctx context.Context, deviceID string) (*Ambulance, error) {
	return scanAmbulance(s.db.QueryRow(ctx, selectColumns+` WHERE device_id = $1`, deviceID))
}

// List returns ambulances ordered by id so callers see a stable order.
func (s *Store) List(ctx context.Context, f Filter) ([]*Ambulance, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != nil {
		args = append(args, string(*f.Status))
		where = append(where, "status = $1")
	}
	q := selectColumns
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id"

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Ambulance
	for rows.Next() {
		a, err := scanAmbulance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) SetPushToken(ctx context.Context, id types.ID, token string) error {
	tag, err := s.db.Exec(ctx, `UPDATE ambulances SET push_token = NULLIF($2, '') WHERE id = $1`, string(id), token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAmbulance(row pgx.Row) (*Ambulance, error) {
	var a Ambulance
	var baseLat, baseLng, curLat, curLng *float64
	var assigned *string
	var lastSeen *time.Time

	err := row.Scan(
		&a.ID, &a.VehicleNumber, &a.DeviceID, &a.PasswordHash, &a.PushToken,
		&a.DriverName, &a.DriverPhone, &a.DriverLicense, &a.Type, &a.Equipment,
		&baseLat, &baseLng, &curLat, &curLng,
		&a.Status, &a.StatusVersion, &assigned, &lastSeen,
		&a.MissionsCompleted, &a.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.BaseLocation = toPoint(baseLat, baseLng)
	a.CurrentLocation = toPoint(curLat, curLng)
	if assigned != nil {
		id := types.ID(*assigned)
		a.AssignedEmergencyID = &id
	}
	a.LastSeen = lastSeen
	return &a, nil
}

func toPoint(lat, lng *float64) *types.Point {
	if lat == nil || lng == nil {
		return nil
	}
	return &types.Point{Lat: *lat, Lng: *lng}
}
