// README: Ambulance registration and read access for the fleet registry.
package ambulance

import (
	"context"
	"errors"
	"strings"
	"time"

	"lifelink/internal/types"
)

const minPasswordLen = 6

var ErrBadRequest = errors.New("bad request")

type Registry interface {
	Create(ctx context.Context, a *Ambulance) error
	Get(ctx context.Context, id types.ID) (*Ambulance, error)
	List(ctx context.Context, f Filter) ([]*Ambulance, error)
}

type Service struct {
	store Registry
	now   func() time.Time
}

func NewService(store Registry) *Service {
	return &Service{store: store, now: time.Now}
}

type RegisterCommand struct {
	VehicleNumber string
	DeviceID      string
	Password      string
	DriverName    string
	DriverPhone   string
	DriverLicense string
	Type          Type
	Equipment     []string
	BaseLocation  *types.Point
}

// Register adds an offline ambulance; it becomes dispatchable after the crew logs in.
func (s *Service) Register(ctx context.Context, cmd RegisterCommand) (*Ambulance, error) {
	cmd.VehicleNumber = strings.TrimSpace(cmd.VehicleNumber)
	cmd.DeviceID = strings.TrimSpace(cmd.DeviceID)
	if cmd.VehicleNumber == "" || cmd.DeviceID == "" || cmd.DriverName == "" {
		return nil, ErrBadRequest
	}
	if len(cmd.Password) < minPasswordLen {
		return nil, ErrBadRequest
	}
	if cmd.Type == "" {
		cmd.Type = TypeBasic
	}
	if !cmd.Type.Valid() {
		return nil, ErrBadRequest
	}
	if cmd.BaseLocation != nil && !cmd.BaseLocation.Valid() {
		return nil, ErrBadRequest
	}

	hash, err := HashPassword(cmd.Password)
	if err != nil {
		return nil, err
	}
	equipment := cmd.Equipment
	if equipment == nil {
		equipment = []string{}
	}
	a := &Ambulance{
		ID:            types.NewID(),
		VehicleNumber: strings.ToUpper(cmd.VehicleNumber),
		DeviceID:      cmd.DeviceID,
		PasswordHash:  hash,
		DriverName:    cmd.DriverName,
		DriverPhone:   cmd.DriverPhone,
		DriverLicense: cmd.DriverLicense,
		Type:          cmd.Type,
		Equipment:     equipment,
		BaseLocation:  cmd.BaseLocation,
		Status:        StatusOffline,
		CreatedAt:     s.now(),
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Ambulance, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter) ([]*Ambulance, error) {
	return s.store.List(ctx, f)
}

// CountByStatus groups the fleet for the control-room dashboard.
func (s *Service) CountByStatus(ctx context.Context) (map[Status]int, error) {
	all, err := s.store.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	counts := map[Status]int{
		StatusOffline:   0,
		StatusAvailable: 0,
		StatusAssigned:  0,
		StatusOnDuty:    0,
	}
	for _, a := range all {
		counts[a.Status]++
	}
	return counts, nil
}
