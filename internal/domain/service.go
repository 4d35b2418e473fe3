// Package domain defines the business logic for the cycle tracking service.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrCycleNotFound is returned when no cycle matches the given identifier.
	ErrCycleNotFound = errors.New("cycle not found")
	// ErrUnknownDevice is returned when a telemetry or command payload names a
	// device identifier with no registered cycle. Handlers must never create a
	// cycle implicitly on this path.
	ErrUnknownDevice = errors.New("no cycle registered for device")
	// ErrDuplicateDevice is returned when registration reuses a device identifier.
	ErrDuplicateDevice = errors.New("device already registered")
)

// CycleRepository captures persistence operations.
type CycleRepository interface {
	// CreateCycle persists the cycle and upserts the owner profile in one
	// transaction.
	CreateCycle(ctx context.Context, cycle Cycle, owner Profile) error
	GetCycle(ctx context.Context, ownerID, cycleID string) (*Cycle, error)
	ListCyclesByOwner(ctx context.Context, ownerID string) ([]Cycle, error)
	// RecordDeviceUpdate applies one telemetry payload: the cycle mutation and
	// every tracking-log row it produces are written in a single transaction.
	RecordDeviceUpdate(ctx context.Context, update DeviceUpdate) (*DeviceUpdateResult, error)
	// SetLockState flips the lock flag for the cycle matched by device id and
	// appends the LOCK_TOGGLE log row in the same transaction.
	SetLockState(ctx context.Context, deviceID string, locked bool, at time.Time) (*Cycle, error)
	// TrackingDistances returns the distance column of every tracking-log row
	// for the cycle, preserving nulls, in insertion order.
	TrackingDistances(ctx context.Context, cycleID string) ([]*float64, error)
	ListLogs(ctx context.Context, cycleID string, cursor *LogCursor, limit int) ([]TrackingLog, *LogCursor, error)
}

// Service orchestrates cycle workflows.
type Service struct {
	repo CycleRepository
}

// NewService constructs a Service.
func NewService(repo CycleRepository) *Service {
	return &Service{repo: repo}
}

// RegisterCycleInput captures the registration payload from the API layer.
type RegisterCycleInput struct {
	OwnerID    string
	Name       string
	Model      string
	Color      string
	DeviceID   string
	UserName   string
	RollNumber string
}

// DeviceUpdateInput is the raw telemetry payload after boundary validation.
// Optional fields are pointers so that absence never overwrites stored values.
type DeviceUpdateInput struct {
	DeviceID       string
	RFIDTag        *string
	Latitude       *float64
	Longitude      *float64
	BatteryLevel   *int
	SignalStrength *int
	Distance       *float64
}

// DeviceUpdate is the normalized write handed to the repository.
type DeviceUpdate struct {
	DeviceID       string
	RFIDTag        *string
	Location       *Point
	BatteryLevel   *int
	SignalStrength *int
	Distance       float64
	ObservedAt     time.Time
}

// DeviceUpdateResult reports what a telemetry payload actually changed.
type DeviceUpdateResult struct {
	CycleID         string
	LocationApplied bool
	LogsWritten     int
}

// RegisterCycle creates a cycle with the registration defaults: locked, full
// battery, parked at the origin until the tracker first reports.
func (s *Service) RegisterCycle(ctx context.Context, input RegisterCycleInput) (*Cycle, error) {
	now := time.Now().UTC()
	battery := 100
	cycle := Cycle{
		ID:           uuid.NewString(),
		OwnerID:      input.OwnerID,
		Name:         input.Name,
		Model:        input.Model,
		Color:        input.Color,
		DeviceID:     input.DeviceID,
		IsLocked:     true,
		LastLocation: Point{},
		BatteryLevel: &battery,
		Status:       "active",
		LastUpdated:  now,
		LastSync:     now,
		CreatedAt:    now,
	}

	owner := Profile{
		ID:         input.OwnerID,
		Name:       input.UserName,
		RollNumber: input.RollNumber,
	}
	if err := s.repo.CreateCycle(ctx, cycle, owner); err != nil {
		return nil, err
	}
	return &cycle, nil
}

// RecordDeviceUpdate normalizes a telemetry payload and persists it. The RFID
// and location paths are independent: either, both, or neither may fire in a
// single payload.
func (s *Service) RecordDeviceUpdate(ctx context.Context, input DeviceUpdateInput) (*DeviceUpdateResult, error) {
	update := DeviceUpdate{
		DeviceID:       input.DeviceID,
		RFIDTag:        input.RFIDTag,
		BatteryLevel:   input.BatteryLevel,
		SignalStrength: input.SignalStrength,
		ObservedAt:     time.Now().UTC(),
	}

	if input.Latitude != nil && input.Longitude != nil {
		update.Location = &Point{Latitude: *input.Latitude, Longitude: *input.Longitude}
	}
	if input.Distance != nil {
		update.Distance = *input.Distance
	}

	return s.repo.RecordDeviceUpdate(ctx, update)
}

// ToggleLock sets the lock flag for the cycle matched by device id.
func (s *Service) ToggleLock(ctx context.Context, deviceID string, locked bool) (*Cycle, error) {
	return s.repo.SetLockState(ctx, deviceID, locked, time.Now().UTC())
}

// CycleStats folds the full tracking log into totals. Null distances count as
// zero; every log row counts toward TotalRides regardless of event kind, which
// matches the dashboard's historical numbers.
func (s *Service) CycleStats(ctx context.Context, ownerID, cycleID string) (*CycleStats, error) {
	cycle, err := s.repo.GetCycle(ctx, ownerID, cycleID)
	if err != nil {
		return nil, err
	}
	if cycle == nil {
		return nil, ErrCycleNotFound
	}

	distances, err := s.repo.TrackingDistances(ctx, cycleID)
	if err != nil {
		return nil, err
	}

	stats := CycleStats{
		TotalRides:   len(distances),
		LastLocation: cycle.LastLocation,
		LastUpdated:  cycle.LastUpdated,
	}
	for _, d := range distances {
		if d != nil {
			stats.TotalDistance += *d
		}
	}
	return &stats, nil
}

// GetCycle fetches a cycle by id, scoped to its owner.
func (s *Service) GetCycle(ctx context.Context, ownerID, cycleID string) (*Cycle, error) {
	cycle, err := s.repo.GetCycle(ctx, ownerID, cycleID)
	if err != nil {
		return nil, err
	}
	if cycle == nil {
		return nil, ErrCycleNotFound
	}
	return cycle, nil
}

// ListCycles returns every cycle owned by the subject.
func (s *Service) ListCycles(ctx context.Context, ownerID string) ([]Cycle, error) {
	return s.repo.ListCyclesByOwner(ctx, ownerID)
}

// ListLogs fetches tracking-log history with cursor pagination.
func (s *Service) ListLogs(ctx context.Context, ownerID, cycleID string, cursor *LogCursor, limit int) ([]TrackingLog, *LogCursor, error) {
	cycle, err := s.repo.GetCycle(ctx, ownerID, cycleID)
	if err != nil {
		return nil, nil, err
	}
	if cycle == nil {
		return nil, nil, ErrCycleNotFound
	}
	return s.repo.ListLogs(ctx, cycleID, cursor, limit)
}
