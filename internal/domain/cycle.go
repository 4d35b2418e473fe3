package domain

import "time"

// EventKind enumerates tracking-log event types. The set is open: devices
// with newer firmware may report kinds this service has never seen, and the
// log stores them verbatim.
type EventKind string

const (
	EventLocationUpdate EventKind = "LOCATION_UPDATE"
	EventLockToggle     EventKind = "LOCK_TOGGLE"
	EventRFIDScan       EventKind = "RFID_SCAN"
	EventMotionDetected EventKind = "MOTION_DETECTED"
)

// Point is a 2D geographic coordinate in floating-point degrees.
type Point struct {
	Latitude  float64
	Longitude float64
}

// Cycle represents one registered bicycle/tracker pairing and its current state.
type Cycle struct {
	ID              string
	OwnerID         string
	Name            string
	Model           string
	Color           string
	DeviceID        string
	IsLocked        bool
	LastLocation    Point
	BatteryLevel    *int
	SignalStrength  *int
	FirmwareVersion *string
	Status          string
	LastUpdated     time.Time
	LastSync        time.Time
	CreatedAt       time.Time
}

// TrackingLog is one immutable device or command event. Rows are only ever
// inserted; statistics are recomputable from the log alone.
type TrackingLog struct {
	ID        string
	CycleID   string
	EventType EventKind
	Location  *Point
	Distance  *float64
	Data      map[string]any
	CreatedAt time.Time
}

// Profile is the owner record kept alongside the auth subject.
type Profile struct {
	ID         string
	Name       string
	RollNumber string
}

// CycleStats is the derived view served to the dashboard.
type CycleStats struct {
	TotalDistance float64
	TotalRides    int
	LastLocation  Point
	LastUpdated   time.Time
}

// LogCursor is the keyset pagination token for tracking-log listings.
type LogCursor struct {
	CreatedAt time.Time
	ID        string
}
