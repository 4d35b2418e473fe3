// Package events defines the payloads published through the outbox.
package events

import "time"

// CycleRegistered is emitted when an owner registers a new cycle.
type CycleRegistered struct {
	CycleID    string    `json:"cycle_id"`
	OwnerID    string    `json:"owner_id"`
	DeviceID   string    `json:"device_id"`
	Model      string    `json:"model"`
	OccurredAt time.Time `json:"occurred_at"`
}

// TelemetryRecorded is emitted for every LOCATION_UPDATE tracking-log row.
type TelemetryRecorded struct {
	CycleID        string    `json:"cycle_id"`
	DeviceID       string    `json:"device_id"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	Distance       float64   `json:"distance"`
	BatteryLevel   *int      `json:"battery_level,omitempty"`
	SignalStrength *int      `json:"signal_strength,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// RFIDScanned is emitted for every RFID_SCAN tracking-log row.
type RFIDScanned struct {
	CycleID    string    `json:"cycle_id"`
	DeviceID   string    `json:"device_id"`
	RFIDTag    string    `json:"rfid_tag"`
	OccurredAt time.Time `json:"occurred_at"`
}

// LockChanged is emitted for every LOCK_TOGGLE tracking-log row.
type LockChanged struct {
	CycleID    string    `json:"cycle_id"`
	DeviceID   string    `json:"device_id"`
	IsLocked   bool      `json:"is_locked"`
	OccurredAt time.Time `json:"occurred_at"`
}
