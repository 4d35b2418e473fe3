package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/cycletrack/internal/domain"
	"example.com/cycletrack/internal/events"
	"example.com/cycletrack/internal/observability"
)

const cycleColumns = `id, owner_id, name, model, color, device_id, is_locked, last_location, battery_level, signal_strength, firmware_version, status, last_updated, last_sync, created_at`

// Repository provides Postgres-backed persistence for cycles, tracking logs,
// and outbox events.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateCycle persists a new cycle, upserts the owner profile, and records the
// registration event inside a single transaction.
func (r *Repository) CreateCycle(ctx context.Context, cycle domain.Cycle, owner domain.Profile) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const upsertProfile = `INSERT INTO profiles (id, name, roll_number)
        VALUES ($1,$2,$3)
        ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, roll_number=EXCLUDED.roll_number, updated_at=NOW()`
	if _, err := tx.Exec(ctx, upsertProfile, owner.ID, owner.Name, owner.RollNumber); err != nil {
		return err
	}

	const insertCycle = `INSERT INTO cycles (id, owner_id, name, model, color, device_id, is_locked, last_location, battery_level, signal_strength, firmware_version, status, last_updated, last_sync, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`

	_, err = tx.Exec(ctx, insertCycle,
		cycle.ID,
		cycle.OwnerID,
		cycle.Name,
		cycle.Model,
		cycle.Color,
		cycle.DeviceID,
		cycle.IsLocked,
		toPgPoint(cycle.LastLocation),
		cycle.BatteryLevel,
		cycle.SignalStrength,
		cycle.FirmwareVersion,
		cycle.Status,
		cycle.LastUpdated,
		cycle.LastSync,
		cycle.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrDuplicateDevice
		}
		return err
	}

	if err := insertOutbox(ctx, tx, "cycle", cycle.ID, "cycle.registered", cycle.DeviceID, events.CycleRegistered{
		CycleID:    cycle.ID,
		OwnerID:    cycle.OwnerID,
		DeviceID:   cycle.DeviceID,
		Model:      cycle.Model,
		OccurredAt: cycle.CreatedAt,
	}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetCycle fetches a cycle by id scoped to its owner. A missing row returns
// (nil, nil).
func (r *Repository) GetCycle(ctx context.Context, ownerID, cycleID string) (*domain.Cycle, error) {
	query := fmt.Sprintf(`SELECT %s FROM cycles WHERE id=$1 AND owner_id=$2`, cycleColumns)
	row := r.pool.QueryRow(ctx, query, cycleID, ownerID)
	cycle, err := scanCycle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return cycle, nil
}

// ListCyclesByOwner returns every cycle registered to the owner.
func (r *Repository) ListCyclesByOwner(ctx context.Context, ownerID string) ([]domain.Cycle, error) {
	query := fmt.Sprintf(`SELECT %s FROM cycles WHERE owner_id=$1 ORDER BY created_at`, cycleColumns)
	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cycles := make([]domain.Cycle, 0)
	for rows.Next() {
		cycle, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, *cycle)
	}
	return cycles, rows.Err()
}

// RecordDeviceUpdate applies one telemetry payload. The cycle mutation, the
// tracking-log rows, and the outbox events are committed atomically so the log
// can never disagree with the cycle's current state.
func (r *Repository) RecordDeviceUpdate(ctx context.Context, update domain.DeviceUpdate) (*domain.DeviceUpdateResult, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var cycleID string
	err = tx.QueryRow(ctx, `SELECT id FROM cycles WHERE device_id=$1`, update.DeviceID).Scan(&cycleID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUnknownDevice
		}
		return nil, err
	}

	result := domain.DeviceUpdateResult{CycleID: cycleID}

	if update.RFIDTag != nil {
		log := domain.TrackingLog{
			ID:        uuid.NewString(),
			CycleID:   cycleID,
			EventType: domain.EventRFIDScan,
			Data:      map[string]any{"rfid_tag": *update.RFIDTag},
			CreatedAt: update.ObservedAt,
		}
		if err := insertTrackingLog(ctx, tx, log); err != nil {
			return nil, err
		}
		if err := insertOutbox(ctx, tx, "cycle", cycleID, "cycle.rfid_scanned", update.DeviceID, events.RFIDScanned{
			CycleID:    cycleID,
			DeviceID:   update.DeviceID,
			RFIDTag:    *update.RFIDTag,
			OccurredAt: update.ObservedAt,
		}); err != nil {
			return nil, err
		}
		result.LogsWritten++
	}

	if update.Location != nil {
		const updateCycle = `UPDATE cycles
            SET last_location=$2,
                last_updated=$3,
                last_sync=$3,
                battery_level=COALESCE($4, battery_level),
                signal_strength=COALESCE($5, signal_strength)
            WHERE id=$1`
		if _, err := tx.Exec(ctx, updateCycle,
			cycleID,
			toPgPoint(*update.Location),
			update.ObservedAt,
			update.BatteryLevel,
			update.SignalStrength,
		); err != nil {
			return nil, err
		}

		distance := update.Distance
		snapshot := map[string]any{
			"latitude":  update.Location.Latitude,
			"longitude": update.Location.Longitude,
		}
		if update.BatteryLevel != nil {
			snapshot["battery_level"] = *update.BatteryLevel
		}
		if update.SignalStrength != nil {
			snapshot["signal_strength"] = *update.SignalStrength
		}

		log := domain.TrackingLog{
			ID:        uuid.NewString(),
			CycleID:   cycleID,
			EventType: domain.EventLocationUpdate,
			Location:  update.Location,
			Distance:  &distance,
			Data:      snapshot,
			CreatedAt: update.ObservedAt,
		}
		if err := insertTrackingLog(ctx, tx, log); err != nil {
			return nil, err
		}
		if err := insertOutbox(ctx, tx, "cycle", cycleID, "cycle.telemetry_recorded", update.DeviceID, events.TelemetryRecorded{
			CycleID:        cycleID,
			DeviceID:       update.DeviceID,
			Latitude:       update.Location.Latitude,
			Longitude:      update.Location.Longitude,
			Distance:       distance,
			BatteryLevel:   update.BatteryLevel,
			SignalStrength: update.SignalStrength,
			OccurredAt:     update.ObservedAt,
		}); err != nil {
			return nil, err
		}
		result.LocationApplied = true
		result.LogsWritten++
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if result.LocationApplied {
		observability.RecordTelemetryPersisted(update.ObservedAt)
		observability.RecordTrackingEvent(string(domain.EventLocationUpdate))
	}
	if update.RFIDTag != nil {
		observability.RecordTrackingEvent(string(domain.EventRFIDScan))
	}
	return &result, nil
}

// SetLockState updates the lock flag for the cycle matched by device id and
// appends the LOCK_TOGGLE log row in the same transaction. The update returns
// the cycle so the log entry can be attributed.
func (r *Repository) SetLockState(ctx context.Context, deviceID string, locked bool, at time.Time) (*domain.Cycle, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`UPDATE cycles SET is_locked=$2, last_updated=$3 WHERE device_id=$1 RETURNING %s`, cycleColumns)
	row := tx.QueryRow(ctx, query, deviceID, locked, at)
	cycle, err := scanCycle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUnknownDevice
		}
		return nil, err
	}

	log := domain.TrackingLog{
		ID:        uuid.NewString(),
		CycleID:   cycle.ID,
		EventType: domain.EventLockToggle,
		Data:      map[string]any{"is_locked": locked},
		CreatedAt: at,
	}
	if err := insertTrackingLog(ctx, tx, log); err != nil {
		return nil, err
	}
	if err := insertOutbox(ctx, tx, "cycle", cycle.ID, "cycle.lock_changed", deviceID, events.LockChanged{
		CycleID:    cycle.ID,
		DeviceID:   deviceID,
		IsLocked:   locked,
		OccurredAt: at,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	observability.RecordLockToggle(locked)
	observability.RecordTrackingEvent(string(domain.EventLockToggle))
	return cycle, nil
}

// TrackingDistances returns the distance column of every tracking-log row for
// the cycle, nulls preserved, oldest first.
func (r *Repository) TrackingDistances(ctx context.Context, cycleID string) ([]*float64, error) {
	rows, err := r.pool.Query(ctx, `SELECT distance FROM tracking_logs WHERE cycle_id=$1 ORDER BY created_at, id`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	distances := make([]*float64, 0)
	for rows.Next() {
		var d *float64
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		distances = append(distances, d)
	}
	return distances, rows.Err()
}

// ListLogs returns tracking-log entries newest first with keyset pagination.
func (r *Repository) ListLogs(ctx context.Context, cycleID string, cursor *domain.LogCursor, limit int) ([]domain.TrackingLog, *domain.LogCursor, error) {
	args := []interface{}{cycleID, limit}
	query := `SELECT id, cycle_id, event_type, location, distance, data, created_at
        FROM tracking_logs WHERE cycle_id=$1`

	if cursor != nil {
		query += ` AND (created_at, id) < ($3, $4)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}

	query += ` ORDER BY created_at DESC, id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	logs := make([]domain.TrackingLog, 0, limit)
	for rows.Next() {
		var (
			log      domain.TrackingLog
			location pgtype.Point
			raw      []byte
		)
		if err := rows.Scan(&log.ID, &log.CycleID, &log.EventType, &location, &log.Distance, &raw, &log.CreatedAt); err != nil {
			return nil, nil, err
		}
		if location.Valid {
			log.Location = &domain.Point{Latitude: location.P.Y, Longitude: location.P.X}
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &log.Data); err != nil {
				return nil, nil, err
			}
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.LogCursor
	if len(logs) == limit {
		last := logs[len(logs)-1]
		next = &domain.LogCursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return logs, next, nil
}

func insertTrackingLog(ctx context.Context, tx pgx.Tx, log domain.TrackingLog) error {
	var data []byte
	if log.Data != nil {
		encoded, err := json.Marshal(log.Data)
		if err != nil {
			return err
		}
		data = encoded
	}

	var location interface{}
	if log.Location != nil {
		location = toPgPoint(*log.Location)
	}

	const stmt = `INSERT INTO tracking_logs (id, cycle_id, event_type, location, distance, data, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := tx.Exec(ctx, stmt, log.ID, log.CycleID, log.EventType, location, log.Distance, data, log.CreatedAt)
	return err
}

func insertOutbox(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, eventType, partitionKey string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	topic, ok := eventTopics[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, partition_key, payload)
        VALUES ($1,$2,$3,$4,$5,$6)`
	_, err = tx.Exec(ctx, stmt, aggregateType, aggregateID, eventType, topic, partitionKey, body)
	return err
}

// eventTopics routes outbox event types to Kafka topics. Telemetry-volume
// events get their own topic; lifecycle events share cycle_events.
var eventTopics = map[string]string{
	"cycle.registered":         "cycle_events",
	"cycle.lock_changed":       "cycle_events",
	"cycle.telemetry_recorded": "cycle_telemetry",
	"cycle.rfid_scanned":       "cycle_telemetry",
}

func toPgPoint(p domain.Point) pgtype.Point {
	return pgtype.Point{P: pgtype.Vec2{X: p.Longitude, Y: p.Latitude}, Valid: true}
}

func scanCycle(row pgx.Row) (*domain.Cycle, error) {
	var (
		cycle    domain.Cycle
		location pgtype.Point
	)
	err := row.Scan(
		&cycle.ID,
		&cycle.OwnerID,
		&cycle.Name,
		&cycle.Model,
		&cycle.Color,
		&cycle.DeviceID,
		&cycle.IsLocked,
		&location,
		&cycle.BatteryLevel,
		&cycle.SignalStrength,
		&cycle.FirmwareVersion,
		&cycle.Status,
		&cycle.LastUpdated,
		&cycle.LastSync,
		&cycle.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if location.Valid {
		cycle.LastLocation = domain.Point{Latitude: location.P.Y, Longitude: location.P.X}
	}
	return &cycle, nil
}
