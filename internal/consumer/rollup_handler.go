package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/cycletrack/internal/events"
)

// RollupHandler folds published tracking events into cycle_stats_rollups, the
// incrementally maintained counterpart of the full-log stats fold. Every
// tracking-log event counts as a ride so the rollup stays in step with the
// canonical aggregation.
type RollupHandler struct {
	pool *pgxpool.Pool
}

// NewRollupHandler constructs a handler backed by the provided pool.
func NewRollupHandler(pool *pgxpool.Pool) *RollupHandler {
	return &RollupHandler{pool: pool}
}

// Handle applies one event's delta to the rollup table. The upsert is
// idempotent per delivery, not per event: redelivered messages double-count,
// which the canonical fold never does.
func (h *RollupHandler) Handle(ctx context.Context, msg Message) error {
	delta, ok, err := rollupDelta(msg)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	const stmt = `INSERT INTO cycle_stats_rollups (cycle_id, total_distance, total_rides, updated_at)
        VALUES ($1,$2,$3,NOW())
        ON CONFLICT (cycle_id) DO UPDATE
            SET total_distance = cycle_stats_rollups.total_distance + EXCLUDED.total_distance,
                total_rides = cycle_stats_rollups.total_rides + EXCLUDED.total_rides,
                updated_at = NOW()`

	conn, err := h.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, stmt, delta.CycleID, delta.Distance, delta.Rides)
	return err
}

// rollupStatsDelta is the increment one event contributes to the rollup.
type rollupStatsDelta struct {
	CycleID  string
	Distance float64
	Rides    int
}

func rollupDelta(msg Message) (rollupStatsDelta, bool, error) {
	switch msg.EventType {
	case "cycle.telemetry_recorded":
		var payload events.TelemetryRecorded
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return rollupStatsDelta{}, false, fmt.Errorf("decode telemetry payload: %w", err)
		}
		return rollupStatsDelta{CycleID: payload.CycleID, Distance: payload.Distance, Rides: 1}, true, nil
	case "cycle.rfid_scanned":
		var payload events.RFIDScanned
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return rollupStatsDelta{}, false, fmt.Errorf("decode rfid payload: %w", err)
		}
		return rollupStatsDelta{CycleID: payload.CycleID, Rides: 1}, true, nil
	case "cycle.lock_changed":
		var payload events.LockChanged
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return rollupStatsDelta{}, false, fmt.Errorf("decode lock payload: %w", err)
		}
		return rollupStatsDelta{CycleID: payload.CycleID, Rides: 1}, true, nil
	default:
		// cycle.registered and future event kinds carry no stats delta.
		return rollupStatsDelta{}, false, nil
	}
}
