package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubWriter struct {
	batches map[string][]kafka.Message
	err     error
}

func (s *stubWriter) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	if s.err != nil {
		return s.err
	}
	if s.batches == nil {
		s.batches = make(map[string][]kafka.Message)
	}
	s.batches[topic] = append(s.batches[topic], msgs...)
	return nil
}

func TestDeliverGroupsByTopic(t *testing.T) {
	writer := &stubWriter{}
	d := NewDispatcher(nil, writer, zap.NewNop(), time.Second, 25, 5, 30*time.Second)

	messages := []Message{
		{EventID: 1, AggregateID: "c-1", EventType: "cycle.telemetry_recorded", Topic: "cycle_telemetry", PartitionKey: "c-1", Payload: json.RawMessage(`{"distance":1.2}`)},
		{EventID: 2, AggregateID: "c-1", EventType: "cycle.lock_changed", Topic: "cycle_events", PartitionKey: "c-1", Payload: json.RawMessage(`{"is_locked":true}`)},
		{EventID: 3, AggregateID: "c-2", EventType: "cycle.telemetry_recorded", Topic: "cycle_telemetry", PartitionKey: "c-2", Payload: json.RawMessage(`{"distance":0.4}`)},
	}

	require.NoError(t, d.deliver(context.Background(), writer, messages))
	require.Len(t, writer.batches["cycle_telemetry"], 2)
	require.Len(t, writer.batches["cycle_events"], 1)

	first := writer.batches["cycle_telemetry"][0]
	require.Equal(t, []byte("c-1"), first.Key)
	require.JSONEq(t, `{"distance":1.2}`, string(first.Value))

	headers := map[string]string{}
	for _, h := range first.Headers {
		headers[h.Key] = string(h.Value)
	}
	require.Equal(t, "cycle.telemetry_recorded", headers["event_type"])
	require.Equal(t, "c-1", headers["aggregate_id"])
}

func TestDeliverPropagatesWriterError(t *testing.T) {
	writer := &stubWriter{err: errors.New("broker unreachable")}
	d := NewDispatcher(nil, writer, zap.NewNop(), time.Second, 25, 5, 30*time.Second)

	err := d.deliver(context.Background(), writer, []Message{{EventID: 1, Topic: "cycle_events"}})
	require.Error(t, err)
}

func TestBackoffDelayDoubles(t *testing.T) {
	base := 30 * time.Second

	require.Equal(t, 30*time.Second, backoffDelay(base, 0))
	require.Equal(t, time.Minute, backoffDelay(base, 1))
	require.Equal(t, 2*time.Minute, backoffDelay(base, 2))
	require.Equal(t, 16*time.Minute, backoffDelay(base, 5))
}

func TestBackoffDelayCapsAtOneHour(t *testing.T) {
	require.Equal(t, time.Hour, backoffDelay(30*time.Second, 10))
	require.Equal(t, time.Hour, backoffDelay(30*time.Second, 60))
}
