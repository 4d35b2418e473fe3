package consumer

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scriptedReader struct {
	messages  []kafka.Message
	pos       int
	committed []kafka.Message
	cancel    context.CancelFunc
}

func (r *scriptedReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if r.pos >= len(r.messages) {
		r.cancel()
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[r.pos]
	r.pos++
	return msg, nil
}

func (r *scriptedReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *scriptedReader) Close() error { return nil }

type recordingHandler struct {
	received []Message
	err      error
}

func (h *recordingHandler) Handle(ctx context.Context, msg Message) error {
	h.received = append(h.received, msg)
	return h.err
}

func kafkaMessage(topic, eventType, aggregateID, payload string) kafka.Message {
	return kafka.Message{
		Topic: topic,
		Value: []byte(payload),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
			{Key: "aggregate_id", Value: []byte(aggregateID)},
		},
	}
}

func runProcessor(t *testing.T, reader *scriptedReader, handler Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader.cancel = cancel

	err := NewProcessor(reader, handler, zap.NewNop()).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestProcessorCommitsHandledMessages(t *testing.T) {
	reader := &scriptedReader{messages: []kafka.Message{
		kafkaMessage("cycle_telemetry", "cycle.telemetry_recorded", "c-1", `{"cycle_id":"c-1","distance":1.2}`),
	}}
	handler := &recordingHandler{}

	runProcessor(t, reader, handler)

	require.Len(t, handler.received, 1)
	require.Equal(t, "cycle.telemetry_recorded", handler.received[0].EventType)
	require.Equal(t, "c-1", handler.received[0].AggregateID)
	require.Len(t, reader.committed, 1)
}

func TestProcessorSkipsCommitOnHandlerError(t *testing.T) {
	reader := &scriptedReader{messages: []kafka.Message{
		kafkaMessage("cycle_telemetry", "cycle.telemetry_recorded", "c-1", `{"cycle_id":"c-1"}`),
	}}
	handler := &recordingHandler{err: errors.New("db unavailable")}

	runProcessor(t, reader, handler)

	require.Len(t, handler.received, 1)
	require.Empty(t, reader.committed, "uncommitted messages get redelivered")
}

func TestProcessorCommitsMalformedMessages(t *testing.T) {
	reader := &scriptedReader{messages: []kafka.Message{
		{Topic: "cycle_telemetry", Value: []byte(`{not json`)},
		{Topic: "cycle_telemetry", Value: []byte(`{"valid":true}`)}, // no event_type header
	}}
	handler := &recordingHandler{}

	runProcessor(t, reader, handler)

	require.Empty(t, handler.received, "malformed messages never reach the handler")
	require.Len(t, reader.committed, 2, "malformed messages are committed so the group moves past them")
}

func TestDecodeMessageCopiesPayload(t *testing.T) {
	raw := kafkaMessage("cycle_events", "cycle.lock_changed", "c-1", `{"is_locked":true}`)

	decoded, err := decodeMessage(raw)
	require.NoError(t, err)

	raw.Value[0] = 'X'
	require.JSONEq(t, `{"is_locked":true}`, string(decoded.Payload))
}
