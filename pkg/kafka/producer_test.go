package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestProducer_PublishEvents(t *testing.T) {
	writer := &fakeWriter{}
	p := newProducer(writer, "utilization.events", testLogger())

	err := p.PublishEvents(context.Background(), []OutgoingEvent{
		{Key: "e1", EventType: "identity.assigned", Payload: map[string]string{"person_id": "P1"}},
		{Key: "e2", EventType: "identity.conflict", Payload: map[string]string{"person_id": "P2"}},
	})
	require.NoError(t, err)
	require.Len(t, writer.messages, 2)

	msg := writer.messages[0]
	assert.Equal(t, "e1", string(msg.Key))
	var body map[string]string
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, "P1", body["person_id"])

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "identity.assigned", headers["event_type"])
	assert.Equal(t, "1.0", headers["schema_version"])
}

func TestProducer_PublishEmptyAndFailures(t *testing.T) {
	writer := &fakeWriter{}
	p := newProducer(writer, "utilization.events", testLogger())
	require.NoError(t, p.PublishEvents(context.Background(), nil))
	assert.Empty(t, writer.messages)

	writer.err = errors.New("leader not available")
	err := p.PublishEvent(context.Background(), OutgoingEvent{Key: "k", EventType: "upload.applied", Payload: 1})
	assert.ErrorIs(t, err, writer.err)

	err = p.PublishEvent(context.Background(), OutgoingEvent{Key: "k", EventType: "upload.applied", Payload: make(chan int)})
	assert.Error(t, err)
}
