package kafka

import (
	"time"

	"github.com/segmentio/kafka-go"
)

const traceParentHeader = "traceparent"

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	// TraceParent is the W3C trace context carried by the producer, if any
	TraceParent string
}

func newIncomingMessage(msg kafka.Message) *IncomingMessage {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &IncomingMessage{
		Key:         string(msg.Key),
		Value:       msg.Value,
		Headers:     headers,
		Partition:   msg.Partition,
		Offset:      msg.Offset,
		Timestamp:   msg.Time,
		Topic:       msg.Topic,
		TraceParent: headers[traceParentHeader],
	}
}

// IsTombstone reports a message without value. Debezium emits one after every delete.
func (m *IncomingMessage) IsTombstone() bool {
	return len(m.Value) == 0
}
