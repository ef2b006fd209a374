// Package broker provides the durable publish/subscribe layer on Kafka.
// Each event type maps to its own named topic; delivery is at-least-once
// and consumers are expected to deduplicate via their inbox.
package broker

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Standard envelope headers. They carry observability context, never
// correctness: consumers key their dedup off immutable event fields, not
// the transport message id.
const (
	HeaderMessageID     = "x-message-id"
	HeaderSourceService = "x-source-service"
	HeaderEventType     = "x-event-type"
	HeaderActivityID    = "x-activity-id"
	HeaderCreatedAtUTC  = "x-created-at-utc"
	HeaderOutboxID      = "x-outbox-message-id"
	HeaderOutboxAttempt = "x-outbox-attempt"
)

// Envelope is the versioned wrapper around a published event.
type Envelope struct {
	// MessageID is the transport-level id, assigned at publish time. It is
	// NOT stable across outbox redelivery and must not be used for dedup.
	MessageID string

	// EventType is the logical type tag; it selects the topic.
	EventType string

	// ActivityID correlates the event with its source activity, when any.
	ActivityID int64

	// Payload is the serialized event body.
	Payload []byte

	// Headers carries extra producer headers (source service, timestamps).
	Headers map[string]string

	// CreatedAt is when the producing service created the event.
	CreatedAt time.Time
}

// kafkaMessage converts the envelope into a Kafka message for the topic
// derived from the event type. The key is the activity id so that all
// events of one aggregate land on one partition, preserving per-aggregate
// order within a topic.
func (e *Envelope) kafkaMessage() kafka.Message {
	headers := make([]kafka.Header, 0, len(e.Headers)+4)
	for k, v := range e.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	headers = append(headers,
		kafka.Header{Key: HeaderMessageID, Value: []byte(e.MessageID)},
		kafka.Header{Key: HeaderEventType, Value: []byte(e.EventType)},
		kafka.Header{Key: HeaderActivityID, Value: []byte(strconv.FormatInt(e.ActivityID, 10))},
		kafka.Header{Key: HeaderCreatedAtUTC, Value: []byte(e.CreatedAt.UTC().Format(time.RFC3339Nano))},
	)

	return kafka.Message{
		Topic:   e.EventType,
		Key:     []byte(strconv.FormatInt(e.ActivityID, 10)),
		Value:   e.Payload,
		Headers: headers,
		Time:    time.Now(),
	}
}

// NewMessageID returns a fresh transport message id.
func NewMessageID() string {
	return uuid.NewString()
}

// Message is a consumed broker message.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Time      time.Time
}

// MessageID returns the producer-assigned transport message id, if present.
func (m *Message) MessageID() string {
	return m.Headers[HeaderMessageID]
}

// EventType returns the event type tag. It falls back to the topic name,
// which equals the event type for all Watchdesk topics.
func (m *Message) EventType() string {
	if t, ok := m.Headers[HeaderEventType]; ok && t != "" {
		return t
	}
	return m.Topic
}

func fromKafkaMessage(km kafka.Message) Message {
	headers := make(map[string]string, len(km.Headers))
	for _, h := range km.Headers {
		headers[h.Key] = string(h.Value)
	}

	return Message{
		Topic:     km.Topic,
		Partition: km.Partition,
		Offset:    km.Offset,
		Key:       km.Key,
		Value:     km.Value,
		Headers:   headers,
		Time:      km.Time,
	}
}
