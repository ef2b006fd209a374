package broker

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"no brokers", func(c *Config) { c.Brokers = nil }, true},
		{"zero prefetch", func(c *Config) { c.Prefetch = 0 }, true},
		{"zero handler timeout", func(c *Config) { c.HandlerTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvelopeKafkaMessage(t *testing.T) {
	created := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	env := &Envelope{
		MessageID:  "msg-1",
		EventType:  "activity.created.v1",
		ActivityID: 42,
		Payload:    []byte(`{"activityId":42}`),
		Headers:    map[string]string{HeaderSourceService: "activity"},
		CreatedAt:  created,
	}

	km := env.kafkaMessage()

	if km.Topic != "activity.created.v1" {
		t.Errorf("topic = %q, want the event type", km.Topic)
	}
	// Partition key is the aggregate id: all events of one activity must
	// stay ordered relative to each other.
	if string(km.Key) != "42" {
		t.Errorf("key = %q, want 42", km.Key)
	}

	headers := make(map[string]string, len(km.Headers))
	for _, h := range km.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers[HeaderMessageID] != "msg-1" {
		t.Errorf("message id header = %q", headers[HeaderMessageID])
	}
	if headers[HeaderEventType] != "activity.created.v1" {
		t.Errorf("event type header = %q", headers[HeaderEventType])
	}
	if headers[HeaderActivityID] != "42" {
		t.Errorf("activity id header = %q", headers[HeaderActivityID])
	}
	if headers[HeaderSourceService] != "activity" {
		t.Errorf("source service header = %q", headers[HeaderSourceService])
	}
	if headers[HeaderCreatedAtUTC] != created.Format(time.RFC3339Nano) {
		t.Errorf("created at header = %q", headers[HeaderCreatedAtUTC])
	}
}

func TestMessageEventTypeFallsBackToTopic(t *testing.T) {
	msg := Message{Topic: "anomaly.detected.v1", Headers: map[string]string{}}
	if got := msg.EventType(); got != "anomaly.detected.v1" {
		t.Errorf("event type = %q, want the topic", got)
	}

	msg.Headers[HeaderEventType] = "activity.created.v1"
	if got := msg.EventType(); got != "activity.created.v1" {
		t.Errorf("event type = %q, want the header value", got)
	}
}

func TestFromKafkaMessage(t *testing.T) {
	km := kafka.Message{
		Topic:     "activity.created.v1",
		Partition: 3,
		Offset:    17,
		Key:       []byte("42"),
		Value:     []byte(`{}`),
		Headers: []kafka.Header{
			{Key: HeaderMessageID, Value: []byte("msg-9")},
		},
	}

	msg := fromKafkaMessage(km)

	if msg.Topic != km.Topic || msg.Partition != 3 || msg.Offset != 17 {
		t.Errorf("message = %+v", msg)
	}
	if msg.MessageID() != "msg-9" {
		t.Errorf("message id = %q", msg.MessageID())
	}
}

func TestNewMessageIDUnique(t *testing.T) {
	if NewMessageID() == NewMessageID() {
		t.Error("message ids must be unique")
	}
}
