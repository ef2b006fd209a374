package broker

import (
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Config holds Kafka connection and behavior configuration.
type Config struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string `yaml:"brokers"`

	// ConsumerGroup is the consumer group ID; each downstream service
	// runs its own group so failures stay isolated per service.
	ConsumerGroup string `yaml:"consumer_group"`

	// Producer settings.
	ProducerBatchTimeout time.Duration `yaml:"producer_batch_timeout"`
	ProducerMaxRetries   int           `yaml:"producer_max_retries"`
	ProducerRetryBackoff time.Duration `yaml:"producer_retry_backoff"`

	// Consumer settings. Prefetch bounds how many fetched-but-unhandled
	// messages a worker may hold; a full buffer stops further fetching
	// until messages are acknowledged (backpressure).
	Prefetch         int           `yaml:"prefetch"`
	ConsumerMinBytes int           `yaml:"consumer_min_bytes"`
	ConsumerMaxBytes int           `yaml:"consumer_max_bytes"`
	ConsumerMaxWait  time.Duration `yaml:"consumer_max_wait"`
	StartOffset      int64         `yaml:"start_offset"`

	// HandlerTimeout bounds the processing of a single consumed message.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`

	// Connection settings.
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Brokers:              []string{"localhost:9092"},
		ConsumerGroup:        "watchdesk",
		ProducerBatchTimeout: 10 * time.Millisecond,
		ProducerMaxRetries:   3,
		ProducerRetryBackoff: 100 * time.Millisecond,
		Prefetch:             64,
		ConsumerMinBytes:     1,
		ConsumerMaxBytes:     10 * 1024 * 1024,
		ConsumerMaxWait:      500 * time.Millisecond,
		StartOffset:          kafka.FirstOffset,
		HandlerTimeout:       30 * time.Second,
		DialTimeout:          10 * time.Second,
		ReadTimeout:          30 * time.Second,
		WriteTimeout:         30 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("broker: at least one broker is required")
	}
	if c.Prefetch < 1 {
		return errors.New("broker: prefetch must be at least 1")
	}
	if c.HandlerTimeout <= 0 {
		return errors.New("broker: handler timeout must be positive")
	}
	return nil
}

// isNonRetryableError checks if a publish error should not be retried.
func isNonRetryableError(err error) bool {
	switch {
	case errors.Is(err, kafka.MessageSizeTooLarge):
		return true
	case errors.Is(err, kafka.InvalidTopic):
		return true
	case errors.Is(err, kafka.TopicAuthorizationFailed):
		return true
	case errors.Is(err, kafka.ClusterAuthorizationFailed):
		return true
	}
	return false
}

// Common errors.
var (
	ErrPublisherClosed = fmt.Errorf("broker: publisher is closed")
	ErrConsumerClosed  = fmt.Errorf("broker: consumer is closed")
)
