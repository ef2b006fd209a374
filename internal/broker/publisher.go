package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// Publisher publishes envelopes to the topic named by their event type.
// Writers are created lazily per topic and reused.
type Publisher struct {
	config  Config
	logger  *slog.Logger
	writers map[string]*kafka.Writer
	mu      sync.Mutex
	closed  atomic.Bool

	published atomic.Int64
	failures  atomic.Int64
}

// NewPublisher creates a new Publisher.
func NewPublisher(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("broker publisher initialized", "brokers", cfg.Brokers)

	return &Publisher{
		config:  cfg,
		logger:  logger.With("component", "broker-publisher"),
		writers: make(map[string]*kafka.Writer),
	}, nil
}

// Publish sends one envelope to its topic with bounded retry and
// exponential backoff. Delivery is confirmed by all replicas before the
// call returns nil.
func (p *Publisher) Publish(ctx context.Context, env *Envelope) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}

	writer := p.writer(env.EventType)
	msg := env.kafkaMessage()
	// The writer is bound to a topic already.
	msg.Topic = ""

	var lastErr error
	backoff := p.config.ProducerRetryBackoff

	for attempt := 0; attempt <= p.config.ProducerMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := writer.WriteMessages(ctx, msg)
		if err == nil {
			p.published.Add(1)
			p.logger.Debug("published envelope",
				"event_type", env.EventType,
				"activity_id", env.ActivityID,
				"message_id", env.MessageID,
			)
			return nil
		}

		lastErr = err
		p.failures.Add(1)
		p.logger.Warn("publish failed",
			"event_type", env.EventType,
			"attempt", attempt+1,
			"max_attempts", p.config.ProducerMaxRetries+1,
			"error", err,
		)

		if isNonRetryableError(err) {
			return fmt.Errorf("broker: non-retryable publish error: %w", err)
		}
	}

	return fmt.Errorf("broker: publish failed after %d attempts: %w",
		p.config.ProducerMaxRetries+1, lastErr)
}

// writer returns the per-topic writer, creating it on first use.
func (p *Publisher) writer(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.writers[topic]; ok {
		return w
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(p.config.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: p.config.ProducerBatchTimeout,
		WriteTimeout: p.config.WriteTimeout,
		ReadTimeout:  p.config.ReadTimeout,
		RequiredAcks: kafka.RequireAll,
		// The outbox dispatcher owns retry scheduling; the writer itself
		// does a single attempt per call.
		MaxAttempts:            1,
		AllowAutoTopicCreation: true,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			p.logger.Debug(fmt.Sprintf(msg, args...), "topic", topic)
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			p.logger.Error(fmt.Sprintf(msg, args...), "topic", topic)
		}),
	}
	p.writers[topic] = w
	return w
}

// Stats returns publish counters.
func (p *Publisher) Stats() (published, failures int64) {
	return p.published.Load(), p.failures.Load()
}

// Close closes all topic writers and flushes buffered messages.
func (p *Publisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close writer %s: %w", topic, err))
		}
	}

	p.logger.Info("broker publisher closed", "published", p.published.Load())

	if len(errs) > 0 {
		return fmt.Errorf("broker: %v", errs)
	}
	return nil
}
