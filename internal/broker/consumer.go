package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// Handler processes one consumed message. Returning nil acknowledges the
// message; returning an error leaves it uncommitted for redelivery.
// Handlers must be idempotent: the broker guarantees at-least-once
// delivery, never exactly-once.
type Handler func(ctx context.Context, msg Message) error

// Consumer reads one topic within a consumer group and feeds a Handler.
// Offsets are committed only after the handler returns nil, so a crash
// mid-processing redelivers the message.
type Consumer struct {
	reader  *kafka.Reader
	config  Config
	topic   string
	logger  *slog.Logger
	handler Handler

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
	started atomic.Bool

	consumed   atomic.Int64
	handleErrs atomic.Int64
}

// NewConsumer creates a consumer for one topic.
func NewConsumer(cfg Config, topic string, handler Handler, logger *slog.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if topic == "" {
		return nil, errors.New("broker: topic is required")
	}
	if handler == nil {
		return nil, errors.New("broker: handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "broker-consumer", "topic", topic)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.ConsumerGroup,
		Topic:    topic,
		MinBytes: cfg.ConsumerMinBytes,
		MaxBytes: cfg.ConsumerMaxBytes,
		MaxWait:  cfg.ConsumerMaxWait,
		// QueueCapacity bounds prefetched messages; together with
		// commit-after-process this is the backpressure limit.
		QueueCapacity: cfg.Prefetch,
		StartOffset:   cfg.StartOffset,
		Dialer: &kafka.Dialer{
			Timeout:   cfg.DialTimeout,
			DualStack: true,
		},
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...))
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())

	c := &Consumer{
		reader:  reader,
		config:  cfg,
		topic:   topic,
		logger:  logger,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}

	logger.Info("broker consumer initialized",
		"brokers", cfg.Brokers,
		"group", cfg.ConsumerGroup,
		"prefetch", cfg.Prefetch,
	)

	return c, nil
}

// Start begins consuming in a goroutine and returns immediately.
func (c *Consumer) Start() error {
	if c.closed.Load() {
		return ErrConsumerClosed
	}
	if c.started.Swap(true) {
		return errors.New("broker: consumer already started")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.consumeLoop(); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("consumer loop exited with error", "error", err)
		}
	}()

	c.logger.Info("broker consumer started", "group", c.config.ConsumerGroup)
	return nil
}

func (c *Consumer) consumeLoop() error {
	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		default:
		}

		kafkaMsg, err := c.reader.FetchMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}

			c.logger.Error("failed to fetch message", "error", err)

			select {
			case <-c.ctx.Done():
				return c.ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		msg := fromKafkaMessage(kafkaMsg)

		if err := c.handleMessage(msg); err != nil {
			c.handleErrs.Add(1)
			c.logger.Error("failed to process message",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			// No commit: the message will be redelivered. The handler's
			// inbox makes the eventual reprocessing safe.
			continue
		}

		if err := c.reader.CommitMessages(c.ctx, kafkaMsg); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			c.logger.Error("failed to commit offset", "error", err, "offset", msg.Offset)
			continue
		}

		c.consumed.Add(1)
	}
}

func (c *Consumer) handleMessage(msg Message) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.config.HandlerTimeout)
	defer cancel()
	return c.handler(ctx, msg)
}

// Stats returns consumption counters.
func (c *Consumer) Stats() (consumed, handlerErrors int64) {
	return c.consumed.Load(), c.handleErrs.Load()
}

// Stop cancels the consume loop and closes the reader. In-flight handling
// finishes or is cancelled; an uncommitted message is simply redelivered.
func (c *Consumer) Stop() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.logger.Info("stopping broker consumer", "consumed", c.consumed.Load())

	c.cancel()
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("broker: failed to close consumer: %w", err)
	}
	return nil
}

// ConsumerSet runs one consumer per topic for a downstream service.
type ConsumerSet struct {
	consumers []*Consumer
	logger    *slog.Logger
}

// NewConsumerSet builds consumers for each (topic, handler) pair using a
// shared configuration.
func NewConsumerSet(cfg Config, handlers map[string]Handler, logger *slog.Logger) (*ConsumerSet, error) {
	if logger == nil {
		logger = slog.Default()
	}

	set := &ConsumerSet{logger: logger}
	for topic, handler := range handlers {
		c, err := NewConsumer(cfg, topic, handler, logger)
		if err != nil {
			set.Stop()
			return nil, fmt.Errorf("broker: consumer for %s: %w", topic, err)
		}
		set.consumers = append(set.consumers, c)
	}

	return set, nil
}

// Start starts all consumers.
func (s *ConsumerSet) Start() error {
	for i, c := range s.consumers {
		if err := c.Start(); err != nil {
			for j := 0; j < i; j++ {
				s.consumers[j].Stop()
			}
			return err
		}
	}
	return nil
}

// Stop stops all consumers.
func (s *ConsumerSet) Stop() error {
	var errs []error
	for _, c := range s.consumers {
		if err := c.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("broker: errors stopping consumers: %v", errs)
	}
	return nil
}
