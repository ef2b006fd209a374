package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"watchdesk/internal/broker"
	"watchdesk/internal/schema"
)

// Publisher is the broker side of the dispatcher.
type Publisher interface {
	Publish(ctx context.Context, env *broker.Envelope) error
}

// DispatcherConfig holds dispatcher tuning.
type DispatcherConfig struct {
	// PollInterval is the idle delay between drain passes.
	PollInterval time.Duration `yaml:"poll_interval"`

	// BatchSize is the maximum number of messages claimed per pass.
	BatchSize int `yaml:"batch_size"`

	// MaxAttempts is the number of publish attempts before a message is
	// parked in the dead-letter state.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffCap bounds the retry delay.
	BackoffCap time.Duration `yaml:"backoff_cap"`

	// BreakerThreshold is the consecutive-failure count that opens the
	// publish circuit breaker.
	BreakerThreshold uint32 `yaml:"breaker_threshold"`

	// BreakerCooldown is how long the breaker stays open before probing.
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// DefaultDispatcherConfig returns a DispatcherConfig with sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval:     2 * time.Second,
		BatchSize:        100,
		MaxAttempts:      5,
		BackoffCap:       60 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  15 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c *DispatcherConfig) Validate() error {
	if c.PollInterval <= 0 {
		return errors.New("outbox: poll interval must be positive")
	}
	if c.BatchSize < 1 {
		return errors.New("outbox: batch size must be at least 1")
	}
	if c.MaxAttempts < 1 {
		return errors.New("outbox: max attempts must be at least 1")
	}
	return nil
}

// Dispatcher drains committed outbox messages to the broker. Delivery is
// at-least-once: a crash between publish and mark republished the message,
// and downstream inboxes absorb the duplicate.
type Dispatcher struct {
	config    DispatcherConfig
	store     Store
	publisher Publisher
	leader    *Leader
	logger    *slog.Logger
	breaker   *gobreaker.CircuitBreaker

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool

	dispatched  atomic.Int64
	retried     atomic.Int64
	deadLetters atomic.Int64

	dispatchedCounter prometheus.Counter
	retriedCounter    prometheus.Counter
	deadLetterCounter prometheus.Counter
}

// NewDispatcher creates a Dispatcher. leader may be nil, in which case
// every replica drains; SKIP LOCKED keeps them from fighting over rows.
func NewDispatcher(cfg DispatcherConfig, store Store, publisher Publisher, leader *Leader, logger *slog.Logger) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("outbox: store is required")
	}
	if publisher == nil {
		return nil, errors.New("outbox: publisher is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "outbox-dispatcher")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "outbox-publish",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("publish breaker state changed", "from", from.String(), "to", to.String())
		},
	})

	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		config:    cfg,
		store:     store,
		publisher: publisher,
		leader:    leader,
		logger:    logger,
		breaker:   breaker,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// WithMetrics attaches Prometheus counters for dispatch outcomes. Any
// counter may be nil.
func (d *Dispatcher) WithMetrics(dispatched, retried, deadLetters prometheus.Counter) *Dispatcher {
	d.dispatchedCounter = dispatched
	d.retriedCounter = retried
	d.deadLetterCounter = deadLetters
	return d
}

// Start begins the drain loop in a goroutine.
func (d *Dispatcher) Start() error {
	if d.started.Swap(true) {
		return errors.New("outbox: dispatcher already started")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run()
	}()

	d.logger.Info("outbox dispatcher started",
		"poll_interval", d.config.PollInterval,
		"batch_size", d.config.BatchSize,
		"max_attempts", d.config.MaxAttempts,
	)
	return nil
}

func (d *Dispatcher) run() {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		}

		if d.leader != nil && !d.leader.Held(d.ctx) {
			continue
		}

		for {
			n, err := d.DrainOnce(d.ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					d.logger.Error("drain pass failed", "error", err)
				}
				break
			}
			// Keep draining while full batches come back; fall back to the
			// ticker once the backlog is gone.
			if n < d.config.BatchSize {
				break
			}
		}
	}
}

// DrainOnce claims one batch of due messages and dispatches it. It
// returns the number of messages claimed.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	batch, err := d.store.FetchDue(ctx, d.config.BatchSize)
	if err != nil {
		return 0, err
	}

	messages := batch.Messages()
	for _, msg := range messages {
		if err := d.dispatch(ctx, batch, msg); err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) {
				// Broker is down; leave the rest of the batch pending
				// without burning their attempt budgets.
				break
			}
			d.logger.Error("failed to record dispatch outcome",
				"outbox_message_id", msg.ID, "error", err)
		}
	}

	if err := batch.Close(ctx); err != nil {
		return len(messages), err
	}
	return len(messages), nil
}

// dispatch publishes one message and records the outcome on the batch.
// The returned error reports bookkeeping failures, not publish failures;
// those are absorbed into retry scheduling.
func (d *Dispatcher) dispatch(ctx context.Context, batch Batch, msg *Message) error {
	attempt := msg.AttemptCount + 1

	_, pubErr := d.breaker.Execute(func() (interface{}, error) {
		return nil, d.publisher.Publish(ctx, d.envelope(msg, attempt))
	})
	if pubErr == nil {
		d.dispatched.Add(1)
		if d.dispatchedCounter != nil {
			d.dispatchedCounter.Inc()
		}
		return batch.MarkProcessed(ctx, msg.ID, attempt)
	}

	if errors.Is(pubErr, gobreaker.ErrOpenState) || errors.Is(pubErr, gobreaker.ErrTooManyRequests) {
		return gobreaker.ErrOpenState
	}

	if attempt >= d.config.MaxAttempts {
		d.deadLetters.Add(1)
		if d.deadLetterCounter != nil {
			d.deadLetterCounter.Inc()
		}
		d.logger.Error("message exhausted publish attempts, dead-lettering",
			"outbox_message_id", msg.ID,
			"event_type", msg.EventType,
			"attempts", attempt,
			"error", pubErr,
		)
		d.publishDeadLetter(ctx, msg, attempt, pubErr)
		return batch.MarkDeadLettered(ctx, msg.ID, attempt, pubErr.Error())
	}

	delay := Backoff(attempt, d.config.BackoffCap)
	d.retried.Add(1)
	if d.retriedCounter != nil {
		d.retriedCounter.Inc()
	}
	d.logger.Warn("publish failed, scheduling retry",
		"outbox_message_id", msg.ID,
		"event_type", msg.EventType,
		"attempt", attempt,
		"retry_in", delay,
		"error", pubErr,
	)
	return batch.MarkFailed(ctx, msg.ID, attempt, pubErr.Error(), time.Now().UTC().Add(delay))
}

func (d *Dispatcher) envelope(msg *Message, attempt int) *broker.Envelope {
	headers := make(map[string]string, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[broker.HeaderOutboxID] = fmt.Sprintf("%d", msg.ID)
	headers[broker.HeaderOutboxAttempt] = fmt.Sprintf("%d", attempt)

	return &broker.Envelope{
		MessageID:  broker.NewMessageID(),
		EventType:  msg.EventType,
		ActivityID: msg.ActivityID,
		Payload:    msg.Payload,
		Headers:    headers,
		CreatedAt:  msg.CreatedAt,
	}
}

// publishDeadLetter forwards the poisoned payload to the dead-letter
// topic for offline inspection. Best effort: the durable record is the
// parked outbox row, so a failure here only costs the convenience copy.
func (d *Dispatcher) publishDeadLetter(ctx context.Context, msg *Message, attempt int, cause error) {
	env := d.envelope(msg, attempt)
	env.EventType = schema.EventTypeDeadLetter
	env.Headers["x-dead-letter-source"] = msg.EventType
	env.Headers["x-dead-letter-reason"] = cause.Error()

	if err := d.publisher.Publish(ctx, env); err != nil {
		d.logger.Warn("failed to publish dead-letter copy",
			"outbox_message_id", msg.ID, "error", err)
	}
}

// Backoff returns the retry delay after the given attempt count:
// exponential in whole seconds, clamped only by the configured limit.
func Backoff(attempts int, limit time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	// 2^30s is beyond any sane cap; skipping the shift avoids overflow.
	if attempts > 30 {
		return limit
	}
	delay := time.Duration(1<<uint(attempts)) * time.Second
	if delay > limit {
		return limit
	}
	return delay
}

// Stats returns dispatch counters.
func (d *Dispatcher) Stats() (dispatched, retried, deadLetters int64) {
	return d.dispatched.Load(), d.retried.Load(), d.deadLetters.Load()
}

// Stop halts the drain loop. Claimed-but-unmarked messages stay pending
// and are picked up on the next start.
func (d *Dispatcher) Stop() error {
	if d.closed.Swap(true) {
		return nil
	}

	d.cancel()
	d.wg.Wait()

	d.logger.Info("outbox dispatcher stopped",
		"dispatched", d.dispatched.Load(),
		"dead_letters", d.deadLetters.Load(),
	)
	return nil
}
