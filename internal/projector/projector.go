// Package projector implements the downstream event consumers: each one
// folds published activity events into its service's read model behind
// an idempotency inbox, so at-least-once delivery converges to
// exactly-once effects.
package projector

import (
	"encoding/json"
	"log/slog"
	"time"

	"watchdesk/internal/broker"
	"watchdesk/internal/telemetry"
)

// Store outcome for one event application.
//
// Applied means the event mutated the read model; Duplicate means the
// inbox already contained its key and the transaction was rolled back.
type Outcome int

const (
	Applied Outcome = iota
	Duplicate
)

type base struct {
	consumer string
	logger   *slog.Logger
	metrics  *telemetry.Metrics
}

func newBase(consumer string, logger *slog.Logger, metrics *telemetry.Metrics) base {
	if logger == nil {
		logger = slog.Default()
	}
	return base{
		consumer: consumer,
		logger:   logger.With("consumer", consumer),
		metrics:  metrics,
	}
}

// decode unmarshals an event payload. A payload that does not decode is
// poison: retrying cannot fix it, so it is counted, logged and dropped
// by acknowledging the delivery.
func (b *base) decode(msg *broker.Message, v any) bool {
	if err := json.Unmarshal(msg.Value, v); err != nil {
		if b.metrics != nil {
			b.metrics.MalformedEvents.WithLabelValues(b.consumer, msg.EventType()).Inc()
		}
		b.logger.Error("dropping malformed event payload",
			"event_type", msg.EventType(),
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return false
	}
	return true
}

func (b *base) observe(msg *broker.Message, outcome Outcome, start time.Time) {
	if b.metrics != nil {
		b.metrics.ProcessingDuration.WithLabelValues(b.consumer).Observe(time.Since(start).Seconds())
		switch outcome {
		case Applied:
			b.metrics.EventsProcessed.WithLabelValues(b.consumer, msg.EventType()).Inc()
		case Duplicate:
			b.metrics.DuplicatesSkipped.WithLabelValues(b.consumer, msg.EventType()).Inc()
		}
	}
	if outcome == Duplicate {
		b.logger.Info("skipping duplicate event delivery",
			"event_type", msg.EventType(),
			"message_id", msg.MessageID(),
		)
	}
}

// eventTimestamp guards against producers that emit zero timestamps. The
// envelope's created-at header is preferred over the local clock so every
// projection buckets the same event into the same day.
func eventTimestamp(msg *broker.Message, ts time.Time) time.Time {
	if !ts.IsZero() {
		return ts.UTC()
	}
	if raw, ok := msg.Headers[broker.HeaderCreatedAtUTC]; ok {
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return parsed.UTC()
		}
	}
	return time.Now().UTC()
}
