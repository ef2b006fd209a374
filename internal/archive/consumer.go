package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"watchdesk/internal/broker"
	"watchdesk/internal/inbox"
	"watchdesk/internal/schema"
)

// Consumer turns published activity events into archive rows. It needs
// no inbox table: rows carry the same event keys the relational
// consumers dedup on, and the ReplacingMergeTree engine folds duplicate
// keys away.
type Consumer struct {
	writer *Writer
	logger *slog.Logger
}

// NewConsumer creates the archive consumer.
func NewConsumer(writer *Writer, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		writer: writer,
		logger: logger.With("consumer", "archive"),
	}
}

// Handlers maps topics to this consumer's handlers.
func (c *Consumer) Handlers() map[string]broker.Handler {
	return map[string]broker.Handler{
		schema.EventTypeActivityCreated: c.HandleActivityCreated,
		schema.EventTypeAnomalyDetected: c.HandleAnomalyDetected,
	}
}

func (c *Consumer) HandleActivityCreated(_ context.Context, msg broker.Message) error {
	var ev schema.ActivityCreatedEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.logger.Error("dropping malformed archive payload",
			"event_type", msg.EventType(), "offset", msg.Offset, "error", err)
		return nil
	}

	row := &Row{
		EventKey:     inbox.ActivityCreatedKey(ev.ActivityID, ev.ActivityType),
		EventType:    schema.EventTypeActivityCreated,
		ActivityID:   ev.ActivityID,
		ComputerID:   ev.ComputerID,
		ActivityType: schema.NormalizeTag(ev.ActivityType),
		IsBlocked:    ev.IsBlocked,
		RiskScore:    ev.RiskScore,
		OccurredAt:   ev.OccurredAt.UTC(),
		RecordedAt:   time.Now().UTC(),
		Payload:      string(msg.Value),
	}

	if err := c.writer.Write(row); err != nil {
		return fmt.Errorf("archive: write activity event: %w", err)
	}
	return nil
}

func (c *Consumer) HandleAnomalyDetected(_ context.Context, msg broker.Message) error {
	var ev schema.AnomalyDetectedEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.logger.Error("dropping malformed archive payload",
			"event_type", msg.EventType(), "offset", msg.Offset, "error", err)
		return nil
	}

	row := &Row{
		EventKey:     inbox.AnomalyDetectedKey(ev.ActivityID, ev.AnomalyType, ev.Description),
		EventType:    schema.EventTypeAnomalyDetected,
		ActivityID:   ev.ActivityID,
		ComputerID:   ev.ComputerID,
		ActivityType: schema.NormalizeTag(ev.ActivityType),
		AnomalyType:  schema.NormalizeTag(ev.AnomalyType),
		Description:  ev.Description,
		IsBlocked:    ev.IsBlocked,
		RiskScore:    ev.RiskScore,
		OccurredAt:   ev.OccurredAt.UTC(),
		RecordedAt:   time.Now().UTC(),
		Payload:      string(msg.Value),
	}

	if err := c.writer.Write(row); err != nil {
		return fmt.Errorf("archive: write anomaly event: %w", err)
	}
	return nil
}
