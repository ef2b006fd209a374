package projector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"watchdesk/internal/broker"
	"watchdesk/internal/inbox"
	"watchdesk/internal/schema"
	"watchdesk/internal/telemetry"
)

// MetricsStore folds one event into the rollup tables behind the inbox.
// The false return reports a duplicate event key.
type MetricsStore interface {
	ApplyActivity(ctx context.Context, eventKey, messageID string, ev *schema.ActivityCreatedEvent) (bool, error)
	ApplyAnomaly(ctx context.Context, eventKey, messageID string, ev *schema.AnomalyDetectedEvent) (bool, error)
}

// MetricsRollups projects activity events into per-day aggregation rows.
type MetricsRollups struct {
	base
	store MetricsStore
}

// NewMetricsRollups creates the metrics projector.
func NewMetricsRollups(store MetricsStore, logger *slog.Logger, metrics *telemetry.Metrics) *MetricsRollups {
	return &MetricsRollups{
		base:  newBase("metrics-rollups", logger, metrics),
		store: store,
	}
}

// Handlers maps topics to this projector's handlers.
func (p *MetricsRollups) Handlers() map[string]broker.Handler {
	return map[string]broker.Handler{
		schema.EventTypeActivityCreated: p.HandleActivityCreated,
		schema.EventTypeAnomalyDetected: p.HandleAnomalyDetected,
	}
}

func (p *MetricsRollups) HandleActivityCreated(ctx context.Context, msg broker.Message) error {
	start := time.Now()

	var ev schema.ActivityCreatedEvent
	if !p.decode(&msg, &ev) {
		return nil
	}
	ev.OccurredAt = eventTimestamp(&msg, ev.OccurredAt)

	key := inbox.ActivityCreatedKey(ev.ActivityID, ev.ActivityType)
	applied, err := p.store.ApplyActivity(ctx, key, msg.MessageID(), &ev)
	if err != nil {
		return fmt.Errorf("metrics: activity rollup for activity %d: %w", ev.ActivityID, err)
	}

	p.observe(&msg, outcomeOf(applied), start)
	return nil
}

func (p *MetricsRollups) HandleAnomalyDetected(ctx context.Context, msg broker.Message) error {
	start := time.Now()

	var ev schema.AnomalyDetectedEvent
	if !p.decode(&msg, &ev) {
		return nil
	}
	ev.OccurredAt = eventTimestamp(&msg, ev.OccurredAt)

	key := inbox.AnomalyDetectedKey(ev.ActivityID, ev.AnomalyType, ev.Description)
	applied, err := p.store.ApplyAnomaly(ctx, key, msg.MessageID(), &ev)
	if err != nil {
		return fmt.Errorf("metrics: anomaly rollup for activity %d: %w", ev.ActivityID, err)
	}

	p.observe(&msg, outcomeOf(applied), start)
	return nil
}
