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

// ReportStore folds one event into the daily report tables behind the
// inbox. The false return reports a duplicate event key.
type ReportStore interface {
	ApplyActivity(ctx context.Context, eventKey, messageID string, ev *schema.ActivityCreatedEvent) (bool, error)
	ApplyAnomaly(ctx context.Context, eventKey, messageID string, ev *schema.AnomalyDetectedEvent) (bool, error)
}

// Reports projects activity events into per-day, per-computer report rows.
type Reports struct {
	base
	store ReportStore
}

// NewReports creates the report projector.
func NewReports(store ReportStore, logger *slog.Logger, metrics *telemetry.Metrics) *Reports {
	return &Reports{
		base:  newBase("reports", logger, metrics),
		store: store,
	}
}

// Handlers maps topics to this projector's handlers.
func (p *Reports) Handlers() map[string]broker.Handler {
	return map[string]broker.Handler{
		schema.EventTypeActivityCreated: p.HandleActivityCreated,
		schema.EventTypeAnomalyDetected: p.HandleAnomalyDetected,
	}
}

func (p *Reports) HandleActivityCreated(ctx context.Context, msg broker.Message) error {
	start := time.Now()

	var ev schema.ActivityCreatedEvent
	if !p.decode(&msg, &ev) {
		return nil
	}
	ev.OccurredAt = eventTimestamp(&msg, ev.OccurredAt)

	key := inbox.ActivityCreatedKey(ev.ActivityID, ev.ActivityType)
	applied, err := p.store.ApplyActivity(ctx, key, msg.MessageID(), &ev)
	if err != nil {
		return fmt.Errorf("reports: daily report for activity %d: %w", ev.ActivityID, err)
	}

	p.observe(&msg, outcomeOf(applied), start)
	return nil
}

func (p *Reports) HandleAnomalyDetected(ctx context.Context, msg broker.Message) error {
	start := time.Now()

	var ev schema.AnomalyDetectedEvent
	if !p.decode(&msg, &ev) {
		return nil
	}
	ev.OccurredAt = eventTimestamp(&msg, ev.OccurredAt)

	key := inbox.AnomalyDetectedKey(ev.ActivityID, ev.AnomalyType, ev.Description)
	applied, err := p.store.ApplyAnomaly(ctx, key, msg.MessageID(), &ev)
	if err != nil {
		return fmt.Errorf("reports: daily report for activity %d: %w", ev.ActivityID, err)
	}

	p.observe(&msg, outcomeOf(applied), start)
	return nil
}
