// Package outbox implements the transactional outbox: domain writes and
// the events they produce share one commit, and a background dispatcher
// drains committed envelopes to the broker with retry and backoff.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"watchdesk/internal/schema"
)

// Message is the durable envelope stored in outbox_messages.
// Lifecycle: created pending in the same transaction as the domain write;
// the dispatcher sets ProcessedAt on success, or pushes AvailableAt
// forward on failure; after the attempt cap the message is parked with
// DeadLetteredAt so it can never block the queue.
type Message struct {
	ID             int64
	EventType      string
	ActivityID     int64
	Payload        []byte
	Headers        map[string]string
	AttemptCount   int
	AvailableAt    time.Time
	ProcessedAt    *time.Time
	DeadLetteredAt *time.Time
	LastError      string
	CreatedAt      time.Time
}

// Writer creates pending envelopes inside the caller's transaction.
type Writer struct {
	sourceService string
}

// NewWriter creates a Writer stamping envelopes with the producing
// service's name.
func NewWriter(sourceService string) *Writer {
	return &Writer{sourceService: sourceService}
}

// ActivityCreated appends an activity-created envelope to the outbox in
// the given transaction.
func (w *Writer) ActivityCreated(ctx context.Context, tx pgx.Tx, activity *schema.Activity) error {
	event := schema.NewActivityCreatedEvent(activity)
	return w.append(ctx, tx, schema.EventTypeActivityCreated, activity.ID, event)
}

// AnomalyDetected appends an anomaly-detected envelope to the outbox in
// the given transaction.
func (w *Writer) AnomalyDetected(ctx context.Context, tx pgx.Tx, activity *schema.Activity, anomaly *schema.Anomaly) error {
	event := schema.NewAnomalyDetectedEvent(activity, anomaly)
	return w.append(ctx, tx, schema.EventTypeAnomalyDetected, activity.ID, event)
}

func (w *Writer) append(ctx context.Context, tx pgx.Tx, eventType string, activityID int64, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal %s payload: %w", eventType, err)
	}

	now := time.Now().UTC()
	headers, err := json.Marshal(map[string]string{
		"x-source-service": w.sourceService,
		"x-event-type":     eventType,
		"x-activity-id":    strconv.FormatInt(activityID, 10),
		"x-created-at-utc": now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("outbox: marshal headers: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_messages (event_type, activity_id, payload, headers, available_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, eventType, activityID, body, headers, now)
	if err != nil {
		return fmt.Errorf("outbox: append %s: %w", eventType, err)
	}

	return nil
}
