// Package inbox implements the idempotent-consumer barrier. Every
// downstream service records processed events in its own inbox table
// keyed by a deterministic event key; a key conflict means the event was
// already applied and the redelivery must be acknowledged without
// side effects.
package inbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5"

	"watchdesk/internal/schema"
)

// ActivityCreatedKey derives the dedup key for an activity-created
// event. The key is a pure function of immutable event fields, so every
// redelivery of the same logical event, whatever its transport message
// id, collapses to the same key.
func ActivityCreatedKey(activityID int64, activityType string) string {
	return fmt.Sprintf("activity-created:%d:%s", activityID, schema.NormalizeTag(activityType))
}

// AnomalyDetectedKey derives the dedup key for an anomaly-detected
// event. The description hash disambiguates anomalies of the same type
// on the same activity.
func AnomalyDetectedKey(activityID int64, anomalyType, description string) string {
	sum := sha256.Sum256([]byte(description))
	return fmt.Sprintf("anomaly-detected:%d:%s:%s",
		activityID, schema.NormalizeTag(anomalyType), hex.EncodeToString(sum[:]))
}

// MarkProcessed inserts the event key into the consumer's inbox inside
// the caller's transaction. It returns false when the key already
// exists, meaning a duplicate delivery: the caller must roll back its
// transaction and acknowledge the message.
func MarkProcessed(ctx context.Context, tx pgx.Tx, consumer, eventKey, messageID string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_event_inbox (consumer, event_key, message_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (consumer, event_key) DO NOTHING
	`, consumer, eventKey, messageID)
	if err != nil {
		return false, fmt.Errorf("inbox: mark processed %s/%s: %w", consumer, eventKey, err)
	}
	return tag.RowsAffected() == 1, nil
}
