package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"watchdesk/internal/outbox"
	"watchdesk/internal/schema"
)

// PostgresStore implements Store on the activity database.
type PostgresStore struct {
	pool   *pgxpool.Pool
	outbox *outbox.Writer
}

// NewPostgresStore creates the activity store.
func NewPostgresStore(pool *pgxpool.Pool, outboxWriter *outbox.Writer) *PostgresStore {
	return &PostgresStore{pool: pool, outbox: outboxWriter}
}

// Create runs the whole write in one transaction: activity insert, rule
// evaluation against the transaction snapshot, anomaly inserts, and one
// outbox envelope per published event. The commit is the only point
// where anything becomes visible, which is what lets downstream state
// follow from the outbox alone.
func (s *PostgresStore) Create(ctx context.Context, activity *schema.Activity, detect DetectFunc) (*schema.Activity, []schema.Anomaly, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO activities
			(computer_id, activity_type, details, duration_ms, url, process_name, is_blocked, risk_score, synced, "timestamp")
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, activity.ComputerID, activity.ActivityType, activity.Details, activity.DurationMs,
		nullIfEmpty(activity.URL), nullIfEmpty(activity.ProcessName),
		activity.IsBlocked, activity.RiskScore, activity.Synced, activity.Timestamp,
	).Scan(&activity.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("insert activity: %w", err)
	}

	anomalies, err := detect(ctx, &txHistory{tx: tx}, activity)
	if err != nil {
		return nil, nil, fmt.Errorf("detect anomalies: %w", err)
	}

	for i := range anomalies {
		err = tx.QueryRow(ctx, `
			INSERT INTO anomalies (activity_id, type, description, detected_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, activity.ID, anomalies[i].Type, anomalies[i].Description, anomalies[i].DetectedAt,
		).Scan(&anomalies[i].ID)
		if err != nil {
			return nil, nil, fmt.Errorf("insert anomaly: %w", err)
		}
	}

	if err := s.outbox.ActivityCreated(ctx, tx, activity); err != nil {
		return nil, nil, err
	}
	for i := range anomalies {
		if err := s.outbox.AnomalyDetected(ctx, tx, activity, &anomalies[i]); err != nil {
			return nil, nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}

	return activity, anomalies, nil
}

// txHistory answers rule-engine queries from the write transaction, so
// the rules see exactly the state the insert will commit against.
type txHistory struct {
	tx pgx.Tx
}

func (h *txHistory) CountSimilar(ctx context.Context, computerID int64, activityType string, since time.Time, excludeID int64) (int, error) {
	var count int
	err := h.tx.QueryRow(ctx, `
		SELECT count(*)
		FROM activities
		WHERE computer_id = $1 AND activity_type = $2 AND "timestamp" >= $3 AND id <> $4
	`, computerID, activityType, since, excludeID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count similar activities: %w", err)
	}
	return count, nil
}

func (h *txHistory) CountRecentNetwork(ctx context.Context, computerID int64, since time.Time, excludeID int64) (int, error) {
	var count int
	err := h.tx.QueryRow(ctx, `
		SELECT count(*)
		FROM activities
		WHERE computer_id = $1 AND activity_type = 'NETWORK_ACCESS' AND "timestamp" >= $2 AND id <> $3
	`, computerID, since, excludeID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count network activities: %w", err)
	}
	return count, nil
}

func (h *txHistory) HasBusinessHoursActivity(ctx context.Context, computerID int64, day time.Time, startHour, endHour int) (bool, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	var exists bool
	err := h.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM activities
			WHERE computer_id = $1
			  AND "timestamp" >= $2 AND "timestamp" < $3
			  AND EXTRACT(hour FROM "timestamp") BETWEEN $4 AND $5
		)
	`, computerID, dayStart, dayStart.AddDate(0, 0, 1), startHour, endHour).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check business hours activity: %w", err)
	}
	return exists, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
