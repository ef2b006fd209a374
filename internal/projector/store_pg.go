package projector

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"watchdesk/internal/inbox"
	"watchdesk/internal/projection"
	"watchdesk/internal/schema"
)

// The upsert statements below mirror the merge algebra in the projection
// package: counters add, averages merge sample-weighted and round to two
// decimals, last_event_at takes the maximum. Keeping both in lockstep is
// what makes the in-memory stores faithful stand-ins in tests.

// withInbox runs fn inside a transaction guarded by the consumer's inbox
// entry. A duplicate key rolls back and returns false without invoking fn.
func withInbox(ctx context.Context, pool *pgxpool.Pool, consumer, eventKey, messageID string,
	fn func(ctx context.Context, tx pgx.Tx) error) (bool, error) {

	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("projector: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted, err := inbox.MarkProcessed(ctx, tx, consumer, eventKey, messageID)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, tx.Rollback(ctx)
	}

	if err := fn(ctx, tx); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("projector: commit: %w", err)
	}
	return true, nil
}

// PostgresNotificationStore implements NotificationStore.
type PostgresNotificationStore struct {
	pool     *pgxpool.Pool
	consumer string
}

// NewPostgresNotificationStore creates the notification store.
func NewPostgresNotificationStore(pool *pgxpool.Pool) *PostgresNotificationStore {
	return &PostgresNotificationStore{pool: pool, consumer: "notifications"}
}

func (s *PostgresNotificationStore) Create(ctx context.Context, eventKey, messageID string, n *Notification) (bool, error) {
	return withInbox(ctx, s.pool, s.consumer, eventKey, messageID, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO notifications (user_id, type, title, message, channel, is_read, sent_at)
			VALUES ($1, $2, $3, $4, $5, false, $6)
		`, n.UserID, n.Type, n.Title, n.Message, n.Channel, n.SentAt)
		if err != nil {
			return fmt.Errorf("projector: insert notification: %w", err)
		}
		return nil
	})
}

// PostgresMetricsStore implements MetricsStore.
type PostgresMetricsStore struct {
	pool     *pgxpool.Pool
	consumer string
}

// NewPostgresMetricsStore creates the metrics rollup store.
func NewPostgresMetricsStore(pool *pgxpool.Pool) *PostgresMetricsStore {
	return &PostgresMetricsStore{pool: pool, consumer: "metrics-rollups"}
}

func (s *PostgresMetricsStore) ApplyActivity(ctx context.Context, eventKey, messageID string, ev *schema.ActivityCreatedEvent) (bool, error) {
	return withInbox(ctx, s.pool, s.consumer, eventKey, messageID, func(ctx context.Context, tx pgx.Tx) error {
		blocked := 0
		if ev.IsBlocked {
			blocked = 1
		}
		samples := 0
		if ev.RiskScore != nil {
			samples = 1
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO activity_event_rollups
				(bucket_date, computer_id, activity_type, total_count, blocked_count, avg_risk_score, risk_score_samples, last_event_at)
			VALUES
				($1, $2, $3, 1, $4, $5, $6, $7)
			ON CONFLICT (bucket_date, computer_id, activity_type)
			DO UPDATE SET
				total_count = activity_event_rollups.total_count + 1,
				blocked_count = activity_event_rollups.blocked_count + EXCLUDED.blocked_count,
				avg_risk_score = CASE
					WHEN EXCLUDED.risk_score_samples = 0 THEN activity_event_rollups.avg_risk_score
					WHEN COALESCE(activity_event_rollups.risk_score_samples, 0) = 0 THEN ROUND(EXCLUDED.avg_risk_score, 2)
					ELSE ROUND((
						(COALESCE(activity_event_rollups.avg_risk_score, 0) * activity_event_rollups.risk_score_samples)
						+ (COALESCE(EXCLUDED.avg_risk_score, 0) * EXCLUDED.risk_score_samples)
					) / (activity_event_rollups.risk_score_samples + EXCLUDED.risk_score_samples), 2)
				END,
				risk_score_samples = activity_event_rollups.risk_score_samples + EXCLUDED.risk_score_samples,
				last_event_at = GREATEST(activity_event_rollups.last_event_at, EXCLUDED.last_event_at)
		`, projection.BucketDate(ev.OccurredAt), ev.ComputerID, schema.NormalizeTag(ev.ActivityType),
			blocked, ev.RiskScore, samples, ev.OccurredAt)
		if err != nil {
			return fmt.Errorf("projector: upsert activity rollup: %w", err)
		}
		return nil
	})
}

func (s *PostgresMetricsStore) ApplyAnomaly(ctx context.Context, eventKey, messageID string, ev *schema.AnomalyDetectedEvent) (bool, error) {
	return withInbox(ctx, s.pool, s.consumer, eventKey, messageID, func(ctx context.Context, tx pgx.Tx) error {
		highPriority := 0
		if projection.HighPriorityAnomaly(ev.AnomalyType) {
			highPriority = 1
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO anomaly_event_rollups
				(bucket_date, computer_id, anomaly_type, total_count, high_priority_count, last_event_at)
			VALUES
				($1, $2, $3, 1, $4, $5)
			ON CONFLICT (bucket_date, computer_id, anomaly_type)
			DO UPDATE SET
				total_count = anomaly_event_rollups.total_count + 1,
				high_priority_count = anomaly_event_rollups.high_priority_count + EXCLUDED.high_priority_count,
				last_event_at = GREATEST(anomaly_event_rollups.last_event_at, EXCLUDED.last_event_at)
		`, projection.BucketDate(ev.OccurredAt), ev.ComputerID, schema.NormalizeTag(ev.AnomalyType),
			highPriority, ev.OccurredAt)
		if err != nil {
			return fmt.Errorf("projector: upsert anomaly rollup: %w", err)
		}
		return nil
	})
}

// PostgresReportStore implements ReportStore.
type PostgresReportStore struct {
	pool     *pgxpool.Pool
	consumer string
}

// NewPostgresReportStore creates the daily report store.
func NewPostgresReportStore(pool *pgxpool.Pool) *PostgresReportStore {
	return &PostgresReportStore{pool: pool, consumer: "reports"}
}

func (s *PostgresReportStore) ApplyActivity(ctx context.Context, eventKey, messageID string, ev *schema.ActivityCreatedEvent) (bool, error) {
	return withInbox(ctx, s.pool, s.consumer, eventKey, messageID, func(ctx context.Context, tx pgx.Tx) error {
		blocked := 0
		if ev.IsBlocked {
			blocked = 1
		}
		samples := 0
		if ev.RiskScore != nil {
			samples = 1
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO daily_reports
				(report_date, computer_id, user_id, total_activities, blocked_actions, avg_risk_score, risk_score_samples, anomaly_count)
			VALUES
				($1, $2, NULL, 1, $3, $4, $5, 0)
			ON CONFLICT (report_date, computer_id)
			DO UPDATE SET
				total_activities = daily_reports.total_activities + 1,
				blocked_actions = daily_reports.blocked_actions + EXCLUDED.blocked_actions,
				avg_risk_score = CASE
					WHEN EXCLUDED.risk_score_samples = 0 THEN daily_reports.avg_risk_score
					WHEN COALESCE(daily_reports.risk_score_samples, 0) = 0 THEN ROUND(EXCLUDED.avg_risk_score, 2)
					ELSE ROUND((
						(COALESCE(daily_reports.avg_risk_score, 0) * daily_reports.risk_score_samples)
						+ (COALESCE(EXCLUDED.avg_risk_score, 0) * EXCLUDED.risk_score_samples)
					) / (daily_reports.risk_score_samples + EXCLUDED.risk_score_samples), 2)
				END,
				risk_score_samples = daily_reports.risk_score_samples + EXCLUDED.risk_score_samples
		`, projection.BucketDate(ev.OccurredAt), ev.ComputerID, blocked, ev.RiskScore, samples)
		if err != nil {
			return fmt.Errorf("projector: upsert daily report: %w", err)
		}
		return nil
	})
}

func (s *PostgresReportStore) ApplyAnomaly(ctx context.Context, eventKey, messageID string, ev *schema.AnomalyDetectedEvent) (bool, error) {
	return withInbox(ctx, s.pool, s.consumer, eventKey, messageID, func(ctx context.Context, tx pgx.Tx) error {
		blockedBump := 0
		if schema.NormalizeTag(ev.AnomalyType) == schema.AnomalyBlockedActivity {
			blockedBump = 1
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO daily_reports
				(report_date, computer_id, user_id, total_activities, blocked_actions, avg_risk_score, risk_score_samples, anomaly_count)
			VALUES
				($1, $2, NULL, 0, $3, NULL, 0, 1)
			ON CONFLICT (report_date, computer_id)
			DO UPDATE SET
				anomaly_count = daily_reports.anomaly_count + 1,
				blocked_actions = daily_reports.blocked_actions + EXCLUDED.blocked_actions
		`, projection.BucketDate(ev.OccurredAt), ev.ComputerID, blockedBump)
		if err != nil {
			return fmt.Errorf("projector: bump daily report anomalies: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO report_daily_anomaly_rollups
				(bucket_date, computer_id, anomaly_type, total_count, last_event_at)
			VALUES
				($1, $2, $3, 1, $4)
			ON CONFLICT (bucket_date, computer_id, anomaly_type)
			DO UPDATE SET
				total_count = report_daily_anomaly_rollups.total_count + 1,
				last_event_at = GREATEST(report_daily_anomaly_rollups.last_event_at, EXCLUDED.last_event_at)
		`, projection.BucketDate(ev.OccurredAt), ev.ComputerID, schema.NormalizeTag(ev.AnomalyType), ev.OccurredAt)
		if err != nil {
			return fmt.Errorf("projector: upsert report anomaly rollup: %w", err)
		}
		return nil
	})
}
