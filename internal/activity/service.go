// Package activity implements the producing service: activity intake,
// rule evaluation and the transactional outbox append, all in one commit.
package activity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"watchdesk/internal/rules"
	"watchdesk/internal/schema"
	"watchdesk/internal/telemetry"
)

// DetectFunc evaluates the anomaly rules against a history snapshot. The
// store calls it inside the write transaction so the snapshot and the
// insert cannot race concurrent writers.
type DetectFunc func(ctx context.Context, history rules.History, activity *schema.Activity) ([]schema.Anomaly, error)

// Store persists one activity, its anomalies and their outbox envelopes
// atomically. Any failure, including inside detect, aborts the whole
// write: no activity row, no anomaly rows, no outbox rows.
type Store interface {
	Create(ctx context.Context, activity *schema.Activity, detect DetectFunc) (*schema.Activity, []schema.Anomaly, error)
}

// Service is the activity intake core.
type Service struct {
	store     Store
	engine    *rules.Engine
	validator *schema.Validator
	logger    *slog.Logger
	metrics   *telemetry.Metrics
}

// NewService creates the activity service.
func NewService(store Store, engine *rules.Engine, logger *slog.Logger, metrics *telemetry.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		engine:    engine,
		validator: schema.NewValidator(),
		logger:    logger.With("component", "activity-service"),
		metrics:   metrics,
	}
}

// Create validates and persists one activity. On success the activity,
// every anomaly the rules raised and one outbox envelope per event are
// committed together; the dispatcher picks the envelopes up after commit.
func (s *Service) Create(ctx context.Context, input *schema.ActivityInput) (*schema.Activity, []schema.Anomaly, error) {
	if err := s.validator.Validate(input); err != nil {
		return nil, nil, err
	}

	activity := input.ToActivity(time.Now().UTC())

	created, anomalies, err := s.store.Create(ctx, activity, s.engine.Detect)
	if err != nil {
		return nil, nil, fmt.Errorf("activity: create: %w", err)
	}

	if s.metrics != nil {
		s.metrics.ActivitiesIngested.Inc()
		for _, a := range anomalies {
			s.metrics.AnomaliesDetected.WithLabelValues(a.Type).Inc()
		}
	}

	s.logger.Info("activity created",
		"activity_id", created.ID,
		"computer_id", created.ComputerID,
		"activity_type", created.ActivityType,
		"anomalies", len(anomalies),
	)

	return created, anomalies, nil
}
