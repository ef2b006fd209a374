package projector

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"watchdesk/internal/broker"
	"watchdesk/internal/projection"
	"watchdesk/internal/schema"
)

// The in-memory stores reuse the projection merge algebra, the same one
// the SQL upserts mirror, and enforce the inbox contract: a seen event
// key means no state change.

type memNotificationStore struct {
	inbox         map[string]bool
	notifications []*Notification
}

func newMemNotificationStore() *memNotificationStore {
	return &memNotificationStore{inbox: make(map[string]bool)}
}

func (s *memNotificationStore) Create(_ context.Context, eventKey, _ string, n *Notification) (bool, error) {
	if s.inbox[eventKey] {
		return false, nil
	}
	s.inbox[eventKey] = true
	s.notifications = append(s.notifications, n)
	return true, nil
}

type memMetricsStore struct {
	inbox      map[string]bool
	activities map[string]*projection.ActivityRollup
	anomalies  map[string]*projection.AnomalyRollup
}

func newMemMetricsStore() *memMetricsStore {
	return &memMetricsStore{
		inbox:      make(map[string]bool),
		activities: make(map[string]*projection.ActivityRollup),
		anomalies:  make(map[string]*projection.AnomalyRollup),
	}
}

func (s *memMetricsStore) ApplyActivity(_ context.Context, eventKey, _ string, ev *schema.ActivityCreatedEvent) (bool, error) {
	if s.inbox[eventKey] {
		return false, nil
	}
	s.inbox[eventKey] = true

	bucket := projection.BucketDate(ev.OccurredAt)
	key := fmt.Sprintf("%s/%d/%s", bucket.Format("2006-01-02"), ev.ComputerID, schema.NormalizeTag(ev.ActivityType))
	r, ok := s.activities[key]
	if !ok {
		r = &projection.ActivityRollup{
			BucketDate:   bucket,
			ComputerID:   ev.ComputerID,
			ActivityType: schema.NormalizeTag(ev.ActivityType),
		}
		s.activities[key] = r
	}
	r.ApplyActivity(ev)
	return true, nil
}

func (s *memMetricsStore) ApplyAnomaly(_ context.Context, eventKey, _ string, ev *schema.AnomalyDetectedEvent) (bool, error) {
	if s.inbox[eventKey] {
		return false, nil
	}
	s.inbox[eventKey] = true

	bucket := projection.BucketDate(ev.OccurredAt)
	key := fmt.Sprintf("%s/%d/%s", bucket.Format("2006-01-02"), ev.ComputerID, schema.NormalizeTag(ev.AnomalyType))
	r, ok := s.anomalies[key]
	if !ok {
		r = &projection.AnomalyRollup{
			BucketDate:  bucket,
			ComputerID:  ev.ComputerID,
			AnomalyType: schema.NormalizeTag(ev.AnomalyType),
		}
		s.anomalies[key] = r
	}
	r.ApplyAnomaly(ev)
	return true, nil
}

type memReportStore struct {
	inbox   map[string]bool
	reports map[string]*projection.DailyReport
}

func newMemReportStore() *memReportStore {
	return &memReportStore{
		inbox:   make(map[string]bool),
		reports: make(map[string]*projection.DailyReport),
	}
}

func (s *memReportStore) report(ev time.Time, computerID int64) *projection.DailyReport {
	bucket := projection.BucketDate(ev)
	key := fmt.Sprintf("%s/%d", bucket.Format("2006-01-02"), computerID)
	r, ok := s.reports[key]
	if !ok {
		r = &projection.DailyReport{ReportDate: bucket, ComputerID: computerID}
		s.reports[key] = r
	}
	return r
}

func (s *memReportStore) ApplyActivity(_ context.Context, eventKey, _ string, ev *schema.ActivityCreatedEvent) (bool, error) {
	if s.inbox[eventKey] {
		return false, nil
	}
	s.inbox[eventKey] = true
	s.report(ev.OccurredAt, ev.ComputerID).ApplyActivity(ev)
	return true, nil
}

func (s *memReportStore) ApplyAnomaly(_ context.Context, eventKey, _ string, ev *schema.AnomalyDetectedEvent) (bool, error) {
	if s.inbox[eventKey] {
		return false, nil
	}
	s.inbox[eventKey] = true
	s.report(ev.OccurredAt, ev.ComputerID).ApplyAnomaly(ev)
	return true, nil
}

func score(v float64) *float64 { return &v }

func message(t *testing.T, eventType, messageID string, payload any) broker.Message {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return broker.Message{
		Topic: eventType,
		Value: body,
		Headers: map[string]string{
			broker.HeaderMessageID: messageID,
			broker.HeaderEventType: eventType,
		},
	}
}

func TestNotificationsAnomalyRouting(t *testing.T) {
	tests := []struct {
		anomalyType  string
		wantPriority string
		wantChannel  string
	}{
		{schema.AnomalyHighRisk, PriorityHigh, ChannelEmail},
		{schema.AnomalySuspiciousType, PriorityHigh, ChannelEmail},
		{schema.AnomalyBlockedActivity, PriorityHigh, ChannelEmail},
		{schema.AnomalyUnusualDuration, PriorityMedium, ChannelInApp},
		{schema.AnomalyRepeatedActivity, PriorityMedium, ChannelInApp},
		{schema.AnomalySuspiciousURL, PriorityLow, ChannelInApp},
		{schema.AnomalyUnusualTime, PriorityLow, ChannelInApp},
	}

	for _, tt := range tests {
		t.Run(tt.anomalyType, func(t *testing.T) {
			if got := NotificationPriority(tt.anomalyType); got != tt.wantPriority {
				t.Errorf("NotificationPriority(%q) = %q, want %q", tt.anomalyType, got, tt.wantPriority)
			}

			store := newMemNotificationStore()
			p := NewNotifications(store, nil, nil)

			ev := schema.AnomalyDetectedEvent{
				ActivityID:   7,
				ComputerID:   3,
				ActivityType: "FILE_ACCESS",
				AnomalyType:  tt.anomalyType,
				Description:  "test anomaly",
				OccurredAt:   time.Now().UTC(),
			}
			if err := p.HandleAnomalyDetected(context.Background(), message(t, schema.EventTypeAnomalyDetected, "m-1", ev)); err != nil {
				t.Fatalf("HandleAnomalyDetected: %v", err)
			}

			if len(store.notifications) != 1 {
				t.Fatalf("notifications = %d, want 1", len(store.notifications))
			}
			if got := store.notifications[0].Channel; got != tt.wantChannel {
				t.Errorf("channel = %q, want %q", got, tt.wantChannel)
			}
		})
	}
}

func TestNotificationsDuplicateAnomalyDeliveredOnce(t *testing.T) {
	store := newMemNotificationStore()
	p := NewNotifications(store, nil, nil)

	ev := schema.AnomalyDetectedEvent{
		ActivityID:  9,
		ComputerID:  2,
		AnomalyType: schema.AnomalyHighRisk,
		Description: "Activity has high risk score: 95",
		OccurredAt:  time.Now().UTC(),
	}

	// Same logical event, different transport message ids: the broker
	// redelivered it.
	first := message(t, schema.EventTypeAnomalyDetected, "m-1", ev)
	second := message(t, schema.EventTypeAnomalyDetected, "m-2", ev)

	if err := p.HandleAnomalyDetected(context.Background(), first); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := p.HandleAnomalyDetected(context.Background(), second); err != nil {
		t.Fatalf("redelivery must be acknowledged, got error: %v", err)
	}

	if len(store.notifications) != 1 {
		t.Errorf("notifications = %d, want exactly 1 despite redelivery", len(store.notifications))
	}
}

func TestNotificationsSecurityAlertFilter(t *testing.T) {
	tests := []struct {
		activityType string
		wantAlert    bool
	}{
		{"MALWARE", true},
		{"malware", true},
		{"DATA_EXFILTRATION", true},
		{"UNAUTHORIZED_ACCESS", true},
		{"SUSPICIOUS_ACTIVITY", true},
		{"FILE_ACCESS", false},
		{"WEB_BROWSING", false},
	}

	for _, tt := range tests {
		t.Run(tt.activityType, func(t *testing.T) {
			store := newMemNotificationStore()
			p := NewNotifications(store, nil, nil)

			ev := schema.ActivityCreatedEvent{
				ActivityID:   1,
				ComputerID:   5,
				ActivityType: tt.activityType,
				OccurredAt:   time.Now().UTC(),
			}
			if err := p.HandleActivityCreated(context.Background(), message(t, schema.EventTypeActivityCreated, "m-1", ev)); err != nil {
				t.Fatalf("HandleActivityCreated: %v", err)
			}

			got := len(store.notifications) == 1
			if got != tt.wantAlert {
				t.Errorf("alert created = %v, want %v", got, tt.wantAlert)
			}
			if tt.wantAlert {
				n := store.notifications[0]
				if n.Type != "SECURITY_ALERT" || n.Channel != ChannelEmail {
					t.Errorf("alert = %q via %q, want SECURITY_ALERT via email", n.Type, n.Channel)
				}
			}
		})
	}
}

func TestMetricsRollupMergesAcrossDeliveries(t *testing.T) {
	store := newMemMetricsStore()
	p := NewMetricsRollups(store, nil, nil)
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	events := []schema.ActivityCreatedEvent{
		{ActivityID: 1, ComputerID: 4, ActivityType: "FILE_ACCESS", RiskScore: score(10), OccurredAt: day.Add(9 * time.Hour)},
		{ActivityID: 2, ComputerID: 4, ActivityType: "FILE_ACCESS", RiskScore: score(10), OccurredAt: day.Add(10 * time.Hour)},
		{ActivityID: 3, ComputerID: 4, ActivityType: "FILE_ACCESS", RiskScore: score(40), IsBlocked: true, OccurredAt: day.Add(11 * time.Hour)},
	}
	for _, ev := range events {
		if err := p.HandleActivityCreated(context.Background(), message(t, schema.EventTypeActivityCreated, "m", ev)); err != nil {
			t.Fatalf("HandleActivityCreated: %v", err)
		}
	}

	// Redeliver the second event.
	if err := p.HandleActivityCreated(context.Background(), message(t, schema.EventTypeActivityCreated, "m-dup", events[1])); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	if len(store.activities) != 1 {
		t.Fatalf("rollup rows = %d, want 1", len(store.activities))
	}
	var r *projection.ActivityRollup
	for _, v := range store.activities {
		r = v
	}

	if r.TotalCount != 3 || r.BlockedCount != 1 {
		t.Errorf("counts = %d total / %d blocked, want 3/1", r.TotalCount, r.BlockedCount)
	}
	if r.AvgRiskScore != 20 || r.RiskScoreSamples != 3 {
		t.Errorf("avg = %v over %d samples, want 20 over 3", r.AvgRiskScore, r.RiskScoreSamples)
	}
	if !r.LastEventAt.Equal(day.Add(11 * time.Hour)) {
		t.Errorf("LastEventAt = %v, want %v", r.LastEventAt, day.Add(11*time.Hour))
	}
}

func TestReportsAnomalyBumpsBlockedActions(t *testing.T) {
	store := newMemReportStore()
	p := NewReports(store, nil, nil)
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	activity := schema.ActivityCreatedEvent{
		ActivityID: 1, ComputerID: 8, ActivityType: "WEB_BROWSING",
		RiskScore: score(50), OccurredAt: day.Add(time.Hour),
	}
	blocked := schema.AnomalyDetectedEvent{
		ActivityID: 1, ComputerID: 8, AnomalyType: schema.AnomalyBlockedActivity,
		Description: "Activity was blocked by security system", OccurredAt: day.Add(time.Hour),
	}
	benign := schema.AnomalyDetectedEvent{
		ActivityID: 1, ComputerID: 8, AnomalyType: schema.AnomalyUnusualDuration,
		Description: "Activity duration is unusually long: 90000000ms", OccurredAt: day.Add(time.Hour),
	}

	ctx := context.Background()
	if err := p.HandleActivityCreated(ctx, message(t, schema.EventTypeActivityCreated, "m-1", activity)); err != nil {
		t.Fatalf("activity: %v", err)
	}
	if err := p.HandleAnomalyDetected(ctx, message(t, schema.EventTypeAnomalyDetected, "m-2", blocked)); err != nil {
		t.Fatalf("blocked anomaly: %v", err)
	}
	if err := p.HandleAnomalyDetected(ctx, message(t, schema.EventTypeAnomalyDetected, "m-3", benign)); err != nil {
		t.Fatalf("benign anomaly: %v", err)
	}
	// Redeliver the blocked anomaly; blocked_actions must not double.
	if err := p.HandleAnomalyDetected(ctx, message(t, schema.EventTypeAnomalyDetected, "m-4", blocked)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	if len(store.reports) != 1 {
		t.Fatalf("report rows = %d, want 1", len(store.reports))
	}
	var r *projection.DailyReport
	for _, v := range store.reports {
		r = v
	}

	if r.TotalActivities != 1 {
		t.Errorf("TotalActivities = %d, want 1", r.TotalActivities)
	}
	if r.AnomalyCount != 2 {
		t.Errorf("AnomalyCount = %d, want 2", r.AnomalyCount)
	}
	if r.BlockedActions != 1 {
		t.Errorf("BlockedActions = %d, want 1 (only the BLOCKED_ACTIVITY anomaly)", r.BlockedActions)
	}
	if r.AvgRiskScore != 50 || r.RiskScoreSamples != 1 {
		t.Errorf("avg = %v over %d samples, want 50 over 1", r.AvgRiskScore, r.RiskScoreSamples)
	}
}

func TestZeroTimestampFallsBackToEnvelopeCreatedAt(t *testing.T) {
	store := newMemMetricsStore()
	p := NewMetricsRollups(store, nil, nil)

	created := time.Date(2025, 5, 20, 23, 30, 0, 0, time.UTC)
	ev := schema.ActivityCreatedEvent{ActivityID: 11, ComputerID: 4, ActivityType: "FILE_ACCESS"}

	msg := message(t, schema.EventTypeActivityCreated, "m-1", ev)
	msg.Headers[broker.HeaderCreatedAtUTC] = created.Format(time.RFC3339Nano)

	if err := p.HandleActivityCreated(context.Background(), msg); err != nil {
		t.Fatalf("HandleActivityCreated: %v", err)
	}

	if len(store.activities) != 1 {
		t.Fatalf("rollup rows = %d, want 1", len(store.activities))
	}
	for _, r := range store.activities {
		// The envelope timestamp, not the local clock, decides the bucket,
		// so every projection agrees on the day for the same event.
		want := time.Date(2025, 5, 20, 0, 0, 0, 0, time.UTC)
		if !r.BucketDate.Equal(want) {
			t.Errorf("bucket = %v, want %v", r.BucketDate, want)
		}
	}
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	store := newMemMetricsStore()
	p := NewMetricsRollups(store, nil, nil)

	msg := broker.Message{
		Topic:   schema.EventTypeActivityCreated,
		Value:   []byte("{not json"),
		Headers: map[string]string{broker.HeaderEventType: schema.EventTypeActivityCreated},
	}

	// Poison payloads are acknowledged, not retried forever.
	if err := p.HandleActivityCreated(context.Background(), msg); err != nil {
		t.Fatalf("malformed payload must be acknowledged, got %v", err)
	}
	if len(store.activities) != 0 {
		t.Error("malformed payload must not touch the read model")
	}
}
