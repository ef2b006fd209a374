package projector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"watchdesk/internal/broker"
	"watchdesk/internal/inbox"
	"watchdesk/internal/projection"
	"watchdesk/internal/schema"
	"watchdesk/internal/telemetry"
)

// Notification priorities and delivery channels.
const (
	PriorityHigh   = "HIGH"
	PriorityMedium = "MEDIUM"
	PriorityLow    = "LOW"

	ChannelEmail = "email"
	ChannelInApp = "in_app"
)

// Activity types that warrant a security alert on their own, before any
// anomaly rule fires.
var securityAlertTypes = map[string]struct{}{
	"MALWARE":             {},
	"DATA_EXFILTRATION":   {},
	"UNAUTHORIZED_ACCESS": {},
	"SUSPICIOUS_ACTIVITY": {},
}

// Notification is one alert row destined for a user.
type Notification struct {
	UserID  int64
	Type    string
	Title   string
	Message string
	Channel string
	SentAt  time.Time
}

// NotificationStore persists a notification and its inbox entry in one
// transaction. The false return reports a duplicate event key: nothing
// was written and the delivery must still be acknowledged.
type NotificationStore interface {
	Create(ctx context.Context, eventKey, messageID string, n *Notification) (bool, error)
}

// Notifications projects activity events into user-facing alerts.
type Notifications struct {
	base
	store NotificationStore

	// defaultUserID receives alerts until per-computer ownership lands.
	// TODO: resolve the owning user from the computer registry once the
	// user service exposes it.
	defaultUserID int64
}

// NewNotifications creates the notification projector.
func NewNotifications(store NotificationStore, logger *slog.Logger, metrics *telemetry.Metrics) *Notifications {
	return &Notifications{
		base:          newBase("notifications", logger, metrics),
		store:         store,
		defaultUserID: 1,
	}
}

// Handlers maps topics to this projector's handlers.
func (p *Notifications) Handlers() map[string]broker.Handler {
	return map[string]broker.Handler{
		schema.EventTypeActivityCreated: p.HandleActivityCreated,
		schema.EventTypeAnomalyDetected: p.HandleAnomalyDetected,
	}
}

// HandleActivityCreated raises a security alert for activity types that
// are dangerous on their own. Everything else is acknowledged untouched.
func (p *Notifications) HandleActivityCreated(ctx context.Context, msg broker.Message) error {
	start := time.Now()

	var ev schema.ActivityCreatedEvent
	if !p.decode(&msg, &ev) {
		return nil
	}

	if _, alert := securityAlertTypes[schema.NormalizeTag(ev.ActivityType)]; !alert {
		return nil
	}

	n := &Notification{
		UserID:  p.defaultUserID,
		Type:    "SECURITY_ALERT",
		Title:   fmt.Sprintf("Security Alert: %s", ev.ActivityType),
		Message: fmt.Sprintf("Suspicious activity '%s' detected on computer %d. Activity ID: %d",
			ev.ActivityType, ev.ComputerID, ev.ActivityID),
		Channel: ChannelEmail,
		SentAt:  time.Now().UTC(),
	}

	key := inbox.ActivityCreatedKey(ev.ActivityID, ev.ActivityType)
	applied, err := p.store.Create(ctx, key, msg.MessageID(), n)
	if err != nil {
		return fmt.Errorf("notifications: security alert for activity %d: %w", ev.ActivityID, err)
	}

	p.observe(&msg, outcomeOf(applied), start)
	return nil
}

// HandleAnomalyDetected raises a notification for every anomaly, routed
// by priority.
func (p *Notifications) HandleAnomalyDetected(ctx context.Context, msg broker.Message) error {
	start := time.Now()

	var ev schema.AnomalyDetectedEvent
	if !p.decode(&msg, &ev) {
		return nil
	}

	priority := NotificationPriority(ev.AnomalyType)
	channel := ChannelInApp
	if priority == PriorityHigh {
		channel = ChannelEmail
	}

	n := &Notification{
		UserID: p.defaultUserID,
		Type:   "ANOMALY_DETECTED",
		Title:  fmt.Sprintf("Anomaly Detected: %s", ev.AnomalyType),
		Message: fmt.Sprintf("Anomaly '%s' detected for activity '%s' on computer %d. %s",
			ev.AnomalyType, ev.ActivityType, ev.ComputerID, ev.Description),
		Channel: channel,
		SentAt:  time.Now().UTC(),
	}

	key := inbox.AnomalyDetectedKey(ev.ActivityID, ev.AnomalyType, ev.Description)
	applied, err := p.store.Create(ctx, key, msg.MessageID(), n)
	if err != nil {
		return fmt.Errorf("notifications: anomaly alert for activity %d: %w", ev.ActivityID, err)
	}

	p.observe(&msg, outcomeOf(applied), start)
	return nil
}

// NotificationPriority maps an anomaly type to its alert priority.
func NotificationPriority(anomalyType string) string {
	switch {
	case projection.HighPriorityAnomaly(anomalyType):
		return PriorityHigh
	case schema.NormalizeTag(anomalyType) == schema.AnomalyUnusualDuration,
		schema.NormalizeTag(anomalyType) == schema.AnomalyRepeatedActivity:
		return PriorityMedium
	}
	return PriorityLow
}

func outcomeOf(applied bool) Outcome {
	if applied {
		return Applied
	}
	return Duplicate
}
