package schema

import "time"

// Event type tags. These double as broker topic names: durable, versioned
// names decoupled from any internal package path.
const (
	EventTypeActivityCreated = "activity.created.v1"
	EventTypeAnomalyDetected = "activity.anomaly-detected.v1"
	EventTypeDeadLetter      = "activity.dead-letter.v1"
)

// ActivityCreatedEvent is published for every persisted activity.
type ActivityCreatedEvent struct {
	ActivityID   int64     `json:"activity_id"`
	ComputerID   int64     `json:"computer_id"`
	ActivityType string    `json:"activity_type"`
	IsBlocked    bool      `json:"is_blocked"`
	RiskScore    *float64  `json:"risk_score,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// AnomalyDetectedEvent is published for every anomaly the rule engine
// raised. A single activity can produce several of these, one per anomaly.
type AnomalyDetectedEvent struct {
	ActivityID   int64     `json:"activity_id"`
	ComputerID   int64     `json:"computer_id"`
	ActivityType string    `json:"activity_type"`
	AnomalyType  string    `json:"anomaly_type"`
	Description  string    `json:"description"`
	IsBlocked    bool      `json:"is_blocked"`
	RiskScore    *float64  `json:"risk_score,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// NewActivityCreatedEvent builds the event payload for a persisted activity.
func NewActivityCreatedEvent(a *Activity) ActivityCreatedEvent {
	return ActivityCreatedEvent{
		ActivityID:   a.ID,
		ComputerID:   a.ComputerID,
		ActivityType: a.ActivityType,
		IsBlocked:    a.IsBlocked,
		RiskScore:    a.RiskScore,
		OccurredAt:   a.Timestamp.UTC(),
	}
}

// NewAnomalyDetectedEvent builds the event payload for one raised anomaly.
func NewAnomalyDetectedEvent(a *Activity, anomaly *Anomaly) AnomalyDetectedEvent {
	return AnomalyDetectedEvent{
		ActivityID:   a.ID,
		ComputerID:   a.ComputerID,
		ActivityType: a.ActivityType,
		AnomalyType:  anomaly.Type,
		Description:  anomaly.Description,
		IsBlocked:    a.IsBlocked,
		RiskScore:    a.RiskScore,
		OccurredAt:   a.Timestamp.UTC(),
	}
}
