// Package schema defines the canonical domain types for Watchdesk.
// All ingested endpoint activities are normalized to this structure before
// storage, rule evaluation and event publication.
package schema

import (
	"encoding/json"
	"strings"
	"time"
)

// Activity represents a single piece of endpoint-activity telemetry.
// It is immutable once created; the anomaly engine may append related
// Anomaly rows but never mutates the activity itself.
type Activity struct {
	ID           int64           `json:"id"`
	ComputerID   int64           `json:"computer_id"`
	ActivityType string          `json:"activity_type"`
	Details      json.RawMessage `json:"details,omitempty"`
	DurationMs   *int64          `json:"duration_ms,omitempty"`
	URL          string          `json:"url,omitempty"`
	ProcessName  string          `json:"process_name,omitempty"`
	IsBlocked    bool            `json:"is_blocked"`
	RiskScore    *float64        `json:"risk_score,omitempty"`
	Synced       bool            `json:"synced"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Anomaly is a derived fact raised by the rule engine for one activity.
// Anomalies are owned by their activity (cascade-deleted with it) and are
// never updated after creation.
type Anomaly struct {
	ID          int64     `json:"id"`
	ActivityID  int64     `json:"activity_id"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	DetectedAt  time.Time `json:"detected_at"`
}

// Anomaly types emitted by the rule engine.
const (
	AnomalyHighRisk         = "HIGH_RISK"
	AnomalySuspiciousType   = "SUSPICIOUS_TYPE"
	AnomalyUnusualDuration  = "UNUSUAL_DURATION"
	AnomalyBlockedActivity  = "BLOCKED_ACTIVITY"
	AnomalyRepeatedActivity = "REPEATED_ACTIVITY"
	AnomalySuspiciousURL    = "SUSPICIOUS_URL"
	AnomalyHighRiskProcess  = "HIGH_RISK_PROCESS"
	AnomalyUnusualTime      = "UNUSUAL_TIME"
	AnomalyExcessiveNetwork = "EXCESSIVE_NETWORK_ACTIVITY"
	AnomalySensitiveFile    = "SENSITIVE_FILE_ACCESS"
)

// NormalizeActivityType canonicalizes a free-form activity type tag:
// whitespace trimmed, dashes and spaces folded to underscores, upper-cased.
// An empty or blank value normalizes to "UNKNOWN" so that keying and
// grouping never operate on empty strings.
func NormalizeActivityType(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "UNKNOWN"
	}

	replacer := strings.NewReplacer("-", "_", " ", "_")
	return strings.ToUpper(replacer.Replace(trimmed))
}

// NormalizeTag trims and upper-cases a type tag without folding separators.
// Used for event-key derivation where case/whitespace variance across
// producers must never cause duplicate or missed dedup matches.
func NormalizeTag(value string) string {
	return strings.ToUpper(strings.TrimSpace(value))
}
