// Package projection holds the merge algebra for downstream read models.
// Every merge here is commutative and associative, so rollups converge to
// the same state whatever order at-least-once delivery applies events in.
package projection

import (
	"math"
	"time"

	"watchdesk/internal/schema"
)

// Round2 rounds to two decimal places, half away from zero. All stored
// averages pass through this so the database value and the in-memory
// value can never drift apart.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// MergeAverage merges two weighted averages. A side with zero samples
// contributes nothing and leaves the other side unchanged; otherwise the
// result is the sample-weighted mean, rounded to two decimals.
func MergeAverage(avgA float64, nA int64, avgB float64, nB int64) (float64, int64) {
	if nB == 0 {
		return avgA, nA
	}
	if nA == 0 {
		return Round2(avgB), nB
	}
	merged := (avgA*float64(nA) + avgB*float64(nB)) / float64(nA+nB)
	return Round2(merged), nA + nB
}

// LaterOf returns the later of two timestamps.
func LaterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// BucketDate maps an event timestamp to its UTC calendar-day bucket.
func BucketDate(ts time.Time) time.Time {
	u := ts.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// HighPriorityAnomaly reports whether an anomaly type is treated as high
// priority by the notification and metrics services.
func HighPriorityAnomaly(anomalyType string) bool {
	switch schema.NormalizeTag(anomalyType) {
	case schema.AnomalyHighRisk, schema.AnomalySuspiciousType, schema.AnomalyBlockedActivity:
		return true
	}
	return false
}

// ActivityRollup is one per-day, per-computer, per-type aggregation row.
type ActivityRollup struct {
	BucketDate       time.Time
	ComputerID       int64
	ActivityType     string
	TotalCount       int64
	BlockedCount     int64
	AvgRiskScore     float64
	RiskScoreSamples int64
	LastEventAt      time.Time
}

// ApplyActivity folds one activity-created event into the rollup.
func (r *ActivityRollup) ApplyActivity(ev *schema.ActivityCreatedEvent) {
	r.TotalCount++
	if ev.IsBlocked {
		r.BlockedCount++
	}
	if ev.RiskScore != nil {
		r.AvgRiskScore, r.RiskScoreSamples = MergeAverage(
			r.AvgRiskScore, r.RiskScoreSamples, *ev.RiskScore, 1)
	}
	r.LastEventAt = LaterOf(r.LastEventAt, ev.OccurredAt)
}

// AnomalyRollup is one per-day, per-computer, per-anomaly-type aggregation row.
type AnomalyRollup struct {
	BucketDate        time.Time
	ComputerID        int64
	AnomalyType       string
	TotalCount        int64
	HighPriorityCount int64
	LastEventAt       time.Time
}

// ApplyAnomaly folds one anomaly-detected event into the rollup.
func (r *AnomalyRollup) ApplyAnomaly(ev *schema.AnomalyDetectedEvent) {
	r.TotalCount++
	if HighPriorityAnomaly(ev.AnomalyType) {
		r.HighPriorityCount++
	}
	r.LastEventAt = LaterOf(r.LastEventAt, ev.OccurredAt)
}

// DailyReport is the per-day, per-computer report row.
type DailyReport struct {
	ReportDate       time.Time
	ComputerID       int64
	TotalActivities  int64
	BlockedActions   int64
	AvgRiskScore     float64
	RiskScoreSamples int64
	AnomalyCount     int64
}

// ApplyActivity folds one activity-created event into the report.
func (r *DailyReport) ApplyActivity(ev *schema.ActivityCreatedEvent) {
	r.TotalActivities++
	if ev.IsBlocked {
		r.BlockedActions++
	}
	if ev.RiskScore != nil {
		r.AvgRiskScore, r.RiskScoreSamples = MergeAverage(
			r.AvgRiskScore, r.RiskScoreSamples, *ev.RiskScore, 1)
	}
}

// ApplyAnomaly folds one anomaly-detected event into the report. Blocked
// anomalies also count as blocked actions so the report reflects
// enforcement even when the activity event is still in flight.
func (r *DailyReport) ApplyAnomaly(ev *schema.AnomalyDetectedEvent) {
	r.AnomalyCount++
	if schema.NormalizeTag(ev.AnomalyType) == schema.AnomalyBlockedActivity {
		r.BlockedActions++
	}
}
