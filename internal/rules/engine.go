// Package rules implements the anomaly-detection rule engine.
// The engine is a stateless evaluator run once per new activity: it checks
// independent predicates and emits zero or more anomaly facts. Rules are not
// mutually exclusive; a single activity can trigger several.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"watchdesk/internal/schema"
)

// History answers the point-in-time queries needed by the stateful rules.
// Implementations must evaluate against a single snapshot (in practice the
// enclosing store transaction) so that concurrently inserted activities
// cannot race the evaluation.
type History interface {
	// CountSimilar returns how many other activities share the given
	// computer and activity type since the given time, excluding the
	// activity being evaluated.
	CountSimilar(ctx context.Context, computerID int64, activityType string, since time.Time, excludeID int64) (int, error)

	// CountRecentNetwork returns how many other NETWORK_ACCESS activities
	// the computer produced since the given time.
	CountRecentNetwork(ctx context.Context, computerID int64, since time.Time, excludeID int64) (int, error)

	// HasBusinessHoursActivity reports whether the computer has any
	// activity inside business hours on the given day.
	HasBusinessHoursActivity(ctx context.Context, computerID int64, day time.Time, startHour, endHour int) (bool, error)
}

// Config holds the rule engine tunables. Thresholds are configuration
// constants, not hard-coded magic numbers.
type Config struct {
	HighRiskThreshold float64  `yaml:"high_risk_threshold"`
	SuspiciousTypes   []string `yaml:"suspicious_types"`

	UnusualDuration time.Duration `yaml:"unusual_duration"`

	RepeatWindow    time.Duration `yaml:"repeat_window"`
	RepeatThreshold int           `yaml:"repeat_threshold"`

	NetworkWindow    time.Duration `yaml:"network_window"`
	NetworkThreshold int           `yaml:"network_threshold"`

	SuspiciousDomains []string `yaml:"suspicious_domains"`
	HighRiskProcesses []string `yaml:"high_risk_processes"`
	SensitiveMarkers  []string `yaml:"sensitive_markers"`

	BusinessHoursStart int `yaml:"business_hours_start"`
	BusinessHoursEnd   int `yaml:"business_hours_end"`
}

// DefaultConfig returns the default rule engine configuration.
func DefaultConfig() Config {
	return Config{
		HighRiskThreshold: 80,
		SuspiciousTypes:   []string{"MALWARE", "DATA_EXFILTRATION", "UNAUTHORIZED_ACCESS"},
		UnusualDuration:   24 * time.Hour,
		RepeatWindow:      time.Hour,
		RepeatThreshold:   10,
		NetworkWindow:     5 * time.Minute,
		NetworkThreshold:  20,
		SuspiciousDomains: []string{
			"malware.com", "phishing.site", "suspicious.net", "hacktool.org",
			"darkweb.onion", "illegal.download", "crypto-miner.net",
		},
		HighRiskProcesses: []string{
			"hacktool.exe", "keylogger.exe", "malware.exe", "cryptominer.exe",
			"trojan.exe", "backdoor.exe", "rootkit.exe", "spyware.exe",
			"ransomware.exe", "worm.exe", "virus.exe", "botnet.exe",
		},
		SensitiveMarkers: []string{
			"password", "credential", "secret", "key", "certificate",
			"private", "confidential", "classified", "restricted",
		},
		BusinessHoursStart: 9,
		BusinessHoursEnd:   18,
	}
}

// Engine evaluates the anomaly rules.
type Engine struct {
	config Config
	logger *slog.Logger

	suspiciousTypes   map[string]bool
	highRiskProcesses map[string]bool
}

// NewEngine creates a rule engine from the given configuration.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	suspicious := make(map[string]bool, len(cfg.SuspiciousTypes))
	for _, t := range cfg.SuspiciousTypes {
		suspicious[schema.NormalizeTag(t)] = true
	}

	processes := make(map[string]bool, len(cfg.HighRiskProcesses))
	for _, p := range cfg.HighRiskProcesses {
		processes[strings.ToLower(strings.TrimSpace(p))] = true
	}

	return &Engine{
		config:            cfg,
		logger:            logger.With("component", "rules"),
		suspiciousTypes:   suspicious,
		highRiskProcesses: processes,
	}
}

// Detect evaluates all rules against the activity and returns the raised
// anomalies. Same input activity plus same history snapshot always yields
// the same anomaly set.
func (e *Engine) Detect(ctx context.Context, history History, activity *schema.Activity) ([]schema.Anomaly, error) {
	now := time.Now().UTC()
	var anomalies []schema.Anomaly

	add := func(anomalyType, description string) {
		anomalies = append(anomalies, schema.Anomaly{
			ActivityID:  activity.ID,
			Type:        anomalyType,
			Description: description,
			DetectedAt:  now,
		})
	}

	if activity.RiskScore != nil && *activity.RiskScore >= e.config.HighRiskThreshold {
		add(schema.AnomalyHighRisk,
			fmt.Sprintf("Activity has high risk score: %g", *activity.RiskScore))
	}

	if e.suspiciousTypes[schema.NormalizeTag(activity.ActivityType)] {
		add(schema.AnomalySuspiciousType,
			fmt.Sprintf("Suspicious activity type detected: %s", activity.ActivityType))
	}

	if activity.DurationMs != nil && *activity.DurationMs > e.config.UnusualDuration.Milliseconds() {
		add(schema.AnomalyUnusualDuration,
			fmt.Sprintf("Activity duration is unusually long: %dms", *activity.DurationMs))
	}

	if activity.IsBlocked {
		add(schema.AnomalyBlockedActivity, "Activity was blocked by security system")
	}

	if err := e.checkRepeatedActivity(ctx, history, activity, add); err != nil {
		return nil, err
	}

	e.checkSuspiciousURL(activity, add)
	e.checkHighRiskProcess(activity, add)

	if err := e.checkUnusualTime(ctx, history, activity, add); err != nil {
		return nil, err
	}

	if err := e.checkNetworkActivity(ctx, history, activity, add); err != nil {
		return nil, err
	}

	e.checkSensitiveFileAccess(activity, add)

	if len(anomalies) > 0 {
		e.logger.Warn("anomalies detected",
			"activity_id", activity.ID,
			"computer_id", activity.ComputerID,
			"count", len(anomalies),
		)
	}

	return anomalies, nil
}

// checkRepeatedActivity raises REPEATED_ACTIVITY when the count of similar
// activities inside the trailing window meets the frequency threshold. This
// is the only rule whose outcome depends on prior activities of the same
// kind, hence the History query.
func (e *Engine) checkRepeatedActivity(ctx context.Context, history History, activity *schema.Activity, add func(string, string)) error {
	since := time.Now().UTC().Add(-e.config.RepeatWindow)
	similar, err := history.CountSimilar(ctx, activity.ComputerID, activity.ActivityType, since, activity.ID)
	if err != nil {
		return fmt.Errorf("rules: repeated activity check: %w", err)
	}

	if similar >= e.config.RepeatThreshold {
		add(schema.AnomalyRepeatedActivity,
			fmt.Sprintf("High frequency of %s activities detected: %d in the last hour",
				activity.ActivityType, similar+1))
	}
	return nil
}

func (e *Engine) checkSuspiciousURL(activity *schema.Activity, add func(string, string)) {
	if activity.URL == "" {
		return
	}

	parsed, err := url.Parse(activity.URL)
	if err != nil || parsed.Host == "" {
		e.logger.Debug("skipping unparseable activity URL", "url", activity.URL)
		return
	}

	host := strings.ToLower(parsed.Hostname())
	for _, domain := range e.config.SuspiciousDomains {
		if strings.Contains(host, domain) {
			add(schema.AnomalySuspiciousURL,
				fmt.Sprintf("Access to suspicious URL detected: %s", activity.URL))
			return
		}
	}
}

func (e *Engine) checkHighRiskProcess(activity *schema.Activity, add func(string, string)) {
	if activity.ProcessName == "" {
		return
	}

	if e.highRiskProcesses[strings.ToLower(activity.ProcessName)] {
		add(schema.AnomalyHighRiskProcess,
			fmt.Sprintf("High-risk process detected: %s", activity.ProcessName))
	}
}

// checkUnusualTime raises UNUSUAL_TIME for activity outside business hours,
// but only when the computer is otherwise active inside business hours on
// the same day — an always-on server tripping the rule constantly would be
// noise, not signal.
func (e *Engine) checkUnusualTime(ctx context.Context, history History, activity *schema.Activity, add func(string, string)) error {
	hour := activity.Timestamp.Hour()
	if hour >= e.config.BusinessHoursStart && hour <= e.config.BusinessHoursEnd {
		return nil
	}

	normal, err := history.HasBusinessHoursActivity(ctx, activity.ComputerID, activity.Timestamp,
		e.config.BusinessHoursStart, e.config.BusinessHoursEnd)
	if err != nil {
		return fmt.Errorf("rules: unusual time check: %w", err)
	}

	if normal {
		add(schema.AnomalyUnusualTime,
			fmt.Sprintf("Activity detected outside normal working hours: %s",
				activity.Timestamp.Format("15:04")))
	}
	return nil
}

func (e *Engine) checkNetworkActivity(ctx context.Context, history History, activity *schema.Activity, add func(string, string)) error {
	if schema.NormalizeTag(activity.ActivityType) != "NETWORK_ACCESS" {
		return nil
	}

	since := activity.Timestamp.Add(-e.config.NetworkWindow)
	recent, err := history.CountRecentNetwork(ctx, activity.ComputerID, since, activity.ID)
	if err != nil {
		return fmt.Errorf("rules: network activity check: %w", err)
	}

	if recent >= e.config.NetworkThreshold {
		add(schema.AnomalyExcessiveNetwork,
			fmt.Sprintf("Excessive network activity detected: %d connections in %s",
				recent+1, e.config.NetworkWindow))
	}
	return nil
}

func (e *Engine) checkSensitiveFileAccess(activity *schema.Activity, add func(string, string)) {
	if schema.NormalizeTag(activity.ActivityType) != "FILE_ACCESS" || len(activity.Details) == 0 {
		return
	}

	var details struct {
		FilePath string `json:"filePath"`
	}
	if err := json.Unmarshal(activity.Details, &details); err != nil {
		e.logger.Debug("skipping unparseable activity details", "error", err)
		return
	}

	filePath := strings.ToLower(details.FilePath)
	if filePath == "" {
		return
	}

	for _, marker := range e.config.SensitiveMarkers {
		if strings.Contains(filePath, marker) {
			add(schema.AnomalySensitiveFile,
				fmt.Sprintf("Access to sensitive file detected: %s", filePath))
			return
		}
	}
}
