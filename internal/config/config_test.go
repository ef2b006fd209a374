package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}

	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("http port = %d, want 8080", cfg.Server.HTTPPort)
	}
	if cfg.Databases.Activity.URL == cfg.Databases.Reports.URL {
		t.Error("each service must default to its own database")
	}
	if cfg.Redis.Enabled {
		t.Error("redis lease must be opt-in")
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	t.Setenv("WATCHDESK_CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != DefaultConfig().Server.HTTPPort {
		t.Errorf("http port = %d, want default", cfg.Server.HTTPPort)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  http_port: 9090
broker:
  brokers: ["kafka-1:9092", "kafka-2:9092"]
  consumer_group: "custom-group"
dispatcher:
  max_attempts: 8
redis:
  enabled: true
  addr: "cache:6379"
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WATCHDESK_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.HTTPPort != 9090 {
		t.Errorf("http port = %d, want 9090", cfg.Server.HTTPPort)
	}
	if len(cfg.Broker.Brokers) != 2 || cfg.Broker.Brokers[0] != "kafka-1:9092" {
		t.Errorf("brokers = %v", cfg.Broker.Brokers)
	}
	if cfg.Dispatcher.MaxAttempts != 8 {
		t.Errorf("max attempts = %d, want 8", cfg.Dispatcher.MaxAttempts)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "cache:6379" {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	// Untouched sections keep their defaults.
	if cfg.Dispatcher.PollInterval != 2*time.Second {
		t.Errorf("poll interval = %v, want default 2s", cfg.Dispatcher.PollInterval)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WATCHDESK_CONFIG_PATH", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WATCHDESK_CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))
	t.Setenv("WATCHDESK_HTTP_PORT", "7070")
	t.Setenv("WATCHDESK_LOG_LEVEL", "debug")
	t.Setenv("WATCHDESK_KAFKA_BROKERS", "kafka-a:9092, kafka-b:9092")
	t.Setenv("WATCHDESK_ACTIVITY_DB_URL", "postgres://other/db")
	t.Setenv("WATCHDESK_REDIS_ADDR", "redis:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.HTTPPort != 7070 {
		t.Errorf("http port = %d, want 7070", cfg.Server.HTTPPort)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
	if len(cfg.Broker.Brokers) != 2 || cfg.Broker.Brokers[1] != "kafka-b:9092" {
		t.Errorf("brokers = %v, want trimmed pair", cfg.Broker.Brokers)
	}
	if cfg.Databases.Activity.URL != "postgres://other/db" {
		t.Errorf("activity db url = %q", cfg.Databases.Activity.URL)
	}
	if !cfg.Redis.Enabled {
		t.Error("setting the redis addr must enable the lease")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero port", func(c *Config) { c.Server.HTTPPort = 0 }, true},
		{"port out of range", func(c *Config) { c.Server.HTTPPort = 70000 }, true},
		{"zero payload cap", func(c *Config) { c.Ingest.MaxPayloadSize = 0 }, true},
		{"no brokers", func(c *Config) { c.Broker.Brokers = nil }, true},
		{"dispatcher zero batch", func(c *Config) { c.Dispatcher.BatchSize = 0 }, true},
		{"redis enabled without addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }, true},
		{"redis enabled without ttl", func(c *Config) { c.Redis.Enabled = true; c.Redis.LeaseTTL = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
