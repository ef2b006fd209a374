// Package archive provides the append-only ClickHouse copy of every
// published activity event. The table is a ReplacingMergeTree keyed by
// event key, so redelivered events collapse during merges instead of
// needing a transactional inbox.
package archive

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Config holds the ClickHouse connection configuration.
type Config struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	Debug           bool          `yaml:"debug"`
}

// DefaultConfig returns the default archive configuration.
func DefaultConfig() Config {
	return Config{
		Hosts:           []string{"localhost:9000"},
		Database:        "watchdesk",
		Username:        "default",
		Password:        "",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		TLSEnabled:      false,
		DialTimeout:     10 * time.Second,
		Debug:           false,
	}
}

// Client wraps the ClickHouse connection.
type Client struct {
	conn   driver.Conn
	config Config
}

// NewClient opens and verifies a ClickHouse connection.
func NewClient(cfg Config) (*Client, error) {
	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionZSTD,
		},
		DialTimeout:     cfg.DialTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		Debug:           cfg.Debug,
	}

	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{
			InsecureSkipVerify: false,
		}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("archive: open clickhouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("archive: ping clickhouse: %w", err)
	}

	return &Client{conn: conn, config: cfg}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Ping checks if the connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Exec executes a statement without returning rows.
func (c *Client) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

// PrepareBatch prepares a batch insert.
func (c *Client) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.conn.PrepareBatch(ctx, query)
}

// EnsureSchema creates the archive table if it does not exist.
// ReplacingMergeTree keyed by event_key makes the archive idempotent
// without coordination: duplicates from at-least-once delivery are
// merged away in the background, and reads dedup with FINAL.
func (c *Client) EnsureSchema(ctx context.Context) error {
	if err := c.conn.Exec(ctx, fmt.Sprintf(
		"CREATE DATABASE IF NOT EXISTS %s", c.config.Database)); err != nil {
		return fmt.Errorf("archive: create database: %w", err)
	}

	ddl := `
		CREATE TABLE IF NOT EXISTS activity_events (
			event_key     String,
			event_type    LowCardinality(String),
			activity_id   Int64,
			computer_id   Int64,
			activity_type LowCardinality(String),
			anomaly_type  LowCardinality(String),
			description   String,
			is_blocked    UInt8,
			risk_score    Nullable(Float64),
			occurred_at   DateTime64(3, 'UTC'),
			recorded_at   DateTime64(3, 'UTC'),
			payload       String
		)
		ENGINE = ReplacingMergeTree(recorded_at)
		PARTITION BY toYYYYMM(occurred_at)
		ORDER BY (event_key)
	`
	if err := c.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("archive: create activity_events: %w", err)
	}
	return nil
}
