package archive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Row is one archived event.
type Row struct {
	EventKey     string
	EventType    string
	ActivityID   int64
	ComputerID   int64
	ActivityType string
	AnomalyType  string
	Description  string
	IsBlocked    bool
	RiskScore    *float64
	OccurredAt   time.Time
	RecordedAt   time.Time
	Payload      string
}

// WriterConfig holds configuration for the batch writer.
type WriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultWriterConfig returns the default writer configuration.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// Writer handles batched inserts into the archive table.
type Writer struct {
	client *Client
	config WriterConfig

	buffer []*Row
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	totalWritten uint64
	totalFailed  uint64
	batchCount   uint64
}

// NewWriter creates a Writer.
func NewWriter(client *Client, cfg WriterConfig) *Writer {
	w := &Writer{
		client: client,
		config: cfg,
		buffer: make([]*Row, 0, cfg.BatchSize),
	}

	w.flushTimer = time.AfterFunc(cfg.FlushInterval, w.timerFlush)

	return w
}

// Write adds a row to the batch.
func (w *Writer) Write(row *Row) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("archive: writer is closed")
	}

	w.buffer = append(w.buffer, row)

	if len(w.buffer) >= w.config.BatchSize {
		return w.flushLocked()
	}

	return nil
}

func (w *Writer) timerFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	if len(w.buffer) > 0 {
		if err := w.flushLocked(); err != nil {
			slog.Error("archive timer flush failed", "error", err)
		}
	}

	w.flushTimer.Reset(w.config.FlushInterval)
}

// flushLocked flushes the buffer. Caller must hold the lock.
func (w *Writer) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}

	rows := w.buffer
	w.buffer = make([]*Row, 0, w.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(w.config.RetryDelay * time.Duration(attempt))
		}

		if err := w.insertBatch(rows); err != nil {
			lastErr = err
			slog.Warn("archive batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", w.config.MaxRetries,
				"error", err,
			)
			continue
		}

		atomic.AddUint64(&w.totalWritten, uint64(len(rows)))
		atomic.AddUint64(&w.batchCount, 1)
		return nil
	}

	atomic.AddUint64(&w.totalFailed, uint64(len(rows)))
	return fmt.Errorf("archive: batch insert failed after %d retries: %w", w.config.MaxRetries, lastErr)
}

func (w *Writer) insertBatch(rows []*Row) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := w.client.PrepareBatch(ctx, `
		INSERT INTO activity_events (
			event_key, event_type, activity_id, computer_id,
			activity_type, anomaly_type, description,
			is_blocked, risk_score, occurred_at, recorded_at, payload
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, row := range rows {
		blocked := uint8(0)
		if row.IsBlocked {
			blocked = 1
		}

		if err := batch.Append(
			row.EventKey,
			row.EventType,
			row.ActivityID,
			row.ComputerID,
			row.ActivityType,
			row.AnomalyType,
			row.Description,
			blocked,
			row.RiskScore,
			row.OccurredAt,
			row.RecordedAt,
			row.Payload,
		); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	slog.Debug("archive batch inserted", "count", len(rows))
	return nil
}

// Flush forces a flush of the current buffer.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// Close stops the flush timer and flushes remaining rows.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.flushTimer.Stop()

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// Metrics returns writer statistics.
func (w *Writer) Metrics() WriterMetrics {
	return WriterMetrics{
		Written: atomic.LoadUint64(&w.totalWritten),
		Failed:  atomic.LoadUint64(&w.totalFailed),
		Batches: atomic.LoadUint64(&w.batchCount),
		Pending: w.pendingCount(),
	}
}

func (w *Writer) pendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// WriterMetrics holds writer statistics.
type WriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
