package archive

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/column"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Mock implementations of driver.Conn and driver.Batch so the writer can
// be tested without a real ClickHouse connection.

type mockConn struct {
	prepareBatchFunc func(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
}

func (m *mockConn) Contributors() []string                                           { return nil }
func (m *mockConn) ServerVersion() (*driver.ServerVersion, error)                    { return nil, nil }
func (m *mockConn) Select(_ context.Context, _ any, _ string, _ ...any) error        { return nil }
func (m *mockConn) Query(_ context.Context, _ string, _ ...any) (driver.Rows, error) { return nil, nil }
func (m *mockConn) QueryRow(_ context.Context, _ string, _ ...any) driver.Row        { return nil }
func (m *mockConn) Exec(_ context.Context, _ string, _ ...any) error                 { return nil }
func (m *mockConn) AsyncInsert(_ context.Context, _ string, _ bool, _ ...any) error  { return nil }
func (m *mockConn) Ping(_ context.Context) error                                     { return nil }
func (m *mockConn) Stats() driver.Stats                                              { return driver.Stats{} }
func (m *mockConn) Close() error                                                     { return nil }

func (m *mockConn) PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error) {
	if m.prepareBatchFunc != nil {
		return m.prepareBatchFunc(ctx, query, opts...)
	}
	return &mockBatch{}, nil
}

type mockBatch struct {
	mu          sync.Mutex
	appendCount int
	sendFunc    func() error
}

func (m *mockBatch) Abort() error { return nil }
func (m *mockBatch) Append(_ ...any) error {
	m.mu.Lock()
	m.appendCount++
	m.mu.Unlock()
	return nil
}
func (m *mockBatch) AppendStruct(_ any) error        { return nil }
func (m *mockBatch) Column(_ int) driver.BatchColumn { return nil }
func (m *mockBatch) Flush() error                    { return nil }
func (m *mockBatch) Send() error {
	if m.sendFunc != nil {
		return m.sendFunc()
	}
	return nil
}
func (m *mockBatch) IsSent() bool                { return false }
func (m *mockBatch) Rows() int                   { return m.appendCount }
func (m *mockBatch) Columns() []column.Interface { return nil }
func (m *mockBatch) Close() error                { return nil }

func newMockClient(conn driver.Conn) *Client {
	return &Client{conn: conn, config: DefaultConfig()}
}

func testRow(key string) *Row {
	return &Row{
		EventKey:     key,
		EventType:    "activity.created.v1",
		ActivityID:   1,
		ComputerID:   2,
		ActivityType: "FILE_ACCESS",
		OccurredAt:   time.Now().UTC(),
		RecordedAt:   time.Now().UTC(),
		Payload:      `{"activity_id":1}`,
	}
}

func TestWriterBuffersRows(t *testing.T) {
	cfg := WriterConfig{
		BatchSize:     100,
		FlushInterval: time.Hour,
		MaxRetries:    0,
		RetryDelay:    time.Millisecond,
	}
	w := NewWriter(newMockClient(&mockConn{}), cfg)
	defer w.Close()

	for i := 0; i < 5; i++ {
		if err := w.Write(testRow(fmt.Sprintf("k-%d", i))); err != nil {
			t.Fatalf("Write() error on row %d: %v", i, err)
		}
	}

	metrics := w.Metrics()
	if metrics.Pending != 5 {
		t.Errorf("Pending = %d, want 5", metrics.Pending)
	}
	if metrics.Written != 0 {
		t.Errorf("Written = %d, want 0 (no flush triggered yet)", metrics.Written)
	}
}

func TestWriterFlushOnBatchSize(t *testing.T) {
	batchSize := 5
	cfg := WriterConfig{
		BatchSize:     batchSize,
		FlushInterval: time.Hour,
		MaxRetries:    0,
		RetryDelay:    time.Millisecond,
	}

	batch := &mockBatch{}
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			return batch, nil
		},
	}
	w := NewWriter(newMockClient(conn), cfg)
	defer w.Close()

	for i := 0; i < batchSize; i++ {
		if err := w.Write(testRow(fmt.Sprintf("k-%d", i))); err != nil {
			t.Fatalf("Write() error on row %d: %v", i, err)
		}
	}

	metrics := w.Metrics()
	if metrics.Pending != 0 {
		t.Errorf("Pending = %d, want 0 after flush", metrics.Pending)
	}
	if metrics.Written != uint64(batchSize) {
		t.Errorf("Written = %d, want %d", metrics.Written, batchSize)
	}
	if metrics.Batches != 1 {
		t.Errorf("Batches = %d, want 1", metrics.Batches)
	}
	if batch.appendCount != batchSize {
		t.Errorf("batch.appendCount = %d, want %d", batch.appendCount, batchSize)
	}
}

func TestWriterCloseFlushesBuffer(t *testing.T) {
	cfg := WriterConfig{
		BatchSize:     100,
		FlushInterval: time.Hour,
		MaxRetries:    0,
		RetryDelay:    time.Millisecond,
	}

	sendCalled := false
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			return &mockBatch{
				sendFunc: func() error {
					sendCalled = true
					return nil
				},
			}, nil
		},
	}
	w := NewWriter(newMockClient(conn), cfg)

	for i := 0; i < 3; i++ {
		if err := w.Write(testRow(fmt.Sprintf("k-%d", i))); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if !sendCalled {
		t.Error("Close() should have flushed buffered rows")
	}
	if got := w.Metrics().Written; got != 3 {
		t.Errorf("Written = %d, want 3 after close flush", got)
	}
}

func TestWriterWriteWhenClosed(t *testing.T) {
	w := NewWriter(newMockClient(&mockConn{}), DefaultWriterConfig())

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := w.Write(testRow("k-1")); err == nil {
		t.Error("Write() after Close() should return an error")
	}
}

func TestWriterFlushFailureUpdatesMetrics(t *testing.T) {
	batchSize := 3
	cfg := WriterConfig{
		BatchSize:     batchSize,
		FlushInterval: time.Hour,
		MaxRetries:    2,
		RetryDelay:    time.Millisecond,
	}

	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			return nil, fmt.Errorf("connection refused")
		},
	}
	w := NewWriter(newMockClient(conn), cfg)
	defer w.Close()

	for i := 0; i < batchSize; i++ {
		w.Write(testRow(fmt.Sprintf("k-%d", i)))
	}

	metrics := w.Metrics()
	if metrics.Failed != uint64(batchSize) {
		t.Errorf("Failed = %d, want %d", metrics.Failed, batchSize)
	}
	if metrics.Written != 0 {
		t.Errorf("Written = %d, want 0 (all inserts failed)", metrics.Written)
	}
}
