package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the dispatcher's view of the outbox table.
type Store interface {
	// FetchDue claims up to limit pending messages whose available_at has
	// passed, oldest first. The claim holds until the returned batch is
	// closed; concurrent dispatchers skip each other's claims instead of
	// blocking on them.
	FetchDue(ctx context.Context, limit int) (Batch, error)
}

// Batch is one claimed set of due messages. Mark calls record the
// outcome per message; Close commits all outcomes and releases the
// claim. An unclosed or rolled-back batch leaves every message pending.
type Batch interface {
	Messages() []*Message
	MarkProcessed(ctx context.Context, id int64, attempt int) error
	MarkFailed(ctx context.Context, id int64, attempt int, lastError string, availableAt time.Time) error
	MarkDeadLettered(ctx context.Context, id int64, attempt int, lastError string) error
	Close(ctx context.Context) error
}

// PostgresStore implements Store on the activity service's database
// using FOR UPDATE SKIP LOCKED row claims.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) FetchDue(ctx context.Context, limit int) (Batch, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("outbox: begin fetch: %w", err)
	}

	messages, err := fetchDueTx(ctx, tx, limit)
	if err != nil {
		tx.Rollback(ctx)
		return nil, err
	}

	return &pgBatch{tx: tx, messages: messages}, nil
}

func fetchDueTx(ctx context.Context, tx pgx.Tx, limit int) ([]*Message, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, event_type, COALESCE(activity_id, 0), payload, COALESCE(headers, '{}'::jsonb),
		       attempt_count, available_at, COALESCE(last_error, ''), created_at
		FROM outbox_messages
		WHERE processed_at IS NULL
		  AND dead_lettered_at IS NULL
		  AND available_at <= now()
		ORDER BY available_at, id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: fetch due: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var (
			msg        Message
			rawHeaders []byte
		)
		if err := rows.Scan(&msg.ID, &msg.EventType, &msg.ActivityID, &msg.Payload,
			&rawHeaders, &msg.AttemptCount, &msg.AvailableAt, &msg.LastError, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan message: %w", err)
		}
		if err := json.Unmarshal(rawHeaders, &msg.Headers); err != nil {
			return nil, fmt.Errorf("outbox: decode headers for message %d: %w", msg.ID, err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate due messages: %w", err)
	}

	return messages, nil
}

type pgBatch struct {
	tx       pgx.Tx
	messages []*Message
}

func (b *pgBatch) Messages() []*Message { return b.messages }

func (b *pgBatch) MarkProcessed(ctx context.Context, id int64, attempt int) error {
	_, err := b.tx.Exec(ctx, `
		UPDATE outbox_messages
		SET processed_at = now(), attempt_count = $2, last_error = NULL
		WHERE id = $1
	`, id, attempt)
	if err != nil {
		return fmt.Errorf("outbox: mark processed %d: %w", id, err)
	}
	return nil
}

func (b *pgBatch) MarkFailed(ctx context.Context, id int64, attempt int, lastError string, availableAt time.Time) error {
	_, err := b.tx.Exec(ctx, `
		UPDATE outbox_messages
		SET attempt_count = $2, last_error = $3, available_at = $4
		WHERE id = $1
	`, id, attempt, lastError, availableAt)
	if err != nil {
		return fmt.Errorf("outbox: mark failed %d: %w", id, err)
	}
	return nil
}

func (b *pgBatch) MarkDeadLettered(ctx context.Context, id int64, attempt int, lastError string) error {
	_, err := b.tx.Exec(ctx, `
		UPDATE outbox_messages
		SET dead_lettered_at = now(), attempt_count = $2, last_error = $3
		WHERE id = $1
	`, id, attempt, lastError)
	if err != nil {
		return fmt.Errorf("outbox: mark dead-lettered %d: %w", id, err)
	}
	return nil
}

func (b *pgBatch) Close(ctx context.Context) error {
	if err := b.tx.Commit(ctx); err != nil {
		return fmt.Errorf("outbox: commit batch: %w", err)
	}
	return nil
}
