package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Leader is a best-effort Redis lease that elects one dispatcher replica
// at a time. It exists to avoid wasted polling, not for correctness:
// SKIP LOCKED claims and idempotent consumers already tolerate two
// replicas draining at once during a lease handover.
type Leader struct {
	client *redis.Client
	key    string
	id     string
	ttl    time.Duration
	logger *slog.Logger
}

// NewLeader creates a Leader contending on the given key.
func NewLeader(client *redis.Client, key string, ttl time.Duration, logger *slog.Logger) *Leader {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Leader{
		client: client,
		key:    key,
		id:     uuid.NewString(),
		ttl:    ttl,
		logger: logger.With("component", "outbox-leader", "lease_key", key),
	}
}

// Held reports whether this replica holds the lease, acquiring or
// renewing it as a side effect. Redis errors yield false so a broken
// coordination store degrades to a paused dispatcher, not a crash.
func (l *Leader) Held(ctx context.Context) bool {
	ok, err := l.client.SetNX(ctx, l.key, l.id, l.ttl).Result()
	if err != nil {
		l.logger.Warn("lease acquire failed", "error", err)
		return false
	}
	if ok {
		l.logger.Debug("lease acquired", "holder", l.id)
		return true
	}

	holder, err := l.client.Get(ctx, l.key).Result()
	if err != nil {
		l.logger.Warn("lease check failed", "error", err)
		return false
	}
	if holder != l.id {
		return false
	}

	// Renew our own lease so it survives the next poll interval.
	if err := l.client.Expire(ctx, l.key, l.ttl).Err(); err != nil {
		l.logger.Warn("lease renew failed", "error", err)
		return false
	}
	return true
}

// Release gives up the lease if this replica holds it.
func (l *Leader) Release(ctx context.Context) {
	holder, err := l.client.Get(ctx, l.key).Result()
	if err != nil || holder != l.id {
		return
	}
	if err := l.client.Del(ctx, l.key).Err(); err != nil {
		l.logger.Warn("lease release failed", "error", err)
	}
}
