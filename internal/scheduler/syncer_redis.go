package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror best-effort-mirrors the syncer's latest snapshot into Redis so
// other Waiter processes (a UI replica, a metrics scraper) can read it
// without holding a reference to this process's channel. It is never a
// source of truth — §5's consistency model is unaffected by its presence or
// absence.
type RedisMirror struct {
	client *redis.Client
	keyFn  func(backendTag string) string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisMirror wraps an already-connected Redis client.
func NewRedisMirror(client *redis.Client, backendTag string, ttl time.Duration, logger *slog.Logger) *RedisMirror {
	return &RedisMirror{
		client: client,
		keyFn:  func(tag string) string { return "waiter:scheduler:snapshot:" + tag },
		ttl:    ttl,
		logger: logger,
	}
}

// Mirror writes snapshot to Redis under this backend's key with the
// configured TTL. Errors are logged, never propagated — mirroring failures
// must never affect the syncer's own publish cycle.
func (m *RedisMirror) Mirror(ctx context.Context, backendTag string, snapshot SyncerSnapshot) {
	if m == nil || m.client == nil {
		return
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		m.logger.Warn("redis mirror: marshal snapshot failed", slog.Any("error", err))
		return
	}
	if err := m.client.Set(ctx, m.keyFn(backendTag), data, m.ttl).Err(); err != nil {
		m.logger.Warn("redis mirror: set failed", slog.Any("error", err))
	}
}
