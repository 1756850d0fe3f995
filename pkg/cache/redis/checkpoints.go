package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lumora-ai/lumora/pkg/store"
)

// Ensure CheckpointStore implements the store interface.
var _ store.CheckpointStore = (*CheckpointStore)(nil)

// CheckpointStore is the hot tier for voice-session checkpoints. Entries
// share the session TTL so abandoned voice sessions age out with their
// conversation state; the Postgres tier remains authoritative.
type CheckpointStore struct {
	rdb *goredis.Client
	ttl time.Duration
}

// NewCheckpointStore creates a Redis-backed checkpoint tier. A zero ttl
// selects [DefaultTTL].
func NewCheckpointStore(rdb *goredis.Client, ttl time.Duration) *CheckpointStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CheckpointStore{rdb: rdb, ttl: ttl}
}

func checkpointKey(sessionID string) string { return "lumora:teach:" + sessionID }

// SaveCheckpoint implements [store.CheckpointStore].
func (c *CheckpointStore) SaveCheckpoint(ctx context.Context, sessionID string, state []byte) error {
	if err := c.rdb.Set(ctx, checkpointKey(sessionID), state, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis checkpoints: save: %w", err)
	}
	return nil
}

// LoadCheckpoint implements [store.CheckpointStore].
func (c *CheckpointStore) LoadCheckpoint(ctx context.Context, sessionID string) ([]byte, error) {
	raw, err := c.rdb.Get(ctx, checkpointKey(sessionID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis checkpoints: load: %w", err)
	}
	return raw, nil
}

// DeleteCheckpoint implements [store.CheckpointStore].
func (c *CheckpointStore) DeleteCheckpoint(ctx context.Context, sessionID string) error {
	if err := c.rdb.Del(ctx, checkpointKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis checkpoints: delete: %w", err)
	}
	return nil
}
