package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumora-ai/lumora/pkg/store"
)

// CheckpointStoreImpl persists voice-session state snapshots in the
// teaching_checkpoints table. The durable tier of the orchestrator's
// checkpointing; the hot tier lives in the cache.
//
// Obtain one via [Store.Checkpoints] rather than constructing directly.
// All methods are safe for concurrent use.
type CheckpointStoreImpl struct {
	pool *pgxpool.Pool
}

// SaveCheckpoint implements [store.CheckpointStore].
func (c *CheckpointStoreImpl) SaveCheckpoint(ctx context.Context, sessionID string, state []byte) error {
	const q = `
		INSERT INTO teaching_checkpoints (session_id, state, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (session_id) DO UPDATE
		SET state = EXCLUDED.state, updated_at = now()`
	if _, err := c.pool.Exec(ctx, q, sessionID, state); err != nil {
		return fmt.Errorf("checkpoint store: save: %w", err)
	}
	return nil
}

// LoadCheckpoint implements [store.CheckpointStore].
func (c *CheckpointStoreImpl) LoadCheckpoint(ctx context.Context, sessionID string) ([]byte, error) {
	const q = `SELECT state FROM teaching_checkpoints WHERE session_id = $1`
	var state []byte
	err := c.pool.QueryRow(ctx, q, sessionID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: load: %w", err)
	}
	return state, nil
}

// DeleteCheckpoint implements [store.CheckpointStore].
func (c *CheckpointStoreImpl) DeleteCheckpoint(ctx context.Context, sessionID string) error {
	const q = `DELETE FROM teaching_checkpoints WHERE session_id = $1`
	if _, err := c.pool.Exec(ctx, q, sessionID); err != nil {
		return fmt.Errorf("checkpoint store: delete: %w", err)
	}
	return nil
}
