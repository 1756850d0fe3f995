package memory

import (
	"context"
	"sync"

	"github.com/lumora-ai/lumora/pkg/store"
)

// Ensure CheckpointStore implements the store interface.
var _ store.CheckpointStore = (*CheckpointStore)(nil)

// CheckpointStore is an in-memory checkpoint tier for tests and single-node
// deployments without Redis.
type CheckpointStore struct {
	mu     sync.Mutex
	states map[string][]byte

	// Err, if set, is returned by every operation. Tests use it to simulate
	// a cache outage.
	Err error
}

// NewCheckpointStore returns an empty in-memory checkpoint tier.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{states: make(map[string][]byte)}
}

// SaveCheckpoint implements [store.CheckpointStore].
func (c *CheckpointStore) SaveCheckpoint(ctx context.Context, sessionID string, state []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	cp := make([]byte, len(state))
	copy(cp, state)
	c.states[sessionID] = cp
	return nil
}

// LoadCheckpoint implements [store.CheckpointStore].
func (c *CheckpointStore) LoadCheckpoint(ctx context.Context, sessionID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	state, ok := c.states[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := make([]byte, len(state))
	copy(cp, state)
	return cp, nil
}

// DeleteCheckpoint implements [store.CheckpointStore].
func (c *CheckpointStore) DeleteCheckpoint(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	delete(c.states, sessionID)
	return nil
}
