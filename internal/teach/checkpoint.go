package teach

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lumora-ai/lumora/pkg/store"
)

// durableSaveTimeout bounds the asynchronous write to the durable tier.
const durableSaveTimeout = 10 * time.Second

// Checkpointer writes voice-session snapshots to two tiers: the hot cache
// synchronously and the durable store asynchronously. Loads prefer the hot
// tier and fall through to the durable one, so a fresh process can resume a
// session that only ever reached the database.
//
// Either tier may be nil. A hot-tier failure is logged once per outage and
// never fails a save; losing a snapshot means at worst resuming one
// transition behind.
type Checkpointer struct {
	hot     store.CheckpointStore
	durable store.CheckpointStore
	log     *slog.Logger

	wg sync.WaitGroup

	// writeMu serialises durable writes; the per-session sequence numbers
	// drop snapshots that were overtaken by a newer one while queued.
	writeMu sync.Mutex
	seq     map[string]uint64
	written map[string]uint64

	mu    sync.Mutex
	hotUp bool
	durUp bool
}

// NewCheckpointer wires the two checkpoint tiers.
func NewCheckpointer(hot, durable store.CheckpointStore) *Checkpointer {
	return &Checkpointer{
		hot:     hot,
		durable: durable,
		log:     slog.Default().With("component", "teach.checkpoint"),
		seq:     make(map[string]uint64),
		written: make(map[string]uint64),
		hotUp:   true,
		durUp:   true,
	}
}

// Save snapshots st. The hot write happens inline; the durable write runs in
// the background so a slow database never stalls a state transition.
func (c *Checkpointer) Save(ctx context.Context, st *State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}

	if c.hot != nil {
		if err := c.hot.SaveCheckpoint(ctx, st.SessionID, raw); err != nil {
			c.tierFailed(&c.hotUp, "hot", err)
		} else {
			c.tierRecovered(&c.hotUp, "hot")
		}
	}

	if c.durable != nil {
		id := st.SessionID
		c.writeMu.Lock()
		c.seq[id]++
		seq := c.seq[id]
		c.writeMu.Unlock()

		c.wg.Add(1)
		bg := context.WithoutCancel(ctx)
		go func() {
			defer c.wg.Done()
			c.writeMu.Lock()
			defer c.writeMu.Unlock()
			if seq < c.written[id] {
				// A newer snapshot already landed.
				return
			}
			sctx, cancel := context.WithTimeout(bg, durableSaveTimeout)
			defer cancel()
			if err := c.durable.SaveCheckpoint(sctx, id, raw); err != nil {
				c.tierFailed(&c.durUp, "durable", err)
				return
			}
			c.written[id] = seq
			c.tierRecovered(&c.durUp, "durable")
		}()
	}
	return nil
}

// Load restores the most recent snapshot for sessionID, or store.ErrNotFound
// when neither tier has one.
func (c *Checkpointer) Load(ctx context.Context, sessionID string) (*State, error) {
	raw, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Checkpointer) load(ctx context.Context, sessionID string) ([]byte, error) {
	if c.hot != nil {
		raw, err := c.hot.LoadCheckpoint(ctx, sessionID)
		if err == nil {
			return raw, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			c.tierFailed(&c.hotUp, "hot", err)
		}
	}
	if c.durable != nil {
		return c.durable.LoadCheckpoint(ctx, sessionID)
	}
	return nil, store.ErrNotFound
}

// Delete removes the session's snapshot from both tiers.
func (c *Checkpointer) Delete(ctx context.Context, sessionID string) {
	c.wg.Wait()
	c.writeMu.Lock()
	delete(c.seq, sessionID)
	delete(c.written, sessionID)
	c.writeMu.Unlock()
	if c.hot != nil {
		if err := c.hot.DeleteCheckpoint(ctx, sessionID); err != nil {
			c.log.Warn("hot checkpoint delete failed", "session_id", sessionID, "error", err)
		}
	}
	if c.durable != nil {
		if err := c.durable.DeleteCheckpoint(ctx, sessionID); err != nil {
			c.log.Warn("durable checkpoint delete failed", "session_id", sessionID, "error", err)
		}
	}
}

// Release drops the session's write bookkeeping without touching either
// stored snapshot, so an abnormally ended session can still resume while the
// per-session maps stop growing with every session the process ever served.
// In-flight durable writes are drained first; a write landing afterwards
// would repopulate the maps.
func (c *Checkpointer) Release(sessionID string) {
	c.wg.Wait()
	c.writeMu.Lock()
	delete(c.seq, sessionID)
	delete(c.written, sessionID)
	c.writeMu.Unlock()
}

// Flush waits for in-flight durable writes. Called on session teardown and by
// tests that assert on the durable tier.
func (c *Checkpointer) Flush() {
	c.wg.Wait()
}

func (c *Checkpointer) tierFailed(up *bool, tier string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if *up {
		*up = false
		c.log.Warn("checkpoint tier unavailable", "tier", tier, "error", err)
	}
}

func (c *Checkpointer) tierRecovered(up *bool, tier string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !*up {
		*up = true
		c.log.Info("checkpoint tier recovered", "tier", tier)
	}
}
