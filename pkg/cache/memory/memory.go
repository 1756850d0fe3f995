// Package memory implements the session cache in process memory. It backs
// tests and single-node deployments that run without Redis.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/lumora-ai/lumora/pkg/cache"
	"github.com/lumora-ai/lumora/pkg/types"
)

// Ensure Cache implements the cache.SessionCache interface.
var _ cache.SessionCache = (*Cache)(nil)

type entry struct {
	sess     *types.Session
	messages []types.StoredMessage
	expires  time.Time
}

// Cache is an in-memory cache.SessionCache. Expired entries are dropped
// lazily on access.
type Cache struct {
	mu          sync.Mutex
	entries     map[string]*entry
	ttl         time.Duration
	maxMessages int

	// Err, if set, is returned by every operation. Tests use it to simulate
	// a cache outage.
	Err error

	// now is swappable for expiry tests.
	now func() time.Time
}

// New creates an empty Cache with the given TTL and message cap. Zero values
// select 24h and 50.
func New(ttl time.Duration, maxMessages int) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if maxMessages <= 0 {
		maxMessages = 50
	}
	return &Cache{
		entries:     make(map[string]*entry),
		ttl:         ttl,
		maxMessages: maxMessages,
		now:         time.Now,
	}
}

// SetNow replaces the clock, for expiry tests.
func (c *Cache) SetNow(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// live returns the entry for id if present and unexpired. Callers hold c.mu.
func (c *Cache) live(id string) *entry {
	e, ok := c.entries[id]
	if !ok {
		return nil
	}
	if c.now().After(e.expires) {
		delete(c.entries, id)
		return nil
	}
	return e
}

// GetSession implements cache.SessionCache.
func (c *Cache) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	e := c.live(sessionID)
	if e == nil || e.sess == nil {
		return nil, cache.ErrMiss
	}
	cp := *e.sess
	return &cp, nil
}

// PutSession implements cache.SessionCache.
func (c *Cache) PutSession(ctx context.Context, sess *types.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	e := c.live(sess.ID)
	if e == nil {
		e = &entry{}
		c.entries[sess.ID] = e
	}
	cp := *sess
	e.sess = &cp
	e.expires = c.now().Add(c.ttl)
	return nil
}

// Messages implements cache.SessionCache.
func (c *Cache) Messages(ctx context.Context, sessionID string) ([]types.StoredMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	e := c.live(sessionID)
	if e == nil || len(e.messages) == 0 {
		return nil, cache.ErrMiss
	}
	out := make([]types.StoredMessage, len(e.messages))
	copy(out, e.messages)
	return out, nil
}

// AppendMessage implements cache.SessionCache.
func (c *Cache) AppendMessage(ctx context.Context, sessionID string, msg types.StoredMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	e := c.live(sessionID)
	if e == nil {
		e = &entry{}
		c.entries[sessionID] = e
	}
	e.messages = append(e.messages, msg)
	if len(e.messages) > c.maxMessages {
		e.messages = e.messages[len(e.messages)-c.maxMessages:]
	}
	e.expires = c.now().Add(c.ttl)
	return nil
}

// Delete implements cache.SessionCache.
func (c *Cache) Delete(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	delete(c.entries, sessionID)
	return nil
}

// TTL implements cache.SessionCache.
func (c *Cache) TTL() time.Duration { return c.ttl }
