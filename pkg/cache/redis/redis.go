// Package redis implements the session cache on a Redis instance.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lumora-ai/lumora/pkg/cache"
	"github.com/lumora-ai/lumora/pkg/types"
)

const (
	// DefaultTTL is the entry lifetime applied on every write.
	DefaultTTL = 24 * time.Hour

	// DefaultMaxMessages caps the cached message history per session.
	DefaultMaxMessages = 50
)

// Ensure Cache implements the cache.SessionCache interface.
var _ cache.SessionCache = (*Cache)(nil)

// Option is a functional option for Cache.
type Option func(*Cache)

// WithTTL overrides the entry lifetime.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		c.ttl = d
	}
}

// WithMaxMessages overrides the per-session message history cap.
func WithMaxMessages(n int) Option {
	return func(c *Cache) {
		c.maxMessages = n
	}
}

// Cache implements cache.SessionCache backed by Redis. Session records are
// stored as JSON strings and message histories as Redis lists trimmed to the
// configured cap.
type Cache struct {
	rdb         *goredis.Client
	ttl         time.Duration
	maxMessages int
}

// New creates a Cache on an existing Redis client.
func New(rdb *goredis.Client, opts ...Option) (*Cache, error) {
	if rdb == nil {
		return nil, errors.New("redis cache: client is required")
	}
	c := &Cache{
		rdb:         rdb,
		ttl:         DefaultTTL,
		maxMessages: DefaultMaxMessages,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func sessionKey(id string) string  { return "lumora:session:" + id }
func messagesKey(id string) string { return "lumora:session:" + id + ":messages" }

// GetSession implements cache.SessionCache.
func (c *Cache) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	raw, err := c.rdb.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, cache.ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis cache: get session: %w", err)
	}
	var sess types.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("redis cache: decode session: %w", err)
	}
	return &sess, nil
}

// PutSession implements cache.SessionCache.
func (c *Cache) PutSession(ctx context.Context, sess *types.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("redis cache: encode session: %w", err)
	}
	if err := c.rdb.Set(ctx, sessionKey(sess.ID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis cache: put session: %w", err)
	}
	return nil
}

// Messages implements cache.SessionCache.
func (c *Cache) Messages(ctx context.Context, sessionID string) ([]types.StoredMessage, error) {
	raws, err := c.rdb.LRange(ctx, messagesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis cache: range messages: %w", err)
	}
	if len(raws) == 0 {
		return nil, cache.ErrMiss
	}
	msgs := make([]types.StoredMessage, 0, len(raws))
	for _, raw := range raws {
		var m types.StoredMessage
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("redis cache: decode message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// AppendMessage implements cache.SessionCache. The list is trimmed to the
// most recent maxMessages entries and the TTL on both keys is refreshed.
func (c *Cache) AppendMessage(ctx context.Context, sessionID string, msg types.StoredMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redis cache: encode message: %w", err)
	}
	key := messagesKey(sessionID)

	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, key, raw)
	pipe.LTrim(ctx, key, int64(-c.maxMessages), -1)
	pipe.Expire(ctx, key, c.ttl)
	pipe.Expire(ctx, sessionKey(sessionID), c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis cache: append message: %w", err)
	}
	return nil
}

// Delete implements cache.SessionCache.
func (c *Cache) Delete(ctx context.Context, sessionID string) error {
	if err := c.rdb.Del(ctx, sessionKey(sessionID), messagesKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis cache: delete session: %w", err)
	}
	return nil
}

// TTL implements cache.SessionCache.
func (c *Cache) TTL() time.Duration { return c.ttl }
